package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB defines the database operations used by the services.
// *pgxpool.Pool satisfies this interface.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is the subset of DB shared with pgx.Tx, so statements can run
// either standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrWorkflowInactive is returned when a write is refused because the
	// workflow is terminated (or does not exist). Nothing may be appended to
	// a terminated workflow.
	ErrWorkflowInactive = errors.New("workflow is terminated or does not exist")
	// ErrConflict is returned when a guarded transition matched no row, e.g.
	// a stage completion racing a kill switch.
	ErrConflict = errors.New("workflow state changed concurrently")
	// ErrDecisionOutstanding is returned when a second pending decision is
	// requested for a workflow that already has one.
	ErrDecisionOutstanding = errors.New("workflow already has an outstanding decision")
	// ErrNoPendingDecision is returned when a decision is delivered but none
	// is expected.
	ErrNoPendingDecision = errors.New("no pending decision for workflow")
)

// Services bundles the store services sharing one DB handle.
type Services struct {
	Workflow     *WorkflowService
	Event        *EventService
	Notification *NotificationService
	Decision     *DecisionService
	Document     *DocumentService
}

func NewServices(db DB) *Services {
	return &Services{
		Workflow:     NewWorkflowService(db),
		Event:        NewEventService(db),
		Notification: NewNotificationService(db),
		Decision:     NewDecisionService(db),
		Document:     NewDocumentService(db),
	}
}
