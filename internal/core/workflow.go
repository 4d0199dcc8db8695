package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/onboarding/internal/model"
	"github.com/edvin/onboarding/internal/platform"
)

const workflowColumns = `id, applicant_id, business_type, lead_id, status, stage,
	        failure_reason, metadata, locked_by, locked_until, created_at, updated_at`

type WorkflowService struct {
	db DB
}

func NewWorkflowService(db DB) *WorkflowService {
	return &WorkflowService{db: db}
}

// Create inserts a new workflow instance at stage 1 and appends the
// workflow_started event in the same transaction.
func (s *WorkflowService) Create(ctx context.Context, wf *model.WorkflowInstance) error {
	wf.ID = platform.NewName("wf")
	wf.Status = model.StatusPending
	wf.Stage = model.StageBusinessTypeDetermination
	now := time.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if wf.Metadata == nil {
		wf.Metadata = json.RawMessage("{}")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_instances (id, applicant_id, business_type, lead_id, status, stage, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		wf.ID, wf.ApplicantID, wf.BusinessType, wf.LeadID, wf.Status, wf.Stage, wf.Metadata, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"applicant_id": wf.ApplicantID})
	if err := insertEvent(ctx, tx, &model.WorkflowEvent{
		WorkflowID: wf.ID,
		EventType:  model.EventWorkflowStarted,
		Payload:    payload,
		ActorType:  model.ActorPlatform,
	}); err != nil {
		return fmt.Errorf("create workflow event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create workflow: %w", err)
	}
	return nil
}

// GetByID returns a workflow instance by ID.
func (s *WorkflowService) GetByID(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// WorkflowFilters holds optional filters for listing workflows.
type WorkflowFilters struct {
	Status      string
	ApplicantID string
}

// List returns workflow instances with optional filters, paginated by
// created_at cursor.
func (s *WorkflowService) List(ctx context.Context, filters WorkflowFilters, limit int, cursor string) ([]model.WorkflowInstance, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT ` + workflowColumns + ` FROM workflow_instances`

	var conditions []string
	var args []any
	argN := 1

	if filters.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argN))
		args = append(args, filters.Status)
		argN++
	}
	if filters.ApplicantID != "" {
		conditions = append(conditions, fmt.Sprintf("applicant_id = $%d", argN))
		args = append(args, filters.ApplicantID)
		argN++
	}
	if cursor != "" {
		conditions = append(conditions, fmt.Sprintf("created_at < (SELECT created_at FROM workflow_instances WHERE id = $%d)", argN))
		args = append(args, cursor)
		argN++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argN)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []model.WorkflowInstance
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, *wf)
	}

	hasMore := len(workflows) > limit
	if hasMore {
		workflows = workflows[:limit]
	}
	return workflows, hasMore, rows.Err()
}

// ListRunnable returns ids of instances eligible for an engine pass:
// pending or running, with no live lease.
func (s *WorkflowService) ListRunnable(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM workflow_instances
		 WHERE status IN ($1, $2) AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY updated_at ASC LIMIT $3`,
		model.StatusPending, model.StatusRunning, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runnable workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan runnable id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimLease takes the exclusive instance lease for the given worker.
// Returns false when another worker holds a live lease or the instance is
// terminal. All stage work on an instance serializes through this lease.
func (s *WorkflowService) ClaimLease(ctx context.Context, id, workerID string, duration time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_instances
		 SET locked_by = $2, locked_until = now() + $3
		 WHERE id = $1
		   AND status IN ('pending', 'running', 'awaiting_human')
		   AND (locked_until IS NULL OR locked_until < now() OR locked_by = $2)`,
		id, workerID, duration,
	)
	if err != nil {
		return false, fmt.Errorf("claim lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if this worker still holds it. Suspending for
// human or async external input always releases; resumption reacquires.
func (s *WorkflowService) ReleaseLease(ctx context.Context, id, workerID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workflow_instances SET locked_by = NULL, locked_until = NULL
		 WHERE id = $1 AND locked_by = $2`,
		id, workerID,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// TransitionParams describes one atomic state transition: the instance
// mutation and the event recording it, applied in a single transaction.
type TransitionParams struct {
	WorkflowID string
	// FromStatuses guards the transition; empty means any non-terminated.
	FromStatuses []string
	Status       string
	// Stage of 0 keeps the current stage.
	Stage         model.Stage
	BusinessType  *string
	LeadID        *string
	FailureReason *string
	Event         *model.WorkflowEvent
	// CompleteDecisionID resolves that pending decision in the same
	// transaction, so a decision outcome and its completion commit together.
	// A decision already resolved is left alone.
	CompleteDecisionID string
}

// Transition applies the instance mutation and appends its event atomically.
// A transition whose guard no longer matches (terminated instance, racing
// transition) returns ErrConflict and writes nothing.
func (s *WorkflowService) Transition(ctx context.Context, p TransitionParams) error {
	if p.Event == nil {
		return fmt.Errorf("transition for %s: event is required", p.WorkflowID)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	sets := []string{"status = $2", "updated_at = now()"}
	args := []any{p.WorkflowID, p.Status}
	argN := 3

	if p.Stage != 0 {
		sets = append(sets, fmt.Sprintf("stage = $%d", argN))
		args = append(args, p.Stage)
		argN++
	}
	if p.BusinessType != nil {
		sets = append(sets, fmt.Sprintf("business_type = $%d", argN))
		args = append(args, *p.BusinessType)
		argN++
	}
	if p.LeadID != nil {
		sets = append(sets, fmt.Sprintf("lead_id = $%d", argN))
		args = append(args, *p.LeadID)
		argN++
	}
	if p.FailureReason != nil {
		sets = append(sets, fmt.Sprintf("failure_reason = $%d", argN))
		args = append(args, *p.FailureReason)
		argN++
	}

	guard := "status <> 'terminated'"
	if len(p.FromStatuses) > 0 {
		guard = fmt.Sprintf("status = ANY($%d)", argN)
		args = append(args, p.FromStatuses)
	}

	query := fmt.Sprintf(
		"UPDATE workflow_instances SET %s WHERE id = $1 AND %s",
		strings.Join(sets, ", "), guard,
	)
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transition workflow %s to %s: %w", p.WorkflowID, p.Status, ErrConflict)
	}

	p.Event.WorkflowID = p.WorkflowID
	if err := insertEvent(ctx, tx, p.Event); err != nil {
		return fmt.Errorf("transition event: %w", err)
	}

	if p.CompleteDecisionID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE pending_decisions SET status = $2, resolved_at = now()
			 WHERE id = $1 AND status = $3`,
			p.CompleteDecisionID, model.DecisionCompleted, model.DecisionPending,
		); err != nil {
			return fmt.Errorf("transition decision: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// Terminate executes the kill switch: unconditional, immediate, irreversible.
// The kill_switch_executed event and the status flip commit together; after
// that no field of the instance ever changes and no event is ever appended.
// Terminating an already-terminated workflow is a no-op. The returned bool
// reports whether this call flipped the row, so racing terminations agree on
// a single winner.
func (s *WorkflowService) Terminate(ctx context.Context, id, reason, actorID string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin terminate: %w", err)
	}
	defer tx.Rollback(ctx)

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := insertEvent(ctx, tx, &model.WorkflowEvent{
		WorkflowID: id,
		EventType:  model.EventKillSwitchExecuted,
		Payload:    payload,
		ActorType:  model.ActorUser,
		ActorID:    &actorID,
	}); err != nil {
		return false, fmt.Errorf("terminate event: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE workflow_instances
		 SET status = $2, failure_reason = $3, locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND status <> $2`,
		id, model.StatusTerminated, reason,
	)
	if err != nil {
		return false, fmt.Errorf("terminate workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminated; do not append another event.
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit terminate: %w", err)
	}
	return true, nil
}

func scanWorkflow(row pgx.Row) (*model.WorkflowInstance, error) {
	var wf model.WorkflowInstance
	err := row.Scan(&wf.ID, &wf.ApplicantID, &wf.BusinessType, &wf.LeadID,
		&wf.Status, &wf.Stage, &wf.FailureReason, &wf.Metadata,
		&wf.LockedBy, &wf.LockedUntil, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}
