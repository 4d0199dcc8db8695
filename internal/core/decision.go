package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/onboarding/internal/model"
	"github.com/edvin/onboarding/internal/platform"
)

type DecisionService struct {
	db DB
}

func NewDecisionService(db DB) *DecisionService {
	return &DecisionService{db: db}
}

// Create persists a pending decision request. The partial unique index keeps
// at most one pending row per workflow; a second request returns
// ErrDecisionOutstanding.
func (s *DecisionService) Create(ctx context.Context, d *model.PendingDecision) error {
	d.ID = platform.NewName("dec")
	d.Status = model.DecisionPending
	d.RequestedAt = time.Now()
	if d.Payload == nil {
		d.Payload = json.RawMessage("{}")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO pending_decisions (id, workflow_id, kind, status, deadline, payload, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.WorkflowID, d.Kind, d.Status, d.Deadline, d.Payload, d.RequestedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create decision for %s: %w", d.WorkflowID, ErrDecisionOutstanding)
		}
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// GetPending returns the workflow's single outstanding decision.
func (s *DecisionService) GetPending(ctx context.Context, workflowID string) (*model.PendingDecision, error) {
	var d model.PendingDecision
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, kind, status, deadline, payload, requested_at, resolved_at
		 FROM pending_decisions
		 WHERE workflow_id = $1 AND status = $2`,
		workflowID, model.DecisionPending,
	).Scan(&d.ID, &d.WorkflowID, &d.Kind, &d.Status, &d.Deadline, &d.Payload, &d.RequestedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pending decision for %s: %w", workflowID, ErrNoPendingDecision)
		}
		return nil, fmt.Errorf("get pending decision: %w", err)
	}
	return &d, nil
}

// resolve moves a pending decision to a terminal status.
func (s *DecisionService) resolve(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_decisions SET status = $2, resolved_at = now()
		 WHERE id = $1 AND status = $3`,
		id, status, model.DecisionPending,
	)
	if err != nil {
		return fmt.Errorf("resolve decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve decision %s: %w", id, ErrNoPendingDecision)
	}
	return nil
}

// Expire marks a pending decision past its deadline.
func (s *DecisionService) Expire(ctx context.Context, id string) error {
	return s.resolve(ctx, id, model.DecisionExpired)
}

// DiscardForWorkflow drops any outstanding request, used when the kill
// switch fires while a workflow is awaiting a human.
func (s *DecisionService) DiscardForWorkflow(ctx context.Context, workflowID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE pending_decisions SET status = $2, resolved_at = now()
		 WHERE workflow_id = $1 AND status = $3`,
		workflowID, model.DecisionDiscarded, model.DecisionPending,
	)
	if err != nil {
		return fmt.Errorf("discard decisions: %w", err)
	}
	return nil
}

// ListExpired returns pending decisions whose deadline has passed.
func (s *DecisionService) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.PendingDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, kind, status, deadline, payload, requested_at, resolved_at
		 FROM pending_decisions
		 WHERE status = $1 AND deadline < $2
		 ORDER BY deadline ASC LIMIT $3`,
		model.DecisionPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired decisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.PendingDecision
	for rows.Next() {
		var d model.PendingDecision
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.Kind, &d.Status, &d.Deadline,
			&d.Payload, &d.RequestedAt, &d.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan expired decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
