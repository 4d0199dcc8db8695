package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edvin/onboarding/internal/model"
	"github.com/edvin/onboarding/internal/platform"
)

type EventService struct {
	db DB
}

func NewEventService(db DB) *EventService {
	return &EventService{db: db}
}

// insertEvent writes one event row. Used standalone and inside workflow
// transactions so the transition and its event share a commit. The insert is
// guarded in-statement: a terminated workflow accepts no events.
func insertEvent(ctx context.Context, q querier, evt *model.WorkflowEvent) error {
	if !evt.EventType.Valid() {
		return fmt.Errorf("unregistered event type %q", evt.EventType)
	}
	evt.ID = platform.NewID()
	evt.CreatedAt = time.Now()
	if evt.Payload == nil {
		evt.Payload = json.RawMessage("{}")
	}
	if evt.ActorType == "" {
		actor, err := evt.EventType.DefaultActor()
		if err != nil {
			return err
		}
		evt.ActorType = actor
	}

	guard := `AND w.status <> 'terminated'`
	if evt.EventType == model.EventKillSwitchExecuted {
		// The kill event itself is the only append allowed to accompany the
		// flip to terminated; its transaction's status guard protects it.
		guard = ""
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO workflow_events (id, workflow_id, event_type, payload, actor_type, actor_id, created_at)
		 SELECT $1, w.id, $3, $4, $5, $6, $7
		 FROM workflow_instances w WHERE w.id = $2 `+guard,
		evt.ID, evt.WorkflowID, evt.EventType, evt.Payload, evt.ActorType, evt.ActorID, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append %s to %s: %w", evt.EventType, evt.WorkflowID, ErrWorkflowInactive)
	}
	return nil
}

// Append records one event. The log is append-only; nothing here or anywhere
// else updates or deletes event rows.
func (s *EventService) Append(ctx context.Context, evt *model.WorkflowEvent) error {
	return insertEvent(ctx, s.db, evt)
}

// ListByWorkflow returns a workflow's events in append order, paginated by
// seq cursor.
func (s *EventService) ListByWorkflow(ctx context.Context, workflowID string, limit int, cursor string) ([]model.WorkflowEvent, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var query string
	var args []any
	if cursor != "" {
		query = `SELECT id, workflow_id, seq, event_type, payload, actor_type, actor_id, created_at
		         FROM workflow_events
		         WHERE workflow_id = $1 AND seq > (SELECT seq FROM workflow_events WHERE id = $2)
		         ORDER BY seq ASC LIMIT $3`
		args = []any{workflowID, cursor, limit + 1}
	} else {
		query = `SELECT id, workflow_id, seq, event_type, payload, actor_type, actor_id, created_at
		         FROM workflow_events
		         WHERE workflow_id = $1
		         ORDER BY seq ASC LIMIT $2`
		args = []any{workflowID, limit + 1}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		if err := rows.Scan(&evt.ID, &evt.WorkflowID, &evt.Seq, &evt.EventType,
			&evt.Payload, &evt.ActorType, &evt.ActorID, &evt.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return events, hasMore, rows.Err()
}

// Has reports whether at least one event of the given type exists for the
// workflow.
func (s *EventService) Has(ctx context.Context, workflowID string, eventType model.EventType) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_events WHERE workflow_id = $1 AND event_type = $2)`,
		workflowID, eventType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventType, err)
	}
	return exists, nil
}

// HasWithPayloadField reports whether an event of the given type exists whose
// payload field matches the value. Used for event-identity dedup of replayed
// webhook deliveries (e.g. quote_accepted by quote_id).
func (s *EventService) HasWithPayloadField(ctx context.Context, workflowID string, eventType model.EventType, field, value string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_events
		  WHERE workflow_id = $1 AND event_type = $2 AND payload->>$3 = $4)`,
		workflowID, eventType, field, value,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event %s payload: %w", eventType, err)
	}
	return exists, nil
}

// CountByType returns how many events of the given type the workflow has.
// The mandate retry bound is counted from the log, not from memory, so it
// survives restarts.
func (s *EventService) CountByType(ctx context.Context, workflowID string, eventType model.EventType) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM workflow_events WHERE workflow_id = $1 AND event_type = $2`,
		workflowID, eventType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events %s: %w", eventType, err)
	}
	return count, nil
}
