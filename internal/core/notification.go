package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/onboarding/internal/model"
	"github.com/edvin/onboarding/internal/platform"
)

type NotificationService struct {
	db DB
}

func NewNotificationService(db DB) *NotificationService {
	return &NotificationService{db: db}
}

// Create inserts a notification. Callers on the workflow path must treat
// failures as best-effort; the engine routes through its Notifier boundary
// which logs and swallows errors.
func (s *NotificationService) Create(ctx context.Context, n *model.Notification) error {
	n.ID = platform.NewName("ntf")
	n.CreatedAt = time.Now()

	_, err := s.db.Exec(ctx,
		`INSERT INTO notifications (id, workflow_id, applicant_id, type, message, actionable, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		n.ID, n.WorkflowID, n.ApplicantID, n.Type, n.Message, n.Actionable, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// ListByApplicant returns an applicant's notifications, newest first.
func (s *NotificationService) ListByApplicant(ctx context.Context, applicantID string, limit int, cursor string) ([]model.Notification, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var query string
	var args []any
	if cursor != "" {
		query = `SELECT id, workflow_id, applicant_id, type, message, actionable, read, created_at
		         FROM notifications
		         WHERE applicant_id = $1 AND created_at < (SELECT created_at FROM notifications WHERE id = $2)
		         ORDER BY created_at DESC LIMIT $3`
		args = []any{applicantID, cursor, limit + 1}
	} else {
		query = `SELECT id, workflow_id, applicant_id, type, message, actionable, read, created_at
		         FROM notifications
		         WHERE applicant_id = $1
		         ORDER BY created_at DESC LIMIT $2`
		args = []any{applicantID, limit + 1}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.ApplicantID, &n.Type,
			&n.Message, &n.Actionable, &n.Read, &n.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	hasMore := len(notifications) > limit
	if hasMore {
		notifications = notifications[:limit]
	}
	return notifications, hasMore, rows.Err()
}

// MarkRead flips the read flag, the only mutation notifications allow.
func (s *NotificationService) MarkRead(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE notifications SET read = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark notification %s read: %w", id, ErrNotFound)
	}
	return nil
}
