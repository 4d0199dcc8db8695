package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/onboarding/internal/model"
	"github.com/edvin/onboarding/internal/platform"
)

type DocumentService struct {
	db DB
}

func NewDocumentService(db DB) *DocumentService {
	return &DocumentService{db: db}
}

// Create inserts a document metadata row. Re-uploading the same document
// name replaces the previous object reference.
func (s *DocumentService) Create(ctx context.Context, doc *model.Document) error {
	doc.ID = platform.NewName("doc")
	doc.CreatedAt = time.Now()

	_, err := s.db.Exec(ctx,
		`INSERT INTO documents (id, workflow_id, name, content_type, object_key, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workflow_id, name) DO UPDATE
		 SET content_type = EXCLUDED.content_type,
		     object_key = EXCLUDED.object_key,
		     size_bytes = EXCLUDED.size_bytes`,
		doc.ID, doc.WorkflowID, doc.Name, doc.ContentType, doc.ObjectKey, doc.SizeBytes, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetByID returns one document's metadata, scoped to its workflow so a
// document id cannot be fetched through another workflow's URL.
func (s *DocumentService) GetByID(ctx context.Context, workflowID, id string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, name, content_type, object_key, size_bytes, created_at
		 FROM documents WHERE workflow_id = $1 AND id = $2`,
		workflowID, id,
	).Scan(&d.ID, &d.WorkflowID, &d.Name, &d.ContentType, &d.ObjectKey, &d.SizeBytes, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &d, nil
}

// ListByWorkflow returns a workflow's documents.
func (s *DocumentService) ListByWorkflow(ctx context.Context, workflowID string) ([]model.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, name, content_type, object_key, size_bytes, created_at
		 FROM documents WHERE workflow_id = $1 ORDER BY name ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.Name, &d.ContentType,
			&d.ObjectKey, &d.SizeBytes, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Names returns the set of document names present for a workflow.
func (s *DocumentService) Names(ctx context.Context, workflowID string) (map[string]bool, error) {
	docs, err := s.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(docs))
	for _, d := range docs {
		names[d.Name] = true
	}
	return names, nil
}
