package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/model"
)

// mockOrchestrator is a testify mock of the engine surface.
type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Terminate(ctx context.Context, workflowID, reason, actorID string) error {
	args := m.Called(ctx, workflowID, reason, actorID)
	return args.Error(0)
}

func (m *mockOrchestrator) Resume(ctx context.Context, workflowID, actorID string) error {
	args := m.Called(ctx, workflowID, actorID)
	return args.Error(0)
}

func (m *mockOrchestrator) Deliver(ctx context.Context, workflowID string, decision model.Decision) error {
	args := m.Called(ctx, workflowID, decision)
	return args.Error(0)
}

func (m *mockOrchestrator) DeliverQuoteCallback(ctx context.Context, workflowID string, quote *gateway.Quote) error {
	args := m.Called(ctx, workflowID, quote)
	return args.Error(0)
}

func (m *mockOrchestrator) SubmitDocument(ctx context.Context, workflowID, name, contentType string, content []byte, actorID string) (*model.Document, error) {
	args := m.Called(ctx, workflowID, name, contentType, content, actorID)
	if doc := args.Get(0); doc != nil {
		return doc.(*model.Document), args.Error(1)
	}
	return nil, args.Error(1)
}
