package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) GetDocumentByHash(ctx context.Context, contentHash string) (Document, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) ListDocuments(ctx context.Context) ([]Document, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func (m *MockStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) SaveChapters(ctx context.Context, docID uuid.UUID, chapters []Chapter) ([]Chapter, error) {
	args := m.Called(ctx, docID, chapters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Chapter), args.Error(1)
}

func (m *MockStore) ListChapters(ctx context.Context, docID uuid.UUID) ([]Chapter, error) {
	args := m.Called(ctx, docID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Chapter), args.Error(1)
}

func (m *MockStore) SaveSummaryNode(ctx context.Context, node SummaryNode) (SummaryNode, error) {
	args := m.Called(ctx, node)
	return args.Get(0).(SummaryNode), args.Error(1)
}

func (m *MockStore) GetSummaryNode(ctx context.Context, id uuid.UUID) (SummaryNode, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(SummaryNode), args.Error(1)
}

func (m *MockStore) ListSummaryNodes(ctx context.Context, docID uuid.UUID) ([]SummaryNode, error) {
	args := m.Called(ctx, docID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]SummaryNode), args.Error(1)
}

func (m *MockStore) MarkSuperseded(ctx context.Context, nodeID, by uuid.UUID) error {
	args := m.Called(ctx, nodeID, by)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
