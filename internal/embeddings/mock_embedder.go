package embeddings

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockEmbedder is a mock implementation of Embedder using testify/mock.
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, req Request) (Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Result), args.Error(1)
}
