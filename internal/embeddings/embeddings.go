package embeddings

import (
	"context"
	"math"

	"bookbot/internal/llm"
)

// Vector is a simple float32 slice wrapper.
type Vector []float32

// Request names the text to embed and an optional model override.
type Request struct {
	Text  string
	Model string
}

// Result is one embedding with token accounting and any quota signals the
// provider declared on the response.
type Result struct {
	Vector      Vector
	InputTokens int
	Quota       llm.ProviderQuota
}

// Embedder defines the embedding interface.
type Embedder interface {
	Embed(ctx context.Context, req Request) (Result, error)
}

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1], or 0 for empty or mismatched vectors.
func CosineSimilarity(a, b Vector) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
