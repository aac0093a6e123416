package llm

import (
	"context"
	"time"
)

// Request is a single completion request against the provider.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is the provider's reply, with token accounting and any quota
// signals the provider declared on the response.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Quota        ProviderQuota
}

// ProviderQuota carries rate-limit state parsed from provider response
// headers. Declared is false when the provider sent none.
type ProviderQuota struct {
	Declared   bool
	Remaining  int
	ResetAfter time.Duration
}

// Client is a minimal completion interface to allow pluggable providers.
type Client interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}
