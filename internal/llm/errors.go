package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
)

// ProviderError describes a failed provider call, classified for retry.
// Transient failures (throttling, 5xx, timeouts) are worth retrying;
// everything else (bad request, auth) is definitive.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
	}
	return "provider: " + e.Message
}

// Classify converts an SDK error into a ProviderError, preserving the
// transient/fatal distinction and any Retry-After hint. Context
// cancellation passes through untouched so callers can tell a walked-away
// caller from a provider failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe := &ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Transient:  transientStatus(apiErr.StatusCode),
		}
		if pe.Message == "" {
			pe.Message = apiErr.Error()
		}
		if apiErr.Response != nil {
			pe.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Message: "round-trip timed out: " + err.Error(), Transient: true}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &ProviderError{Message: "network: " + err.Error(), Transient: true}
	}
	return &ProviderError{Message: err.Error(), Transient: true}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// RetryAfter extracts the provider-requested pause from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

func transientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// QuotaFromHeaders parses the rate-limit headers OpenAI-compatible
// providers attach to responses. The declared remaining count is
// authoritative over any locally estimated window.
func QuotaFromHeaders(resp *http.Response) ProviderQuota {
	if resp == nil {
		return ProviderQuota{}
	}
	remaining := strings.TrimSpace(resp.Header.Get("x-ratelimit-remaining-requests"))
	if remaining == "" {
		return ProviderQuota{}
	}
	n, err := strconv.Atoi(remaining)
	if err != nil || n < 0 {
		return ProviderQuota{}
	}
	q := ProviderQuota{Declared: true, Remaining: n}
	if reset := resp.Header.Get("x-ratelimit-reset-requests"); reset != "" {
		q.ResetAfter = parseResetAfter(reset)
	}
	return q
}

// parseResetAfter accepts both duration strings ("1s", "6m12s") and bare
// seconds ("12"), the two formats seen across providers.
func parseResetAfter(s string) time.Duration {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(s); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
