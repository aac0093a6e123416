package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"bookbot/internal/cache"
	"bookbot/internal/clock"
	"bookbot/internal/embeddings"
	"bookbot/internal/ledger"
	"bookbot/internal/llm"
	"bookbot/internal/retry"
)

// CompletionSpec describes one completion call: the semantic inputs that
// form its fingerprint plus per-call overrides.
type CompletionSpec struct {
	Template    string // prompt template name, part of the fingerprint
	System      string
	Prompt      string
	Model       string // empty uses the provider client's default
	MaxTokens   int
	Temperature float64
	ContentHash string        // hash of the semantic input, part of the fingerprint
	TTL         time.Duration // cache TTL override; 0 uses the gateway default
	MaxWait     time.Duration // quota wait override; 0 uses the gateway default
}

// Fingerprint returns the deterministic cache and coalescing key.
func (s CompletionSpec) Fingerprint() string {
	return cache.Fingerprint("completion", s.Template, s.Model, s.ContentHash)
}

// EmbedSpec describes one embedding call.
type EmbedSpec struct {
	Text    string
	Model   string
	TTL     time.Duration
	MaxWait time.Duration
}

// Fingerprint returns the deterministic cache and coalescing key.
func (s EmbedSpec) Fingerprint() string {
	return cache.Fingerprint("embedding", "", s.Model, HashText(s.Text))
}

// HashText returns the hex sha256 of text, the content-hash form used in
// fingerprints.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Pricing converts token counts to cost, in USD per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the USD cost of a call.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1e6
}

// Options configures a Gateway.
type Options struct {
	Cache        cache.Cache
	Ledger       ledger.Ledger
	Window       *QuotaWindow
	Clock        clock.Clock
	Retry        retry.Policy
	Pricing      Pricing
	CacheTTL     time.Duration
	QuotaMaxWait time.Duration
	CallTimeout  time.Duration
}

// Gateway is the single chokepoint for provider calls. Every completion
// and embedding passes through the response cache, per-fingerprint
// coalescing, the quota window, the retry policy and the usage ledger,
// in that order.
type Gateway struct {
	client   llm.Client
	embedder embeddings.Embedder
	cache    cache.Cache
	ledger   ledger.Ledger
	window   *QuotaWindow
	clock    clock.Clock
	log      *slog.Logger

	flights      singleflight.Group
	retry        retry.Policy
	pricing      Pricing
	ttl          time.Duration
	maxQuotaWait time.Duration
	callTimeout  time.Duration
}

// New builds a Gateway over the given provider clients.
func New(client llm.Client, embedder embeddings.Embedder, log *slog.Logger, opts Options) *Gateway {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Wall{}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxWait := opts.QuotaMaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	pol := opts.Retry
	if pol.MaxAttempts <= 0 {
		pol = retry.DefaultPolicy()
	}
	store := opts.Cache
	if store == nil {
		store = cache.NewNoOpCache()
	}
	book := opts.Ledger
	if book == nil {
		book = ledger.NewMemoryLedger()
	}
	window := opts.Window
	if window == nil {
		window = NewQuotaWindow(20, time.Minute, clk)
	}
	return &Gateway{
		client:       client,
		embedder:     embedder,
		cache:        store,
		ledger:       book,
		window:       window,
		clock:        clk,
		log:          log,
		retry:        pol,
		pricing:      opts.Pricing,
		ttl:          ttl,
		maxQuotaWait: maxWait,
		callTimeout:  callTimeout,
	}
}

// cachedCompletion is the payload stored for completion fingerprints.
type cachedCompletion struct {
	Text string `json:"text"`
}

// cachedEmbedding is the payload stored for embedding fingerprints.
type cachedEmbedding struct {
	Vector embeddings.Vector `json:"vector"`
}

// Complete returns the completion for spec, serving repeats from the
// cache and merging concurrent identical requests into one provider
// call. Only calls that reach the provider consume quota, and only
// successful calls are written to the ledger.
func (g *Gateway) Complete(ctx context.Context, spec CompletionSpec) (llm.Completion, error) {
	if spec.Prompt == "" {
		return llm.Completion{}, fmt.Errorf("completion spec: empty prompt")
	}
	if spec.ContentHash == "" {
		spec.ContentHash = HashText(spec.System + "\x00" + spec.Prompt)
	}
	fp := spec.Fingerprint()

	if entry, err := g.lookup(ctx, fp); err != nil {
		return llm.Completion{}, err
	} else if entry != nil {
		var payload cachedCompletion
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return llm.Completion{}, fmt.Errorf("decode cached completion: %w", err)
		}
		g.log.Debug("completion served from cache", "fingerprint", shortFP(fp))
		return llm.Completion{
			Text:         payload.Text,
			InputTokens:  entry.InputTokens,
			OutputTokens: entry.OutputTokens,
		}, nil
	}

	v, err := g.coalesce(ctx, fp, func(flightCtx context.Context) (any, error) {
		return g.completeFlight(flightCtx, fp, spec)
	})
	if err != nil {
		return llm.Completion{}, err
	}
	return v.(llm.Completion), nil
}

// Embed returns the embedding vector for spec, with the same cache,
// coalescing, quota and ledger treatment as Complete.
func (g *Gateway) Embed(ctx context.Context, spec EmbedSpec) (embeddings.Vector, error) {
	if spec.Text == "" {
		return nil, fmt.Errorf("embed spec: empty text")
	}
	fp := spec.Fingerprint()

	if entry, err := g.lookup(ctx, fp); err != nil {
		return nil, err
	} else if entry != nil {
		var payload cachedEmbedding
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode cached embedding: %w", err)
		}
		g.log.Debug("embedding served from cache", "fingerprint", shortFP(fp))
		return payload.Vector, nil
	}

	v, err := g.coalesce(ctx, fp, func(flightCtx context.Context) (any, error) {
		return g.embedFlight(flightCtx, fp, spec)
	})
	if err != nil {
		return nil, err
	}
	return v.(embeddings.Vector), nil
}

// Usage reports the quota window occupancy and the ledger totals.
func (g *Gateway) Usage(ctx context.Context) (QuotaSnapshot, ledger.Totals, error) {
	totals, err := g.ledger.Totals(ctx)
	if err != nil {
		return QuotaSnapshot{}, ledger.Totals{}, fmt.Errorf("ledger totals: %w", err)
	}
	return g.window.Snapshot(), totals, nil
}

// lookup consults the cache, treating backend failure as a miss so a
// degraded cache never blocks provider calls.
func (g *Gateway) lookup(ctx context.Context, fp string) (*cache.Entry, error) {
	entry, err := g.cache.Get(ctx, fp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.log.Warn("cache lookup failed", "fingerprint", shortFP(fp), "error", err)
		return nil, nil
	}
	return entry, nil
}

// coalesce merges concurrent calls for the same fingerprint into one
// in-flight execution. The flight runs detached from any single caller
// so that one waiter leaving does not abort the work for the rest; each
// waiter still honors its own context.
func (g *Gateway) coalesce(ctx context.Context, fp string, fn func(context.Context) (any, error)) (any, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := g.flights.DoChan(fp, func() (any, error) {
		return fn(flightCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) completeFlight(ctx context.Context, fp string, spec CompletionSpec) (any, error) {
	// A shared cache may have been filled while this flight queued.
	if entry, _ := g.cache.Get(ctx, fp); entry != nil {
		var payload cachedCompletion
		if err := json.Unmarshal(entry.Payload, &payload); err == nil {
			return llm.Completion{
				Text:         payload.Text,
				InputTokens:  entry.InputTokens,
				OutputTokens: entry.OutputTokens,
			}, nil
		}
	}

	if err := g.acquire(ctx, spec.MaxWait); err != nil {
		return nil, err
	}

	req := llm.Request{
		System:      spec.System,
		Prompt:      spec.Prompt,
		Model:       spec.Model,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
	}
	comp, err := g.dispatchCompletion(ctx, fp, req)
	if err != nil {
		return nil, err
	}

	g.record(ctx, ledger.Entry{
		Kind:         ledger.KindCompletion,
		Model:        spec.Model,
		Fingerprint:  fp,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		CostUSD:      g.pricing.Cost(comp.InputTokens, comp.OutputTokens),
	})
	g.store(ctx, fp, cachedCompletion{Text: comp.Text}, comp.InputTokens, comp.OutputTokens, spec.TTL)
	return comp, nil
}

func (g *Gateway) embedFlight(ctx context.Context, fp string, spec EmbedSpec) (any, error) {
	if entry, _ := g.cache.Get(ctx, fp); entry != nil {
		var payload cachedEmbedding
		if err := json.Unmarshal(entry.Payload, &payload); err == nil {
			return payload.Vector, nil
		}
	}

	if err := g.acquire(ctx, spec.MaxWait); err != nil {
		return nil, err
	}

	result, err := g.dispatchEmbedding(ctx, fp, embeddings.Request{Text: spec.Text, Model: spec.Model})
	if err != nil {
		return nil, err
	}

	g.record(ctx, ledger.Entry{
		Kind:        ledger.KindEmbedding,
		Model:       spec.Model,
		Fingerprint: fp,
		InputTokens: result.InputTokens,
		CostUSD:     g.pricing.Cost(result.InputTokens, 0),
	})
	g.store(ctx, fp, cachedEmbedding{Vector: result.Vector}, result.InputTokens, 0, spec.TTL)
	return result.Vector, nil
}

// acquire waits for a quota grant, bounded by maxWait.
func (g *Gateway) acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = g.maxQuotaWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	if err := g.window.Acquire(waitCtx); err != nil {
		return err
	}
	return nil
}

// dispatchCompletion runs the provider call under the retry policy. The
// quota grant taken before the first attempt covers all retries of the
// same call.
func (g *Gateway) dispatchCompletion(ctx context.Context, fp string, req llm.Request) (llm.Completion, error) {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.backoff(ctx, attempt-1, lastErr); err != nil {
				return llm.Completion{}, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		comp, err := g.client.Complete(callCtx, req)
		cancel()
		if err == nil {
			g.window.SyncProvider(comp.Quota)
			return comp, nil
		}
		lastErr = err
		if stop := g.noteFailure(ctx, fp, attempt, err); stop {
			return llm.Completion{}, err
		}
	}
	return llm.Completion{}, fmt.Errorf("provider call failed after %d attempts: %w", g.retry.MaxAttempts, lastErr)
}

// dispatchEmbedding mirrors dispatchCompletion for the embeddings client.
func (g *Gateway) dispatchEmbedding(ctx context.Context, fp string, req embeddings.Request) (embeddings.Result, error) {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.backoff(ctx, attempt-1, lastErr); err != nil {
				return embeddings.Result{}, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		result, err := g.embedder.Embed(callCtx, req)
		cancel()
		if err == nil {
			g.window.SyncProvider(result.Quota)
			return result, nil
		}
		lastErr = err
		if stop := g.noteFailure(ctx, fp, attempt, err); stop {
			return embeddings.Result{}, err
		}
	}
	return embeddings.Result{}, fmt.Errorf("provider call failed after %d attempts: %w", g.retry.MaxAttempts, lastErr)
}

// noteFailure folds a failed attempt into the quota window and reports
// whether retrying is pointless.
func (g *Gateway) noteFailure(ctx context.Context, fp string, attempt int, err error) (stop bool) {
	if ra, ok := llm.RetryAfter(err); ok {
		g.window.SyncProvider(llm.ProviderQuota{Declared: true, Remaining: 0, ResetAfter: ra})
	}
	if ctx.Err() != nil {
		return true
	}
	if !llm.IsTransient(err) {
		g.log.Warn("provider call failed permanently",
			"fingerprint", shortFP(fp), "attempt", attempt+1, "error", err)
		return true
	}
	g.log.Warn("provider call failed, will retry",
		"fingerprint", shortFP(fp), "attempt", attempt+1, "error", err)
	return false
}

// backoff sleeps between attempts, honoring a provider Retry-After hint
// when it exceeds the computed delay.
func (g *Gateway) backoff(ctx context.Context, attempt int, lastErr error) error {
	delay := g.retry.Delay(attempt)
	if ra, ok := llm.RetryAfter(lastErr); ok && ra > delay {
		delay = ra
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(delay):
		return nil
	}
}

// record appends a successful call to the ledger. Accounting failure is
// logged but never fails the call that already produced an answer.
func (g *Gateway) record(ctx context.Context, e ledger.Entry) {
	e.ID = uuid.New()
	e.At = g.clock.Now()
	if err := g.ledger.Append(ctx, e); err != nil {
		g.log.Error("ledger append failed", "fingerprint", shortFP(e.Fingerprint), "error", err)
	}
}

// store writes a successful response back to the cache.
func (g *Gateway) store(ctx context.Context, fp string, payload any, inputTokens, outputTokens int, ttl time.Duration) {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("encode cache payload failed", "fingerprint", shortFP(fp), "error", err)
		return
	}
	if ttl <= 0 {
		ttl = g.ttl
	}
	entry := &cache.Entry{
		Payload:      raw,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CreatedAt:    g.clock.Now(),
	}
	if err := g.cache.Set(ctx, fp, entry, ttl); err != nil {
		g.log.Warn("cache store failed", "fingerprint", shortFP(fp), "error", err)
	}
}

// shortFP abbreviates a fingerprint for log lines.
func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
