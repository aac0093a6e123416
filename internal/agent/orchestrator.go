package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bookbot/internal/clock"
	"bookbot/internal/queue"
	"bookbot/internal/resource"
	"bookbot/internal/retry"
	"bookbot/internal/store"
)

// AgentState is an agent's entry in the status table. busy while handling,
// idle after a success, degraded after a failure until the next success,
// down only when the watchdog declares a stall.
type AgentState string

const (
	StateIdle     AgentState = "idle"
	StateBusy     AgentState = "busy"
	StateDegraded AgentState = "degraded"
	StateDown     AgentState = "down"
)

// TaskState tracks a task through its lifecycle. Terminal states are
// immutable; failed-fatal tasks stay on the dead-letter list.
type TaskState string

const (
	TaskQueued          TaskState = "queued"
	TaskRunning         TaskState = "running"
	TaskSucceeded       TaskState = "succeeded"
	TaskFailedRetryable TaskState = "failed-retryable"
	TaskFailedFatal     TaskState = "failed-fatal"
)

// TaskRecord is the orchestrator-side view of a task.
type TaskRecord struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	DocumentID uuid.UUID `json:"document_id"`
	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentStatus is one row of the status table.
type AgentStatus struct {
	Kind      Kind       `json:"kind"`
	State     AgentState `json:"state"`
	LastBeat  time.Time  `json:"last_beat"`
	LastError string     `json:"last_error,omitempty"`
	Handled   int        `json:"handled"`
	Failed    int        `json:"failed"`
	Restarts  int        `json:"restarts"`
}

// Status is the full orchestrator view served by the status endpoint.
type Status struct {
	Agents      []AgentStatus     `json:"agents"`
	Tasks       map[TaskState]int `json:"tasks"`
	DeadLetters []TaskRecord      `json:"dead_letters"`
}

type Options struct {
	TaskMaxAttempts  int
	TaskMemoryMB     int
	WatchdogInterval time.Duration
	WatchdogTimeout  time.Duration
	Retry            retry.Policy
}

func (o Options) withDefaults() Options {
	if o.TaskMaxAttempts <= 0 {
		o.TaskMaxAttempts = 5
	}
	if o.TaskMemoryMB <= 0 {
		o.TaskMemoryMB = 2048
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 15 * time.Second
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = 2 * time.Minute
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

type agentSlot struct {
	factory    Factory
	agent      Agent
	state      AgentState
	lastBeat   time.Time
	lastError  string
	handled    int
	failed     int
	restarts   int
	generation int
	inflight   *Task
	cancel     context.CancelFunc
}

// Orchestrator owns the queue workers, the agent status table, per-task
// state records, the watchdog, and the memory tracker. Failed tasks are
// requeued with backoff until their attempt budget runs out, then recorded
// on the dead-letter list with the document marked failed, never dropped.
type Orchestrator struct {
	queue   queue.Queue
	store   store.Store
	tracker *resource.Tracker
	clock   clock.Clock
	log     *slog.Logger
	opts    Options

	queryHandler *QueryHandler

	mu          sync.Mutex
	agents      map[Kind]*agentSlot
	tasks       map[uuid.UUID]*TaskRecord
	deadLetters []TaskRecord
}

func NewOrchestrator(q queue.Queue, st store.Store, tracker *resource.Tracker, clk clock.Clock, log *slog.Logger, opts Options) *Orchestrator {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &Orchestrator{
		queue:   q,
		store:   st,
		tracker: tracker,
		clock:   clk,
		log:     log,
		opts:    opts.withDefaults(),
		agents:  make(map[Kind]*agentSlot),
		tasks:   make(map[uuid.UUID]*TaskRecord),
	}
}

// Register adds an agent; the factory is invoked once now and again whenever
// the watchdog replaces a stalled instance.
func (o *Orchestrator) Register(factory Factory) {
	agent := factory()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[agent.Kind()] = &agentSlot{
		factory:  factory,
		agent:    agent,
		state:    StateIdle,
		lastBeat: o.clock.Now(),
	}
}

// RegisterQuery installs the synchronous query handler. It appears in the
// status table like any agent but consumes no queue tasks.
func (o *Orchestrator) RegisterQuery(h *QueryHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queryHandler = h
	o.agents[KindQuery] = &agentSlot{
		state:    StateIdle,
		lastBeat: o.clock.Now(),
	}
}

// Run starts one queue worker per registered agent kind plus the watchdog
// and blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	kinds := make([]Kind, 0, len(o.agents))
	for kind, slot := range o.agents {
		if slot.factory != nil {
			kinds = append(kinds, kind)
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		g.Go(func() error {
			return o.queue.Worker(gctx, kind, func(ctx context.Context, task Task) error {
				o.execute(ctx, task.Kind, task)
				return nil
			})
		})
	}
	g.Go(func() error {
		return o.runWatchdog(gctx)
	})
	return g.Wait()
}

// Submit enqueues a fresh task and returns its id.
func (o *Orchestrator) Submit(ctx context.Context, kind Kind, payload Payload) (uuid.UUID, error) {
	task, err := NewTask(kind, payload, o.opts.TaskMaxAttempts)
	if err != nil {
		return uuid.Nil, err
	}
	o.recordTask(task, payload.DocumentID, TaskQueued, "")
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("enqueuing %s task: %w", kind, err)
	}
	return task.ID, nil
}

// Heartbeat marks progress for an agent doing long work; the summarization
// pipeline calls this between chapters so the watchdog can tell slow from
// stalled.
func (o *Orchestrator) Heartbeat(kind Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.agents[kind]; ok {
		slot.lastBeat = o.clock.Now()
	}
}

// Ask answers a question synchronously. It still runs through the guarded
// path (memory lease, status table, panic isolation) so interactive
// queries show up next to queue work in the status table.
func (o *Orchestrator) Ask(ctx context.Context, question string, k int) (Answer, error) {
	var answer Answer
	err := o.runQuery(ctx, func(ctx context.Context) error {
		var err error
		answer, err = o.queryHandler.Ask(ctx, question, k)
		return err
	})
	return answer, err
}

// Search ranks library documents synchronously through the query slot.
func (o *Orchestrator) Search(ctx context.Context, text string, k int) ([]SearchResult, error) {
	var results []SearchResult
	err := o.runQuery(ctx, func(ctx context.Context) error {
		var err error
		results, err = o.queryHandler.Search(ctx, text, k)
		return err
	})
	return results, err
}

func (o *Orchestrator) runQuery(ctx context.Context, fn func(context.Context) error) (err error) {
	o.mu.Lock()
	slot := o.agents[KindQuery]
	handler := o.queryHandler
	o.mu.Unlock()
	if slot == nil || handler == nil {
		return errors.New("query handler not registered")
	}

	release, err := o.tracker.Acquire("task:"+string(KindQuery), o.opts.TaskMemoryMB)
	if err != nil {
		return err
	}
	defer release()

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	slot.state = StateBusy
	slot.lastBeat = o.clock.Now()
	slot.cancel = cancel
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("query handler crashed", "panic", r)
			err = fmt.Errorf("query crash: %v", r)
		}
		o.mu.Lock()
		slot.cancel = nil
		slot.lastBeat = o.clock.Now()
		if err != nil {
			slot.state = StateDegraded
			slot.failed++
			slot.lastError = err.Error()
		} else {
			slot.state = StateIdle
			slot.handled++
			slot.lastError = ""
		}
		o.mu.Unlock()
	}()

	return fn(qctx)
}

// Status snapshots the status table, task counts, and dead letters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{
		Tasks:       make(map[TaskState]int),
		DeadLetters: append([]TaskRecord(nil), o.deadLetters...),
	}
	for kind, slot := range o.agents {
		status.Agents = append(status.Agents, AgentStatus{
			Kind:      kind,
			State:     slot.state,
			LastBeat:  slot.lastBeat,
			LastError: slot.lastError,
			Handled:   slot.handled,
			Failed:    slot.failed,
			Restarts:  slot.restarts,
		})
	}
	sortAgentStatuses(status.Agents)
	for _, record := range o.tasks {
		status.Tasks[record.State]++
	}
	return status
}

func sortAgentStatuses(agents []AgentStatus) {
	order := map[Kind]int{
		KindSelection:     0,
		KindSummarization: 1,
		KindLibrarian:     2,
		KindQuery:         3,
	}
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && order[agents[j].Kind] < order[agents[j-1].Kind]; j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}

func (o *Orchestrator) recordTask(task Task, docID uuid.UUID, state TaskState, lastError string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks[task.ID] = &TaskRecord{
		ID:         task.ID,
		Kind:       task.Kind,
		DocumentID: docID,
		State:      state,
		Attempts:   task.Attempts,
		LastError:  lastError,
		UpdatedAt:  o.clock.Now(),
	}
}

// execute runs a queue task through its agent under a memory lease, panic
// isolation, and the status table.
func (o *Orchestrator) execute(ctx context.Context, kind Kind, task Task) {
	release, err := o.tracker.Acquire("task:"+string(kind), o.opts.TaskMemoryMB)
	if err != nil {
		o.completeTask(ctx, kind, task, o.generationOf(kind), Retryable(err))
		return
	}
	defer release()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	generation, ok := o.beginTask(kind, task, cancel)
	if !ok {
		o.log.Error("task for unregistered agent", "kind", kind, "task_id", task.ID)
		return
	}
	outcome := o.invoke(taskCtx, kind, task)
	o.completeTask(ctx, kind, task, generation, outcome)
}

// beginTask flips the slot to busy, reviving a down agent with a fresh
// instance first. It returns the slot generation used to detect results
// arriving after a watchdog takeover.
func (o *Orchestrator) beginTask(kind Kind, task Task, cancel context.CancelFunc) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	slot, ok := o.agents[kind]
	if !ok {
		return 0, false
	}
	if slot.factory != nil && (slot.agent == nil || slot.state == StateDown) {
		slot.agent = slot.factory()
		slot.restarts++
		o.log.Info("agent restarted", "kind", kind, "restarts", slot.restarts)
	}
	slot.state = StateBusy
	slot.lastBeat = o.clock.Now()
	slot.inflight = &task
	slot.cancel = cancel

	if record, ok := o.tasks[task.ID]; ok {
		record.State = TaskRunning
		record.Attempts = task.Attempts
		record.UpdatedAt = o.clock.Now()
	} else {
		o.tasks[task.ID] = &TaskRecord{
			ID:        task.ID,
			Kind:      kind,
			State:     TaskRunning,
			Attempts:  task.Attempts,
			UpdatedAt: o.clock.Now(),
		}
	}
	return slot.generation, true
}

// invoke calls the agent with panics converted to retryable failures, so
// one crashing agent never takes down the others' workers.
func (o *Orchestrator) invoke(ctx context.Context, kind Kind, task Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("agent crashed", "kind", kind, "task_id", task.ID, "panic", r)
			out = Retryable(fmt.Errorf("agent crash: %v", r))
		}
	}()

	o.mu.Lock()
	slot := o.agents[kind]
	agent := slot.agent
	o.mu.Unlock()
	if agent == nil {
		return Retryable(fmt.Errorf("no agent instance for kind %s", kind))
	}
	return agent.Handle(ctx, task)
}

func (o *Orchestrator) completeTask(ctx context.Context, kind Kind, task Task, generation int, outcome Outcome) {
	now := o.clock.Now()

	o.mu.Lock()
	slot, ok := o.agents[kind]
	if !ok {
		o.mu.Unlock()
		return
	}
	if slot.generation != generation {
		o.mu.Unlock()
		o.log.Warn("discarding result from replaced agent",
			"kind", kind, "task_id", task.ID, "outcome_err", outcome.Err)
		return
	}
	slot.inflight = nil
	slot.cancel = nil
	slot.lastBeat = now

	record, tracked := o.tasks[task.ID]
	if !tracked {
		record = &TaskRecord{ID: task.ID, Kind: kind}
		o.tasks[task.ID] = record
	}
	record.UpdatedAt = now

	if outcome.Succeeded() {
		slot.state = StateIdle
		slot.handled++
		slot.lastError = ""
		record.State = TaskSucceeded
		o.mu.Unlock()
		return
	}

	slot.state = StateDegraded
	slot.failed++
	slot.lastError = outcome.Err.Error()
	record.LastError = outcome.Err.Error()

	task.Attempts++
	record.Attempts = task.Attempts

	if outcome.Retryable && task.Attempts < maxAttempts(task, o.opts.TaskMaxAttempts) {
		record.State = TaskFailedRetryable
		o.mu.Unlock()
		o.requeue(ctx, task, outcome.Err)
		return
	}

	record.State = TaskFailedFatal
	o.deadLetters = append(o.deadLetters, *record)
	docID := record.DocumentID
	o.mu.Unlock()

	o.log.Error("task permanently failed",
		"kind", kind, "task_id", task.ID, "attempts", task.Attempts, "err", outcome.Err)
	o.markDocumentFailed(ctx, task, docID, outcome.Err)
}

func (o *Orchestrator) generationOf(kind Kind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.agents[kind]; ok {
		return slot.generation
	}
	return 0
}

func maxAttempts(task Task, fallback int) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return fallback
}

func (o *Orchestrator) requeue(ctx context.Context, task Task, cause error) {
	delay := o.opts.Retry.Delay(task.Attempts - 1)
	task.NotBefore = o.clock.Now().Add(delay)
	o.log.Warn("task failed, requeuing",
		"kind", task.Kind, "task_id", task.ID, "attempt", task.Attempts, "delay", delay, "err", cause)
	if err := o.queue.Enqueue(ctx, task); err != nil {
		o.log.Error("failed to requeue task, dead-lettering",
			"kind", task.Kind, "task_id", task.ID, "err", err)
		o.mu.Lock()
		record := o.tasks[task.ID]
		record.State = TaskFailedFatal
		record.LastError = fmt.Sprintf("requeue failed: %v (after: %v)", err, cause)
		o.deadLetters = append(o.deadLetters, *record)
		docID := record.DocumentID
		o.mu.Unlock()
		o.markDocumentFailed(ctx, task, docID, cause)
	}
}

// markDocumentFailed pins the document to failed when its task is
// dead-lettered, so the library never shows it forever in-flight.
func (o *Orchestrator) markDocumentFailed(ctx context.Context, task Task, docID uuid.UUID, cause error) {
	if docID == uuid.Nil {
		if payload, err := decodePayload(task); err == nil {
			docID = payload.DocumentID
		}
	}
	if docID == uuid.Nil {
		return
	}
	if err := o.store.UpdateDocumentStatus(ctx, docID, store.StatusFailed); err != nil {
		o.log.Error("failed to mark document failed",
			"document_id", docID, "cause", cause, "err", err)
	}
}

func (o *Orchestrator) runWatchdog(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(o.opts.WatchdogInterval):
			o.checkStalled(ctx)
		}
	}
}

// checkStalled marks busy agents without a recent heartbeat as down,
// cancels and requeues their in-flight task, and bumps the slot generation
// so a late result from the stalled instance is discarded. The replacement
// instance is built lazily on the next task.
func (o *Orchestrator) checkStalled(ctx context.Context) {
	now := o.clock.Now()

	o.mu.Lock()
	var requeues []Task
	for kind, slot := range o.agents {
		if slot.state != StateBusy {
			continue
		}
		stalledFor := now.Sub(slot.lastBeat)
		if stalledFor < o.opts.WatchdogTimeout {
			continue
		}
		o.log.Warn("agent stalled, marking down",
			"kind", kind, "stalled_for", stalledFor)
		slot.state = StateDown
		slot.lastError = fmt.Sprintf("stalled for %s", stalledFor)
		slot.generation++
		slot.agent = nil
		if slot.cancel != nil {
			slot.cancel()
			slot.cancel = nil
		}
		if slot.inflight != nil {
			task := *slot.inflight
			slot.inflight = nil
			task.Attempts++
			if record, ok := o.tasks[task.ID]; ok {
				record.State = TaskFailedRetryable
				record.Attempts = task.Attempts
				record.LastError = "agent stalled"
				record.UpdatedAt = now
			}
			requeues = append(requeues, task)
		}
	}
	o.mu.Unlock()

	for _, task := range requeues {
		if task.Attempts >= maxAttempts(task, o.opts.TaskMaxAttempts) {
			o.mu.Lock()
			record := o.tasks[task.ID]
			record.State = TaskFailedFatal
			o.deadLetters = append(o.deadLetters, *record)
			docID := record.DocumentID
			o.mu.Unlock()
			o.markDocumentFailed(ctx, task, docID, fmt.Errorf("agent stalled"))
			continue
		}
		o.requeue(ctx, task, fmt.Errorf("agent stalled"))
	}
}
