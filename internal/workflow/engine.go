package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"attacklens/internal/faults"
	"attacklens/internal/logging"
)

// Config tunes the engine. Zero values fall back to the listed defaults.
type Config struct {
	MaxConcurrent int           // concurrent workflow executions (8)
	TaskTimeout   time.Duration // per-attempt cap when a task sets none (5m)
	TaskRetries   int           // retries when a task sets a negative count (0)
	RetryDelay    time.Duration // fixed delay between attempts (5s)
	CrashGrace    time.Duration // running-run age treated as crashed (10m)
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.TaskRetries < 0 {
		c.TaskRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.CrashGrace <= 0 {
		c.CrashGrace = 10 * time.Minute
	}
	return c
}

// activeRun tracks one in-flight execution for cancellation.
type activeRun struct {
	mu       sync.Mutex
	run      *Run
	canceled atomic.Bool
}

// Engine registers workflow definitions and executes them as persisted runs.
type Engine struct {
	store Store
	cfg   Config
	sem   *semaphore.Weighted

	mu       sync.RWMutex
	defs     map[string]*Definition
	active   map[string]*activeRun
	observer func(*Run)
}

func NewEngine(store Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:  store,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		defs:   make(map[string]*Definition),
		active: make(map[string]*activeRun),
	}
}

// SetObserver registers a callback invoked after every run reaches a
// terminal state. Set it before the first Execute or Start.
func (e *Engine) SetObserver(fn func(*Run)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// Register validates and stores a definition. Registering the same id twice
// is an InvalidWorkflowDefinition.
func (e *Engine) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.defs[def.ID]; dup {
		return faults.New(faults.KindInvalidWorkflowDefinition, "workflow %q already registered", def.ID)
	}
	e.defs[def.ID] = def
	return nil
}

// Definition returns a registered definition.
func (e *Engine) Definition(typeID string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[typeID]
	return def, ok
}

// TaskCount returns the task total of a registered definition, used for
// progress reporting.
func (e *Engine) TaskCount(typeID string) int {
	if def, ok := e.Definition(typeID); ok {
		return len(def.Tasks)
	}
	return 0
}

// Execute runs a registered workflow to a terminal state and returns the
// final persisted run. It blocks while tasks execute; concurrent executions
// are capped by Config.MaxConcurrent. Metadata is attached to the run before
// the first persist so list queries can filter on it from the start.
func (e *Engine) Execute(ctx context.Context, typeID string, input any, metadata map[string]any) (*Run, error) {
	active, def, err := e.begin(ctx, typeID, input, metadata)
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, def, active)
}

// Start persists a pending run and returns its id immediately, executing the
// workflow in the background. Callers observe progress through GetRun.
func (e *Engine) Start(ctx context.Context, typeID string, input any, metadata map[string]any) (string, error) {
	active, def, err := e.begin(ctx, typeID, input, metadata)
	if err != nil {
		return "", err
	}
	go e.finish(context.WithoutCancel(ctx), def, active)
	return active.run.ID, nil
}

// begin creates and persists a pending run and registers it as active, so a
// cancel can reach it even while it waits for execution capacity.
func (e *Engine) begin(ctx context.Context, typeID string, input any, metadata map[string]any) (*activeRun, *Definition, error) {
	def, ok := e.Definition(typeID)
	if !ok {
		return nil, nil, faults.New(faults.KindInvalidWorkflowDefinition, "unknown workflow type %q", typeID)
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.NewString(),
		Type:      typeID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Input:     input,
		Results:   make(map[string]any),
		Errors:    make(map[string]string),
		Metadata:  metadata,
	}

	active := &activeRun{run: run}
	e.mu.Lock()
	e.active[run.ID] = active
	e.mu.Unlock()

	if err := e.persist(ctx, active); err != nil {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		return nil, nil, err
	}

	logging.Workflow("run %s submitted: type=%s", run.ID, typeID)
	return active, def, nil
}

// finish acquires execution capacity, drives the run to a terminal state, and
// unregisters it.
func (e *Engine) finish(ctx context.Context, def *Definition, active *activeRun) (*Run, error) {
	run := active.run
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		active.mu.Lock()
		run.Error = err.Error()
		active.mu.Unlock()
		e.transition(ctx, active, StatusFailed)
		return run, err
	}
	defer e.sem.Release(1)

	err := e.drive(ctx, def, active)
	if err != nil {
		logging.WorkflowError("run %s finished: status=%s error=%v", run.ID, run.Status, err)
	} else {
		logging.Workflow("run %s finished: status=%s", run.ID, run.Status)
	}

	e.mu.RLock()
	observer := e.observer
	e.mu.RUnlock()
	if observer != nil {
		observer(run)
	}
	return run, err
}

// drive walks the schedule wave by wave until a terminal state.
func (e *Engine) drive(ctx context.Context, def *Definition, active *activeRun) error {
	run := active.run
	schedule, err := def.waves()
	if err != nil {
		return err
	}

	if !e.transition(ctx, active, StatusRunning) {
		return nil // canceled before the first task
	}

	for _, wave := range schedule {
		if active.canceled.Load() {
			e.transition(ctx, active, StatusCanceled)
			return nil
		}

		active.mu.Lock()
		run.CurrentTask = wave[0]
		active.mu.Unlock()
		if err := e.persist(ctx, active); err != nil {
			return err
		}

		outputs := make([]any, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		for i, name := range wave {
			i := i
			task := def.task(name)
			g.Go(func() error {
				out, err := e.runTask(gctx, active, task)
				if err != nil {
					return err
				}
				outputs[i] = out
				return nil
			})
		}
		waveErr := g.Wait()

		// A cancel observed at a task boundary wins over the wave's
		// outcome; in-flight results are discarded.
		if active.canceled.Load() {
			e.transition(ctx, active, StatusCanceled)
			return nil
		}
		if waveErr != nil {
			active.mu.Lock()
			run.Error = waveErr.Error()
			active.mu.Unlock()
			e.transition(ctx, active, StatusFailed)
			return waveErr
		}

		active.mu.Lock()
		for i, name := range wave {
			run.Results[name] = outputs[i]
		}
		run.CurrentTask = ""
		active.mu.Unlock()
		if err := e.persist(ctx, active); err != nil {
			return err
		}
	}

	e.transition(ctx, active, StatusCompleted)
	return nil
}

// runTask executes one task with schema validation, timeout and retry, and
// persists its result row on start, failure and completion.
func (e *Engine) runTask(ctx context.Context, active *activeRun, task *TaskDefinition) (any, error) {
	run := active.run
	input := e.deriveInput(active, task)

	result := &TaskResult{
		TaskName:  task.Name,
		Status:    TaskRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.SaveTaskResult(ctx, run.ID, result); err != nil {
		return nil, err
	}

	output, attempts, err := e.attemptLoop(ctx, active, task, input)
	result.Attempts = attempts
	result.CompletedAt = time.Now().UTC()

	if err != nil {
		failure := faults.Wrap(faults.KindTaskFailed, err, "task %q failed", task.Name)
		result.Status = TaskFailed
		result.Error = err.Error()
		active.mu.Lock()
		run.Errors[task.Name] = err.Error()
		active.mu.Unlock()
		if saveErr := e.store.SaveTaskResult(ctx, run.ID, result); saveErr != nil {
			logging.WorkflowError("run %s: persisting failed task %q: %v", run.ID, task.Name, saveErr)
		}
		return nil, failure
	}

	result.Status = TaskCompleted
	result.Output = output
	if err := e.store.SaveTaskResult(ctx, run.ID, result); err != nil {
		return nil, err
	}
	return output, nil
}

// attemptLoop runs up to retries+1 attempts with a fixed delay between them.
// Only retriable errors are retried; schema failures and permanent errors
// surface immediately.
func (e *Engine) attemptLoop(ctx context.Context, active *activeRun, task *TaskDefinition, input any) (any, int, error) {
	if task.ValidateInput != nil {
		if err := task.ValidateInput(input); err != nil {
			return nil, 0, faults.Wrap(faults.KindSchemaMismatch, err, "task %q input rejected", task.Name)
		}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	retries := task.Retries
	if retries < 0 {
		retries = e.cfg.TaskRetries
	}
	delay := task.RetryDelay
	if delay <= 0 {
		delay = e.cfg.RetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		output, err := e.attempt(ctx, active, task, input, timeout)
		if err == nil {
			if task.ValidateOutput != nil {
				if verr := task.ValidateOutput(output); verr != nil {
					return nil, attempt, faults.Wrap(faults.KindSchemaMismatch, verr, "task %q output rejected", task.Name)
				}
			}
			return output, attempt, nil
		}
		lastErr = err

		if !faults.IsRetriable(err) || attempt == retries+1 {
			return nil, attempt, err
		}
		logging.WorkflowDebug("run %s: task %q attempt %d/%d failed, retrying in %s: %v",
			active.run.ID, task.Name, attempt, retries+1, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}
	return nil, retries + 1, lastErr
}

// attempt bounds a single handler invocation by the task timeout. The
// handler receives the deadline through its context; a handler that outlives
// the deadline is abandoned, so handlers must honor cancellation.
func (e *Engine) attempt(ctx context.Context, active *activeRun, task *TaskDefinition, input any, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := task.Handler(attemptCtx, active.run, input)
		ch <- outcome{output: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.output, o.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, faults.New(faults.KindTaskTimedOut, "task %q exceeded its %s timeout", task.Name, timeout)
		}
		return nil, attemptCtx.Err()
	}
}

// deriveInput implements the input derivation rule: no prerequisites gets the
// workflow input, one prerequisite gets that task's output, several get a map
// keyed by prerequisite name.
func (e *Engine) deriveInput(active *activeRun, task *TaskDefinition) any {
	def := e.mustDefinition(active.run.Type)
	prereqs := def.Dependencies[task.Name]

	active.mu.Lock()
	defer active.mu.Unlock()
	switch len(prereqs) {
	case 0:
		return active.run.Input
	case 1:
		return active.run.Results[prereqs[0]]
	default:
		in := make(map[string]any, len(prereqs))
		for _, p := range prereqs {
			in[p] = active.run.Results[p]
		}
		return in
	}
}

func (e *Engine) mustDefinition(typeID string) *Definition {
	def, _ := e.Definition(typeID)
	return def
}

// transition stamps a new status and persists. Returns false when the run is
// already terminal (a cancel raced ahead), in which case nothing is written.
func (e *Engine) transition(ctx context.Context, active *activeRun, to Status) bool {
	active.mu.Lock()
	run := active.run
	if run.Status.Terminal() {
		active.mu.Unlock()
		return false
	}
	run.Status = to
	if to.Terminal() {
		run.CompletedAt = time.Now().UTC()
		run.CurrentTask = ""
	}
	active.mu.Unlock()

	if err := e.persist(ctx, active); err != nil {
		logging.WorkflowError("run %s: persisting %s transition: %v", run.ID, to, err)
	}
	return true
}

// persist writes the run's current state. Uses a background-derived context
// for terminal writes so a canceled request context cannot lose the final
// state.
func (e *Engine) persist(ctx context.Context, active *activeRun) error {
	active.mu.Lock()
	snapshot := *active.run
	snapshot.UpdatedAt = time.Now().UTC()
	active.run.UpdatedAt = snapshot.UpdatedAt
	// The run's map headers are shared with in-flight tasks; copy them under
	// the lock so SaveRun serializes a stable view.
	snapshot.Results = make(map[string]any, len(active.run.Results))
	for k, v := range active.run.Results {
		snapshot.Results[k] = v
	}
	snapshot.Errors = make(map[string]string, len(active.run.Errors))
	for k, v := range active.run.Errors {
		snapshot.Errors[k] = v
	}
	if len(active.run.Metadata) > 0 {
		snapshot.Metadata = make(map[string]any, len(active.run.Metadata))
		for k, v := range active.run.Metadata {
			snapshot.Metadata[k] = v
		}
	}
	active.mu.Unlock()

	if ctx.Err() != nil || snapshot.Status.Terminal() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	return e.store.SaveRun(ctx, &snapshot)
}

// GetRun reads the last persisted state of a run.
func (e *Engine) GetRun(ctx context.Context, id string) (*Run, error) {
	return e.store.GetRun(ctx, id)
}

// List returns persisted runs most recent first, optionally filtered by
// status.
func (e *Engine) List(ctx context.Context, status Status) ([]*Run, error) {
	return e.store.ListRuns(ctx, status)
}

// Cancel marks a pending or running workflow canceled. An in-flight task may
// finish but its result is discarded and no further task starts. Returns
// true iff a transition happened.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	e.mu.RLock()
	active := e.active[id]
	e.mu.RUnlock()

	if active != nil {
		if active.canceled.Swap(true) {
			return false, nil
		}
		return e.transition(ctx, active, StatusCanceled), nil
	}

	// Not in-flight in this process: cancel directly in the store (covers
	// runs orphaned by a crash).
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	if run == nil || run.Status.Terminal() {
		return false, nil
	}
	run.Status = StatusCanceled
	run.CompletedAt = time.Now().UTC()
	run.UpdatedAt = run.CompletedAt
	run.CurrentTask = ""
	if err := e.store.SaveRun(ctx, run); err != nil {
		return false, err
	}
	return true, nil
}

// RecoverCrashed sweeps runs stuck in running/pending longer than the crash
// grace window and marks them failed. Called once at startup, before the
// server begins accepting work.
func (e *Engine) RecoverCrashed(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.CrashGrace)
	var recovered int

	for _, status := range []Status{StatusRunning, StatusPending} {
		runs, err := e.store.ListRuns(ctx, status)
		if err != nil {
			return recovered, err
		}
		for _, run := range runs {
			if run.UpdatedAt.After(cutoff) {
				continue
			}
			run.Status = StatusFailed
			run.Error = fmt.Sprintf("%s: process terminated while the run was %s", faults.KindCrashed, status)
			run.CompletedAt = time.Now().UTC()
			run.UpdatedAt = run.CompletedAt
			run.CurrentTask = ""
			if err := e.store.SaveRun(ctx, run); err != nil {
				return recovered, err
			}
			recovered++
			logging.Workflow("run %s recovered as failed (crashed while %s)", run.ID, status)
		}
	}
	return recovered, nil
}
