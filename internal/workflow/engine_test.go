package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"attacklens/internal/faults"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory Store that deep-copies on write, like a real
// database would.
type memStore struct {
	mu    sync.Mutex
	runs  map[string]*Run
	tasks map[string]map[string]*TaskResult
}

func newMemStore() *memStore {
	return &memStore{
		runs:  make(map[string]*Run),
		tasks: make(map[string]map[string]*TaskResult),
	}
}

func cloneRun(r *Run) *Run {
	c := *r
	c.Results = make(map[string]any, len(r.Results))
	for k, v := range r.Results {
		c.Results[k] = v
	}
	c.Errors = make(map[string]string, len(r.Errors))
	for k, v := range r.Errors {
		c.Errors[k] = v
	}
	return &c
}

func (s *memStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *memStore) SaveTaskResult(_ context.Context, runID string, result *TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[runID] == nil {
		s.tasks[runID] = make(map[string]*TaskResult)
	}
	c := *result
	s.tasks[runID][result.TaskName] = &c
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

func (s *memStore) ListRuns(_ context.Context, status Status) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, run := range s.runs {
		if status == "" || run.Status == status {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) taskResult(runID, name string) *TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[runID] == nil {
		return nil
	}
	return s.tasks[runID][name]
}

func quickEngine(store Store) *Engine {
	return NewEngine(store, Config{
		TaskTimeout: time.Second,
		RetryDelay:  time.Millisecond,
	})
}

func echoTask(name string, out any) TaskDefinition {
	return TaskDefinition{
		Name: name,
		Handler: func(context.Context, *Run, any) (any, error) {
			return out, nil
		},
	}
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	e := quickEngine(newMemStore())

	err := e.Register(&Definition{ID: "dup", Tasks: []TaskDefinition{echoTask("a", nil), echoTask("a", nil)}})
	assert.True(t, faults.IsKind(err, faults.KindInvalidWorkflowDefinition), "duplicate task names")

	err = e.Register(&Definition{
		ID:           "undef",
		Tasks:        []TaskDefinition{echoTask("a", nil)},
		Dependencies: map[string][]string{"a": {"ghost"}},
	})
	assert.True(t, faults.IsKind(err, faults.KindInvalidWorkflowDefinition), "undefined prerequisite")

	err = e.Register(&Definition{
		ID:           "cycle",
		Tasks:        []TaskDefinition{echoTask("a", nil), echoTask("b", nil)},
		Dependencies: map[string][]string{"a": {"b"}, "b": {"a"}},
	})
	assert.True(t, faults.IsKind(err, faults.KindInvalidWorkflowDefinition), "cycle")

	require.NoError(t, e.Register(&Definition{ID: "ok", Tasks: []TaskDefinition{echoTask("a", nil)}}))
	err = e.Register(&Definition{ID: "ok", Tasks: []TaskDefinition{echoTask("a", nil)}})
	assert.True(t, faults.IsKind(err, faults.KindInvalidWorkflowDefinition), "duplicate registration")
}

func TestExecuteLinearChainDerivesInputs(t *testing.T) {
	store := newMemStore()
	e := quickEngine(store)

	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	def := &Definition{
		ID: "chain",
		Tasks: []TaskDefinition{
			{Name: "a", Handler: func(_ context.Context, _ *Run, input any) (any, error) {
				record("a")
				assert.Equal(t, "seed", input, "first task receives the workflow input")
				return "a-out", nil
			}},
			{Name: "b", Handler: func(_ context.Context, _ *Run, input any) (any, error) {
				record("b")
				assert.Equal(t, "a-out", input, "single prerequisite passes its output through")
				return "b-out", nil
			}},
		},
		Dependencies: map[string][]string{"b": {"a"}},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "chain", "seed", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, "b-out", run.Results["b"])
	assert.False(t, run.CompletedAt.IsZero())
	assert.Equal(t, 100, run.Progress(2))

	persisted, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, persisted.Status)

	tr := store.taskResult(run.ID, "b")
	require.NotNil(t, tr)
	assert.Equal(t, TaskCompleted, tr.Status)
	assert.Equal(t, 1, tr.Attempts)
}

func TestExecuteDiamondMergesPrerequisiteOutputs(t *testing.T) {
	e := quickEngine(newMemStore())

	def := &Definition{
		ID: "diamond",
		Tasks: []TaskDefinition{
			echoTask("a", "a-out"),
			echoTask("b", "b-out"),
			echoTask("c", "c-out"),
			{Name: "d", Handler: func(_ context.Context, _ *Run, input any) (any, error) {
				in, ok := input.(map[string]any)
				require.True(t, ok, "multiple prerequisites produce a keyed record")
				assert.Equal(t, "b-out", in["b"])
				assert.Equal(t, "c-out", in["c"])
				return "d-out", nil
			}},
		},
		Dependencies: map[string][]string{
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "diamond", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "d-out", run.Results["d"])
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	store := newMemStore()
	e := quickEngine(store)

	attempts := 0
	def := &Definition{
		ID: "flaky",
		Tasks: []TaskDefinition{{
			Name:       "fetch",
			Retries:    3,
			RetryDelay: time.Millisecond,
			Handler: func(context.Context, *Run, any) (any, error) {
				attempts++
				if attempts < 3 {
					return nil, faults.New(faults.KindConnectionReset, "ETIMEDOUT")
				}
				return "ok", nil
			},
		}},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "flaky", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, store.taskResult(run.ID, "fetch").Attempts)
}

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	store := newMemStore()
	e := quickEngine(store)

	attempts := 0
	def := &Definition{
		ID: "doomed",
		Tasks: []TaskDefinition{{
			Name:    "parse",
			Retries: 3,
			Handler: func(context.Context, *Run, any) (any, error) {
				attempts++
				return nil, faults.New(faults.KindUnsupportedFormat, "cannot extract application/pdf")
			},
		}},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "doomed", nil, nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindTaskFailed))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Errors["parse"], "cannot extract")

	tr := store.taskResult(run.ID, "parse")
	require.NotNil(t, tr)
	assert.Equal(t, TaskFailed, tr.Status)
}

func TestExecuteRetryExhaustionFailsWithLastError(t *testing.T) {
	e := quickEngine(newMemStore())

	attempts := 0
	def := &Definition{
		ID: "down",
		Tasks: []TaskDefinition{{
			Name:       "fetch",
			Retries:    2,
			RetryDelay: time.Millisecond,
			Handler: func(context.Context, *Run, any) (any, error) {
				attempts++
				return nil, faults.New(faults.KindUpstreamServerError, "server responded with a 503")
			},
		}},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "down", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "retries+1 attempts")
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Errors["fetch"], "503")
}

func TestExecuteTaskTimeout(t *testing.T) {
	e := quickEngine(newMemStore())

	def := &Definition{
		ID: "slow",
		Tasks: []TaskDefinition{{
			Name:    "stall",
			Timeout: 20 * time.Millisecond,
			Handler: func(ctx context.Context, _ *Run, _ any) (any, error) {
				select {
				case <-time.After(5 * time.Second):
					return "late", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "slow", nil, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Errors["stall"], "timeout")
}

func TestExecuteSchemaMismatchIsNotRetried(t *testing.T) {
	e := quickEngine(newMemStore())

	attempts := 0
	def := &Definition{
		ID: "typed",
		Tasks: []TaskDefinition{{
			Name:    "emit",
			Retries: 3,
			Handler: func(context.Context, *Run, any) (any, error) {
				attempts++
				return 42, nil
			},
			ValidateOutput: func(v any) error {
				return faults.New(faults.KindSchemaMismatch, "want string, got %T", v)
			},
		}},
	}
	require.NoError(t, e.Register(def))

	run, err := e.Execute(context.Background(), "typed", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Errors["emit"], "output rejected")
}

func TestCancelMidFlight(t *testing.T) {
	store := newMemStore()
	e := quickEngine(store)

	started := make(chan string, 1)
	release := make(chan struct{})
	thirdRan := false

	def := &Definition{
		ID: "cancelable",
		Tasks: []TaskDefinition{
			echoTask("a", "a-out"),
			{Name: "b", Handler: func(_ context.Context, run *Run, _ any) (any, error) {
				started <- run.ID
				<-release
				return "b-out", nil
			}},
			{Name: "c", Handler: func(context.Context, *Run, any) (any, error) {
				thirdRan = true
				return nil, nil
			}},
		},
		Dependencies: map[string][]string{"b": {"a"}, "c": {"b"}},
	}
	require.NoError(t, e.Register(def))

	done := make(chan *Run, 1)
	go func() {
		run, _ := e.Execute(context.Background(), "cancelable", nil, nil)
		done <- run
	}()

	runID := <-started
	ok, err := e.Cancel(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, ok)

	// The status is observable as canceled while task b is still in
	// flight.
	persisted, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, persisted.Status)

	close(release)
	run := <-done

	assert.Equal(t, StatusCanceled, run.Status)
	assert.False(t, thirdRan, "no task starts after cancel")
	_, hasB := run.Results["b"]
	assert.False(t, hasB, "in-flight result is discarded")

	// Second cancel is a no-op.
	ok, err = e.Cancel(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// marshalingStore serializes each run on write, the way the SQLite store
// does, so the race detector sees any map shared with a running task.
type marshalingStore struct {
	*memStore
}

func (s *marshalingStore) SaveRun(ctx context.Context, run *Run) error {
	if _, err := json.Marshal(run); err != nil {
		return err
	}
	return s.memStore.SaveRun(ctx, run)
}

// A cancel-triggered persist must not observe the Results/Errors maps while a
// task in the same wave is writing to them.
func TestCancelWhileWaveTasksRecordOutcomes(t *testing.T) {
	for iter := 0; iter < 25; iter++ {
		store := &marshalingStore{memStore: newMemStore()}
		e := quickEngine(store)

		entered := make(chan struct{}, 2)
		def := &Definition{
			ID: "contended",
			Tasks: []TaskDefinition{
				{Name: "breaks", Handler: func(context.Context, *Run, any) (any, error) {
					entered <- struct{}{}
					return nil, faults.New(faults.KindPermanent, "boom")
				}},
				{Name: "succeeds", Handler: func(context.Context, *Run, any) (any, error) {
					entered <- struct{}{}
					time.Sleep(time.Millisecond)
					return "ok", nil
				}},
			},
		}
		require.NoError(t, e.Register(def))

		done := make(chan *Run, 1)
		go func() {
			run, _ := e.Execute(context.Background(), "contended", nil, nil)
			done <- run
		}()
		<-entered
		<-entered

		e.mu.RLock()
		var runID string
		for id := range e.active {
			runID = id
		}
		e.mu.RUnlock()
		if runID != "" {
			_, err := e.Cancel(context.Background(), runID)
			require.NoError(t, err)
		}

		run := <-done
		require.NotNil(t, run)
		assert.True(t, run.Status.Terminal(), "status %s", run.Status)

		persisted, err := store.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		require.NotNil(t, persisted)
		assert.True(t, persisted.Status.Terminal())
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{TaskRetries: -1}.withDefaults()
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 0, cfg.TaskRetries, "negative retry counts clamp to zero")
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.CrashGrace)

	assert.Equal(t, 0, Config{}.withDefaults().TaskRetries)
}

func TestCancelPersistedRunOutsideProcess(t *testing.T) {
	store := newMemStore()
	e := quickEngine(store)

	orphan := &Run{ID: "orphan-1", Type: "x", Status: StatusRunning, Results: map[string]any{}}
	require.NoError(t, store.SaveRun(context.Background(), orphan))

	ok, err := e.Cancel(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetRun(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)

	ok, err = e.Cancel(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverCrashed(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, Config{CrashGrace: 10 * time.Minute})

	stale := &Run{ID: "stale", Status: StatusRunning, UpdatedAt: time.Now().Add(-time.Hour), Results: map[string]any{}}
	fresh := &Run{ID: "fresh", Status: StatusRunning, UpdatedAt: time.Now(), Results: map[string]any{}}
	require.NoError(t, store.SaveRun(context.Background(), stale))
	require.NoError(t, store.SaveRun(context.Background(), fresh))

	n, err := e.RecoverCrashed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := store.GetRun(context.Background(), "stale")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, string(faults.KindCrashed))

	got, _ = store.GetRun(context.Background(), "fresh")
	assert.Equal(t, StatusRunning, got.Status)
}

func TestProgress(t *testing.T) {
	run := &Run{Status: StatusRunning, CurrentTask: "c", Results: map[string]any{"a": 1, "b": 2}}
	assert.Equal(t, 62, run.Progress(4), "floor((2 + 0.5) / 4 * 100)")

	run.Status = StatusCompleted
	assert.Equal(t, 100, run.Progress(4))

	assert.Equal(t, 0, (&Run{}).Progress(0))
}

func TestExecuteUnknownType(t *testing.T) {
	e := quickEngine(newMemStore())
	_, err := e.Execute(context.Background(), "nope", nil, nil)
	assert.True(t, faults.IsKind(err, faults.KindInvalidWorkflowDefinition))
}

func TestStartExecutesInBackground(t *testing.T) {
	store := newMemStore()
	e := quickEngine(store)

	require.NoError(t, e.Register(&Definition{
		ID:    "bg",
		Tasks: []TaskDefinition{echoTask("only", "done")},
	}))

	ctx := context.Background()
	id, err := e.Start(ctx, "bg", "payload", nil)
	require.NoError(t, err)
	require.NoError(t, uuid.Validate(id))

	// The pending run is observable before execution finishes.
	run, err := e.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)

	require.Eventually(t, func() bool {
		run, err := e.GetRun(ctx, id)
		return err == nil && run != nil && run.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// Wait for the background goroutine to unregister before goleak runs.
	require.Eventually(t, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		_, inFlight := e.active[id]
		return !inFlight
	}, 2*time.Second, 5*time.Millisecond)

	run, err = e.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "done", run.Results["only"])
}
