// Package workflow implements a generic DAG task engine: registered
// definitions are executed as persisted workflow instances with per-task
// timeouts, retries, cancellation, and crash recovery.
package workflow

import (
	"context"
	"sort"
	"time"

	"attacklens/internal/faults"
)

// Handler executes one task. It receives the engine-scoped context (carrying
// the per-attempt timeout) and the derived input, and returns the task output.
type Handler func(ctx context.Context, run *Run, input any) (any, error)

// Schema validates a task's input or output. A nil Schema accepts anything;
// a non-nil error is reported as a SchemaMismatch and is never retried.
type Schema func(v any) error

// TaskDefinition is one node of a workflow DAG.
type TaskDefinition struct {
	Name           string
	Handler        Handler
	ValidateInput  Schema
	ValidateOutput Schema
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration
}

// Definition is a named, frozen workflow DAG. Dependencies maps a task name
// to its prerequisite task names.
type Definition struct {
	ID           string
	Tasks        []TaskDefinition
	Dependencies map[string][]string
}

// Validate checks structural soundness: non-empty id, at least one task, no
// duplicate task names, no undefined prerequisites, and an acyclic graph.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return faults.New(faults.KindInvalidWorkflowDefinition, "workflow definition has no id")
	}
	if len(d.Tasks) == 0 {
		return faults.New(faults.KindInvalidWorkflowDefinition, "workflow %q has no tasks", d.ID)
	}

	names := make(map[string]bool, len(d.Tasks))
	for _, task := range d.Tasks {
		if task.Name == "" {
			return faults.New(faults.KindInvalidWorkflowDefinition, "workflow %q has an unnamed task", d.ID)
		}
		if names[task.Name] {
			return faults.New(faults.KindInvalidWorkflowDefinition, "workflow %q defines task %q twice", d.ID, task.Name)
		}
		if task.Handler == nil {
			return faults.New(faults.KindInvalidWorkflowDefinition, "task %q has no handler", task.Name)
		}
		names[task.Name] = true
	}

	for task, prereqs := range d.Dependencies {
		if !names[task] {
			return faults.New(faults.KindInvalidWorkflowDefinition, "dependency entry for undefined task %q", task)
		}
		for _, p := range prereqs {
			if !names[p] {
				return faults.New(faults.KindInvalidWorkflowDefinition, "task %q depends on undefined task %q", task, p)
			}
		}
	}

	if _, err := d.waves(); err != nil {
		return err
	}
	return nil
}

// waves computes the execution schedule: successive sets of tasks whose
// prerequisites are all satisfied by earlier waves, each wave sorted by name
// for determinism. An unprocessable remainder means the graph has a cycle.
func (d *Definition) waves() ([][]string, error) {
	remaining := make(map[string][]string, len(d.Tasks))
	for _, task := range d.Tasks {
		remaining[task.Name] = d.Dependencies[task.Name]
	}

	done := make(map[string]bool, len(d.Tasks))
	var out [][]string
	for len(remaining) > 0 {
		var ready []string
		for name, prereqs := range remaining {
			ok := true
			for _, p := range prereqs {
				if !done[p] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, faults.New(faults.KindInvalidWorkflowDefinition, "workflow %q has a dependency cycle", d.ID)
		}
		sort.Strings(ready)
		for _, name := range ready {
			done[name] = true
			delete(remaining, name)
		}
		out = append(out, ready)
	}
	return out, nil
}

// task returns a task definition by name.
func (d *Definition) task(name string) *TaskDefinition {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i]
		}
	}
	return nil
}
