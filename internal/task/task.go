// Package task implements the Task & TaskRunner component: the lifecycle
// state machine for a single task, input/output validation, reactive vs
// execute modes, event emission and cancellation.
package task

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/schema"
)

// Status enumerates the task lifecycle states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAborting   Status = "ABORTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborted    Status = "ABORTED"
	StatusSkipped    Status = "SKIPPED"
)

// MergeStrategy enumerates the multi-producer compound merge strategies a
// task can declare for its input ports.
type MergeStrategy string

const (
	MergeLastOrPropertyArray MergeStrategy = "last-or-property-array"
	MergePropertyArray       MergeStrategy = "property-array"
	MergeUnorderedArray      MergeStrategy = "unordered-array"
	MergeLast                MergeStrategy = "last"
	MergeNamed               MergeStrategy = "named"
)

// Config carries the non-schema, non-lifecycle attributes of a task.
type Config struct {
	ID            string
	Name          string
	Provenance    map[string]any
	Extras        map[string]any
	QueueName     string
	Cacheable     bool
	CompoundMerge MergeStrategy
	Weight        float64       // defaults to 1.0; used by progress aggregation
	TimeoutMs     int64         // 0 means "use the runner's default"
	Retry         *RetryPolicy  // optional per-task override of the runner's default
	Condition     string        // optional OPA package name gating this task, see internal/condition
}

// RetryPolicy mirrors the teacher's own exponential-backoff retry knob,
// promoted here to a first-class per-task override.
type RetryPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// Executor is the task authoring contract (§6.1): a task class declares
// type/category/cacheable/schemas and provides at least one of Execute or
// ExecuteReactive.
type Executor interface {
	Type() string
	Category() string
	Cacheable() bool
	InputSchema() *schema.Schema
	OutputSchema() *schema.Schema
}

// ExecuteContext is passed to a task's Execute/ExecuteReactive body.
type ExecuteContext struct {
	Signal         *CancelSignal
	Provenance     map[string]any
	UpdateProgress func(value float64, message string)
	OutputCache    any // internal/cache.Cache, typed any to avoid an import cycle
}

// Executable is implemented by tasks with real side-effecting work.
type Executable interface {
	Executor
	Execute(ctx *ExecuteContext, input map[string]any) (map[string]any, error)
}

// ReactiveExecutable is implemented by tasks supporting fast, side-effect
// free re-derivation.
type ReactiveExecutable interface {
	Executor
	ExecuteReactive(ctx *ExecuteContext, input, currentOutput map[string]any) (map[string]any, error)
}

// Narrower is an optional task-defined input normalization hook, run after
// defaults/overrides/dataflow values are merged and before validation.
type Narrower interface {
	NarrowInput(input map[string]any) map[string]any
}

// CancelSignal is the cooperative cancellation primitive delivered to a
// running task; every suspension point should check Aborted().
type CancelSignal struct {
	mu      sync.RWMutex
	aborted bool
	done    chan struct{}
}

func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

func (s *CancelSignal) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.done)
	}
}

func (s *CancelSignal) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

func (s *CancelSignal) Done() <-chan struct{} { return s.done }

// Task is a unit of work identified by a stable id.
type Task struct {
	Executor Executor
	Config   Config

	Defaults      map[string]any
	RunInputData  map[string]any
	RunOutputData map[string]any

	mu          sync.RWMutex
	status      Status
	progress    float64
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	runErr      error

	SubGraph *graph.TaskGraph

	emit events.Emitter
}

// New constructs a task, generating a UUID-based id if Config.ID is empty,
// per the "replace global mutable counter with per-builder UUIDs" design
// note.
func New(executor Executor, cfg Config, defaults map[string]any) *Task {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Weight == 0 {
		cfg.Weight = 1.0
	}
	t := &Task{
		Executor:  executor,
		Config:    cfg,
		Defaults:  defaults,
		status:    StatusPending,
		createdAt: time.Now(),
	}
	t.RunInputData = deepClone(defaults)
	return t
}

func (t *Task) ID() string { return t.Config.ID }

func (t *Task) InputPorts() []string {
	s := t.Executor.InputSchema()
	if s == nil {
		return nil
	}
	return s.Names
}

func (t *Task) OutputPorts() []string {
	s := t.Executor.OutputSchema()
	if s == nil {
		return nil
	}
	return s.Names
}

func (t *Task) Events() *events.Emitter { return &t.emit }

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) Error() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runErr
}

// setStatus performs a monotonic transition (enforced by the runner, which
// is the only caller driving the state machine). It emits no event; its
// callers emit the matching lifecycle event themselves.
func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	now := time.Now()
	switch s {
	case StatusProcessing:
		t.startedAt = &now
	case StatusCompleted, StatusFailed, StatusAborted, StatusSkipped:
		t.completedAt = &now
	}
	t.mu.Unlock()
}

// Reset reinitializes the task for a fresh run, the sole exception to
// monotonic status transitions.
func (t *Task) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusPending
	t.progress = 0
	t.startedAt = nil
	t.completedAt = nil
	t.runErr = nil
	t.RunInputData = deepClone(t.Defaults)
	t.RunOutputData = nil
	t.emit.Emit("reset", nil)
}

// Skip transitions the task directly to SKIPPED; valid from any
// non-terminal state, used by the runner both for explicit skip() and for
// cascading skips below a failed/condition-denied ancestor.
func (t *Task) Skip() {
	t.setStatus(StatusSkipped)
	t.emit.Emit("skip", nil)
}

func deepClone(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	buf, err := json.Marshal(m)
	if err != nil {
		// Defensive fallback: a shallow copy beats a nil map if a value
		// isn't JSON-serializable (shouldn't happen for schema-validated
		// records).
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(buf, &out)
	return out
}
