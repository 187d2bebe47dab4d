// Package runner implements the Graph Runner component (E): the wave
// scheduler that runs a whole graph, resolving inputs from dataflows,
// running tasks in parallel per layer, aggregating progress, merging
// outputs, caching, and enforcing first-failure-cancels-all semantics.
package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/resilience"
	"github.com/swarmguard/taskgraph/internal/task"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// ConditionGate evaluates a task's declared condition (an OPA package
// name) against its resolved input. Satisfied by internal/condition.Gate;
// declared as an interface here to avoid an import cycle and to let a run
// proceed with no condition evaluation at all (nil gate: every task runs).
type ConditionGate interface {
	Evaluate(ctx context.Context, packageName string, input map[string]any) (bool, error)
}

// JobQueue is the external collaborator a queued task is routed through.
// Satisfied by internal/queue's implementations.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, job map[string]any) (jobID string, err error)
	Await(ctx context.Context, jobID string) (output map[string]any, err error)
}

// NamedResult is one terminal task's contribution to a run's result.
type NamedResult struct {
	TaskID string
	Data   map[string]any
}

// NamedGraphResult is the ordered sequence of terminal-task results §4.5
// step 6 describes.
type NamedGraphResult []NamedResult

// Options configures a Run, matching the Graph Runner configuration table
// in §6.5.
type Options struct {
	ParentSignal         *task.CancelSignal
	ParentProvenance     map[string]any
	OutputCache          task.OutputCache
	MaxParallelism       int
	DefaultTaskTimeoutMs int64
	FailFast             *bool // nil means "true" (the spec's default)
	ConditionGate        ConditionGate
	Queue                JobQueue
	QueueRateLimiter     *resilience.HybridRateLimiter // optional: throttles dispatch to Queue
	DefaultRetry         *task.RetryPolicy             // fallback for tasks declaring no RetryPolicy of their own
	OnProgress           func(value float64)
}

func (o Options) failFast() bool {
	if o.FailFast == nil {
		return true
	}
	return *o.FailFast
}

// GraphRunner runs TaskGraphs to completion.
type GraphRunner struct{}

func New() *GraphRunner { return &GraphRunner{} }

type taskState struct {
	weight float64
}

// Run is the top-level operation described in §4.5.
func (gr *GraphRunner) Run(ctx context.Context, g *graph.TaskGraph, tasks map[string]*task.Task, topLevelInput map[string]any, opts Options) (NamedGraphResult, error) {
	g.Lock()
	defer g.Unlock()

	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	signal := task.NewCancelSignal()
	if opts.ParentSignal != nil {
		go func() {
			select {
			case <-opts.ParentSignal.Done():
				signal.Abort()
			case <-signal.Done():
			}
		}()
	}

	sem := newSemaphore(opts.MaxParallelism)

	tr := &task.Runner{
		Cache:            opts.OutputCache,
		DefaultTimeout:   time.Duration(opts.DefaultTaskTimeoutMs) * time.Millisecond,
		ParentProvenance: opts.ParentProvenance,
		DefaultRetry:     opts.DefaultRetry,
	}

	agg := newProgressAggregator(tasks, opts.OnProgress)
	for _, t := range tasks {
		id := t.ID()
		t.Events().On("progress", func(p any) {
			if m, ok := p.(map[string]any); ok {
				if v, ok := m["value"].(float64); ok {
					agg.update(id, v)
				}
			}
		})
	}

	// portValues[targetTaskID][targetPortID] = list of (producerID, value)
	// in producer-id order, populated as each layer completes.
	portValues := make(map[string]map[string][]producedValue)

	// L0 installation: match top-level input field names against each L0
	// task's input schema; unmatched fields are ignored (§4.5 step 3).
	if len(layers) > 0 {
		for _, t := range layers[0] {
			tt := tasks[t.ID()]
			if tt == nil {
				continue
			}
			portSet := make(map[string]bool)
			for _, p := range tt.InputPorts() {
				portSet[p] = true
			}
			for k, v := range topLevelInput {
				if portSet[k] {
					if portValues[t.ID()] == nil {
						portValues[t.ID()] = make(map[string][]producedValue)
					}
					portValues[t.ID()][k] = []producedValue{{producerID: "$top", value: v}}
				}
			}
		}
	}

	var firstFailure error
	var firstAbort error
	var mu sync.Mutex
	cancelled := false

	cancelAll := func() {
		mu.Lock()
		if !cancelled {
			cancelled = true
			signal.Abort()
		}
		mu.Unlock()
	}

	skipDescendants := func(failedID string) {
		visited := map[string]bool{failedID: true}
		queue := []string{failedID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range g.GetTargetTasks(cur) {
				if visited[next.ID()] {
					continue
				}
				visited[next.ID()] = true
				if tt := tasks[next.ID()]; tt != nil && tt.Status() == task.StatusPending {
					tt.Skip()
				}
				queue = append(queue, next.ID())
			}
		}
	}

	for _, layer := range layers {
		if signal.Aborted() {
			for _, t := range layer {
				if tt := tasks[t.ID()]; tt != nil && tt.Status() == task.StatusPending {
					tt.Skip()
				}
			}
			continue
		}

		var wg sync.WaitGroup
		for _, tn := range layer {
			t := tasks[tn.ID()]
			if t == nil || t.Status() != task.StatusPending {
				continue
			}

			if opts.ConditionGate != nil && t.Config.Condition != "" {
				condInput := resolveConditionInput(portValues[t.ID()])
				ok, err := opts.ConditionGate.Evaluate(ctx, t.Config.Condition, condInput)
				if err != nil || !ok {
					t.Skip()
					skipDescendants(t.ID())
					continue
				}
			}

			wg.Add(1)
			sem.acquire()
			go func(t *task.Task) {
				defer wg.Done()
				defer sem.release()

				if signal.Aborted() {
					t.Skip()
					return
				}

				overrides := mergeInputs(t, portValues[t.ID()])

				var runErr error
				if t.SubGraph != nil {
					runErr = gr.runSubgraph(ctx, t, tr, overrides, signal, opts)
				} else if t.Config.QueueName != "" && opts.Queue != nil {
					runErr = gr.runQueued(ctx, t, tr, overrides, opts.Queue, opts.QueueRateLimiter)
				} else {
					runErr = tr.Run(ctx, t, task.RunOptions{
						CallerOverrides: overrides,
						ParentSignal:    signal,
					})
				}

				if runErr == nil {
					publishOutputs(g, t, portValues, &mu)
					return
				}

				mu.Lock()
				if _, isAbort := runErr.(*taskerr.TaskAbortedError); isAbort {
					if firstAbort == nil {
						firstAbort = runErr
					}
				} else {
					if firstFailure == nil {
						firstFailure = runErr
					}
				}
				mu.Unlock()

				if _, isFail := runErr.(*taskerr.TaskFailedError); isFail {
					skipDescendants(t.ID())
					if opts.failFast() {
						cancelAll()
					}
				}
			}(t)
		}
		wg.Wait()

		if signal.Aborted() && firstFailure == nil && firstAbort == nil {
			firstAbort = taskerr.NewTaskAborted("$graph", "parent-cancelled")
		}
	}

	agg.final()

	if firstFailure != nil {
		return nil, firstFailure
	}
	if firstAbort != nil {
		return nil, firstAbort
	}

	return gr.collectTerminalResults(g, tasks), nil
}

// RunReactive is the graph-level reactive-run operation (§4.5): it walks g
// in the same topological layers as Run, but calls each task's reactive
// path (task.Runner.RunReactive) instead of Execute, skipping caching,
// retries and the job queue entirely. Existing RunOutputData is passed as
// the "currentOutput" each task re-derives from, so a task with no
// ReactiveExecutable body simply keeps its prior output (per
// task.Runner.RunReactive's own fallback).
func (gr *GraphRunner) RunReactive(ctx context.Context, g *graph.TaskGraph, tasks map[string]*task.Task, topLevelInput map[string]any, opts Options) (NamedGraphResult, error) {
	g.Lock()
	defer g.Unlock()

	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	tr := &task.Runner{ParentProvenance: opts.ParentProvenance}

	portValues := make(map[string]map[string][]producedValue)
	if len(layers) > 0 {
		for _, tn := range layers[0] {
			tt := tasks[tn.ID()]
			if tt == nil {
				continue
			}
			portSet := make(map[string]bool)
			for _, p := range tt.InputPorts() {
				portSet[p] = true
			}
			for k, v := range topLevelInput {
				if portSet[k] {
					if portValues[tn.ID()] == nil {
						portValues[tn.ID()] = make(map[string][]producedValue)
					}
					portValues[tn.ID()][k] = []producedValue{{producerID: "$top", value: v}}
				}
			}
		}
	}

	var mu sync.Mutex
	for _, layer := range layers {
		for _, tn := range layer {
			t := tasks[tn.ID()]
			if t == nil {
				continue
			}

			overrides := mergeInputs(t, portValues[t.ID()])
			input := mergeDefaults(t, overrides)
			out, rerr := tr.RunReactive(t, input, t.RunOutputData)
			if rerr != nil {
				return nil, rerr
			}
			t.RunInputData = input
			t.RunOutputData = out
			publishOutputs(g, t, portValues, &mu)
		}
	}

	return gr.collectTerminalResults(g, tasks), nil
}

// runSubgraph delegates running t to its subgraph, using t's resolved
// input as the subgraph's top-level input; the subgraph's merged output
// becomes t's output.
func (gr *GraphRunner) runSubgraph(ctx context.Context, t *task.Task, tr *task.Runner, overrides map[string]any, signal *task.CancelSignal, opts Options) error {
	overrides = mergeDefaults(t, overrides)
	t.RunInputData = overrides

	subTasks := make(map[string]*task.Task)
	for _, tn := range t.SubGraph.GetTasks() {
		if tt, ok := tn.(*task.Task); ok {
			subTasks[tt.ID()] = tt
		}
	}

	subOpts := opts
	subOpts.ParentSignal = signal
	result, err := gr.Run(ctx, t.SubGraph, subTasks, overrides, subOpts)
	if err != nil {
		return err
	}
	merged := MergeExecuteOutputsToRunOutput(result, task.MergeLastOrPropertyArray)
	t.RunOutputData = merged
	return nil
}

// runQueued routes a task through the Job Queue instead of invoking its
// body in-process: the job carries the task's dataflow overrides and the
// awaited output becomes the task's output. It does not move the task
// through its status states (the task stays PENDING), and only ctx bounds
// the wait on Await; the run's cancel signal is not observed there.
// When limiter is set, dispatch is throttled through its hybrid token/leaky
// bucket so a burst of queued tasks can't overrun a slow worker pool.
func (gr *GraphRunner) runQueued(ctx context.Context, t *task.Task, tr *task.Runner, overrides map[string]any, q JobQueue, limiter *resilience.HybridRateLimiter) error {
	if limiter != nil {
		if err := limiter.AllowOrWait(ctx); err != nil {
			return taskerr.NewTaskFailed(t.ID(), err)
		}
	}
	job := map[string]any{"taskId": t.ID(), "taskType": t.Executor.Type(), "input": overrides}
	jobID, err := q.Enqueue(ctx, t.Config.QueueName, job)
	if err != nil {
		return taskerr.NewTaskFailed(t.ID(), err)
	}
	out, err := q.Await(ctx, jobID)
	if err != nil {
		return taskerr.NewTaskFailed(t.ID(), err)
	}
	t.RunInputData = overrides
	t.RunOutputData = out
	return nil
}

type producedValue struct {
	producerID string
	value      any
}

// mergeInputs flattens the portValues collected for t into a single
// overrides map, applying t's compoundMerge strategy whenever a port
// received more than one producer.
func mergeInputs(t *task.Task, ports map[string][]producedValue) map[string]any {
	out := make(map[string]any)
	strategy := t.Config.CompoundMerge
	if strategy == "" {
		strategy = task.MergeLastOrPropertyArray
	}
	for port, vals := range ports {
		out[port] = applyMergeStrategy(strategy, vals)
	}
	return out
}

// mergeDefaults layers overrides on top of t.Defaults, mirroring
// task.Runner's own resolveInput precedence for callers (like RunReactive)
// that build a task's effective input outside of task.Runner.Run.
func mergeDefaults(t *task.Task, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(t.Defaults)+len(overrides))
	for k, v := range t.Defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func applyMergeStrategy(strategy task.MergeStrategy, vals []producedValue) any {
	sorted := append([]producedValue(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].producerID < sorted[j].producerID })

	switch strategy {
	case task.MergePropertyArray:
		arr := make([]any, len(sorted))
		for i, v := range sorted {
			arr[i] = v.value
		}
		return arr
	case task.MergeUnorderedArray:
		arr := make([]any, len(vals))
		for i, v := range vals {
			arr[i] = v.value
		}
		return arr
	case task.MergeLast:
		return sorted[len(sorted)-1].value
	case task.MergeNamed:
		named := make(map[string]any, len(sorted))
		for _, v := range sorted {
			named[v.producerID] = v.value
		}
		return named
	default: // last-or-property-array
		if len(sorted) == 1 {
			return sorted[0].value
		}
		arr := make([]any, len(sorted))
		for i, v := range sorted {
			arr[i] = v.value
		}
		return arr
	}
}

func resolveConditionInput(ports map[string][]producedValue) map[string]any {
	out := make(map[string]any)
	for port, vals := range ports {
		out[port] = applyMergeStrategy(task.MergeLastOrPropertyArray, vals)
	}
	return out
}

// publishOutputs stages t's completed output onto every outbound dataflow,
// honoring the wildcard merge order: named-port writes first, then
// wildcard writes fill absent fields (§4.3).
func publishOutputs(g *graph.TaskGraph, t *task.Task, portValues map[string]map[string][]producedValue, mu *sync.Mutex) {
	out := t.RunOutputData
	if out == nil {
		out = map[string]any{}
	}

	mu.Lock()
	defer mu.Unlock()

	// Pass 1: named-port dataflows.
	for _, df := range g.GetTargetDataflows(t.ID()) {
		if df.TargetTaskID == "" || df.SourcePortID == graph.WildcardPort {
			continue
		}
		v, ok := out[df.SourcePortID]
		if !ok {
			continue
		}
		stage(portValues, t.ID(), df.TargetTaskID, df.TargetPortID, v)
	}

	// Pass 2: wildcard dataflows fill absent fields.
	for _, df := range g.GetTargetDataflows(t.ID()) {
		if df.TargetTaskID == "" || df.SourcePortID != graph.WildcardPort {
			continue
		}
		if df.TargetPortID == graph.WildcardPort {
			for k, v := range out {
				if _, already := portValues[df.TargetTaskID][k]; !already {
					stage(portValues, t.ID(), df.TargetTaskID, k, v)
				}
			}
			continue
		}
		if _, already := portValues[df.TargetTaskID][df.TargetPortID]; !already {
			stage(portValues, t.ID(), df.TargetTaskID, df.TargetPortID, out)
		}
	}
}

func stage(portValues map[string]map[string][]producedValue, producerID, targetID, targetPort string, v any) {
	if portValues[targetID] == nil {
		portValues[targetID] = make(map[string][]producedValue)
	}
	portValues[targetID][targetPort] = append(portValues[targetID][targetPort], producedValue{producerID: producerID, value: v})
}

// collectTerminalResults returns an ordered NamedGraphResult for every
// terminal task (no outgoing dataflows), in deterministic task-id order.
func (gr *GraphRunner) collectTerminalResults(g *graph.TaskGraph, tasks map[string]*task.Task) NamedGraphResult {
	var ids []string
	for id := range tasks {
		if len(g.GetTargetDataflows(id)) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out NamedGraphResult
	for _, id := range ids {
		t := tasks[id]
		data := t.RunOutputData
		if data == nil {
			data = map[string]any{}
		}
		out = append(out, NamedResult{TaskID: id, Data: data})
	}
	return out
}

// MergeExecuteOutputsToRunOutput reduces a NamedGraphResult to a single
// record using strategy, treating each terminal task as a "producer" keyed
// by its task id.
func MergeExecuteOutputsToRunOutput(results NamedGraphResult, strategy task.MergeStrategy) map[string]any {
	byPort := make(map[string][]producedValue)
	for _, r := range results {
		for port, v := range r.Data {
			byPort[port] = append(byPort[port], producedValue{producerID: r.TaskID, value: v})
		}
	}
	out := make(map[string]any, len(byPort))
	for port, vals := range byPort {
		out[port] = applyMergeStrategy(strategy, vals)
	}
	return out
}

// semaphore bounds in-flight goroutines to n; n<=0 means unbounded.
type semaphore struct{ ch chan struct{} }

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		return &semaphore{}
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

func (s *semaphore) acquire() {
	if s.ch != nil {
		s.ch <- struct{}{}
	}
}

func (s *semaphore) release() {
	if s.ch != nil {
		<-s.ch
	}
}
