// Package graphdef builds runnable graph.TaskGraph/task.Task trees from the
// JSON graph definitions taskgraphd accepts over HTTP, wiring each task's
// executor through a taskexec.Registry.
package graphdef

import (
	"fmt"
	"time"

	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/task"
	"github.com/swarmguard/taskgraph/internal/taskexec"
)

// RetrySpec is the wire form of task.RetryPolicy: durations are encoded as
// time.ParseDuration strings ("500ms", "2s") so a graph submitted over HTTP
// can declare a per-task retry policy without binary encoding.
type RetrySpec struct {
	MaxAttempts int     `json:"maxAttempts"`
	InitialWait string  `json:"initialWait"`
	MaxWait     string  `json:"maxWait"`
	Multiplier  float64 `json:"multiplier"`
}

// toPolicy parses s into a task.RetryPolicy, defaulting blank durations to
// zero. The result replaces the TaskRunner's DefaultRetry as a whole; blank
// fields are not filled in from it.
func (s RetrySpec) toPolicy() (*task.RetryPolicy, error) {
	var initial, maxWait time.Duration
	var err error
	if s.InitialWait != "" {
		if initial, err = time.ParseDuration(s.InitialWait); err != nil {
			return nil, fmt.Errorf("initialWait: %w", err)
		}
	}
	if s.MaxWait != "" {
		if maxWait, err = time.ParseDuration(s.MaxWait); err != nil {
			return nil, fmt.Errorf("maxWait: %w", err)
		}
	}
	return &task.RetryPolicy{
		MaxAttempts: s.MaxAttempts,
		InitialWait: initial,
		MaxWait:     maxWait,
		Multiplier:  s.Multiplier,
	}, nil
}

// TaskSpec is the wire form of one task within a GraphSpec.
type TaskSpec struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Input         map[string]any `json:"input,omitempty"`
	Provenance    map[string]any `json:"provenance,omitempty"`
	Extras        map[string]any `json:"extras,omitempty"`
	QueueName     string         `json:"queueName,omitempty"`
	Cacheable     bool           `json:"cacheable,omitempty"`
	CompoundMerge string         `json:"compoundMerge,omitempty"`
	Weight        float64        `json:"weight,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	Retry         *RetrySpec     `json:"retry,omitempty"`
	Condition     string         `json:"condition,omitempty"`
	Subgraph      *GraphSpec     `json:"subgraph,omitempty"`
}

// DataflowSpec is the wire form of one dataflow edge.
type DataflowSpec struct {
	SourceTaskID     string `json:"sourceTaskId"`
	SourceTaskPortID string `json:"sourceTaskPortId"`
	TargetTaskID     string `json:"targetTaskId"`
	TargetTaskPortID string `json:"targetTaskPortId"`
}

// GraphSpec is the wire form of a whole graph submission.
type GraphSpec struct {
	Tasks     []TaskSpec     `json:"tasks"`
	Dataflows []DataflowSpec `json:"dataflows"`
}

// Build constructs a graph.TaskGraph and its id-indexed tasks from spec,
// resolving each task's executor through registry. Subgraphs are built
// recursively and attached via task.Task.SubGraph.
func Build(spec GraphSpec, registry *taskexec.Registry) (*graph.TaskGraph, map[string]*task.Task, error) {
	g := graph.New()
	tasks := make(map[string]*task.Task, len(spec.Tasks))

	for _, ts := range spec.Tasks {
		executor, err := registry.Build(ts.Type, ts.Extras)
		if err != nil {
			return nil, nil, fmt.Errorf("graphdef: task %q: %w", ts.ID, err)
		}

		cfg := task.Config{
			ID:            ts.ID,
			Name:          ts.Name,
			Provenance:    ts.Provenance,
			Extras:        ts.Extras,
			QueueName:     ts.QueueName,
			Cacheable:     ts.Cacheable || executor.Cacheable(),
			CompoundMerge: task.MergeStrategy(ts.CompoundMerge),
			Weight:        ts.Weight,
			TimeoutMs:     ts.TimeoutMs,
			Condition:     ts.Condition,
		}
		if ts.Retry != nil {
			policy, err := ts.Retry.toPolicy()
			if err != nil {
				return nil, nil, fmt.Errorf("graphdef: task %q retry: %w", ts.ID, err)
			}
			cfg.Retry = policy
		}
		t := task.New(executor, cfg, ts.Input)

		if ts.Subgraph != nil {
			subGraph, subTasks, err := Build(*ts.Subgraph, registry)
			if err != nil {
				return nil, nil, fmt.Errorf("graphdef: task %q subgraph: %w", ts.ID, err)
			}
			t.SubGraph = subGraph
			_ = subTasks // the subgraph's own Run call resolves its tasks via the recursive runner
		}

		if err := g.AddTask(t); err != nil {
			return nil, nil, fmt.Errorf("graphdef: add task %q: %w", ts.ID, err)
		}
		tasks[ts.ID] = t
	}

	for _, ds := range spec.Dataflows {
		df := &graph.Dataflow{
			SourceTaskID: ds.SourceTaskID,
			SourcePortID: ds.SourceTaskPortID,
			TargetTaskID: ds.TargetTaskID,
			TargetPortID: ds.TargetTaskPortID,
		}
		if err := g.AddDataflow(df); err != nil {
			return nil, nil, fmt.Errorf("graphdef: add dataflow %s->%s: %w", ds.SourceTaskID, ds.TargetTaskID, err)
		}
	}

	return g, tasks, nil
}
