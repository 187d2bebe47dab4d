// Package graph implements the Dataflow & Graph component: an in-memory
// DAG of tasks and dataflows, topological sort, wildcard port expansion,
// subgraph composition, and serialization.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// WildcardPort is the sentinel port name meaning "the whole input/output
// record."
const WildcardPort = "*"

// TaskNode is the minimal view of a task the graph needs: stable id, and
// the input/output port names it declares (used to validate dataflow
// endpoints). The full task lifecycle lives in package task; TaskNode lets
// package graph avoid importing it and creating a cycle.
type TaskNode interface {
	ID() string
	InputPorts() []string
	OutputPorts() []string
}

// Dataflow is a directed edge (sourceTaskId, sourcePortId) ->
// (targetTaskId, targetPortId). TargetTaskID may be empty ("unbound")
// during builder-time construction.
type Dataflow struct {
	SourceTaskID   string
	SourcePortID   string
	TargetTaskID   string
	TargetPortID   string

	mu     sync.Mutex
	cached any
	hasVal bool
}

// Key returns the canonical string "srcId[srcPort] ==> tgtId[tgtPort]" used
// as the dataflow's map key inside the graph.
func (d *Dataflow) Key() string {
	return fmt.Sprintf("%s[%s] ==> %s[%s]", d.SourceTaskID, d.SourcePortID, d.TargetTaskID, d.TargetPortID)
}

// SetValue caches the in-flight value carried by this edge for the current
// run.
func (d *Dataflow) SetValue(v any) {
	d.mu.Lock()
	d.cached, d.hasVal = v, true
	d.mu.Unlock()
}

// Value returns the cached in-flight value, if any.
func (d *Dataflow) Value() (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached, d.hasVal
}

// Reset clears any cached in-flight value, per the reset hook the spec
// calls out for Dataflow.
func (d *Dataflow) Reset() {
	d.mu.Lock()
	d.cached, d.hasVal = nil, false
	d.mu.Unlock()
}

// TaskGraph is a DAG of tasks and dataflows.
type TaskGraph struct {
	mu        sync.RWMutex
	tasks     map[string]TaskNode
	dataflows map[string]*Dataflow
	emit      events.Emitter

	// locked is set while a GraphRunner owns the graph for a run; mutating
	// operations fail while locked, per the shared-resource policy in §5.
	locked bool
}

// New constructs an empty graph.
func New() *TaskGraph {
	return &TaskGraph{
		tasks:     make(map[string]TaskNode),
		dataflows: make(map[string]*Dataflow),
	}
}

func (g *TaskGraph) Events() *events.Emitter { return &g.emit }

// Lock marks the graph as owned by a run; AddTask/AddDataflow fail while
// locked. Unlock releases it. The GraphRunner calls these around run().
func (g *TaskGraph) Lock() {
	g.mu.Lock()
	g.locked = true
	g.mu.Unlock()
}

func (g *TaskGraph) Unlock() {
	g.mu.Lock()
	g.locked = false
	g.mu.Unlock()
}

func (g *TaskGraph) AddTask(t TaskNode) error {
	g.mu.Lock()
	if g.locked {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("cannot mutate graph while a run is in progress")
	}
	_, replaced := g.tasks[t.ID()]
	g.tasks[t.ID()] = t
	g.mu.Unlock()

	if replaced {
		g.emit.Emit("task_replaced", t.ID())
	} else {
		g.emit.Emit("task_added", t.ID())
	}
	return nil
}

func (g *TaskGraph) RemoveTask(id string) error {
	g.mu.Lock()
	if g.locked {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("cannot mutate graph while a run is in progress")
	}
	if _, ok := g.tasks[id]; !ok {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("unknown task id: %q", id)
	}
	delete(g.tasks, id)
	for key, df := range g.dataflows {
		if df.SourceTaskID == id || df.TargetTaskID == id {
			delete(g.dataflows, key)
		}
	}
	g.mu.Unlock()
	g.emit.Emit("task_removed", id)
	return nil
}

func (g *TaskGraph) GetTask(id string) (TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

func (g *TaskGraph) GetTasks() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]TaskNode, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AddDataflow fails if either endpoint is unknown, if port names do not
// exist in the relevant task's schema (except the wildcard), or if the
// dataflow would introduce a cycle.
func (g *TaskGraph) AddDataflow(df *Dataflow) error {
	g.mu.Lock()
	if g.locked {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("cannot mutate graph while a run is in progress")
	}
	src, ok := g.tasks[df.SourceTaskID]
	if !ok {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("dataflow source task unknown: %q", df.SourceTaskID)
	}
	if df.TargetTaskID != "" {
		tgt, ok := g.tasks[df.TargetTaskID]
		if !ok {
			g.mu.Unlock()
			return taskerr.NewWorkflowError("dataflow target task unknown: %q", df.TargetTaskID)
		}
		if df.TargetPortID != WildcardPort && !contains(tgt.InputPorts(), df.TargetPortID) {
			g.mu.Unlock()
			return taskerr.NewWorkflowError("target task %q has no input port %q", df.TargetTaskID, df.TargetPortID)
		}
	}
	if df.SourcePortID != WildcardPort && !contains(src.OutputPorts(), df.SourcePortID) {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("source task %q has no output port %q", df.SourceTaskID, df.SourcePortID)
	}

	// Cycle check: tentatively add, verify acyclicity, roll back on failure.
	key := df.Key()
	_, replaced := g.dataflows[key]
	g.dataflows[key] = df
	if g.hasCycleLocked() {
		delete(g.dataflows, key)
		g.mu.Unlock()
		return taskerr.NewWorkflowError("dataflow %s would introduce a cycle", key)
	}
	g.mu.Unlock()
	if replaced {
		g.emit.Emit("dataflow_replaced", key)
	} else {
		g.emit.Emit("dataflow_added", key)
	}
	return nil
}

func (g *TaskGraph) RemoveDataflow(key string) error {
	g.mu.Lock()
	if g.locked {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("cannot mutate graph while a run is in progress")
	}
	if _, ok := g.dataflows[key]; !ok {
		g.mu.Unlock()
		return taskerr.NewWorkflowError("unknown dataflow key: %q", key)
	}
	delete(g.dataflows, key)
	g.mu.Unlock()
	g.emit.Emit("dataflow_removed", key)
	return nil
}

func (g *TaskGraph) GetDataflows() []*Dataflow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Dataflow, 0, len(g.dataflows))
	for _, df := range g.dataflows {
		out = append(out, df)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (g *TaskGraph) GetSourceDataflows(taskID string) []*Dataflow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Dataflow
	for _, df := range g.dataflows {
		if df.TargetTaskID == taskID {
			out = append(out, df)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (g *TaskGraph) GetTargetDataflows(taskID string) []*Dataflow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Dataflow
	for _, df := range g.dataflows {
		if df.SourceTaskID == taskID {
			out = append(out, df)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (g *TaskGraph) GetSourceTasks(taskID string) []TaskNode {
	var out []TaskNode
	for _, df := range g.GetSourceDataflows(taskID) {
		if t, ok := g.GetTask(df.SourceTaskID); ok {
			out = append(out, t)
		}
	}
	return out
}

func (g *TaskGraph) GetTargetTasks(taskID string) []TaskNode {
	var out []TaskNode
	for _, df := range g.GetTargetDataflows(taskID) {
		if t, ok := g.GetTask(df.TargetTaskID); ok {
			out = append(out, t)
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// hasCycleLocked runs Kahn's algorithm over the current task/dataflow set;
// caller must hold g.mu.
func (g *TaskGraph) hasCycleLocked() bool {
	inDegree := make(map[string]int, len(g.tasks))
	adj := make(map[string][]string, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = 0
	}
	for _, df := range g.dataflows {
		if df.TargetTaskID == "" {
			continue // unbound dataflow, not yet part of the graph shape
		}
		adj[df.SourceTaskID] = append(adj[df.SourceTaskID], df.TargetTaskID)
		inDegree[df.TargetTaskID]++
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(g.tasks)
}

// TopologicallySortedNodes returns a deterministic Kahn-style order; ties
// are broken by task id.
func (g *TaskGraph) TopologicallySortedNodes() ([]TaskNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.tasks))
	adj := make(map[string][]string, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = 0
	}
	for _, df := range g.dataflows {
		if df.TargetTaskID == "" {
			continue
		}
		adj[df.SourceTaskID] = append(adj[df.SourceTaskID], df.TargetTaskID)
		inDegree[df.TargetTaskID]++
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []TaskNode
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, g.tasks[id])

		var nextReady []string
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				nextReady = append(nextReady, next)
			}
		}
		ready = append(ready, nextReady...)
	}

	if len(order) != len(g.tasks) {
		return nil, taskerr.NewWorkflowError("graph contains a cycle")
	}
	return order, nil
}

// Layers partitions the graph into topological waves: L0 has no incoming
// dataflows; L[i+1] contains tasks whose every predecessor is in an
// earlier layer.
func (g *TaskGraph) Layers() ([][]TaskNode, error) {
	g.mu.RLock()
	tasks := make(map[string]TaskNode, len(g.tasks))
	for id, t := range g.tasks {
		tasks[id] = t
	}
	preds := make(map[string]map[string]bool, len(g.tasks))
	for id := range g.tasks {
		preds[id] = make(map[string]bool)
	}
	for _, df := range g.dataflows {
		if df.TargetTaskID == "" {
			continue
		}
		preds[df.TargetTaskID][df.SourceTaskID] = true
	}
	g.mu.RUnlock()

	placed := make(map[string]int, len(tasks)) // task id -> layer index
	var layers [][]TaskNode
	remaining := len(tasks)

	for layerIdx := 0; remaining > 0; layerIdx++ {
		var layerIDs []string
		for id := range tasks {
			if _, done := placed[id]; done {
				continue
			}
			ready := true
			for p := range preds[id] {
				if _, done := placed[p]; !done {
					ready = false
					break
				}
			}
			if ready {
				layerIDs = append(layerIDs, id)
			}
		}
		if len(layerIDs) == 0 {
			return nil, taskerr.NewWorkflowError("graph contains a cycle")
		}
		sort.Strings(layerIDs)
		var layer []TaskNode
		for _, id := range layerIDs {
			placed[id] = layerIdx
			layer = append(layer, tasks[id])
			remaining--
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
