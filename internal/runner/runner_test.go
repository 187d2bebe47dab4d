package runner

import (
	"context"
	"testing"

	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// fnExecutor is a minimal task.Executable whose Execute body is supplied
// inline by each test, letting tests assert on specific success/failure/
// timeout behavior without a real side-effecting task class.
type fnExecutor struct {
	typeName string
	fn       func(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error)
}

func (e *fnExecutor) Type() string                    { return e.typeName }
func (e *fnExecutor) Category() string                { return "test" }
func (e *fnExecutor) Cacheable() bool                 { return false }
func (e *fnExecutor) InputSchema() *schema.Schema      { return nil }
func (e *fnExecutor) OutputSchema() *schema.Schema     { return nil }
func (e *fnExecutor) Execute(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
	return e.fn(ctx, input)
}

func echoExecutor(name string) *fnExecutor {
	return &fnExecutor{typeName: name, fn: func(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
		return input, nil
	}}
}

// portedEchoExecutor is an echo task that declares an input schema, so a
// graph's top-level input has ports to be installed into.
type portedEchoExecutor struct {
	fnExecutor
	in *schema.Schema
}

func (e *portedEchoExecutor) InputSchema() *schema.Schema { return e.in }

func failingExecutor(name string) *fnExecutor {
	return &fnExecutor{typeName: name, fn: func(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
		return nil, taskerr.NewWorkflowError("boom")
	}}
}

func newTask(id string, exec task.Executor, defaults map[string]any) *task.Task {
	return task.New(exec, task.Config{ID: id}, defaults)
}

func TestRunSimpleChainPropagatesOutputThroughWildcard(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), map[string]any{"x": 1})
	b := newTask("b", echoExecutor("echo"), nil)

	g := graph.New()
	mustAdd(t, g.AddTask(a))
	mustAdd(t, g.AddTask(b))
	mustAdd(t, g.AddDataflow(&graph.Dataflow{
		SourceTaskID: "a", SourcePortID: graph.WildcardPort,
		TargetTaskID: "b", TargetPortID: graph.WildcardPort,
	}))

	tasks := map[string]*task.Task{"a": a, "b": b}
	gr := New()
	result, err := gr.Run(context.Background(), g, tasks, nil, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result) != 1 || result[0].TaskID != "b" {
		t.Fatalf("expected single terminal result for b, got %+v", result)
	}
	if result[0].Data["x"] != 1 {
		t.Fatalf("expected x=1 to propagate through wildcard dataflow, got %v", result[0].Data)
	}
}

func TestRunFirstFailureCancelsDescendant(t *testing.T) {
	a := newTask("a", failingExecutor("fail"), nil)
	b := newTask("b", echoExecutor("echo"), nil)

	g := graph.New()
	mustAdd(t, g.AddTask(a))
	mustAdd(t, g.AddTask(b))
	mustAdd(t, g.AddDataflow(&graph.Dataflow{
		SourceTaskID: "a", SourcePortID: graph.WildcardPort,
		TargetTaskID: "b", TargetPortID: graph.WildcardPort,
	}))

	tasks := map[string]*task.Task{"a": a, "b": b}
	gr := New()
	_, err := gr.Run(context.Background(), g, tasks, nil, Options{})
	if err == nil {
		t.Fatalf("expected Run to surface task a's failure")
	}
	if _, ok := err.(*taskerr.TaskFailedError); !ok {
		t.Fatalf("expected *taskerr.TaskFailedError, got %T: %v", err, err)
	}
	if b.Status() != task.StatusSkipped {
		t.Fatalf("expected b to be skipped after a failed, got status %s", b.Status())
	}
}

type fakeGate struct{ allow bool }

func (g *fakeGate) Evaluate(ctx context.Context, packageName string, input map[string]any) (bool, error) {
	return g.allow, nil
}

func TestRunConditionGateSkipsDeniedTask(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), nil)
	a.Config.Condition = "tasks.deny"

	g := graph.New()
	mustAdd(t, g.AddTask(a))

	tasks := map[string]*task.Task{"a": a}
	gr := New()
	result, err := gr.Run(context.Background(), g, tasks, nil, Options{ConditionGate: &fakeGate{allow: false}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Status() != task.StatusSkipped {
		t.Fatalf("expected a to be skipped by condition gate, got status %s", a.Status())
	}
	if len(result) != 1 || result[0].TaskID != "a" {
		t.Fatalf("expected skipped task to still surface as a terminal result, got %+v", result)
	}
}

func TestRunConditionGateAllowsPermittedTask(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), map[string]any{"x": 1})
	a.Config.Condition = "tasks.allow"

	g := graph.New()
	mustAdd(t, g.AddTask(a))

	tasks := map[string]*task.Task{"a": a}
	gr := New()
	_, err := gr.Run(context.Background(), g, tasks, nil, Options{ConditionGate: &fakeGate{allow: true}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Status() != task.StatusCompleted {
		t.Fatalf("expected a to complete when gate allows, got status %s", a.Status())
	}
}

type fakeQueue struct {
	gotQueueName string
	gotJob       map[string]any
	out          map[string]any
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName string, job map[string]any) (string, error) {
	q.gotQueueName = queueName
	q.gotJob = job
	return "job-1", nil
}

func (q *fakeQueue) Await(ctx context.Context, jobID string) (map[string]any, error) {
	return q.out, nil
}

func TestRunRoutesQueuedTaskThroughJobQueue(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), map[string]any{"x": 1})
	a.Config.QueueName = "ingest"

	g := graph.New()
	mustAdd(t, g.AddTask(a))

	q := &fakeQueue{out: map[string]any{"y": 2}}
	tasks := map[string]*task.Task{"a": a}
	gr := New()
	result, err := gr.Run(context.Background(), g, tasks, nil, Options{Queue: q})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.gotQueueName != "ingest" {
		t.Fatalf("expected job routed to queue 'ingest', got %q", q.gotQueueName)
	}
	if result[0].Data["y"] != 2 {
		t.Fatalf("expected queued task's output to come from Await, got %v", result[0].Data)
	}
}

func TestRunSubgraphDelegatesToInnerGraph(t *testing.T) {
	inner := newTask("inner", &portedEchoExecutor{
		fnExecutor: *echoExecutor("echo"),
		in:         schema.New([]string{"x"}, map[string]schema.Property{"x": {Type: schema.TypeInteger}}, nil),
	}, nil)
	subGraph := graph.New()
	mustAdd(t, subGraph.AddTask(inner))

	outer := newTask("outer", echoExecutor("echo"), map[string]any{"x": 5})
	outer.SubGraph = subGraph

	g := graph.New()
	mustAdd(t, g.AddTask(outer))

	tasks := map[string]*task.Task{"outer": outer}
	gr := New()
	result, err := gr.Run(context.Background(), g, tasks, nil, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result[0].Data["x"] != 5 {
		t.Fatalf("expected outer's output to be the merged subgraph result, got %v", result[0].Data)
	}
}

func TestMergeExecuteOutputsToRunOutputCombinesByPort(t *testing.T) {
	results := NamedGraphResult{
		{TaskID: "a", Data: map[string]any{"v": 1}},
		{TaskID: "b", Data: map[string]any{"v": 2}},
	}
	merged := MergeExecuteOutputsToRunOutput(results, task.MergePropertyArray)
	arr, ok := merged["v"].([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("expected property-array merge of 2 values, got %v", merged["v"])
	}
}

// reactiveExecutor adds a reactive path on top of fnExecutor for tests
// exercising GraphRunner.RunReactive.
type reactiveExecutor struct {
	fnExecutor
	reactiveFn func(input, currentOutput map[string]any) (map[string]any, error)
}

func (e *reactiveExecutor) ExecuteReactive(ctx *task.ExecuteContext, input, currentOutput map[string]any) (map[string]any, error) {
	return e.reactiveFn(input, currentOutput)
}

func doublingReactiveExecutor(name string) *reactiveExecutor {
	return &reactiveExecutor{
		fnExecutor: fnExecutor{typeName: name},
		reactiveFn: func(input, _ map[string]any) (map[string]any, error) {
			x, _ := input["x"].(int)
			return map[string]any{"x": x * 2}, nil
		},
	}
}

func TestRunReactivePropagatesThroughTopologicalOrder(t *testing.T) {
	a := newTask("a", doublingReactiveExecutor("double"), map[string]any{"x": 1})
	b := newTask("b", doublingReactiveExecutor("double"), nil)

	g := graph.New()
	mustAdd(t, g.AddTask(a))
	mustAdd(t, g.AddTask(b))
	mustAdd(t, g.AddDataflow(&graph.Dataflow{
		SourceTaskID: "a", SourcePortID: graph.WildcardPort,
		TargetTaskID: "b", TargetPortID: graph.WildcardPort,
	}))

	tasks := map[string]*task.Task{"a": a, "b": b}
	gr := New()
	result, err := gr.RunReactive(context.Background(), g, tasks, map[string]any{"x": 1}, Options{})
	if err != nil {
		t.Fatalf("RunReactive: %v", err)
	}
	if len(result) != 1 || result[0].TaskID != "b" {
		t.Fatalf("expected single terminal result for b, got %+v", result)
	}
	if result[0].Data["x"] != 4 {
		t.Fatalf("expected a to double 1->2 and b to double 2->4, got %v", result[0].Data)
	}
}

func TestRunReactiveKeepsPriorOutputForNonReactiveTask(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), map[string]any{"x": 1})
	a.RunOutputData = map[string]any{"x": "stale"}

	g := graph.New()
	mustAdd(t, g.AddTask(a))

	tasks := map[string]*task.Task{"a": a}
	gr := New()
	result, err := gr.RunReactive(context.Background(), g, tasks, nil, Options{})
	if err != nil {
		t.Fatalf("RunReactive: %v", err)
	}
	if result[0].Data["x"] != "stale" {
		t.Fatalf("expected non-reactive task to keep its prior RunOutputData, got %v", result[0].Data)
	}
}

func mustAdd(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
