package graph

import "testing"

type fakeTask struct {
	id  string
	in  []string
	out []string
}

func (f fakeTask) ID() string            { return f.id }
func (f fakeTask) InputPorts() []string  { return f.in }
func (f fakeTask) OutputPorts() []string { return f.out }

func newFake(id string, in, out []string) TaskNode {
	return fakeTask{id: id, in: in, out: out}
}

func TestAddTaskAndDataflow(t *testing.T) {
	g := New()
	if err := g.AddTask(newFake("a", nil, []string{"out"})); err != nil {
		t.Fatalf("AddTask a: %v", err)
	}
	if err := g.AddTask(newFake("b", []string{"in"}, nil)); err != nil {
		t.Fatalf("AddTask b: %v", err)
	}
	err := g.AddDataflow(&Dataflow{SourceTaskID: "a", SourcePortID: "out", TargetTaskID: "b", TargetPortID: "in"})
	if err != nil {
		t.Fatalf("AddDataflow: %v", err)
	}
	if len(g.GetDataflows()) != 1 {
		t.Fatalf("expected 1 dataflow")
	}
}

func TestAddDataflowRejectsUnknownPort(t *testing.T) {
	g := New()
	_ = g.AddTask(newFake("a", nil, []string{"out"}))
	_ = g.AddTask(newFake("b", []string{"in"}, nil))
	err := g.AddDataflow(&Dataflow{SourceTaskID: "a", SourcePortID: "missing", TargetTaskID: "b", TargetPortID: "in"})
	if err == nil {
		t.Fatalf("expected error for unknown source port")
	}
}

func TestAddDataflowWildcard(t *testing.T) {
	g := New()
	_ = g.AddTask(newFake("a", nil, []string{"out"}))
	_ = g.AddTask(newFake("b", []string{"in"}, nil))
	err := g.AddDataflow(&Dataflow{SourceTaskID: "a", SourcePortID: WildcardPort, TargetTaskID: "b", TargetPortID: WildcardPort})
	if err != nil {
		t.Fatalf("expected wildcard dataflow to be accepted: %v", err)
	}
}

func TestAddDataflowRejectsCycle(t *testing.T) {
	g := New()
	_ = g.AddTask(newFake("a", []string{"in"}, []string{"out"}))
	_ = g.AddTask(newFake("b", []string{"in"}, []string{"out"}))
	if err := g.AddDataflow(&Dataflow{SourceTaskID: "a", SourcePortID: "out", TargetTaskID: "b", TargetPortID: "in"}); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	err := g.AddDataflow(&Dataflow{SourceTaskID: "b", SourcePortID: "out", TargetTaskID: "a", TargetPortID: "in"})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestLockPreventsMutation(t *testing.T) {
	g := New()
	g.Lock()
	defer g.Unlock()
	if err := g.AddTask(newFake("a", nil, nil)); err == nil {
		t.Fatalf("expected mutation error while locked")
	}
}

func TestTopologicallySortedNodes(t *testing.T) {
	g := New()
	_ = g.AddTask(newFake("c", []string{"in"}, nil))
	_ = g.AddTask(newFake("a", nil, []string{"out"}))
	_ = g.AddTask(newFake("b", []string{"in"}, []string{"out"}))
	_ = g.AddDataflow(&Dataflow{SourceTaskID: "a", SourcePortID: "out", TargetTaskID: "b", TargetPortID: "in"})
	_ = g.AddDataflow(&Dataflow{SourceTaskID: "b", SourcePortID: "out", TargetTaskID: "c", TargetPortID: "in"})

	order, err := g.TopologicallySortedNodes()
	if err != nil {
		t.Fatalf("TopologicallySortedNodes: %v", err)
	}
	if len(order) != 3 || order[0].ID() != "a" || order[1].ID() != "b" || order[2].ID() != "c" {
		ids := make([]string, len(order))
		for i, n := range order {
			ids[i] = n.ID()
		}
		t.Fatalf("unexpected order: %v", ids)
	}
}

func TestLayersGroupsIndependentTasks(t *testing.T) {
	g := New()
	_ = g.AddTask(newFake("root", nil, []string{"out"}))
	_ = g.AddTask(newFake("left", []string{"in"}, []string{"out"}))
	_ = g.AddTask(newFake("right", []string{"in"}, []string{"out"}))
	_ = g.AddDataflow(&Dataflow{SourceTaskID: "root", SourcePortID: "out", TargetTaskID: "left", TargetPortID: "in"})
	_ = g.AddDataflow(&Dataflow{SourceTaskID: "root", SourcePortID: "out", TargetTaskID: "right", TargetPortID: "in"})

	layers, err := g.Layers()
	if err != nil {
		t.Fatalf("Layers: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(layers))
	}
	if len(layers[0]) != 1 || layers[0][0].ID() != "root" {
		t.Fatalf("expected layer 0 = [root]")
	}
	if len(layers[1]) != 2 {
		t.Fatalf("expected layer 1 to hold both independent tasks")
	}
}

func TestDataflowJSONRoundTrip(t *testing.T) {
	df := &Dataflow{SourceTaskID: "a", SourcePortID: "out", TargetTaskID: "b", TargetPortID: "in"}
	wire := df.ToDataflowJSON()
	back := FromDataflowJSON(wire)
	if back.SourceTaskID != df.SourceTaskID || back.SourcePortID != df.SourcePortID ||
		back.TargetTaskID != df.TargetTaskID || back.TargetPortID != df.TargetPortID {
		t.Fatalf("round trip mismatch: %+v vs %+v", df, back)
	}
}

func TestDataflowsJSON(t *testing.T) {
	g := New()
	_ = g.AddTask(newFake("a", nil, []string{"out"}))
	_ = g.AddTask(newFake("b", []string{"in"}, nil))
	_ = g.AddDataflow(&Dataflow{SourceTaskID: "a", SourcePortID: "out", TargetTaskID: "b", TargetPortID: "in"})
	wire := g.DataflowsJSON()
	if len(wire) != 1 || wire[0].SourceTaskID != "a" || wire[0].TargetTaskID != "b" {
		t.Fatalf("unexpected DataflowsJSON output: %+v", wire)
	}
}

func TestDataflowValueCache(t *testing.T) {
	df := &Dataflow{SourceTaskID: "a", SourcePortID: "out", TargetTaskID: "b", TargetPortID: "in"}
	if _, ok := df.Value(); ok {
		t.Fatalf("expected no cached value initially")
	}
	df.SetValue(42)
	v, ok := df.Value()
	if !ok || v != 42 {
		t.Fatalf("expected cached value 42, got %v ok=%v", v, ok)
	}
	df.Reset()
	if _, ok := df.Value(); ok {
		t.Fatalf("expected value cleared after Reset")
	}
}
