package graph

// TaskJSON is the stable wire form of a task within a serialized graph
// (§6.2). The task's own input/provenance/extras/subgraph/merge config are
// opaque to package graph; callers (package task) populate them.
type TaskJSON struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Input      map[string]any `json:"input,omitempty"`
	Provenance map[string]any `json:"provenance,omitempty"`
	Extras     map[string]any `json:"extras,omitempty"`
	Subgraph   *GraphJSON     `json:"subgraph,omitempty"`
	Merge      string         `json:"merge,omitempty"`
}

// DataflowJSON is the stable wire form of a dataflow edge.
type DataflowJSON struct {
	SourceTaskID     string `json:"sourceTaskId"`
	SourceTaskPortID string `json:"sourceTaskPortId"`
	TargetTaskID     string `json:"targetTaskId"`
	TargetTaskPortID string `json:"targetTaskPortId"`
}

// GraphJSON is the stable wire form of a whole graph.
type GraphJSON struct {
	Tasks     []TaskJSON     `json:"tasks"`
	Dataflows []DataflowJSON `json:"dataflows"`
}

// TaskDependencyJSON is the alternate "dependency JSON" form: each task
// embeds its subtasks array in place of a flat subgraph field. Package
// graph only shapes the edges; package task fills in the subtasks payload
// when a task owns a subGraph.
type TaskDependencyJSON struct {
	TaskJSON
	Subtasks []TaskDependencyJSON `json:"subtasks,omitempty"`
}

// ToDataflowJSON converts df into its wire form.
func (df *Dataflow) ToDataflowJSON() DataflowJSON {
	return DataflowJSON{
		SourceTaskID:     df.SourceTaskID,
		SourceTaskPortID: df.SourcePortID,
		TargetTaskID:     df.TargetTaskID,
		TargetTaskPortID: df.TargetPortID,
	}
}

// DataflowsJSON serializes every dataflow in the graph.
func (g *TaskGraph) DataflowsJSON() []DataflowJSON {
	dfs := g.GetDataflows()
	out := make([]DataflowJSON, 0, len(dfs))
	for _, df := range dfs {
		out = append(out, df.ToDataflowJSON())
	}
	return out
}

// FromDataflowJSON reconstructs a Dataflow (without its reset/cache state)
// from its wire form.
func FromDataflowJSON(j DataflowJSON) *Dataflow {
	return &Dataflow{
		SourceTaskID: j.SourceTaskID,
		SourcePortID: j.SourceTaskPortID,
		TargetTaskID: j.TargetTaskID,
		TargetPortID: j.TargetTaskPortID,
	}
}
