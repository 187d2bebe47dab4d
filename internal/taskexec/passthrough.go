package taskexec

import (
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
)

// PassthroughExecutor is a pure, cacheable identity task: its output is its
// input. Useful as a merge/fan-in point in a graph, and as the simplest
// possible ReactiveExecutable, since re-deriving an identity never needs the
// current output.
type PassthroughExecutor struct{}

func NewPassthroughExecutorFromConfig(map[string]any) (task.Executor, error) {
	return &PassthroughExecutor{}, nil
}

func (e *PassthroughExecutor) Type() string     { return "passthrough" }
func (e *PassthroughExecutor) Category() string { return "control" }
func (e *PassthroughExecutor) Cacheable() bool  { return true }

func (e *PassthroughExecutor) InputSchema() *schema.Schema  { return schema.New(nil, map[string]schema.Property{}, nil) }
func (e *PassthroughExecutor) OutputSchema() *schema.Schema { return schema.New(nil, map[string]schema.Property{}, nil) }

func (e *PassthroughExecutor) Execute(_ *task.ExecuteContext, input map[string]any) (map[string]any, error) {
	return input, nil
}

func (e *PassthroughExecutor) ExecuteReactive(_ *task.ExecuteContext, input, _ map[string]any) (map[string]any, error) {
	return input, nil
}
