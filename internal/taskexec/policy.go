package taskexec

import (
	"fmt"

	"github.com/swarmguard/taskgraph/internal/condition"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
)

// PolicyExecutor evaluates an OPA package's "allow" query and surfaces the
// decision as task output, for graphs that branch on a policy result rather
// than (or in addition to) gating a task's own Config.Condition. Adapted
// from the teacher's PolicyTaskExecutor, which called out to a separate
// policy-service over HTTP; here the condition.Gate runs in-process since
// policies are loaded once per taskgraphd instance.
type PolicyExecutor struct {
	gate        *condition.Gate
	packageName string
}

// NewPolicyExecutorFromConfig requires extras.gate (a *condition.Gate,
// injected by the daemon's registry wiring, not by JSON) and extras.package.
func NewPolicyExecutorFromConfig(extras map[string]any) (task.Executor, error) {
	gate, ok := extras["gate"].(*condition.Gate)
	if !ok || gate == nil {
		return nil, fmt.Errorf("taskexec: policy task requires a condition.Gate")
	}
	pkg, _ := extras["package"].(string)
	if pkg == "" {
		return nil, fmt.Errorf("taskexec: policy task requires extras.package")
	}
	return &PolicyExecutor{gate: gate, packageName: pkg}, nil
}

func (e *PolicyExecutor) Type() string     { return "policy" }
func (e *PolicyExecutor) Category() string { return "control" }
func (e *PolicyExecutor) Cacheable() bool  { return false }

func (e *PolicyExecutor) InputSchema() *schema.Schema {
	return schema.New(nil, map[string]schema.Property{}, nil)
}

func (e *PolicyExecutor) OutputSchema() *schema.Schema {
	return schema.New(
		[]string{"allow"},
		map[string]schema.Property{"allow": {Type: schema.TypeBoolean}},
		[]string{"allow"},
	)
}

func (e *PolicyExecutor) Execute(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
	allow, err := e.gate.Evaluate(ctxFromSignal(ctx.Signal), e.packageName, input)
	if err != nil {
		return nil, fmt.Errorf("taskexec: policy evaluation failed: %w", err)
	}
	return map[string]any{"allow": allow}, nil
}
