package taskexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmguard/taskgraph/internal/condition"
	"github.com/swarmguard/taskgraph/internal/task"
)

const policyTestRego = `package tasks.highvalue

default allow = false

allow {
	input.amount > 100
}
`

func newLoadedGate(t *testing.T) *condition.Gate {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "highvalue.rego"), []byte(policyTestRego), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	g := condition.NewGate(dir)
	if err := g.LoadPolicies(context.Background()); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}
	return g
}

func TestNewPolicyExecutorFromConfigRequiresGate(t *testing.T) {
	if _, err := NewPolicyExecutorFromConfig(map[string]any{"package": "tasks.highvalue"}); err == nil {
		t.Fatalf("expected error without a gate")
	}
}

func TestNewPolicyExecutorFromConfigRequiresPackage(t *testing.T) {
	gate := newLoadedGate(t)
	if _, err := NewPolicyExecutorFromConfig(map[string]any{"gate": gate}); err == nil {
		t.Fatalf("expected error without a package name")
	}
}

func TestPolicyExecutorExecute(t *testing.T) {
	gate := newLoadedGate(t)
	exec, err := NewPolicyExecutorFromConfig(map[string]any{"gate": gate, "package": "tasks.highvalue"})
	if err != nil {
		t.Fatalf("NewPolicyExecutorFromConfig: %v", err)
	}
	execCtx := &task.ExecuteContext{Signal: task.NewCancelSignal()}

	out, err := exec.(task.Executable).Execute(execCtx, map[string]any{"amount": 150.0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["allow"] != true {
		t.Fatalf("expected allow=true, got %v", out)
	}

	out, err = exec.(task.Executable).Execute(execCtx, map[string]any{"amount": 10.0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["allow"] != false {
		t.Fatalf("expected allow=false, got %v", out)
	}
}
