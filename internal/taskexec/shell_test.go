package taskexec

import (
	"testing"

	"github.com/swarmguard/taskgraph/internal/task"
)

func TestShellExecutorRunsWhitelistedCommand(t *testing.T) {
	exec, err := NewShellExecutorFromConfig(nil)
	if err != nil {
		t.Fatalf("NewShellExecutorFromConfig: %v", err)
	}
	execCtx := &task.ExecuteContext{Signal: task.NewCancelSignal()}
	out, err := exec.(task.Executable).Execute(execCtx, map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["exitCode"] != 0 {
		t.Fatalf("expected exitCode 0, got %v", out["exitCode"])
	}
}

func TestShellExecutorRejectsNonWhitelistedCommand(t *testing.T) {
	exec, err := NewShellExecutorFromConfig(nil)
	if err != nil {
		t.Fatalf("NewShellExecutorFromConfig: %v", err)
	}
	execCtx := &task.ExecuteContext{Signal: task.NewCancelSignal()}
	if _, err := exec.(task.Executable).Execute(execCtx, map[string]any{"command": "rm -rf /"}); err == nil {
		t.Fatalf("expected rejection of non-whitelisted command")
	}
}

func TestShellExecutorExtendsWhitelist(t *testing.T) {
	exec, err := NewShellExecutorFromConfig(map[string]any{"allow": []any{"true"}})
	if err != nil {
		t.Fatalf("NewShellExecutorFromConfig: %v", err)
	}
	execCtx := &task.ExecuteContext{Signal: task.NewCancelSignal()}
	if _, err := exec.(task.Executable).Execute(execCtx, map[string]any{"command": "true"}); err != nil {
		t.Fatalf("expected extended whitelist to allow 'true', got: %v", err)
	}
}

func TestShellExecutorRejectsEmptyCommand(t *testing.T) {
	exec, err := NewShellExecutorFromConfig(nil)
	if err != nil {
		t.Fatalf("NewShellExecutorFromConfig: %v", err)
	}
	execCtx := &task.ExecuteContext{Signal: task.NewCancelSignal()}
	if _, err := exec.(task.Executable).Execute(execCtx, map[string]any{"command": ""}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
