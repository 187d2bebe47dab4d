package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/taskgraph/internal/schema"
)

func TestRunnerCompletesTask(t *testing.T) {
	exec := &stubExecutor{
		typ: "noop", in: simpleSchema("x"), out: simpleSchema("y"),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			return map[string]any{"y": input["x"]}, nil
		},
	}
	tsk := New(exec, Config{ID: "t1"}, map[string]any{"x": "hi"})
	r := &Runner{}
	if err := r.Run(context.Background(), tsk, RunOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tsk.Status() != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v", tsk.Status())
	}
	if tsk.RunOutputData["y"] != "hi" {
		t.Fatalf("expected output y=hi, got %v", tsk.RunOutputData)
	}
}

func TestRunnerFailsOnExecutorError(t *testing.T) {
	exec := &stubExecutor{
		typ: "noop", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		},
	}
	tsk := New(exec, Config{ID: "t1"}, nil)
	r := &Runner{}
	err := r.Run(context.Background(), tsk, RunOptions{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if tsk.Status() != StatusFailed {
		t.Fatalf("expected FAILED, got %v", tsk.Status())
	}
}

func TestRunnerRejectsInvalidInput(t *testing.T) {
	exec := &stubExecutor{
		typ: "noop",
		in:  simpleSchemaRequired("x"),
		out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			t.Fatalf("executor should not run on invalid input")
			return nil, nil
		},
	}
	tsk := New(exec, Config{ID: "t1"}, nil) // no "x" provided
	r := &Runner{}
	if err := r.Run(context.Background(), tsk, RunOptions{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunnerTimeoutAborts(t *testing.T) {
	exec := &stubExecutor{
		typ: "slow", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			<-ctx.Signal.Done()
			return nil, errors.New("aborted")
		},
	}
	tsk := New(exec, Config{ID: "t1", TimeoutMs: 20}, nil)
	r := &Runner{GraceWindow: 200 * time.Millisecond}
	err := r.Run(context.Background(), tsk, RunOptions{})
	if err == nil {
		t.Fatalf("expected abort error on timeout")
	}
	if tsk.Status() != StatusAborted {
		t.Fatalf("expected ABORTED, got %v", tsk.Status())
	}
}

func TestRunnerParentSignalPropagatesAbort(t *testing.T) {
	exec := &stubExecutor{
		typ: "slow", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			<-ctx.Signal.Done()
			return nil, errors.New("aborted")
		},
	}
	tsk := New(exec, Config{ID: "t1"}, nil)
	parent := NewCancelSignal()
	r := &Runner{GraceWindow: 200 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), tsk, RunOptions{ParentSignal: parent}) }()
	time.Sleep(10 * time.Millisecond)
	parent.Abort()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected abort error")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after parent abort")
	}
}

func TestRunnerCachesOutput(t *testing.T) {
	calls := 0
	exec := &stubExecutor{
		typ: "cacheable", in: simpleSchema(), out: simpleSchema(), cacheable: true,
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{}, nil
		},
	}
	cache := newFakeCache()
	r := &Runner{Cache: cache}

	tsk1 := New(exec, Config{ID: "t1", Cacheable: true}, nil)
	if err := r.Run(context.Background(), tsk1, RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	tsk2 := New(exec, Config{ID: "t2", Cacheable: true}, nil)
	if err := r.Run(context.Background(), tsk2, RunOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected executor to run once with second run served from cache, got %d calls", calls)
	}
}

func TestRunnerRetriesUntilSuccessPerTaskPolicy(t *testing.T) {
	attempts := 0
	exec := &stubExecutor{
		typ: "flaky", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{}, nil
		},
	}
	tsk := New(exec, Config{ID: "t1", Retry: &RetryPolicy{MaxAttempts: 5, InitialWait: time.Millisecond}}, nil)
	r := &Runner{}
	if err := r.Run(context.Background(), tsk, RunOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", attempts)
	}
	if tsk.Status() != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v", tsk.Status())
	}
}

func TestRunnerRetryExhaustionFailsTask(t *testing.T) {
	attempts := 0
	exec := &stubExecutor{
		typ: "alwaysfails", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			attempts++
			return nil, errors.New("boom")
		},
	}
	tsk := New(exec, Config{ID: "t1", Retry: &RetryPolicy{MaxAttempts: 3, InitialWait: time.Millisecond}}, nil)
	r := &Runner{}
	err := r.Run(context.Background(), tsk, RunOptions{})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if tsk.Status() != StatusFailed {
		t.Fatalf("expected FAILED, got %v", tsk.Status())
	}
}

func TestRunnerDefaultRetryAppliesWhenTaskDeclaresNone(t *testing.T) {
	attempts := 0
	exec := &stubExecutor{
		typ: "flaky", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient")
			}
			return map[string]any{}, nil
		},
	}
	tsk := New(exec, Config{ID: "t1"}, nil)
	r := &Runner{DefaultRetry: &RetryPolicy{MaxAttempts: 3, InitialWait: time.Millisecond}}
	if err := r.Run(context.Background(), tsk, RunOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected runner-level DefaultRetry to cover the task, got %d attempts", attempts)
	}
}

func TestRunnerDoesNotRetryAfterTimeoutAbort(t *testing.T) {
	attempts := 0
	exec := &stubExecutor{
		typ: "slow", in: simpleSchema(), out: simpleSchema(),
		execFn: func(ctx *ExecuteContext, input map[string]any) (map[string]any, error) {
			attempts++
			<-ctx.Signal.Done()
			return nil, errors.New("aborted")
		},
	}
	tsk := New(exec, Config{ID: "t1", TimeoutMs: 20, Retry: &RetryPolicy{MaxAttempts: 5, InitialWait: time.Millisecond}}, nil)
	r := &Runner{GraceWindow: 200 * time.Millisecond}
	err := r.Run(context.Background(), tsk, RunOptions{})
	if err == nil {
		t.Fatalf("expected abort error on timeout")
	}
	if attempts != 1 {
		t.Fatalf("expected a timed-out task to not be retried, got %d attempts", attempts)
	}
	if tsk.Status() != StatusAborted {
		t.Fatalf("expected ABORTED, got %v", tsk.Status())
	}
}

func simpleSchemaRequired(names ...string) *schema.Schema {
	props := make(map[string]schema.Property, len(names))
	for _, n := range names {
		props[n] = schema.Property{Type: schema.TypeString}
	}
	return schema.New(names, props, names)
}

type fakeCache struct {
	store map[string]map[string]any
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string]map[string]any)} }

func (c *fakeCache) Lookup(_ context.Context, fingerprint string) (map[string]any, bool, error) {
	v, ok := c.store[fingerprint]
	return v, ok, nil
}

func (c *fakeCache) Store(_ context.Context, fingerprint string, output, _ map[string]any) error {
	c.store[fingerprint] = output
	return nil
}
