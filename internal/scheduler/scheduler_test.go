package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/runner"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
)

// fnExecutor mirrors the runner package's test helper: a minimal
// task.Executable whose body is supplied inline.
type fnExecutor struct {
	fn func(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error)
}

func (e *fnExecutor) Type() string                { return "test" }
func (e *fnExecutor) Category() string             { return "test" }
func (e *fnExecutor) Cacheable() bool              { return false }
func (e *fnExecutor) InputSchema() *schema.Schema  { return nil }
func (e *fnExecutor) OutputSchema() *schema.Schema { return nil }
func (e *fnExecutor) Execute(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
	return e.fn(ctx, input)
}

// fakeSource serves a single fixed graph for every graph name, signaling
// fired on each Load call so tests can observe that a run was triggered.
type fakeSource struct {
	fired chan string
}

func (s *fakeSource) Load(ctx context.Context, graphName string) (*graph.TaskGraph, map[string]*task.Task, map[string]any, error) {
	t := task.New(&fnExecutor{fn: func(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
		return map[string]any{"ran": true}, nil
	}}, task.Config{ID: "only"}, nil)
	g := graph.New()
	if err := g.AddTask(t); err != nil {
		return nil, nil, nil, err
	}
	s.fired <- graphName
	return g, map[string]*task.Task{"only": t}, nil, nil
}

func newTestScheduler(t *testing.T, source GraphSource) (*Scheduler, *bbolt.DB) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "sched.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db, runner.New(), source, runner.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, db
}

func TestTriggerEventFiresMatchingSchedule(t *testing.T) {
	src := &fakeSource{fired: make(chan string, 4)}
	s, _ := newTestScheduler(t, src)

	if err := s.AddSchedule("sched-1", Config{
		GraphName:   "ingest-pipeline",
		EventType:   "file.uploaded",
		EventFilter: map[string]string{"bucket": "raw"},
		Enabled:     true,
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	s.TriggerEvent("file.uploaded", map[string]string{"bucket": "other"})
	select {
	case name := <-src.fired:
		t.Fatalf("expected non-matching filter not to fire, but got a run for %q", name)
	case <-time.After(100 * time.Millisecond):
	}

	s.TriggerEvent("file.uploaded", map[string]string{"bucket": "raw"})
	select {
	case name := <-src.fired:
		if name != "ingest-pipeline" {
			t.Fatalf("expected ingest-pipeline to fire, got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for matching event to fire a run")
	}
}

func TestTriggerEventRespectsMaxConcurrent(t *testing.T) {
	src := &fakeSource{fired: make(chan string, 8)}
	s, _ := newTestScheduler(t, src)

	if err := s.AddSchedule("sched-1", Config{
		GraphName:     "ingest-pipeline",
		EventType:     "tick",
		Enabled:       true,
		MaxConcurrent: 1,
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	h := s.eventHandlers["tick"]
	h.mu.Lock()
	h.running = 1 // simulate an in-flight run already at the concurrency cap
	h.mu.Unlock()

	s.TriggerEvent("tick", nil)
	select {
	case <-src.fired:
		t.Fatalf("expected the event to be dropped at MaxConcurrent")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAddScheduleRejectsInvalidCron(t *testing.T) {
	src := &fakeSource{fired: make(chan string, 1)}
	s, _ := newTestScheduler(t, src)
	if err := s.AddSchedule("bad", Config{GraphName: "g", CronExpr: "not-a-cron", Enabled: true}); err == nil {
		t.Fatalf("expected an error for an invalid cron expression")
	}
}

func TestRemoveScheduleDeletesPersistedConfig(t *testing.T) {
	src := &fakeSource{fired: make(chan string, 1)}
	s, _ := newTestScheduler(t, src)
	if err := s.AddSchedule("sched-1", Config{GraphName: "g", EventType: "e", Enabled: true}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.RemoveSchedule("sched-1"); err != nil {
		t.Fatalf("RemoveSchedule: %v", err)
	}
	if _, ok := s.ListSchedules()["sched-1"]; ok {
		t.Fatalf("expected schedule to be removed from the in-memory index")
	}
}

func TestRestoreSchedulesReloadsEnabledOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sched.db")
	src := &fakeSource{fired: make(chan string, 4)}

	db1, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	s1, err := New(db1, runner.New(), src, runner.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.AddSchedule("enabled", Config{GraphName: "g1", EventType: "e", Enabled: true}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s1.AddSchedule("disabled", Config{GraphName: "g2", EventType: "e", Enabled: false}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	db1.Close()

	db2, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		t.Fatalf("reopen bbolt.Open: %v", err)
	}
	defer db2.Close()
	s2, err := New(db2, runner.New(), src, runner.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s2.RestoreSchedules(); err != nil {
		t.Fatalf("RestoreSchedules: %v", err)
	}

	restored := s2.ListSchedules()
	if _, ok := restored["enabled"]; !ok {
		t.Fatalf("expected the enabled schedule to be restored")
	}
	if _, ok := restored["disabled"]; ok {
		t.Fatalf("expected the disabled schedule not to be restored")
	}
}
