package boltqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueuePop(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "ingest", map[string]any{"taskId": "t1", "taskType": "http", "x": 1.0})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, found, err := q.Pop(ctx, "ingest")
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if !found {
		t.Fatalf("expected a job to be popped")
	}
	if job.ID != jobID || job.TaskID != "t1" || job.TaskType != "http" {
		t.Fatalf("unexpected popped job: %+v", job)
	}

	_, found, err = q.Pop(ctx, "ingest")
	if err != nil {
		t.Fatalf("Pop (second): %v", err)
	}
	if found {
		t.Fatalf("expected queue to be empty after single pop")
	}
}

func TestPopFromUnknownQueueIsEmpty(t *testing.T) {
	q := openTestQueue(t)
	_, found, err := q.Pop(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if found {
		t.Fatalf("expected no job from an unknown queue name")
	}
}

func TestCompleteThenAwaitReturnsOutput(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "ingest", map[string]any{"taskId": "t1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		if err := q.Complete(ctx, jobID, map[string]any{"y": 2.0}, nil); err != nil {
			t.Errorf("Complete: %v", err)
		}
	}()

	out, err := q.Await(ctx, jobID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out["y"] != 2.0 {
		t.Fatalf("expected completed output, got %v", out)
	}
}

func TestAwaitSurfacesWorkerError(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "ingest", map[string]any{"taskId": "t1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Complete(ctx, jobID, nil, errors.New("worker exploded")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := q.Await(ctx, jobID); err == nil {
		t.Fatalf("expected Await to surface the worker's error")
	}
}

func TestAckDeletesResult(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "ingest", map[string]any{"taskId": "t1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Complete(ctx, jobID, map[string]any{"y": 1.0}, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Ack(ctx, jobID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := q.Await(awaitCtx, jobID); err == nil {
		t.Fatalf("expected Await to fail after the result was acked away")
	}
}
