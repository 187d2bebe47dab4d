package natsqueue

import (
	"context"
	"testing"
	"time"
)

// connectOrSkip dials the default local NATS endpoint and skips the test
// when no broker is reachable, mirroring the pack's pattern for tests that
// need a live external dependency (e.g. kvm/connection_test.go's libvirt
// socket check).
func connectOrSkip(t *testing.T) *Queue {
	t.Helper()
	q, err := Connect("nats://127.0.0.1:4222")
	if err != nil {
		t.Skipf("skipping: no local NATS broker reachable: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueThenPublishResultUnblocksAwait(t *testing.T) {
	q := connectOrSkip(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "ingest", map[string]any{"taskId": "t1", "taskType": "http"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if err := q.PublishResult(ctx, jobID, map[string]any{"y": 2.0}, nil); err != nil {
			t.Errorf("PublishResult: %v", err)
		}
	}()

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := q.Await(awaitCtx, jobID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out["y"] != 2.0 {
		t.Fatalf("expected published result, got %v", out)
	}
}

func TestAwaitSurfacesPublishedError(t *testing.T) {
	q := connectOrSkip(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "ingest", map[string]any{"taskId": "t1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.PublishResult(ctx, jobID, nil, errFake{})
	}()

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := q.Await(awaitCtx, jobID); err == nil {
		t.Fatalf("expected Await to surface the published error")
	}
}

func TestAwaitUnknownJobIDFailsImmediately(t *testing.T) {
	q := connectOrSkip(t)
	if _, err := q.Await(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("expected error for an unknown job id")
	}
}

type errFake struct{}

func (errFake) Error() string { return "worker exploded" }
