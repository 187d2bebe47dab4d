// Package natsqueue is the distributed-transport JobQueue implementation,
// adapted from the teacher's libs/go/core/natsctx trace-propagating
// Publish/Subscribe pattern (applied here to job payloads instead of
// arbitrary swarm messages) for multi-process deployments.
package natsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/swarmguard/taskgraph/internal/natsctx"
	"github.com/swarmguard/taskgraph/internal/queue"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

const resultSubjectPrefix = "taskgraph.jobresult."

// Queue publishes jobs onto "taskgraph.jobs.<queueName>" subjects and waits
// for a reply on a per-job result subject, using NATS request-style
// correlation via a dedicated result subscription instead of nc.Request so
// a worker can take arbitrarily long to reply.
type Queue struct {
	nc *nats.Conn

	mu      sync.Mutex
	pending map[string]chan queue.Result
	sub     *nats.Subscription
}

func Connect(url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, taskerr.NewRepositoryError("natsqueue:connect", err)
	}
	q := &Queue{nc: nc, pending: make(map[string]chan queue.Result)}
	sub, err := natsctx.Subscribe(nc, resultSubjectPrefix+"*", func(ctx context.Context, msg *nats.Msg) {
		q.onResult(msg)
	})
	if err != nil {
		nc.Close()
		return nil, taskerr.NewRepositoryError("natsqueue:subscribe_results", err)
	}
	q.sub = sub
	return q, nil
}

func (q *Queue) onResult(msg *nats.Msg) {
	var res struct {
		JobID string `json:"jobId"`
		queue.Result
	}
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return
	}
	q.mu.Lock()
	ch, ok := q.pending[res.JobID]
	q.mu.Unlock()
	if ok {
		select {
		case ch <- res.Result:
		default:
		}
	}
}

func (q *Queue) Close() error {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	q.nc.Close()
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job map[string]any) (string, error) {
	jobID := uuid.NewString()
	payload := queue.Job{ID: jobID, Input: job}
	if taskID, ok := job["taskId"].(string); ok {
		payload.TaskID = taskID
	}
	if taskType, ok := job["taskType"].(string); ok {
		payload.TaskType = taskType
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", taskerr.NewRepositoryError("natsqueue:marshal", err)
	}

	q.mu.Lock()
	q.pending[jobID] = make(chan queue.Result, 1)
	q.mu.Unlock()

	if err := natsctx.Publish(ctx, q.nc, "taskgraph.jobs."+queueName, buf); err != nil {
		return "", taskerr.NewRepositoryError("natsqueue:publish", err)
	}
	return jobID, nil
}

func (q *Queue) Await(ctx context.Context, jobID string) (map[string]any, error) {
	q.mu.Lock()
	ch := q.pending[jobID]
	q.mu.Unlock()
	if ch == nil {
		return nil, taskerr.NewWorkflowError("natsqueue: unknown job id %q", jobID)
	}
	defer func() {
		q.mu.Lock()
		delete(q.pending, jobID)
		q.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, taskerr.NewRepositoryError("natsqueue:await", fmt.Errorf("%s", res.Error))
		}
		return res.Output, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, taskerr.NewWorkflowError("natsqueue: timed out awaiting job %q", jobID)
	}
}

func (q *Queue) Ack(context.Context, string) error { return nil }

// PublishResult publishes a completed job's outcome back for jobID —
// called from the worker side, which subscribes to
// "taskgraph.jobs.<queueName>" independently.
func (q *Queue) PublishResult(ctx context.Context, jobID string, output map[string]any, workErr error) error {
	res := struct {
		JobID string `json:"jobId"`
		queue.Result
	}{JobID: jobID}
	res.Output = output
	if workErr != nil {
		res.Error = workErr.Error()
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return natsctx.Publish(ctx, q.nc, resultSubjectPrefix+jobID, buf)
}
