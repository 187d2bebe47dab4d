// Package boltqueue is the durable, embedded, single-process JobQueue
// implementation: one BoltDB bucket per queue name holds pending job
// payloads, a "results" bucket holds completed-job outputs/errors, adapted
// from the teacher's WorkflowStore bucket layout
// (services/orchestrator/persistence.go).
package boltqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskgraph/internal/queue"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

var resultsBucket = []byte("__results")

// Queue is a BoltDB-backed queue. A local worker (run by the caller) takes
// jobs from their named bucket via Pop and writes a Result into
// resultsBucket keyed by job id via Complete; Await polls for that key
// using an exponential backoff, replacing the teacher's hand-rolled
// jittered retry loop in dag_engine.go's executeTask.
type Queue struct {
	db *bbolt.DB
}

func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, taskerr.NewRepositoryError("boltqueue:open", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, taskerr.NewRepositoryError("boltqueue:init", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) Enqueue(_ context.Context, queueName string, job map[string]any) (string, error) {
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
		return "", taskerr.NewRepositoryError("boltqueue:marshal", err)
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(queueName))
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), buf)
	})
	if err != nil {
		return "", taskerr.NewRepositoryError("boltqueue:enqueue", err)
	}
	return jobID, nil
}

// Await polls the results bucket for jobID using exponential backoff,
// returning once a Result is recorded or ctx is cancelled.
func (q *Queue) Await(ctx context.Context, jobID string) (map[string]any, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0 // bounded by ctx instead

	var out map[string]any
	op := func() error {
		var res queue.Result
		found := false
		err := q.db.View(func(tx *bbolt.Tx) error {
			v := tx.Bucket(resultsBucket).Get([]byte(jobID))
			if v == nil {
				return nil
			}
			found = true
			return json.Unmarshal(v, &res)
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if !found {
			return fmt.Errorf("result not ready")
		}
		if res.Error != "" {
			return backoff.Permanent(fmt.Errorf("%s", res.Error))
		}
		out = res.Output
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, taskerr.NewRepositoryError("boltqueue:await", err)
	}
	return out, nil
}

// Ack deletes a completed job's recorded result once it has been consumed;
// after Ack, Await for that job id no longer finds a result.
func (q *Queue) Ack(_ context.Context, jobID string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Delete([]byte(jobID))
	})
}

// Complete records the result of jobID — the counterpart to Await from the
// worker side.
func (q *Queue) Complete(_ context.Context, jobID string, output map[string]any, workErr error) error {
	res := queue.Result{Output: output}
	if workErr != nil {
		res.Error = workErr.Error()
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return taskerr.NewRepositoryError("boltqueue:complete_marshal", err)
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Put([]byte(jobID), buf)
	})
}

// Pop removes and returns the next pending job from queueName, if any.
func (q *Queue) Pop(_ context.Context, queueName string) (*queue.Job, bool, error) {
	var job queue.Job
	found := false
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(queueName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		found = true
		return b.Delete(k)
	})
	if err != nil {
		return nil, false, taskerr.NewRepositoryError("boltqueue:pop", err)
	}
	return &job, found, nil
}
