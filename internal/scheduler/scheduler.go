// Package scheduler implements the Scheduler component (H): cron-driven
// and event-driven triggering of graph runs, schedule persistence, and
// restore-on-boot, adapted from services/orchestrator/scheduler.go.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/runner"
	"github.com/swarmguard/taskgraph/internal/task"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

var bucketSchedules = []byte("schedules")

// Config is a persisted schedule: either a cron expression or an event
// type/filter, targeting a named graph.
type Config struct {
	GraphName     string            `json:"graphName"`
	CronExpr      string            `json:"cronExpr,omitempty"`
	EventType     string            `json:"eventType,omitempty"`
	EventFilter   map[string]string `json:"eventFilter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"maxConcurrent"`
	TimeoutMs     int64             `json:"timeoutMs,omitempty"`
}

// GraphSource resolves a graph name to its graph, tasks, and top-level
// input, so the scheduler can trigger a run without owning graph storage
// itself.
type GraphSource interface {
	Load(ctx context.Context, graphName string) (*graph.TaskGraph, map[string]*task.Task, map[string]any, error)
}

type eventHandler struct {
	mu        sync.Mutex
	schedules []string // schedule ids
	running   int
}

// Scheduler persists Config records to BoltDB and fires graph runs
// on cron ticks or matching events.
type Scheduler struct {
	cron    *cron.Cron
	db      *bbolt.DB
	runner  *runner.GraphRunner
	source  GraphSource
	runOpts runner.Options

	mu            sync.Mutex
	cronEntries   map[string]cron.EntryID
	eventHandlers map[string]*eventHandler
	configs       map[string]Config
}

func New(db *bbolt.DB, r *runner.GraphRunner, source GraphSource, runOpts runner.Options) (*Scheduler, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	}); err != nil {
		return nil, taskerr.NewRepositoryError("scheduler:init", err)
	}
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		db:            db,
		runner:        r,
		source:        source,
		runOpts:       runOpts,
		cronEntries:   make(map[string]cron.EntryID),
		eventHandlers: make(map[string]*eventHandler),
		configs:       make(map[string]Config),
	}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// AddSchedule persists cfg under id and, if it declares a cron expression,
// registers it with the cron engine; event-driven schedules are matched by
// TriggerEvent instead.
func (s *Scheduler) AddSchedule(id string, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.CronExpr != "" {
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() { s.fire(id, cfg) })
		if err != nil {
			return taskerr.NewWorkflowError("scheduler: invalid cron expression %q: %v", cfg.CronExpr, err)
		}
		s.cronEntries[id] = entryID
	} else if cfg.EventType != "" {
		h := s.eventHandlers[cfg.EventType]
		if h == nil {
			h = &eventHandler{}
			s.eventHandlers[cfg.EventType] = h
		}
		h.schedules = append(h.schedules, id)
	}

	s.configs[id] = cfg
	return s.persist(id, cfg)
}

func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.cronEntries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronEntries, id)
	}
	delete(s.configs, id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

func (s *Scheduler) ListSchedules() map[string]Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Config, len(s.configs))
	for k, v := range s.configs {
		out[k] = v
	}
	return out
}

func (s *Scheduler) persist(id string, cfg Config) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return taskerr.NewRepositoryError("scheduler:marshal", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(id), buf)
	})
}

// RestoreSchedules reloads persisted schedules on startup, re-adding every
// enabled one.
func (s *Scheduler) RestoreSchedules() error {
	var toAdd []struct {
		id  string
		cfg Config
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg Config
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			toAdd = append(toAdd, struct {
				id  string
				cfg Config
			}{string(k), cfg})
			return nil
		})
	})
	if err != nil {
		return taskerr.NewRepositoryError("scheduler:restore", err)
	}
	for _, e := range toAdd {
		if e.cfg.Enabled {
			if err := s.AddSchedule(e.id, e.cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// TriggerEvent fires every schedule registered for eventType whose filter
// matches payload by simple string equality per key, respecting
// MaxConcurrent.
func (s *Scheduler) TriggerEvent(eventType string, payload map[string]string) {
	s.mu.Lock()
	h := s.eventHandlers[eventType]
	if h == nil {
		s.mu.Unlock()
		return
	}
	ids := append([]string(nil), h.schedules...)
	configs := make(map[string]Config, len(ids))
	for _, id := range ids {
		configs[id] = s.configs[id]
	}
	s.mu.Unlock()

	for _, id := range ids {
		cfg := configs[id]
		if !matchesFilter(cfg.EventFilter, payload) {
			continue
		}
		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			continue
		}
		h.running++
		h.mu.Unlock()

		go func(id string, cfg Config) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			s.fire(id, cfg)
		}(id, cfg)
	}
}

func matchesFilter(filter, payload map[string]string) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func (s *Scheduler) fire(id string, cfg Config) {
	ctx := context.Background()
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	g, tasks, input, err := s.source.Load(ctx, cfg.GraphName)
	if err != nil {
		return
	}
	opts := s.runOpts
	_, _ = s.runner.Run(ctx, g, tasks, input, opts)
}
