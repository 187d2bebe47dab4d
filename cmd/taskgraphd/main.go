// Command taskgraphd is the directed-task-graph execution daemon: it
// accepts graph definitions, runs them to completion over the Graph
// Runner, and persists cron/event-driven schedules, following the wiring
// pattern of services/orchestrator/main.go.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskgraph/internal/cache"
	"github.com/swarmguard/taskgraph/internal/condition"
	"github.com/swarmguard/taskgraph/internal/graph"
	"github.com/swarmguard/taskgraph/internal/graphdef"
	"github.com/swarmguard/taskgraph/internal/queue/boltqueue"
	"github.com/swarmguard/taskgraph/internal/queue/natsqueue"
	"github.com/swarmguard/taskgraph/internal/repository"
	"github.com/swarmguard/taskgraph/internal/resilience"
	"github.com/swarmguard/taskgraph/internal/runner"
	"github.com/swarmguard/taskgraph/internal/scheduler"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
	"github.com/swarmguard/taskgraph/internal/taskexec"
	"github.com/swarmguard/taskgraph/internal/telemetry"
)

// graphStore persists named GraphSpec definitions, generalizing the
// teacher's in-memory workflowStore (services/orchestrator/main.go) to a
// pluggable Repository backend.
type graphStore struct {
	repo repository.Repository
}

func graphsRepoConfig() repository.Config {
	s := schema.New(
		[]string{"name", "definition", "createdAt"},
		map[string]schema.Property{
			"name":       {Type: schema.TypeString},
			"definition": {Type: schema.TypeString},
			"createdAt":  {Type: schema.TypeString},
		},
		[]string{"name", "definition"},
	)
	return repository.Config{Table: "graphs", Schema: s, PrimaryKeyNames: []string{"name"}}
}

func (s *graphStore) put(ctx context.Context, name string, spec graphdef.GraphSpec) error {
	buf, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = s.repo.Put(ctx, repository.Entity{
		"name":       name,
		"definition": string(buf),
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (s *graphStore) get(ctx context.Context, name string) (graphdef.GraphSpec, bool, error) {
	entity, ok, err := s.repo.Get(ctx, repository.Entity{"name": name})
	if err != nil || !ok {
		return graphdef.GraphSpec{}, ok, err
	}
	raw, _ := entity["definition"].(string)
	var spec graphdef.GraphSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return graphdef.GraphSpec{}, false, err
	}
	return spec, true, nil
}

// Load implements scheduler.GraphSource.
func (s *graphStore) Load(ctx context.Context, graphName string) (*graph.TaskGraph, map[string]*task.Task, map[string]any, error) {
	spec, ok, err := s.get(ctx, graphName)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, fmt.Errorf("taskgraphd: graph %q not found", graphName)
	}
	g, tasks, err := graphdef.Build(spec, globalRegistry)
	if err != nil {
		return nil, nil, nil, err
	}
	return g, tasks, nil, nil
}

var globalRegistry *taskexec.Registry

func main() {
	const service = "taskgraphd"
	telemetry.InitLogging(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, service)

	cfg := loadConfig()

	repo, err := buildRepository(ctx, cfg, graphsRepoConfig())
	if err != nil {
		slog.Error("repository init failed", "error", err)
		return
	}
	defer repo.Close()

	store := &graphStore{repo: repo}

	cacheRepo, err := buildRepository(ctx, Config{RepoBackend: cfg.RepoBackend, RepoDSN: cfg.RepoDSN + ".cache"}, cache.BuildRepositoryConfig("cache_entries"))
	if err != nil {
		slog.Error("cache repository init failed", "error", err)
		return
	}
	defer cacheRepo.Close()
	outputCache, err := cache.New(cacheRepo, cfg.CacheHotSize)
	if err != nil {
		slog.Error("cache init failed", "error", err)
		return
	}

	gate := condition.NewGate(cfg.PolicyDir)
	if err := gate.LoadPolicies(ctx); err != nil {
		slog.Warn("policy load failed", "error", err)
	}

	globalRegistry = taskexec.NewRegistry()

	var jobQueue runner.JobQueue
	var queueLimiter *resilience.HybridRateLimiter
	switch cfg.QueueBackend {
	case "bolt":
		q, err := boltqueue.Open(cfg.QueueBoltPath)
		if err != nil {
			slog.Error("bolt queue init failed", "error", err)
			return
		}
		defer q.Close()
		jobQueue = q
	case "nats":
		q, err := natsqueue.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("nats queue init failed", "error", err)
			return
		}
		defer q.Close()
		jobQueue = q
	}
	if jobQueue != nil {
		queueLimiter = resilience.NewHybridRateLimiter(
			cfg.QueueDispatchBurst,
			cfg.QueueDispatchRefillPS,
			cfg.QueueDispatchQueueSize,
			time.Duration(cfg.QueueDispatchLeakMs)*time.Millisecond,
		)
		defer queueLimiter.Stop()
	}

	gr := runner.New()

	schedDB, err := bbolt.Open(cfg.SchedulerPath, 0o600, nil)
	if err != nil {
		slog.Error("scheduler db open failed", "error", err)
		return
	}
	defer schedDB.Close()

	runOpts := runner.Options{
		OutputCache:          outputCache,
		MaxParallelism:       cfg.MaxParallelism,
		DefaultTaskTimeoutMs: cfg.DefaultTaskTimeoutMs,
		ConditionGate:        gate,
		Queue:                jobQueue,
		QueueRateLimiter:     queueLimiter,
	}
	sched, err := scheduler.New(schedDB, gr, store, runOpts)
	if err != nil {
		slog.Error("scheduler init failed", "error", err)
		return
	}
	if err := sched.RestoreSchedules(); err != nil {
		slog.Warn("restore schedules failed", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	mux := buildMux(store, gr, runOpts, sched, metrics)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()
	slog.Info("taskgraphd started", "addr", cfg.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func buildRepository(ctx context.Context, cfg Config, rcfg repository.Config) (repository.Repository, error) {
	switch cfg.RepoBackend {
	case "sqlite":
		return repository.NewSQLite(ctx, cfg.RepoDSN, rcfg)
	case "postgres":
		return repository.NewPostgres(ctx, cfg.RepoDSN, rcfg)
	case "bolt":
		return repository.NewBolt(cfg.RepoDSN, rcfg)
	case "filesystem":
		return repository.NewFilesystem(cfg.RepoDSN, rcfg)
	default:
		return repository.NewMemory(rcfg)
	}
}

type runRequest struct {
	GraphName string         `json:"graphName,omitempty"`
	Spec      *graphdef.GraphSpec `json:"spec,omitempty"`
	Input     map[string]any `json:"input"`
}

func buildMux(store *graphStore, gr *runner.GraphRunner, runOpts runner.Options, sched *scheduler.Scheduler, metrics telemetry.Metrics) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/graphs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Name string             `json:"name"`
				Spec graphdef.GraphSpec `json:"spec"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if _, _, err := graphdef.Build(body.Spec, globalRegistry); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := store.put(r.Context(), body.Name, body.Spec); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			spec, ok, err := store.get(r.Context(), name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(spec)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var spec graphdef.GraphSpec
		if req.Spec != nil {
			spec = *req.Spec
		} else if req.GraphName != "" {
			loaded, ok, err := store.get(r.Context(), req.GraphName)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "graph not found", http.StatusNotFound)
				return
			}
			spec = loaded
		} else {
			http.Error(w, "graphName or spec required", http.StatusBadRequest)
			return
		}

		g, tasks, err := graphdef.Build(spec, globalRegistry)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, span := telemetry.WithSpan(r.Context(), "run.graph")
		defer span()

		start := time.Now()
		result, runErr := gr.Run(ctx, g, tasks, req.Input, runOpts)
		metrics.TaskDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if runErr != nil {
			telemetry.RecordError(ctx, runErr)
			http.Error(w, runErr.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				ID     string            `json:"id"`
				Config scheduler.Config  `json:"config"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := sched.AddSchedule(body.ID, body.Config); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(sched.ListSchedules())
		case http.MethodDelete:
			id := r.URL.Query().Get("id")
			if err := sched.RemoveSchedule(id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}
