package main

import (
	"os"
	"strconv"
)

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Config is the daemon's env-driven configuration, per SPEC_FULL.md's
// ambient-stack configuration section: every knob is read once at startup
// from a TASKGRAPH_-prefixed environment variable.
type Config struct {
	Addr string

	RepoBackend string // memory | sqlite | postgres | bolt | filesystem
	RepoDSN     string

	PolicyDir string

	QueueBackend   string // bolt | nats | none
	QueueBoltPath  string
	NATSURL        string
	SchedulerPath  string
	CacheHotSize   int
	MaxParallelism int

	DefaultTaskTimeoutMs int64
	GraceWindowMs        int64

	QueueDispatchBurst     int
	QueueDispatchRefillPS  float64
	QueueDispatchQueueSize int
	QueueDispatchLeakMs    int
}

func loadConfig() Config {
	return Config{
		Addr:                 envOr("TASKGRAPH_ADDR", ":8080"),
		RepoBackend:          envOr("TASKGRAPH_REPO_BACKEND", "memory"),
		RepoDSN:              envOr("TASKGRAPH_REPO_DSN", "./data/taskgraph.db"),
		PolicyDir:            envOr("TASKGRAPH_POLICY_DIR", "./policies"),
		QueueBackend:         envOr("TASKGRAPH_QUEUE_BACKEND", "bolt"),
		QueueBoltPath:        envOr("TASKGRAPH_QUEUE_BOLT_PATH", "./data/queue.db"),
		NATSURL:              envOr("TASKGRAPH_NATS_URL", "nats://127.0.0.1:4222"),
		SchedulerPath:        envOr("TASKGRAPH_SCHEDULER_PATH", "./data/scheduler.db"),
		CacheHotSize:         envInt("TASKGRAPH_CACHE_HOT_SIZE", 1024),
		MaxParallelism:       envInt("TASKGRAPH_MAX_PARALLELISM", 0),
		DefaultTaskTimeoutMs: int64(envInt("TASKGRAPH_DEFAULT_TASK_TIMEOUT_MS", 0)),
		GraceWindowMs:        int64(envInt("TASKGRAPH_GRACE_WINDOW_MS", 30000)),

		QueueDispatchBurst:     envInt("TASKGRAPH_QUEUE_DISPATCH_BURST", 32),
		QueueDispatchRefillPS:  envFloat("TASKGRAPH_QUEUE_DISPATCH_REFILL_PER_SEC", 16),
		QueueDispatchQueueSize: envInt("TASKGRAPH_QUEUE_DISPATCH_QUEUE_SIZE", 256),
		QueueDispatchLeakMs:    envInt("TASKGRAPH_QUEUE_DISPATCH_LEAK_MS", 50),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
