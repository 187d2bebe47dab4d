package runner

import (
	"sync"
	"time"

	"github.com/swarmguard/taskgraph/internal/task"
)

// coalesceInterval bounds graph_progress emission to no more than one
// event per ~30ms, per §4.5.
const coalesceInterval = 30 * time.Millisecond

// progressAggregator computes (sum task_weight*task_progress) /
// sum(task_weight) and reports it through onProgress, coalesced and
// monotonically nondecreasing.
type progressAggregator struct {
	mu         sync.Mutex
	weights    map[string]float64
	totalW     float64
	current    map[string]float64
	last       float64
	lastEmit   time.Time
	onProgress func(float64)
	timer      *time.Timer
	pending    bool
}

func newProgressAggregator(tasks map[string]*task.Task, onProgress func(float64)) *progressAggregator {
	a := &progressAggregator{
		weights:    make(map[string]float64, len(tasks)),
		current:    make(map[string]float64, len(tasks)),
		onProgress: onProgress,
	}
	for id, t := range tasks {
		w := t.Config.Weight
		if w == 0 {
			w = 1.0
		}
		a.weights[id] = w
		a.totalW += w
	}
	return a
}

func (a *progressAggregator) update(taskID string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value < a.current[taskID] {
		return // per-task progress is monotonic; ignore a regression
	}
	a.current[taskID] = value
	a.scheduleEmitLocked(false)
}

func (a *progressAggregator) computeLocked() float64 {
	if a.totalW == 0 {
		return 0
	}
	var sum float64
	for id, w := range a.weights {
		sum += w * a.current[id]
	}
	v := sum / a.totalW
	if v < a.last {
		v = a.last
	}
	return v
}

func (a *progressAggregator) scheduleEmitLocked(force bool) {
	now := time.Now()
	if force || now.Sub(a.lastEmit) >= coalesceInterval {
		v := a.computeLocked()
		a.last = v
		a.lastEmit = now
		if a.onProgress != nil {
			go a.onProgress(v)
		}
		return
	}
	if a.pending {
		return
	}
	a.pending = true
	delay := coalesceInterval - now.Sub(a.lastEmit)
	a.timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		a.pending = false
		v := a.computeLocked()
		a.last = v
		a.lastEmit = time.Now()
		a.mu.Unlock()
		if a.onProgress != nil {
			a.onProgress(v)
		}
	})
}

// final always emits 1.0 on completion, per §4.5.
func (a *progressAggregator) final() {
	a.mu.Lock()
	a.last = 1.0
	a.mu.Unlock()
	if a.onProgress != nil {
		a.onProgress(1.0)
	}
}
