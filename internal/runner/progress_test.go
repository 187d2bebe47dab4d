package runner

import (
	"testing"
	"time"

	"github.com/swarmguard/taskgraph/internal/task"
)

func TestProgressAggregatorWeightedAverage(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), nil)
	a.Config.Weight = 1
	b := newTask("b", echoExecutor("echo"), nil)
	b.Config.Weight = 3

	emitted := make(chan float64, 8)
	agg := newProgressAggregator(map[string]*task.Task{"a": a, "b": b}, func(v float64) { emitted <- v })

	// a.lastEmit is zero-valued, so the first update emits immediately
	// rather than waiting out the coalesce window.
	agg.update("a", 1.0)
	select {
	case v := <-emitted:
		if v != 0.25 { // (1*1 + 3*0) / 4
			t.Fatalf("expected weighted progress 0.25, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for progress emission")
	}
}

func TestProgressAggregatorIgnoresRegression(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), nil)
	agg := newProgressAggregator(map[string]*task.Task{"a": a}, nil)

	agg.update("a", 0.8)
	agg.update("a", 0.2) // regression, must be ignored

	agg.mu.Lock()
	got := agg.current["a"]
	agg.mu.Unlock()
	if got != 0.8 {
		t.Fatalf("expected regression to be ignored, current=%v", got)
	}
}

func TestProgressAggregatorFinalAlwaysEmitsOne(t *testing.T) {
	a := newTask("a", echoExecutor("echo"), nil)
	emitted := make(chan float64, 1)
	agg := newProgressAggregator(map[string]*task.Task{"a": a}, func(v float64) { emitted <- v })

	agg.final()
	select {
	case v := <-emitted:
		if v != 1.0 {
			t.Fatalf("expected final progress of 1.0, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for final progress emission")
	}
}
