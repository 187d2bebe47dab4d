package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/swarmguard/taskgraph/internal/resilience"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// OutputCache is the narrow slice of the Output Cache (F) the TaskRunner
// needs; it is satisfied by internal/cache.Cache. Declared here (instead
// of imported) to keep package task free of a dependency on package cache.
type OutputCache interface {
	Lookup(ctx context.Context, fingerprint string) (map[string]any, bool, error)
	Store(ctx context.Context, fingerprint string, output, provenance map[string]any) error
}

// Runner drives a single task through its lifecycle state machine.
type Runner struct {
	Cache            OutputCache
	DefaultTimeout   time.Duration
	GraceWindow      time.Duration // how long a task gets to observe cancellation before being force-ABORTED
	ParentProvenance map[string]any
	DefaultRetry     *RetryPolicy // used when a task declares no RetryPolicy of its own
}

// RunOptions carries the per-invocation overrides the Graph Runner
// supplies (dataflow-resolved input overrides, parent cancellation, a
// progress sink).
type RunOptions struct {
	CallerOverrides map[string]any
	ParentSignal    *CancelSignal
	OnProgress      func(value float64, message string)
}

// Run executes the full PENDING -> PROCESSING -> terminal sequence for t.
func (r *Runner) Run(ctx context.Context, t *Task, opts RunOptions) error {
	input := r.resolveInput(t, opts.CallerOverrides)

	if n, ok := t.Executor.(Narrower); ok {
		input = n.NarrowInput(input)
	}

	inSchema := t.Executor.InputSchema()
	if inSchema != nil {
		if err := schema.Validate(inSchema, input); err != nil {
			t.mu.Lock()
			t.runErr = err
			t.mu.Unlock()
			t.emit.Emit("error", err)
			return err
		}
	}

	t.mu.Lock()
	t.RunInputData = input
	t.mu.Unlock()
	t.setStatus(StatusProcessing)
	t.emit.Emit("start", nil)

	signal := NewCancelSignal()
	if opts.ParentSignal != nil {
		go func() {
			select {
			case <-opts.ParentSignal.Done():
				signal.Abort()
			case <-signal.Done():
			}
		}()
	}

	timeout := r.DefaultTimeout
	if t.Config.TimeoutMs > 0 {
		timeout = time.Duration(t.Config.TimeoutMs) * time.Millisecond
	}
	var timer *time.Timer
	isTimeout := false
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			isTimeout = true
			signal.Abort()
		})
		defer timer.Stop()
	}

	fingerprint := r.fingerprint(t, input)
	if t.Config.Cacheable && r.Cache != nil {
		if cached, hit, err := r.Cache.Lookup(ctx, fingerprint); err == nil && hit {
			t.mu.Lock()
			t.RunOutputData = cached
			t.mu.Unlock()
			t.setStatus(StatusCompleted)
			t.emit.Emit("complete", cached)
			return nil
		}
	}

	progressFn := func(value float64, message string) {
		t.mu.Lock()
		if value > t.progress {
			t.progress = value
		}
		t.mu.Unlock()
		t.emit.Emit("progress", map[string]any{"value": value, "message": message})
		if opts.OnProgress != nil {
			opts.OnProgress(value, message)
		}
	}

	execCtx := &ExecuteContext{
		Signal:         signal,
		Provenance:     r.mergedProvenance(t),
		UpdateProgress: progressFn,
		OutputCache:    r.Cache,
	}

	// runOnce invokes the executor exactly once, returning terminal=true for
	// outcomes that must never be retried (the grace window expiring while
	// the executor ignores cancellation).
	runOnce := func() (out map[string]any, err error, terminal bool) {
		type chResult struct {
			out map[string]any
			err error
		}
		resultCh := make(chan chResult, 1)
		go func() {
			exec, ok := t.Executor.(Executable)
			if !ok {
				resultCh <- chResult{nil, taskerr.NewWorkflowError("task %s declares no Execute body", t.ID())}
				return
			}
			out, err := exec.Execute(execCtx, input)
			resultCh <- chResult{out, err}
		}()

		select {
		case res := <-resultCh:
			return res.out, res.err, false
		case <-signal.Done():
			t.setStatus(StatusAborting)
			t.emit.Emit("abort", nil)
			grace := r.GraceWindow
			if grace <= 0 {
				grace = 30 * time.Second
			}
			select {
			case res := <-resultCh:
				return res.out, res.err, false
			case <-time.After(grace):
				tag := ""
				if isTimeout {
					tag = "timeout"
				}
				abortErr := taskerr.NewTaskAborted(t.ID(), tag)
				t.mu.Lock()
				t.runErr = abortErr
				t.mu.Unlock()
				t.setStatus(StatusAborted)
				return nil, abortErr, true
			}
		}
	}

	policy := t.Config.Retry
	if policy == nil {
		policy = r.DefaultRetry
	}

	var out map[string]any
	var execErr error
	var terminal bool
	if policy != nil && policy.MaxAttempts > 1 {
		type attemptResult struct {
			out      map[string]any
			err      error
			terminal bool
		}
		bp := resilience.BackoffPolicy{
			MaxAttempts: policy.MaxAttempts,
			InitialWait: policy.InitialWait,
			MaxWait:     policy.MaxWait,
			Multiplier:  policy.Multiplier,
		}
		attempt, _ := resilience.Retry(ctx, bp, func() (attemptResult, error) {
			o, e, term := runOnce()
			ar := attemptResult{o, e, term}
			if term || signal.Aborted() {
				// Cancellation and grace-window timeouts are terminal: stop
				// retrying immediately instead of burning backoff delay.
				return ar, nil
			}
			return ar, e
		})
		out, execErr, terminal = attempt.out, attempt.err, attempt.terminal
	} else {
		out, execErr, terminal = runOnce()
	}

	if terminal {
		return execErr
	}

	if execErr != nil {
		if signal.Aborted() {
			tag := ""
			if isTimeout {
				tag = "timeout"
			}
			abortErr := taskerr.NewTaskAborted(t.ID(), tag)
			t.mu.Lock()
			t.runErr = abortErr
			t.mu.Unlock()
			t.setStatus(StatusAborted)
			t.emit.Emit("abort", abortErr)
			return abortErr
		}
		failErr := taskerr.NewTaskFailed(t.ID(), execErr)
		t.mu.Lock()
		t.runErr = failErr
		t.mu.Unlock()
		t.setStatus(StatusFailed)
		t.emit.Emit("error", failErr)
		return failErr
	}

	outSchema := t.Executor.OutputSchema()
	if outSchema != nil {
		if err := schema.Validate(outSchema, out); err != nil {
			t.mu.Lock()
			t.runErr = err
			t.mu.Unlock()
			t.setStatus(StatusFailed)
			t.emit.Emit("error", err)
			return err
		}
	}

	t.mu.Lock()
	t.RunOutputData = out
	t.progress = 1.0
	t.mu.Unlock()
	t.emit.Emit("progress", map[string]any{"value": 1.0, "message": ""})
	t.setStatus(StatusCompleted)
	t.emit.Emit("complete", out)

	if t.Config.Cacheable && r.Cache != nil {
		_ = r.Cache.Store(ctx, fingerprint, out, r.mergedProvenance(t))
	}
	return nil
}

// RunReactive executes t's reactive path (no caching, no durable
// side-effect commitments) for interactive recomputation.
func (r *Runner) RunReactive(t *Task, input, currentOutput map[string]any) (map[string]any, error) {
	re, ok := t.Executor.(ReactiveExecutable)
	if !ok {
		return currentOutput, nil
	}
	ctx := &ExecuteContext{Signal: NewCancelSignal(), Provenance: r.mergedProvenance(t)}
	out, err := re.ExecuteReactive(ctx, input, currentOutput)
	if err != nil {
		return nil, taskerr.NewTaskFailed(t.ID(), err)
	}
	return out, nil
}

// resolveInput applies defaults, then caller overrides, then dataflow
// values already staged by the caller (via CallerOverrides) — the Graph
// Runner computes the dataflow-delivered layer and passes it in as
// overrides, so this function only needs one merge pass beyond defaults.
func (r *Runner) resolveInput(t *Task, overrides map[string]any) map[string]any {
	out := deepClone(t.Defaults)
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (r *Runner) mergedProvenance(t *Task) map[string]any {
	out := make(map[string]any, len(r.ParentProvenance)+len(t.Config.Provenance))
	for k, v := range r.ParentProvenance {
		out[k] = v
	}
	for k, v := range t.Config.Provenance {
		out[k] = v
	}
	return out
}

// fingerprint computes hash(taskType || canonicalJSON(runInputData) ||
// canonicalJSON(provenance)) per §4.4/§4.6, using SHA-256 over a
// canonical-JSON encoding that orders object keys lexicographically.
func (r *Runner) fingerprint(t *Task, input map[string]any) string {
	h := sha256.New()
	h.Write([]byte(t.Executor.Type()))
	h.Write([]byte{0})
	h.Write(canonicalJSON(input))
	h.Write([]byte{0})
	h.Write(canonicalJSON(r.mergedProvenance(t)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders v with lexicographically sorted object keys.
// encoding/json already sorts map[string]any keys on marshal, which
// satisfies "canonical-JSON" here (no alternate numeric formatting is
// needed since Go's float formatting is already stable per value).
func canonicalJSON(v any) []byte {
	normalized := normalize(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		return []byte("null")
	}
	return b
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = normalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return val
	}
}
