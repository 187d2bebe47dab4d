package taskexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskgraph/internal/resilience"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
)

// ctxFromSignal adapts a task.CancelSignal into a context.Context so
// executors can use it with the stdlib http client and other context-aware
// APIs.
func ctxFromSignal(sig *task.CancelSignal) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sig.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// HTTPExecutor issues an HTTP request per run, templating {{field}}
// placeholders in the URL/body/headers from the resolved input, the way the
// teacher's HTTPPlugin resolves {{task_id.field}} placeholders from
// execution context. Guarded by a rate limiter (admission) and a circuit
// breaker (failure isolation) so a bursty or failing downstream doesn't keep
// admitting requests doomed to time out.
type HTTPExecutor struct {
	method  string
	url     string
	headers map[string]string

	client  *http.Client
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
}

// NewHTTPExecutorFromConfig builds an HTTPExecutor from a task's Extras:
// "method" (default POST), "url" (template), "headers" (map[string]string).
func NewHTTPExecutorFromConfig(extras map[string]any) (task.Executor, error) {
	method, _ := extras["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	url, _ := extras["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("taskexec: http task requires extras.url")
	}
	headers := map[string]string{}
	if raw, ok := extras["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}
	return &HTTPExecutor{
		method:  method,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: resilience.NewRateLimiter(20, 10, time.Second, 50),
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		tracer:  otel.Tracer("taskgraph-http"),
	}, nil
}

func (e *HTTPExecutor) Type() string     { return "http" }
func (e *HTTPExecutor) Category() string { return "io" }
func (e *HTTPExecutor) Cacheable() bool  { return false }

func (e *HTTPExecutor) InputSchema() *schema.Schema {
	return schema.New(
		[]string{"url", "body"},
		map[string]schema.Property{
			"url":  {Type: schema.TypeString},
			"body": {Type: schema.TypeObject},
		},
		nil,
	)
}

func (e *HTTPExecutor) OutputSchema() *schema.Schema {
	return schema.New(
		[]string{"statusCode", "body"},
		map[string]schema.Property{
			"statusCode": {Type: schema.TypeInteger},
			"body":       {Type: schema.TypeObject},
		},
		[]string{"statusCode"},
	)
}

// resolveTemplate replaces {{field}} placeholders with values looked up in
// input, mirroring the teacher's resolveTemplate but keyed by plain field
// name since each task's input is already resolved by the dataflow layer.
func resolveTemplate(tmpl string, input map[string]any) string {
	out := tmpl
	for field, value := range input {
		placeholder := fmt.Sprintf("{{%s}}", field)
		out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", value))
	}
	return out
}

func (e *HTTPExecutor) Execute(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		return nil, fmt.Errorf("taskexec: http rate limit exceeded for %s", e.url)
	}
	if !e.breaker.Allow() {
		return nil, fmt.Errorf("taskexec: http circuit open for %s", e.url)
	}

	url := e.url
	if override, ok := input["url"].(string); ok && override != "" {
		url = override
	}
	url = resolveTemplate(url, input)

	var body io.Reader
	if b, ok := input["body"].(map[string]any); ok {
		buf, err := json.Marshal(b)
		if err != nil {
			e.breaker.RecordResult(false)
			return nil, fmt.Errorf("taskexec: marshal http body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	reqCtx, span := e.tracer.Start(ctxFromSignal(ctx.Signal), "http.execute",
		trace.WithAttributes(attribute.String("url", url), attribute.String("method", e.method)))
	defer span.End()

	req, err := http.NewRequestWithContext(reqCtx, e.method, url, body)
	if err != nil {
		e.breaker.RecordResult(false)
		return nil, fmt.Errorf("taskexec: build http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, resolveTemplate(v, input))
	}
	otel.GetTextMapPropagator().Inject(reqCtx, propagation(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.RecordResult(false)
		return nil, fmt.Errorf("taskexec: http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		e.breaker.RecordResult(false)
		return nil, fmt.Errorf("taskexec: read http response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	success := resp.StatusCode < 400
	e.breaker.RecordResult(success)
	if !success {
		return nil, fmt.Errorf("taskexec: http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]any
	if len(respBody) > 0 {
		if jerr := json.Unmarshal(respBody, &parsed); jerr != nil {
			parsed = map[string]any{"raw": string(respBody)}
		}
	}
	return map[string]any{"statusCode": resp.StatusCode, "body": parsed}, nil
}

type propagation http.Header

func (h propagation) Get(key string) string  { return http.Header(h).Get(key) }
func (h propagation) Set(key, value string)  { http.Header(h).Set(key, value) }
func (h propagation) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
