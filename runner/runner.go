// Package runner instruments agent executions. Wrapping a run collects the
// execution statistics agent frameworks report incrementally (token usage,
// tool invocations, which sub-agents ran) into the request's telemetry
// scope, and guarantees the nested scope closes on every exit path.
//
// Inside an HTTP request the runner contributes to that request's wide
// event; standalone runs produce their own.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonlog/canonlog/scope"
)

const instrumentationName = "github.com/canonlog/canonlog/runner"

// Usage carries a runner's token report. Frameworks send the running total
// with each event rather than a delta.
type Usage struct {
	TotalTokens int64
}

// ToolCall describes one tool invocation observed during a run.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Event is one observed chunk of an agent run. Zero-value fields are simply
// absent from that chunk.
type Event struct {
	Agent     string
	Usage     *Usage
	ToolCalls []ToolCall
}

type instrumentSet struct {
	tokens    metric.Int64Counter
	toolCalls metric.Int64Counter
}

var instruments = sync.OnceValues(func() (instrumentSet, error) {
	meter := otel.Meter(instrumentationName)
	tokens, err := meter.Int64Counter(
		"agent_tokens_total",
		metric.WithDescription("Total tokens consumed by instrumented agent runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instrumentSet{}, err
	}
	toolCalls, err := meter.Int64Counter(
		"agent_tool_calls_total",
		metric.WithDescription("Total tool invocations across instrumented agent runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instrumentSet{}, err
	}
	return instrumentSet{tokens: tokens, toolCalls: toolCalls}, nil
})

// Recorder accumulates run statistics until End. Safe for concurrent
// Observe calls from parallel run steps.
type Recorder struct {
	mu          sync.Mutex
	name        string
	scope       *scope.Scope
	span        trace.Span
	totalTokens int64
	toolCalls   []ToolCall
	agents      map[string]struct{}
	ended       bool
}

// Start opens a scope and a span for one agent run. The returned context
// carries the scope; pass it to everything executing within the run.
func Start(ctx context.Context, mgr *scope.Manager, name string) (context.Context, *Recorder) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("agent.name", name)))
	ctx, s := mgr.Start(ctx, name, scope.Metadata{})
	return ctx, &Recorder{
		name:   name,
		scope:  s,
		span:   span,
		agents: make(map[string]struct{}),
	}
}

// Observe folds one run event into the recorder. Token counts are running
// totals, so the maximum seen wins; tool calls and invoked agents
// accumulate.
func (r *Recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	if ev.Agent != "" {
		r.agents[ev.Agent] = struct{}{}
	}
	if ev.Usage != nil && ev.Usage.TotalTokens > r.totalTokens {
		r.totalTokens = ev.Usage.TotalTokens
	}
	r.toolCalls = append(r.toolCalls, ev.ToolCalls...)
}

// Stream wraps a streaming run: events are observed and forwarded, and the
// recorder ends when the source channel closes. This is the streaming
// equivalent of calling Observe per chunk and End at exhaustion. When ctx
// is cancelled (a client disconnecting mid-stream) the recorder ends with
// the cancellation error and the output channel closes, so an abandoned
// consumer never strands the run's scope.
func (r *Recorder) Stream(ctx context.Context, in <-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				r.End(ctx.Err())
				return
			case ev, ok := <-in:
				if !ok {
					r.End(nil)
					return
				}
				r.Observe(ev)
				select {
				case out <- ev:
				case <-ctx.Done():
					r.End(ctx.Err())
					return
				}
			}
		}
	}()
	return out
}

// End finalizes the run: accumulated statistics land in the scope's bucket,
// the span closes with the run's outcome, and the nested scope merges into
// its parent (or emits, for a standalone run). Extra End calls are no-ops.
func (r *Recorder) End(err error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	tokens := r.totalTokens
	calls := r.toolCalls
	agents := make([]string, 0, len(r.agents))
	for a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.Unlock()
	sort.Strings(agents)

	b := r.scope.Bucket()
	b.Set("agent.name", r.name)
	b.Set("agent.total_tokens", tokens)
	b.Set("agent.tool_calls_count", int64(len(calls)))
	if len(agents) > 0 {
		b.Set("agent.agents_invoked", agents)
	}
	if len(calls) > 0 {
		b.Set("tools.count", int64(len(calls)))
		b.Set("tools.calls", calls)
	}
	b.Add("tokens", tokens)
	b.Add("tool_calls", int64(len(calls)))

	r.span.SetAttributes(
		attribute.Int64("agent.total_tokens", tokens),
		attribute.Int("agent.tool_calls_count", len(calls)),
	)
	status := scope.StatusOK
	if err != nil {
		b.RecordError(fmt.Sprintf("%T", err), err.Error(), nil)
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		status = scope.StatusError
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()
	_ = r.scope.Close(status)

	if set, ierr := instruments(); ierr == nil {
		ctx := context.Background()
		set.tokens.Add(ctx, tokens, metric.WithAttributes(attribute.String("agent", r.name)))
		set.toolCalls.Add(ctx, int64(len(calls)), metric.WithAttributes(attribute.String("agent", r.name)))
	}
}

// Run executes fn as an instrumented agent run with guaranteed End on all
// exit paths, including panics, which are recorded and re-raised unchanged.
func Run(ctx context.Context, mgr *scope.Manager, name string, fn func(context.Context, *Recorder) error) (err error) {
	ctx, r := Start(ctx, mgr, name)
	defer func() {
		if rec := recover(); rec != nil {
			r.End(fmt.Errorf("panic: %v", rec))
			panic(rec)
		}
		r.End(err)
	}()
	return fn(ctx, r)
}
