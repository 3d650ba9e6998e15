// Package dispatch hosts a registry of tools and runs invocations against it.
//
// A [Server] is stateless per invocation: it looks the tool up, validates the
// input merged with the tenant id, and runs the handler under a bounded
// timeout. Every outcome, including handler panics, is returned as a
// [Response] whose error is already normalised into the tool error taxonomy.
//
// No lock is held while a handler runs, so invocations for any mix of tenants
// proceed independently and may complete in any order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/tool"
)

// ErrShutdown is the cause attached to invocations that arrive after
// [Server.Shutdown] was called.
var ErrShutdown = errors.New("dispatch server is shutting down")

// DefaultTimeout is the handler budget for tools without their own timeout.
const DefaultTimeout = 5 * time.Second

// Server is a tool registry plus invocation runner.
type Server struct {
	defaultTimeout time.Duration
	sem            chan struct{}
	metrics        *observe.Metrics

	mu      sync.RWMutex
	tools   map[string]tool.Tool
	done    chan struct{}
	running sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithDefaultTimeout sets the handler budget for tools that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithMaxConcurrency bounds the number of handlers running at once. Zero or
// negative means unlimited.
func WithMaxConcurrency(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		} else {
			s.sem = nil
		}
	}
}

// WithMetrics records invocation metrics to m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer returns an empty Server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		defaultTimeout: DefaultTimeout,
		tools:          make(map[string]tool.Tool),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds tools to the registry. Registration is all-or-nothing: if any
// name is already registered, or appears twice in tools, nothing is added and
// a DuplicateToolError is returned.
func (s *Server) Register(tools ...tool.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Name()
		if _, exists := s.tools[name]; exists || seen[name] {
			return tool.DuplicateTool(name)
		}
		seen[name] = true
	}
	for _, t := range tools {
		s.tools[t.Name()] = t
	}
	return nil
}

// Unregister removes a tool. It reports whether the tool was registered.
// Invocations already running are not affected.
func (s *Server) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	return ok
}

// Lookup returns the registered tool with the given name.
func (s *Server) Lookup(name string) (tool.Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (s *Server) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tools))
}

// DescribeAll returns the descriptor of every registered tool, sorted by
// name. The result reflects exactly the registry at the time of the call.
func (s *Server) DescribeAll() []tool.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tool.Descriptor, 0, len(s.tools))
	for _, name := range slices.Sorted(maps.Keys(s.tools)) {
		out = append(out, tool.Describe(s.tools[name]))
	}
	return out
}

// Dispatch runs one invocation end to end. It never returns a raw error: all
// failures are encoded in the Response.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	ctx, span := observe.StartInvocationSpan(ctx, "dispatch", req.Tool, req.TenantID)
	defer span.End()

	inv := &invocation{
		server: s,
		tool:   req.Tool,
		start:  time.Now(),
		log:    observe.InvocationLogger(ctx, req.Tool, req.TenantID),
	}
	inv.transition(StateReceived)

	t, err := s.admit(req.Tool)
	if err != nil {
		return inv.finish(ctx, span, StateRejected, nil, err)
	}
	defer s.running.Done()

	inv.transition(StateValidating)
	call, err := t.Prepare(req.TenantID, req.Input)
	if err != nil {
		state := StateValidationFailed
		if tool.KindOf(err) != tool.KindValidation {
			state = StateHandlerFailed
		}
		return inv.finish(ctx, span, state, nil, err)
	}

	if err := s.acquire(ctx); err != nil {
		return inv.finish(ctx, span, StateHandlerFailed, nil, tool.HandlerFailure(tool.ReasonCanceled, err))
	}
	defer s.release()

	inv.transition(StateDispatching)
	result, err := s.run(ctx, t, call)
	if err != nil {
		return inv.finish(ctx, span, StateHandlerFailed, nil, err)
	}
	return inv.finish(ctx, span, StateSucceeded, result, nil)
}

// admit looks the tool up and registers the invocation as in flight. The
// caller must call s.running.Done when admit succeeds.
func (s *Server) admit(name string) (tool.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.done:
		return nil, &tool.Error{
			Kind:    tool.KindWorkerUnavailable,
			Message: ErrShutdown.Error(),
			Err:     ErrShutdown,
		}
	default:
	}
	t, ok := s.tools[name]
	if !ok {
		return nil, tool.UnknownTool(name)
	}
	s.running.Add(1)
	return t, nil
}

// run executes call under the tool's timeout. The handler runs on its own
// goroutine so a handler that ignores ctx still cannot hold the caller past
// the deadline.
func (s *Server) run(ctx context.Context, t tool.Tool, call tool.Call) (json.RawMessage, error) {
	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("tool handler panicked",
					"tool", t.Name(),
					"panic", p,
					"stack", string(debug.Stack()),
				)
				ch <- outcome{err: tool.HandlerFailure(tool.ReasonPanic, fmt.Errorf("panic: %v", p))}
			}
		}()
		result, err := call(runCtx)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, tool.Timeout(t.Name(), timeout)
		}
		return o.result, o.err
	case <-runCtx.Done():
		// A caller that hangs up is not a slow handler.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, tool.HandlerFailure(tool.ReasonCanceled, ctx.Err())
		}
		return nil, tool.Timeout(t.Name(), timeout)
	}
}

func (s *Server) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

// Shutdown stops accepting invocations and waits for in-flight ones,
// including handlers abandoned after a timeout, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.running.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invocation tracks the state of a single Dispatch call for logging and
// metrics. It lives on the caller's stack and is never shared.
type invocation struct {
	server *Server
	tool   string
	start  time.Time
	state  State
	log    *slog.Logger
}

func (inv *invocation) transition(to State) {
	if inv.state != "" {
		inv.log.Debug("invocation state", "from", string(inv.state), "to", string(to))
	}
	inv.state = to
}

func (inv *invocation) finish(ctx context.Context, span trace.Span, to State, result json.RawMessage, err error) Response {
	inv.transition(to)
	d := time.Since(inv.start)
	inv.server.metrics.RecordTransition(ctx, string(to))

	if err == nil {
		inv.server.metrics.RecordToolInvocation(ctx, inv.tool, "ok", d)
		span.SetStatus(codes.Ok, "")
		inv.log.Debug("tool invocation succeeded", "duration", d)
		return Success(result)
	}

	te := tool.Normalize(err)
	inv.server.metrics.RecordToolInvocation(ctx, inv.tool, string(te.Kind), d)
	observe.FailSpan(span, string(te.Kind), te.Message)

	switch te.Kind {
	case tool.KindHandler, tool.KindHandlerTimeout:
		attrs := []any{"kind", string(te.Kind), "duration", d}
		if te.Reason != "" {
			attrs = append(attrs, "reason", te.Reason)
		}
		if te.Err != nil {
			attrs = append(attrs, "err", te.Err)
		}
		inv.log.Warn("tool invocation failed", attrs...)
	default:
		inv.log.Debug("tool invocation rejected", "kind", string(te.Kind), "message", te.Message)
	}
	return Response{Error: te}
}
