// Package supervisor runs tool groups as isolated worker processes.
//
// Every group is monitored by its own goroutine. When a worker exits
// unexpectedly the crash is logged with the group name and the worker is
// relaunched with exponential backoff. A group that keeps failing exhausts its
// restart budget and is marked [StateDown]; calls for its tools then fail fast
// with a WorkerUnavailableError while sibling groups keep serving.
//
// Calls are routed by tool name. The routing table is rebuilt from the
// worker's own catalogue every time it (re)connects, so a new worker build
// can add tools without supervisor changes.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/health"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/resilience"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

var (
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("supervisor is shut down")

	// ErrNotReady is wrapped by [Supervisor.Ready] when a group cannot serve.
	ErrNotReady = errors.New("tool groups not ready")

	// ErrCallTimeout is the cause of a WorkerUnavailableError for a call that
	// outlived Config.CallTimeout.
	ErrCallTimeout = errors.New("worker did not answer within the call timeout")

	errUnexpectedExit = errors.New("worker exited")
)

// State is the lifecycle state of one tool group.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateCrashed
	StateRestarting
	StateDown
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateDown:
		return "down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes restart and breaker behaviour. Zero values take defaults.
type Config struct {
	// MaxRestarts is the number of consecutive restarts allowed before a
	// group is marked Down. Default: 5.
	MaxRestarts int

	// Backoff is the delay before the first restart; it doubles on each
	// further attempt. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the restart delay. Default: 30s.
	MaxBackoff time.Duration

	// StableAfter is how long a worker must stay up for its restart counter
	// to be reset. Default: 1m.
	StableAfter time.Duration

	// CallTimeout bounds one call to a worker, including the transport.
	// A call that outlives it is reported as WorkerUnavailableError and
	// counts against the breaker. Default: 7s.
	CallTimeout time.Duration

	// BreakerFailures is the number of consecutive transport failures that
	// open a group's circuit breaker. Default: 5.
	BreakerFailures int

	// BreakerReset is how long an open breaker waits before probing.
	// Default: 10s.
	BreakerReset time.Duration

	// Metrics receives restart and availability metrics. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 7 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// GroupStatus is a point-in-time view of one group.
type GroupStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Tools     []string  `json:"tools"`
	Since     time.Time `json:"since"`
}

type group struct {
	name    string
	breaker *resilience.CircuitBreaker

	mu       sync.RWMutex
	state    State
	since    time.Time
	conn     Conn
	tools    []tool.Descriptor
	restarts int
	lastErr  error
	everUp   bool
}

func (g *group) current() (Conn, State) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conn, g.state
}

// Supervisor starts, monitors and routes to tool-group workers.
type Supervisor struct {
	launcher Launcher
	cfg      Config

	mu     sync.RWMutex
	groups map[string]*group
	routes map[string]*group
	cancel context.CancelFunc
	closed bool

	loops sync.WaitGroup
}

// New creates a Supervisor. Nothing is launched until [Supervisor.StartAll].
func New(launcher Launcher, cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		launcher: launcher,
		cfg:      cfg,
		groups:   make(map[string]*group),
		routes:   make(map[string]*group),
	}
}

// StartAll launches one worker per group and returns without waiting for any
// of them to become ready. It fails if a name is empty or repeated, or if
// StartAll was already called.
func (s *Supervisor) StartAll(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return errors.New("supervisor: no tool groups configured")
	}
	seen := make(map[string]bool, len(names))
	var errs []error
	for _, n := range names {
		switch {
		case strings.TrimSpace(n) == "":
			errs = append(errs, errors.New("supervisor: empty tool group name"))
		case seen[n]:
			errs = append(errs, fmt.Errorf("supervisor: tool group %q listed twice", n))
		}
		seen[n] = true
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if s.cancel != nil {
		return errors.New("supervisor: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	now := time.Now()
	for _, n := range names {
		g := &group{name: n, state: StateStarting, since: now}
		g.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         n,
			MaxFailures:  s.cfg.BreakerFailures,
			ResetTimeout: s.cfg.BreakerReset,
			IsFailure:    isTransportFailure,
		})
		s.groups[n] = g
		s.loops.Go(func() { s.supervise(runCtx, g) })
	}
	return nil
}

// supervise keeps one group alive until ctx is cancelled or the restart
// budget is spent.
func (s *Supervisor) supervise(ctx context.Context, g *group) {
	attempt := 0
	for {
		uptime, err := s.runOnce(ctx, g)
		if ctx.Err() != nil {
			s.setState(ctx, g, StateDown, nil)
			return
		}
		if err == nil {
			err = errUnexpectedExit
		}
		slog.Error("tool group crashed", "group", g.name, "err", err, "uptime", uptime)
		s.setState(ctx, g, StateCrashed, err)

		if uptime >= s.cfg.StableAfter {
			attempt = 0
		}
		attempt++
		if attempt > s.cfg.MaxRestarts {
			slog.Error("tool group down, restart budget exhausted",
				"group", g.name,
				"max_restarts", s.cfg.MaxRestarts,
			)
			s.setState(ctx, g, StateDown, err)
			return
		}

		delay := backoffFor(attempt, s.cfg.Backoff, s.cfg.MaxBackoff)
		s.setState(ctx, g, StateRestarting, err)
		slog.Info("restarting tool group",
			"group", g.name,
			"attempt", attempt,
			"max_restarts", s.cfg.MaxRestarts,
			"backoff", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(ctx, g, StateDown, nil)
			return
		case <-timer.C:
		}

		g.mu.Lock()
		g.restarts++
		g.mu.Unlock()
		s.cfg.Metrics.RecordWorkerRestart(ctx, g.name)
		s.setState(ctx, g, StateStarting, err)
	}
}

// runOnce launches the worker, publishes its catalogue and blocks until it
// exits. It reports how long the worker was Running.
func (s *Supervisor) runOnce(ctx context.Context, g *group) (time.Duration, error) {
	conn, err := s.launcher.Launch(ctx, g.name)
	if err != nil {
		return 0, fmt.Errorf("launch: %w", err)
	}
	descs, err := conn.Tools(ctx)
	if err != nil {
		_ = conn.Close()
		return 0, fmt.Errorf("list tools: %w", err)
	}
	if !s.markRunning(ctx, g, conn, descs) {
		_ = conn.Close()
		return 0, ctx.Err()
	}
	slog.Info("tool group started", "group", g.name, "tools", descriptorNames(descs))

	started := time.Now()
	err = conn.Wait()
	uptime := time.Since(started)

	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.mu.Unlock()
	_ = conn.Close()
	return uptime, err
}

// markRunning installs conn as the group's live connection. It returns false
// if the supervisor is shutting down.
func (s *Supervisor) markRunning(ctx context.Context, g *group, conn Conn, descs []tool.Descriptor) bool {
	g.mu.Lock()
	if ctx.Err() != nil {
		g.mu.Unlock()
		return false
	}
	g.conn = conn
	g.tools = descs
	g.everUp = true
	g.mu.Unlock()

	s.updateRoutes(g, descs)
	g.breaker.Reset()
	s.setState(ctx, g, StateRunning, nil)
	return true
}

// updateRoutes points every tool in descs at g and drops g's stale routes.
// A tool already owned by another group keeps its original owner.
func (s *Supervisor) updateRoutes(g *group, descs []tool.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]bool, len(descs))
	for _, d := range descs {
		if owner, ok := s.routes[d.Name]; ok && owner != g {
			slog.Warn("tool advertised by two groups, keeping first",
				"tool", d.Name,
				"owner", owner.name,
				"group", g.name,
			)
			continue
		}
		s.routes[d.Name] = g
		fresh[d.Name] = true
	}
	for name, owner := range s.routes {
		if owner == g && !fresh[name] {
			delete(s.routes, name)
		}
	}
}

func (s *Supervisor) setState(ctx context.Context, g *group, to State, lastErr error) {
	g.mu.Lock()
	from := g.state
	g.state = to
	if lastErr != nil {
		g.lastErr = lastErr
	}
	if from != to {
		g.since = time.Now()
	}
	g.mu.Unlock()

	if from == to {
		return
	}
	slog.Debug("tool group state change", "group", g.name, "from", from.String(), "to", to.String())
	switch {
	case to == StateRunning:
		s.cfg.Metrics.GroupsUp.Add(context.WithoutCancel(ctx), 1)
	case from == StateRunning:
		s.cfg.Metrics.GroupsUp.Add(context.WithoutCancel(ctx), -1)
	}
}

// Call routes one invocation to the group that owns name. It never returns a
// Go error: every failure is a structured response.
func (s *Supervisor) Call(ctx context.Context, name string, tenantID tenant.ID, input json.RawMessage) dispatch.Response {
	ctx, span := observe.StartInvocationSpan(ctx, "supervisor.call", name, tenantID)
	defer span.End()

	start := time.Now()
	resp := s.call(ctx, name, tenantID, input)
	kind := "ok"
	if resp.Error != nil {
		kind = string(resp.Error.Kind)
		observe.FailSpan(span, kind, resp.Error.Message)
	}
	s.cfg.Metrics.RecordToolInvocation(ctx, name, kind, time.Since(start))
	return resp
}

func (s *Supervisor) call(ctx context.Context, name string, tenantID tenant.ID, input json.RawMessage) dispatch.Response {
	s.mu.RLock()
	g, ok := s.routes[name]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return dispatch.Failure(&tool.Error{
			Kind:    tool.KindWorkerUnavailable,
			Message: ErrShutdown.Error(),
			Err:     ErrShutdown,
		})
	}
	if !ok {
		return dispatch.Failure(tool.UnknownTool(name))
	}

	trace.SpanFromContext(ctx).SetAttributes(observe.GroupKey.String(g.name))
	conn, state := g.current()
	if state != StateRunning || conn == nil {
		return dispatch.Failure(tool.WorkerUnavailable(g.name, fmt.Errorf("group is %s", state)))
	}

	var resp dispatch.Response
	err := g.breaker.Execute(func() error {
		var err error
		resp, err = s.callBounded(ctx, conn, name, tenantID, input)
		return err
	})
	switch {
	case err == nil:
		return resp
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return dispatch.Failure(tool.HandlerFailure(tool.ReasonCanceled, err))
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return dispatch.Failure(&tool.Error{
			Kind:    tool.KindHandlerTimeout,
			Message: fmt.Sprintf("tool %q did not answer before the caller's deadline", name),
			Err:     err,
		})
	case errors.Is(err, resilience.ErrCircuitOpen):
		return dispatch.Failure(tool.WorkerUnavailable(g.name, err))
	default:
		slog.Warn("tool group call failed", "group", g.name, "tool", name, "err", err)
		return dispatch.Failure(tool.WorkerUnavailable(g.name, err))
	}
}

// callBounded runs conn.Call under the call budget. The call runs on its own
// goroutine so a transport that ignores ctx still cannot hold the caller.
// Exhausting the budget while the caller is still waiting yields
// [ErrCallTimeout], which does not wrap a context error and therefore trips
// the breaker.
func (s *Supervisor) callBounded(ctx context.Context, conn Conn, name string, tenantID tenant.ID, input json.RawMessage) (dispatch.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		resp dispatch.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := conn.Call(callCtx, name, tenantID, input)
		ch <- outcome{resp, err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-callCtx.Done():
		o.err = callCtx.Err()
	}
	if o.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return dispatch.Response{}, fmt.Errorf("%w: %q after %s", ErrCallTimeout, name, s.cfg.CallTimeout)
	}
	return o.resp, o.err
}

// isTransportFailure counts worker errors against the breaker but not the
// caller's own cancellation.
func isTransportFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// DescribeAll returns the catalogue of every Running group, sorted by name.
func (s *Supervisor) DescribeAll() []tool.Descriptor {
	var out []tool.Descriptor
	for _, g := range s.snapshot() {
		g.mu.RLock()
		if g.state == StateRunning {
			out = append(out, g.tools...)
		}
		g.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b tool.Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Refresh re-lists the catalogue of every Running group and updates the
// routing table.
func (s *Supervisor) Refresh(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range s.snapshot() {
		conn, state := g.current()
		if state != StateRunning || conn == nil {
			continue
		}
		eg.Go(func() error {
			descs, err := conn.Tools(ctx)
			if err != nil {
				return fmt.Errorf("supervisor: refresh %q: %w", g.name, err)
			}
			g.mu.Lock()
			g.tools = descs
			g.mu.Unlock()
			s.updateRoutes(g, descs)
			return nil
		})
	}
	return eg.Wait()
}

// Status reports every group, sorted by name.
func (s *Supervisor) Status() []GroupStatus {
	groups := s.snapshot()
	out := make([]GroupStatus, 0, len(groups))
	for _, g := range groups {
		g.mu.RLock()
		st := GroupStatus{
			Name:     g.name,
			State:    g.state,
			Restarts: g.restarts,
			Tools:    descriptorNames(g.tools),
			Since:    g.since,
		}
		if g.lastErr != nil {
			st.LastError = g.lastErr.Error()
		}
		g.mu.RUnlock()
		out = append(out, st)
	}
	return out
}

// Ready returns nil when every group has come up at least once and none is
// Down.
func (s *Supervisor) Ready() error {
	groups := s.snapshot()
	if len(groups) == 0 {
		return fmt.Errorf("%w: no groups started", ErrNotReady)
	}
	var bad []string
	for _, g := range groups {
		g.mu.RLock()
		if g.state == StateDown || !g.everUp {
			bad = append(bad, g.name+"="+g.state.String())
		}
		g.mu.RUnlock()
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrNotReady, strings.Join(bad, ", "))
	}
	return nil
}

// HealthChecker exposes [Supervisor.Ready] as a readiness check.
func (s *Supervisor) HealthChecker() health.Checker {
	return health.Checker{
		Name:  "groups",
		Check: func(context.Context) error { return s.Ready() },
	}
}

// Shutdown stops all monitoring loops, closes every worker session and waits
// for the loops to exit or ctx to expire. It is safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, g := range s.snapshot() {
		g.mu.Lock()
		conn := g.conn
		g.conn = nil
		g.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				slog.Debug("closing worker session", "group", g.name, "err", err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown: %w", ctx.Err())
	}
}

func (s *Supervisor) snapshot() []*group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := slices.Sorted(maps.Keys(s.groups))
	out := make([]*group, len(names))
	for i, n := range names {
		out[i] = s.groups[n]
	}
	return out
}

// backoffFor returns the delay before restart attempt n (1-based).
func backoffFor(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func descriptorNames(descs []tool.Descriptor) []string {
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}
