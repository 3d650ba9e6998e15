package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/resilience"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var tenantA = uuid.MustParse("6f1d7c1e-8a43-4c8e-9d3b-2f0a4b5c6d7e")

// fakeConn is an in-memory worker session.
type fakeConn struct {
	tools   []tool.Descriptor
	callErr error
	calls   atomic.Int32

	// stall makes Call wait for ctx; hang makes it wait for the channel
	// regardless of ctx, like a wedged transport.
	stall bool
	hang  chan struct{}

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

func newFakeConn(names ...string) *fakeConn {
	c := &fakeConn{done: make(chan struct{})}
	for _, n := range names {
		c.tools = append(c.tools, tool.Descriptor{Name: n, InputSchema: map[string]any{"type": "object"}})
	}
	return c
}

func (c *fakeConn) Tools(context.Context) ([]tool.Descriptor, error) { return c.tools, nil }

func (c *fakeConn) Call(ctx context.Context, name string, tenantID tenant.ID, _ json.RawMessage) (dispatch.Response, error) {
	c.calls.Add(1)
	if c.stall {
		<-ctx.Done()
		return dispatch.Response{}, ctx.Err()
	}
	if c.hang != nil {
		<-c.hang
		return dispatch.Response{}, errors.New("broken pipe")
	}
	if c.callErr != nil {
		return dispatch.Response{}, c.callErr
	}
	out, _ := json.Marshal(map[string]string{"tool": name, "tenant": tenantID.String()})
	return dispatch.Success(out), nil
}

func (c *fakeConn) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// crash makes Wait return err, as if the worker process died.
func (c *fakeConn) crash(err error) {
	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
	_ = c.Close()
}

// fakeLauncher hands out connections from a per-group factory and records
// every launch.
type fakeLauncher struct {
	mu       sync.Mutex
	factory  map[string]func(n int) (Conn, error)
	launches map[string]int
	conns    map[string][]*fakeConn
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		factory:  map[string]func(int) (Conn, error){},
		launches: map[string]int{},
		conns:    map[string][]*fakeConn{},
	}
}

// serve makes every launch of group return a fresh conn advertising tools.
func (l *fakeLauncher) serve(group string, tools ...string) {
	l.factory[group] = func(int) (Conn, error) { return newFakeConn(tools...), nil }
}

func (l *fakeLauncher) Launch(_ context.Context, group string) (Conn, error) {
	l.mu.Lock()
	n := l.launches[group]
	l.launches[group]++
	f, ok := l.factory[group]
	l.mu.Unlock()
	if !ok {
		return nil, errors.New("no such group")
	}

	c, err := f(n)
	if fc, ok := c.(*fakeConn); ok && err == nil {
		l.mu.Lock()
		l.conns[group] = append(l.conns[group], fc)
		l.mu.Unlock()
	}
	return c, err
}

func (l *fakeLauncher) launchCount(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[group]
}

func (l *fakeLauncher) latest(group string) *fakeConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.conns[group]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func testConfig(t *testing.T) (Config, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return Config{
		MaxRestarts:     3,
		Backoff:         time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BreakerFailures: 2,
		BreakerReset:    time.Hour,
		Metrics:         m,
	}, reader
}

func start(t *testing.T, l Launcher, cfg Config, groups ...string) *Supervisor {
	t.Helper()
	s := New(l, cfg)
	require.NoError(t, s.StartAll(context.Background(), groups))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func stateOf(s *Supervisor, group string) State {
	for _, st := range s.Status() {
		if st.Name == group {
			return st.State
		}
	}
	return State(-1)
}

func waitState(t *testing.T, s *Supervisor, group string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return stateOf(s, group) == want }, waitFor, tick,
		"group %s never reached %s (now %s)", group, want, stateOf(s, group))
}

func TestStartAll_RoutesCalls(t *testing.T) {
	l := newFakeLauncher()
	l.serve("business-logic", "calculate_quote", "check_service_area")
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")

	waitState(t, s, "business-logic", StateRunning)
	require.NoError(t, s.Ready())

	resp := s.Call(context.Background(), "calculate_quote", tenantA, json.RawMessage(`{}`))
	require.True(t, resp.OK(), "error: %v", resp.Error)
	assert.JSONEq(t, `{"tool":"calculate_quote","tenant":"`+tenantA.String()+`"}`, string(resp.Result))

	descs := s.DescribeAll()
	require.Len(t, descs, 2)
	assert.Equal(t, "calculate_quote", descs[0].Name)
	assert.Equal(t, "check_service_area", descs[1].Name)
}

func TestStartAll_DoesNotBlockOnReadiness(t *testing.T) {
	release := make(chan struct{})
	l := LauncherFunc(func(ctx context.Context, group string) (Conn, error) {
		select {
		case <-release:
			return newFakeConn("calculate_quote"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "slow")

	assert.Equal(t, StateStarting, stateOf(s, "slow"))
	assert.ErrorIs(t, s.Ready(), ErrNotReady)

	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, tool.KindUnknownTool, resp.Error.Kind, "no group has advertised the tool yet")

	close(release)
	waitState(t, s, "slow", StateRunning)
}

func TestStartAll_RejectsBadGroupLists(t *testing.T) {
	cfg, _ := testConfig(t)
	s := New(newFakeLauncher(), cfg)

	assert.Error(t, s.StartAll(context.Background(), nil))
	assert.Error(t, s.StartAll(context.Background(), []string{"a", ""}))
	err := s.StartAll(context.Background(), []string{"a", "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a" listed twice`)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, s.StartAll(context.Background(), []string{"a"}), ErrShutdown)
}

func TestCall_UnknownTool(t *testing.T) {
	l := newFakeLauncher()
	l.serve("business-logic", "calculate_quote")
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	resp := s.Call(context.Background(), "book_appointment", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, tool.KindUnknownTool, resp.Error.Kind)
}

func TestCrash_RestartsAndReroutes(t *testing.T) {
	l := newFakeLauncher()
	l.factory["business-logic"] = func(n int) (Conn, error) {
		if n == 0 {
			return newFakeConn("calculate_quote"), nil
		}
		return newFakeConn("calculate_quote", "check_service_area"), nil
	}
	cfg, reader := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	first := l.latest("business-logic")
	first.crash(errors.New("exit status 2"))

	require.Eventually(t, func() bool {
		return l.launchCount("business-logic") == 2 && stateOf(s, "business-logic") == StateRunning
	}, waitFor, tick)

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Restarts)
	assert.Contains(t, status[0].LastError, "exit status 2")
	assert.ElementsMatch(t, []string{"calculate_quote", "check_service_area"}, status[0].Tools)

	resp := s.Call(context.Background(), "check_service_area", tenantA, nil)
	assert.True(t, resp.OK(), "new tool routed after restart: %v", resp.Error)

	assert.Equal(t, int64(1), counterValue(t, reader, "greenline.worker.restarts"))
}

func TestCrash_WhileRestartingIsUnavailable(t *testing.T) {
	gate := make(chan struct{})
	l := newFakeLauncher()
	l.factory["business-logic"] = func(n int) (Conn, error) {
		if n > 0 {
			<-gate
		}
		return newFakeConn("calculate_quote"), nil
	}
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	l.latest("business-logic").crash(nil)
	require.Eventually(t, func() bool { return l.launchCount("business-logic") == 2 }, waitFor, tick)

	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, tool.KindWorkerUnavailable, resp.Error.Kind)

	close(gate)
	waitState(t, s, "business-logic", StateRunning)
	assert.True(t, s.Call(context.Background(), "calculate_quote", tenantA, nil).OK())
}

func TestRestartBudget_MarksDownAndIsolatesSiblings(t *testing.T) {
	l := newFakeLauncher()
	l.serve("healthy", "check_service_area")
	l.factory["flaky"] = func(n int) (Conn, error) {
		if n == 0 {
			return newFakeConn("calculate_quote"), nil
		}
		return nil, errors.New("binary missing")
	}
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "flaky", "healthy")

	waitState(t, s, "healthy", StateRunning)
	waitState(t, s, "flaky", StateRunning)
	l.latest("flaky").crash(errors.New("signal: killed"))

	waitState(t, s, "flaky", StateDown)
	assert.Equal(t, 1+cfg.MaxRestarts, l.launchCount("flaky"))

	err := s.Ready()
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "flaky=down")
	require.Error(t, s.HealthChecker().Check(context.Background()))

	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, tool.KindWorkerUnavailable, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, `"flaky"`)

	assert.True(t, s.Call(context.Background(), "check_service_area", tenantA, nil).OK(),
		"sibling group must keep serving")
	assert.Equal(t, StateRunning, stateOf(s, "healthy"))
}

func TestCircuitBreaker_OpensOnTransportFailures(t *testing.T) {
	conn := newFakeConn("calculate_quote")
	conn.callErr = errors.New("broken pipe")
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	for range 5 {
		resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, tool.KindWorkerUnavailable, resp.Error.Kind)
	}
	assert.Equal(t, int32(cfg.BreakerFailures), conn.calls.Load(),
		"open breaker must stop reaching the worker")
}

func TestCall_CallerCancellation(t *testing.T) {
	conn := newFakeConn("calculate_quote")
	conn.callErr = context.Canceled
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 4 {
		resp := s.Call(ctx, "calculate_quote", tenantA, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, tool.KindHandler, resp.Error.Kind)
		assert.Equal(t, tool.ReasonCanceled, resp.Error.Reason)
	}
	require.Eventually(t, func() bool { return conn.calls.Load() == 4 }, time.Second, time.Millisecond,
		"cancellation must not open the breaker")
}

func TestCall_StalledWorkerIsBounded(t *testing.T) {
	conn := newFakeConn("calculate_quote")
	conn.stall = true
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	cfg.CallTimeout = 20 * time.Millisecond
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	for range cfg.BreakerFailures {
		begin := time.Now()
		resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, tool.KindWorkerUnavailable, resp.Error.Kind)
		assert.ErrorIs(t, resp.Error, ErrCallTimeout)
		assert.Less(t, time.Since(begin), time.Second)
	}

	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.ErrorIs(t, resp.Error, resilience.ErrCircuitOpen, "stalls count against the breaker")
	assert.Equal(t, int32(cfg.BreakerFailures), conn.calls.Load())
}

func TestCall_WedgedTransportIsBounded(t *testing.T) {
	conn := newFakeConn("calculate_quote")
	conn.hang = make(chan struct{})
	t.Cleanup(func() { close(conn.hang) })
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	cfg.CallTimeout = 20 * time.Millisecond
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	done := make(chan dispatch.Response, 1)
	go func() { done <- s.Call(context.Background(), "calculate_quote", tenantA, nil) }()
	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, tool.KindWorkerUnavailable, resp.Error.Kind)
		assert.ErrorIs(t, resp.Error, ErrCallTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("Call blocked on a transport that ignores its context")
	}
}

func TestCall_CallerDeadlineIsHandlerTimeout(t *testing.T) {
	conn := newFakeConn("calculate_quote")
	conn.stall = true
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	cfg.CallTimeout = time.Minute
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	for range cfg.BreakerFailures + 1 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		resp := s.Call(ctx, "calculate_quote", tenantA, nil)
		cancel()
		require.NotNil(t, resp.Error)
		assert.Equal(t, tool.KindHandlerTimeout, resp.Error.Kind)
	}
	assert.Equal(t, int32(cfg.BreakerFailures+1), conn.calls.Load(), "caller deadlines must not open the breaker")
}

func TestRefresh_PicksUpNewTools(t *testing.T) {
	conn := newFakeConn("calculate_quote")
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	conn.tools = []tool.Descriptor{{Name: "check_service_area"}}
	require.NoError(t, s.Refresh(context.Background()))

	assert.True(t, s.Call(context.Background(), "check_service_area", tenantA, nil).OK())
	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, tool.KindUnknownTool, resp.Error.Kind, "dropped tool is no longer routed")
}

func TestDuplicateToolAcrossGroups_FirstOwnerWins(t *testing.T) {
	l := newFakeLauncher()
	l.serve("a", "calculate_quote")
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "a")
	waitState(t, s, "a", StateRunning)

	other := &group{name: "b"}
	s.updateRoutes(other, []tool.Descriptor{{Name: "calculate_quote"}})

	s.mu.RLock()
	owner := s.routes["calculate_quote"].name
	s.mu.RUnlock()
	assert.Equal(t, "a", owner)
}

func TestShutdown(t *testing.T) {
	l := newFakeLauncher()
	l.serve("business-logic", "calculate_quote")
	cfg, _ := testConfig(t)
	s := New(l, cfg)
	require.NoError(t, s.StartAll(context.Background(), []string{"business-logic"}))
	waitState(t, s, "business-logic", StateRunning)
	conn := l.latest("business-logic")

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()), "second Shutdown is a no-op")

	select {
	case <-conn.done:
	default:
		t.Fatal("worker session was not closed")
	}
	assert.Equal(t, 1, l.launchCount("business-logic"), "no restart after shutdown")
	assert.Equal(t, StateDown, stateOf(s, "business-logic"))

	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, tool.KindWorkerUnavailable, resp.Error.Kind)
	assert.ErrorIs(t, resp.Error, ErrShutdown)
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffFor(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "restarting", StateRestarting.String())
	text, err := StateDown.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "down", string(text))
}

func TestCall_SpanCarriesTenantAndGroup(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})

	conn := newFakeConn("calculate_quote")
	conn.callErr = errors.New("broken pipe")
	l := LauncherFunc(func(context.Context, string) (Conn, error) { return conn, nil })
	cfg, _ := testConfig(t)
	s := start(t, l, cfg, "business-logic")
	waitState(t, s, "business-logic", StateRunning)

	resp := s.Call(context.Background(), "calculate_quote", tenantA, nil)
	require.NotNil(t, resp.Error)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "supervisor.call calculate_quote", span.Name)
	attrs := attribute.NewSet(span.Attributes...)
	for k, want := range map[attribute.Key]string{
		observe.ToolKey:      "calculate_quote",
		observe.TenantKey:    tenantA.String(),
		observe.GroupKey:     "business-logic",
		observe.ErrorKindKey: string(tool.KindWorkerUnavailable),
	} {
		got, ok := attrs.Value(k)
		assert.True(t, ok, "missing attribute %s", k)
		assert.Equal(t, want, got.AsString(), "attribute %s", k)
	}
	assert.Equal(t, codes.Error, span.Status.Code)
}
