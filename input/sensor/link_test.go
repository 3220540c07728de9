package sensor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/metric"
	posetestutil "github.com/c360/posebridge/testutil"
)

// fakeClock records every scheduled wait and lets the test decide when it fires.
type fakeClock struct {
	mu        sync.Mutex
	delays    []time.Duration
	scheduled chan chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan chan time.Time, 16)}
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	c.scheduled <- ch
	return ch
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *fakeClock) next(t *testing.T) chan time.Time {
	t.Helper()
	select {
	case ch := <-c.scheduled:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect was scheduled")
		return nil
	}
}

func (c *fakeClock) assertIdle(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-c.scheduled:
		t.Fatal("unexpected additional reconnect scheduled")
	case <-time.After(wait):
	}
}

type recorded struct {
	label   string
	payload string
}

type recordingHandler struct {
	ch chan recorded
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan recorded, 64)}
}

func (h *recordingHandler) HandleMessage(_ context.Context, linkLabel string, payload []byte) {
	h.ch <- recorded{label: linkLabel, payload: string(payload)}
}

func endpointFor(label string, s *posetestutil.SensorServer) Endpoint {
	return Endpoint{Label: label, Address: s.Host(), Port: s.Port()}
}

func runLink(t *testing.T, l *Link) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("link did not stop after cancel")
			return nil
		}
	}
}

func TestEndpoint_URL(t *testing.T) {
	assert.Equal(t, "ws://192.168.193.195:81/", Endpoint{Label: "RFA", Address: "192.168.193.195"}.URL())
	assert.Equal(t, "ws://10.0.0.2:8081/", Endpoint{Label: "RA", Address: "10.0.0.2", Port: 8081}.URL())
	assert.Equal(t, "ws://[::1]:81/", Endpoint{Label: "H", Address: "::1"}.URL())
}

func TestLink_CloseAfterOpenSchedulesOneRetry(t *testing.T) {
	server := posetestutil.NewSensorServer(t)
	server.CloseAfterOpen.Store(true)
	clock := newFakeClock()

	l := NewLink(endpointFor("RFA", server), newRecordingHandler(), nil, WithClock(clock.After))
	stop := runLink(t, l)

	fire := clock.next(t)
	assert.Equal(t, int64(1), server.Connections())
	assert.Equal(t, StateClosedPendingRetry, l.State())
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Delays())

	// Nothing else happens until the pending retry fires
	clock.assertIdle(t, 200*time.Millisecond)
	assert.Equal(t, int64(1), server.Connections())
	assert.Zero(t, l.Reconnects())

	fire <- time.Now()
	clock.next(t)

	// Same server, so same label and address
	assert.Equal(t, int64(2), server.Connections())
	assert.Equal(t, int64(1), l.Reconnects())
	assert.Equal(t, "RFA", l.Label())
	for _, d := range clock.Delays() {
		assert.GreaterOrEqual(t, d, 3*time.Second)
	}

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, l.State())
}

func TestLink_DeliversPayloadsInOrder(t *testing.T) {
	server := posetestutil.NewSensorServer(t)
	handler := newRecordingHandler()

	l := NewLink(endpointFor("RFA", server), handler, nil, WithClock(newFakeClock().After))
	stop := runLink(t, l)
	defer stop()

	require.Eventually(t, func() bool { return server.OpenConnections() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateOpen, l.State())

	payloads := []string{`{"n":1}`, `{"n":2}`, `not json at all`}
	for _, p := range payloads {
		require.Equal(t, 1, server.SendRaw([]byte(p)))
	}

	for _, want := range payloads {
		select {
		case got := <-handler.ch:
			assert.Equal(t, "RFA", got.label)
			assert.Equal(t, want, got.payload)
		case <-time.After(5 * time.Second):
			t.Fatalf("payload %s not delivered", want)
		}
	}
	assert.Equal(t, int64(3), l.Received())
	assert.False(t, l.LastActivity().IsZero())
}

func TestLink_DialFailureRetriesAfterDelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	clock := newFakeClock()
	l := NewLink(Endpoint{Label: "RA", Address: "127.0.0.1", Port: port}, newRecordingHandler(), nil,
		WithClock(clock.After))
	stop := runLink(t, l)

	fire := clock.next(t)
	assert.Equal(t, StateClosedPendingRetry, l.State())
	require.Error(t, l.LastError())
	assert.True(t, errors.IsTransient(l.LastError()))

	fire <- time.Now()
	clock.next(t)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, clock.Delays())

	require.NoError(t, stop())
}

func TestLink_ServerDropTriggersReconnect(t *testing.T) {
	server := posetestutil.NewSensorServer(t)
	clock := newFakeClock()

	l := NewLink(endpointFor("RFA", server), newRecordingHandler(), nil, WithClock(clock.After))
	stop := runLink(t, l)
	defer stop()

	require.Eventually(t, func() bool { return server.OpenConnections() == 1 }, 5*time.Second, 10*time.Millisecond)
	server.DropAll()

	fire := clock.next(t)
	assert.Equal(t, StateClosedPendingRetry, l.State())
	fire <- time.Now()

	require.Eventually(t, func() bool { return server.Connections() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return l.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, l.LastError())
}

func TestLink_CancelWhileOpen(t *testing.T) {
	server := posetestutil.NewSensorServer(t)
	clock := newFakeClock()

	l := NewLink(endpointFor("RFA", server), newRecordingHandler(), nil, WithClock(clock.After))
	stop := runLink(t, l)

	require.Eventually(t, func() bool { return l.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, StateStopped, l.State())
	assert.Empty(t, clock.Delays(), "cancel must not schedule a reconnect")
}

func TestLink_RunTwice(t *testing.T) {
	server := posetestutil.NewSensorServer(t)
	l := NewLink(endpointFor("RFA", server), newRecordingHandler(), nil, WithClock(newFakeClock().After))
	stop := runLink(t, l)
	defer stop()

	require.Eventually(t, func() bool { return l.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLink_Metrics(t *testing.T) {
	server := posetestutil.NewSensorServer(t)
	server.CloseAfterOpen.Store(true)
	clock := newFakeClock()

	m, err := NewMetrics(metric.NewMetricsRegistry())
	require.NoError(t, err)

	l := NewLink(endpointFor("RFA", server), newRecordingHandler(), nil,
		WithClock(clock.After), WithMetrics(m))
	stop := runLink(t, l)
	defer stop()

	fire := clock.next(t)
	fire <- time.Now()
	clock.next(t)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connects.WithLabelValues("RFA")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.disconnects.WithLabelValues("RFA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("RFA")))
	assert.Equal(t, float64(StateClosedPendingRetry), testutil.ToFloat64(m.state.WithLabelValues("RFA")))
}
