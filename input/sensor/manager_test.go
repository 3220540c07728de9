package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posebridge/errors"
	posetestutil "github.com/c360/posebridge/testutil"
)

func TestNewManager_Validation(t *testing.T) {
	h := newRecordingHandler()

	tests := []struct {
		name      string
		endpoints []Endpoint
		sentinel  error
	}{
		{"duplicate label", []Endpoint{{Label: "RFA", Address: "a"}, {Label: "RFA", Address: "b"}}, errors.ErrDuplicateLabel},
		{"missing address", []Endpoint{{Label: "RFA"}}, errors.ErrInvalidConfig},
		{"missing label", []Endpoint{{Address: "a"}}, errors.ErrInvalidConfig},
		{"bad port", []Endpoint{{Label: "RFA", Address: "a", Port: 70000}}, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.endpoints, h, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	_, err := NewManager(nil, nil, nil)
	require.Error(t, err)
}

func TestManager_RunsLinksIndependently(t *testing.T) {
	rfa := posetestutil.NewSensorServer(t)
	ra := posetestutil.NewSensorServer(t)
	ra.CloseAfterOpen.Store(true)

	handler := newRecordingHandler()
	clock := newFakeClock()
	mgr, err := NewManager([]Endpoint{endpointFor("RFA", rfa), endpointFor("RA", ra)}, handler, nil,
		WithClock(clock.After))
	require.NoError(t, err)
	assert.Equal(t, []string{"RFA", "RA"}, mgr.Labels())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	// RA keeps dropping; RFA must stay open regardless
	clock.next(t)
	require.Eventually(t, func() bool { return rfa.OpenConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	link, ok := mgr.Link("RFA")
	require.True(t, ok)
	assert.Equal(t, StateOpen, link.State())

	rfa.SendOrientation("RA", 1, 0, 0, 0)
	select {
	case got := <-handler.ch:
		assert.Equal(t, "RFA", got.label, "handler gets the link label; routing by payload happens downstream")
	case <-time.After(5 * time.Second):
		t.Fatal("payload not delivered")
	}

	snap := mgr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "open", snap[0].State)
	assert.Equal(t, "closed_pending_retry", snap[1].State)
	assert.Equal(t, endpointFor("RA", ra).URL(), snap[1].URL)

	h := mgr.Health()
	assert.True(t, h.IsDegraded())
	require.Len(t, h.SubStatuses, 2)
	assert.True(t, h.SubStatuses[0].IsHealthy())
	assert.True(t, h.SubStatuses[1].IsDegraded())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	for _, st := range mgr.Snapshot() {
		assert.Equal(t, "stopped", st.State)
	}
}

func TestManager_HealthyWhenAllOpen(t *testing.T) {
	a := posetestutil.NewSensorServer(t)
	b := posetestutil.NewSensorServer(t)

	mgr, err := NewManager([]Endpoint{endpointFor("LA", a), endpointFor("LFA", b)}, newRecordingHandler(), nil,
		WithClock(newFakeClock().After))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	require.Eventually(t, func() bool { return mgr.Health().IsHealthy() }, 5*time.Second, 10*time.Millisecond)
}
