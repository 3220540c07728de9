package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posebridge/config"
	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/health"
	"github.com/c360/posebridge/input/sensor"
	"github.com/c360/posebridge/output/websocket"
	"github.com/c360/posebridge/pose"
	"github.com/c360/posebridge/skeleton"
	fixtures "github.com/c360/posebridge/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixtureAvatar(string) (*skeleton.Hierarchy, error) {
	return skeleton.FromDocument(fixtures.AvatarDocument(fixtures.MixamoJoints))
}

func testConfig(sensors map[string]*fixtures.SensorServer) *config.Config {
	cfg := config.Default()
	cfg.Sensors = nil
	for label, srv := range sensors {
		cfg.Sensors = append(cfg.Sensors, sensor.Endpoint{Label: label, Address: srv.Host(), Port: srv.Port()})
	}
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.Pose.FrameRate = 100
	cfg.Viewer.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

// runBridge starts b and returns a function that stops it and reports Run's result.
func runBridge(t *testing.T, b *Bridge) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	var result error
	stopped := false
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not stop")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitAvatar(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.AvatarDone():
	case <-time.After(5 * time.Second):
		t.Fatal("avatar load did not finish")
	}
}

func waitBound(t *testing.T, addr func() string) string {
	t.Helper()
	require.Eventually(t, func() bool { return !strings.HasSuffix(addr(), ":0") },
		5*time.Second, 10*time.Millisecond)
	return addr()
}

func subStatus(s health.Status, component string) (health.Status, bool) {
	for _, sub := range s.SubStatuses {
		if sub.Component == component {
			return sub, true
		}
	}
	return health.Status{}, false
}

func TestNewBridge_RejectsBadConfig(t *testing.T) {
	_, err := NewBridge(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	cfg := config.Default()
	cfg.Pose.Smoothing = 0
	_, err = NewBridge(cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestBridge_EndToEnd(t *testing.T) {
	ra := fixtures.NewSensorServer(t)
	rfa := fixtures.NewSensorServer(t)

	b, err := NewBridge(testConfig(map[string]*fixtures.SensorServer{"RA": ra, "RFA": rfa}),
		WithLogger(quietLogger()),
		WithVersion("test"),
		WithAvatarLoader(fixtureAvatar))
	require.NoError(t, err)
	runBridge(t, b)

	waitAvatar(t, b)
	require.True(t, b.AvatarLoaded())
	for _, srv := range []*fixtures.SensorServer{ra, rfa} {
		select {
		case <-srv.Connected():
		case <-time.After(5 * time.Second):
			t.Fatal("sensor was never dialled")
		}
	}

	viewerURL := "ws://" + waitBound(t, b.Hub().Addr) + "/pose"
	conn, _, err := gws.DefaultDialer.Dial(viewerURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env websocket.MessageEnvelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, websocket.TypeScene, env.Type)
	var scene websocket.Scene
	require.NoError(t, json.Unmarshal(env.Payload, &scene))
	assert.True(t, scene.Loaded)
	assert.Equal(t, "ybot.gltf", scene.Avatar)
	assert.Contains(t, scene.Labels, "RA")

	// 90 degrees about Z
	ra.SendOrientation("RA", 0.7071067811865476, 0, 0, 0.7071067811865476)

	deadline := time.Now().Add(5 * time.Second)
	moved := false
	for !moved && time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type != websocket.TypePose {
			continue
		}
		var frame pose.Frame
		require.NoError(t, json.Unmarshal(env.Payload, &frame))
		if rot, ok := frame.Joints["RA"]; ok && rot[0] < 0.999 {
			moved = true
		}
	}
	assert.True(t, moved, "viewer never saw the RA joint move")

	joint, ok := b.Bones().Lookup("RFA")
	require.True(t, ok)
	assert.InDelta(t, 1, joint.Rotation().W, 1e-9, "RFA was never addressed")

	reg := b.MetricsRegistry().PrometheusRegistry()
	n, err := testutil.GatherAndCount(reg, "posebridge_sensor_connects_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per link")

	metricsAddr := waitBound(t, b.MetricsServer().Addr)
	resp, err := http.Get(fmt.Sprintf("http://%s/health", metricsAddr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, Name, status.Component)
	avatar, ok := subStatus(status, "avatar")
	require.True(t, ok)
	assert.True(t, avatar.IsHealthy(), avatar.Message)
}

func TestBridge_AvatarFailureKeepsLinksRunning(t *testing.T) {
	srv := fixtures.NewSensorServer(t)
	cfg := testConfig(map[string]*fixtures.SensorServer{"RA": srv})
	cfg.Viewer.Enabled = false
	cfg.Metrics.Enabled = false

	b, err := NewBridge(cfg,
		WithLogger(quietLogger()),
		WithAvatarLoader(func(path string) (*skeleton.Hierarchy, error) {
			return nil, errors.WrapFatal(errors.ErrAssetLoad, "test", "load", "open "+path)
		}))
	require.NoError(t, err)
	stop := runBridge(t, b)

	waitAvatar(t, b)
	assert.False(t, b.AvatarLoaded())

	link, ok := b.Links().Link("RA")
	require.True(t, ok)
	require.Eventually(t, func() bool { return link.State() == sensor.StateOpen },
		5*time.Second, 10*time.Millisecond)

	// Before population every lookup misses, so messages are dropped without effect.
	srv.SendOrientation("RA", 0, 1, 0, 0)
	require.Eventually(t, func() bool { return link.Received() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, b.Bones().Len())

	status := b.Health()
	assert.True(t, status.IsUnhealthy())
	avatar, ok := subStatus(status, "avatar")
	require.True(t, ok)
	assert.True(t, avatar.IsUnhealthy())

	assert.NoError(t, stop())
	assert.Equal(t, sensor.StateStopped, link.State())
}

func TestBridge_WarnsAboutUnmappedSensors(t *testing.T) {
	srv := fixtures.NewSensorServer(t)
	cfg := testConfig(map[string]*fixtures.SensorServer{"TAIL": srv})
	cfg.Viewer.Enabled = false
	cfg.Metrics.Enabled = false

	b, err := NewBridge(cfg, WithLogger(quietLogger()), WithAvatarLoader(fixtureAvatar))
	require.NoError(t, err)
	runBridge(t, b)
	waitAvatar(t, b)

	avatar, ok := subStatus(b.Health(), "avatar")
	require.True(t, ok)
	assert.True(t, avatar.IsDegraded())
	assert.Contains(t, avatar.Message, "TAIL")
}

func TestBridge_RunTwice(t *testing.T) {
	srv := fixtures.NewSensorServer(t)
	cfg := testConfig(map[string]*fixtures.SensorServer{"RA": srv})
	cfg.Viewer.Enabled = false
	cfg.Metrics.Enabled = false

	b, err := NewBridge(cfg, WithLogger(quietLogger()), WithAvatarLoader(fixtureAvatar))
	require.NoError(t, err)
	runBridge(t, b)
	waitAvatar(t, b)

	err = b.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestBridge_UnreachableNATSIsOnlyDegraded(t *testing.T) {
	srv := fixtures.NewSensorServer(t)
	cfg := testConfig(map[string]*fixtures.SensorServer{"RA": srv})
	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://127.0.0.1:1"

	b, err := NewBridge(cfg, WithLogger(quietLogger()), WithAvatarLoader(fixtureAvatar))
	require.NoError(t, err)

	nats, ok := subStatus(b.Health(), "nats")
	require.True(t, ok)
	assert.True(t, nats.IsDegraded())
	assert.False(t, b.Health().IsUnhealthy())
}
