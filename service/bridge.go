package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/posebridge/bone"
	"github.com/c360/posebridge/config"
	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/health"
	"github.com/c360/posebridge/input/sensor"
	"github.com/c360/posebridge/metric"
	"github.com/c360/posebridge/natsclient"
	"github.com/c360/posebridge/output/websocket"
	"github.com/c360/posebridge/pkg/retry"
	"github.com/c360/posebridge/pose"
	"github.com/c360/posebridge/skeleton"
)

const (
	// Name is the component name of the aggregate health status
	Name = "posebridge"

	defaultShutdownTimeout = 5 * time.Second
	healthReportInterval   = 10 * time.Second
)

// AvatarLoader turns an asset path into a skeleton.
type AvatarLoader func(path string) (*skeleton.Hierarchy, error)

// Option is a functional option for configuring a Bridge
type Option func(*Bridge)

// WithLogger sets a custom logger for the bridge
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithVersion sets the version reported in build info
func WithVersion(version string) Option {
	return func(b *Bridge) { b.version = version }
}

// WithAvatarLoader replaces skeleton.Load.
func WithAvatarLoader(fn AvatarLoader) Option {
	return func(b *Bridge) { b.loadAvatar = fn }
}

// WithSensorOptions adds options applied to every sensor link.
func WithSensorOptions(opts ...sensor.Option) Option {
	return func(b *Bridge) { b.sensorOpts = append(b.sensorOpts, opts...) }
}

// WithShutdownTimeout bounds how long servers get to drain on cancel.
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.shutdownTimeout = d }
}

// Bridge owns every long-running part of the process: the sensor links, the pose
// publisher, the viewer hub, the optional NATS bus and the metrics server.
type Bridge struct {
	cfg             *config.Config
	version         string
	logger          *slog.Logger
	shutdownTimeout time.Duration
	loadAvatar      AvatarLoader
	sensorOpts      []sensor.Option

	metrics   *metric.MetricsRegistry
	monitor   *health.Monitor
	bones     *bone.Registry
	links     *sensor.Manager
	applier   *pose.Applier
	publisher *pose.Publisher
	hub       *websocket.Hub
	nats      *natsclient.Client
	server    *metric.Server

	running      atomic.Bool
	avatarLoaded atomic.Bool
	avatarDone   chan struct{}
	doneOnce     sync.Once
}

// NewBridge validates cfg and builds every component. Nothing connects or listens
// until Run.
func NewBridge(cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "NewBridge", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:             cfg,
		version:         "dev",
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
		loadAvatar:      skeleton.Load,
		monitor:         health.NewMonitor(),
		avatarDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	base := b.logger
	b.logger = base.With("component", "bridge")

	b.metrics = metric.NewMetricsRegistry()
	core := b.metrics.CoreMetrics()
	core.RecordBuild(b.version)

	sensorMetrics, err := sensor.NewMetrics(b.metrics)
	if err != nil {
		return nil, errors.Wrap(err, "Bridge", "NewBridge", "register sensor metrics")
	}
	poseMetrics, err := pose.NewMetrics(b.metrics)
	if err != nil {
		return nil, errors.Wrap(err, "Bridge", "NewBridge", "register pose metrics")
	}

	b.bones = bone.NewRegistry(bone.DefaultLabels, base)
	b.publisher = pose.NewPublisher(b.bones, cfg.Pose.FrameRate, base,
		pose.WithPublisherMetrics(poseMetrics))
	b.applier = pose.NewApplier(b.bones, base,
		pose.WithSmoothing(cfg.Pose.Smoothing),
		pose.WithNotifier(b.publisher),
		pose.WithApplierMetrics(poseMetrics),
		pose.WithWarnInterval(cfg.Pose.WarnInterval),
	)

	linkOpts := append([]sensor.Option{
		sensor.WithRetry(retry.Fixed(cfg.ReconnectDelay)),
		sensor.WithMetrics(sensorMetrics),
	}, b.sensorOpts...)
	b.links, err = sensor.NewManager(cfg.Sensors, b.applier, base, linkOpts...)
	if err != nil {
		return nil, err
	}

	if cfg.Viewer.Enabled {
		b.hub = websocket.NewHub(websocket.Config{
			Addr:         cfg.Viewer.Addr,
			Path:         cfg.Viewer.Path,
			PingInterval: cfg.Viewer.PingInterval,
			WriteTimeout: cfg.Viewer.WriteTimeout,
		}, b.metrics, base)
		b.hub.SetLatest(b.publisher.Latest)
		b.hub.SetScene(b.scene(false))
		b.publisher.AddSink(b.hub)
	}

	if cfg.NATS.Enabled {
		b.nats, err = newNATSClient(cfg.NATS, base, core)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		b.server = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, b.metrics, b.Health)
	}

	b.monitor.UpdateDegraded("avatar", "not loaded")
	return b, nil
}

func newNATSClient(cfg config.NATSConfig, logger *slog.Logger, core *metric.Metrics) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithClientName(cfg.ClientName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithHealthChangeCallback(core.RecordNATSStatus),
		natsclient.WithReconnectCallback(core.RecordNATSReconnect),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	return natsclient.NewClient(cfg.URL, opts...)
}

func (b *Bridge) scene(loaded bool) websocket.Scene {
	return websocket.Scene{
		Avatar:      b.cfg.Avatar.Path,
		Environment: b.cfg.Avatar.Environment,
		Scale:       b.cfg.Avatar.Scale,
		Labels:      b.bones.Labels(),
		Loaded:      loaded,
	}
}

// Run starts every component and blocks until ctx is cancelled. It returns nil after
// a clean shutdown, or the first error that stopped a server. Avatar and NATS
// failures are reported through Health and never end Run.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Run", "start bridge")
	}
	defer b.running.Store(false)

	b.logger.Info("Starting bridge",
		"sensors", len(b.cfg.Sensors),
		"avatar", b.cfg.Avatar.Path,
		"viewer", b.cfg.Viewer.Enabled,
		"nats", b.cfg.NATS.Enabled,
		"metrics", b.cfg.Metrics.Enabled)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.links.Run(gctx) })
	g.Go(func() error { return b.publisher.Run(gctx) })
	g.Go(func() error {
		b.loadAndPopulate(gctx)
		return nil
	})
	g.Go(func() error {
		b.reportHealth(gctx)
		return nil
	})

	if b.hub != nil {
		b.serve(gctx, g, func() error { return b.hub.Start(gctx) }, b.hub.Stop)
	}
	if b.server != nil {
		b.serve(gctx, g, b.server.Start, b.server.Stop)
	}
	if b.nats != nil {
		g.Go(func() error {
			b.connectNATS(gctx)
			return nil
		})
	}

	err := g.Wait()

	if b.nats != nil {
		if cerr := b.stopWithTimeout(b.nats.Close); cerr != nil {
			b.logger.Warn("NATS close failed", "error", cerr)
		}
	}

	if err != nil {
		b.logger.Error("Bridge stopped with error", "error", err)
		return err
	}
	b.logger.Info("Bridge stopped")
	return nil
}

// serve runs start in g and calls stop once ctx is done. stop is repeated until start
// returns, so a cancel that lands before the listener is bound still ends the server.
func (b *Bridge) serve(ctx context.Context, g *errgroup.Group, start func() error, stop func(context.Context) error) {
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return start()
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
		}
		for {
			err := b.stopWithTimeout(stop)
			select {
			case <-done:
				return err
			case <-time.After(20 * time.Millisecond):
			}
		}
	})
}

func (b *Bridge) stopWithTimeout(stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()
	return stop(ctx)
}

// loadAndPopulate loads the avatar and fills the bone registry. Messages that arrive
// before it finishes miss the lookup and are dropped.
func (b *Bridge) loadAndPopulate(ctx context.Context) {
	defer b.doneOnce.Do(func() { close(b.avatarDone) })

	path := b.cfg.Avatar.Path
	b.monitor.UpdateDegraded("avatar", "loading "+path)

	start := time.Now()
	h, err := b.loadAvatar(path)
	if err != nil {
		b.logger.Error("Avatar failed to load; sensor links keep running", "path", path, "error", err)
		b.monitor.Update("avatar", health.FromError("avatar", err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	n := b.bones.Populate(h)
	b.metrics.CoreMetrics().RecordAvatarJoints(n)
	b.avatarLoaded.Store(true)
	b.logger.Info("Avatar loaded", "path", path, "mapped", n, "duration", time.Since(start))

	if missing := b.bones.Missing(b.cfg.Labels()); len(missing) > 0 {
		b.logger.Warn("Configured sensors have no joint in the avatar", "labels", missing)
		b.monitor.UpdateDegraded("avatar", fmt.Sprintf("%d joints mapped, unmapped sensors %v", n, missing))
	} else {
		b.monitor.UpdateHealthy("avatar", fmt.Sprintf("%d joints mapped", n))
	}

	if b.hub != nil {
		b.hub.SetScene(b.scene(true))
	}
	// Rest pose goes out on the next tick.
	b.publisher.Touch("")
}

// connectNATS keeps the bus optional: frames go to NATS only after the first connect.
func (b *Bridge) connectNATS(ctx context.Context) {
	if err := b.nats.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("NATS unavailable; pose frames will not be published to the bus",
				"url", b.nats.URL(), "error", err)
		}
		return
	}
	b.publisher.AddSink(pose.NewNATSSink(b.nats, b.cfg.NATS.Subject))
	b.logger.Info("Publishing pose frames to NATS", "subject", b.cfg.NATS.Subject)
}

func (b *Bridge) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(healthReportInterval)
	defer ticker.Stop()

	core := b.metrics.CoreMetrics()
	for {
		status := b.Health()
		core.RecordHealth(status.Component, status.Status)
		for _, sub := range status.SubStatuses {
			core.RecordHealth(sub.Component, sub.Status)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Health aggregates sensor links, the avatar, the viewer hub and NATS. Only the
// avatar can make the bridge unhealthy; everything else recovers on its own.
func (b *Bridge) Health() health.Status {
	extra := []health.Status{b.links.Health()}

	if b.hub != nil {
		extra = append(extra, health.NewHealthy("viewer", fmt.Sprintf("%d clients", b.hub.Clients())))
	}
	if b.nats != nil {
		s := b.nats.Health()
		if s.IsUnhealthy() {
			s = health.NewDegraded(s.Component, s.Message)
		}
		extra = append(extra, s)
	}
	return b.monitor.AggregateHealth(Name, extra...)
}

// AvatarDone is closed once the avatar load attempt has finished, successfully or not.
func (b *Bridge) AvatarDone() <-chan struct{} { return b.avatarDone }

// AvatarLoaded reports whether the registry has been populated
func (b *Bridge) AvatarLoaded() bool { return b.avatarLoaded.Load() }

// Bones returns the bone registry
func (b *Bridge) Bones() *bone.Registry { return b.bones }

// Links returns the sensor link manager
func (b *Bridge) Links() *sensor.Manager { return b.links }

// Publisher returns the pose publisher
func (b *Bridge) Publisher() *pose.Publisher { return b.publisher }

// Hub returns the viewer hub, nil when the viewer is disabled.
func (b *Bridge) Hub() *websocket.Hub { return b.hub }

// MetricsServer returns the metrics server, nil when metrics are disabled.
func (b *Bridge) MetricsServer() *metric.Server { return b.server }

// MetricsRegistry returns the registry every component registered with
func (b *Bridge) MetricsRegistry() *metric.MetricsRegistry { return b.metrics }
