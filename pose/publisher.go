package pose

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/c360/posebridge/bone"
	"github.com/c360/posebridge/errors"
)

// DefaultFrameRate is how many frames per second the publisher emits while joints move.
const DefaultFrameRate = 30

// Rotation is a quaternion in sensor order [w, x, y, z].
type Rotation [4]float64

// RotationOf converts q to sensor order.
func RotationOf(q mgl64.Quat) Rotation {
	return Rotation{q.W, q.V.X(), q.V.Y(), q.V.Z()}
}

// Quat converts back to mgl64.
func (r Rotation) Quat() mgl64.Quat {
	return mgl64.Quat{W: r[0], V: mgl64.Vec3{r[1], r[2], r[3]}}
}

// Frame is the pose of every mapped joint at one instant, keyed by sensor label.
type Frame struct {
	Sequence  uint64              `json:"sequence"`
	Timestamp time.Time           `json:"timestamp"`
	Joints    map[string]Rotation `json:"joints"`
}

// Sink receives frames. A failing sink does not affect the others.
type Sink interface {
	Name() string
	PublishFrame(ctx context.Context, f Frame) error
}

// BusPublisher is the subset of a NATS client the bus sink needs.
type BusPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes each frame as JSON on a subject.
type NATSSink struct {
	bus     BusPublisher
	subject string
}

// NewNATSSink creates a sink publishing on subject.
func NewNATSSink(bus BusPublisher, subject string) *NATSSink {
	return &NATSSink{bus: bus, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

// PublishFrame marshals f and publishes it.
func (s *NATSSink) PublishFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "NATSSink", "PublishFrame", "marshal frame")
	}
	if err := s.bus.Publish(ctx, s.subject, data); err != nil {
		return errors.WrapTransient(err, "NATSSink", "PublishFrame", "publish to "+s.subject)
	}
	return nil
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSink adds a sink.
func WithSink(s Sink) PublisherOption {
	return func(p *Publisher) { p.sinks = append(p.sinks, s) }
}

// WithPublisherMetrics attaches pose metrics.
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher coalesces joint updates and emits at most one frame per tick, only when
// something moved since the last one.
type Publisher struct {
	registry *bone.Registry
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	sinksMu sync.RWMutex
	sinks   []Sink

	dirty atomic.Bool
	seq   atomic.Uint64

	latestMu sync.RWMutex
	latest   *Frame
}

// NewPublisher creates a publisher. A non-positive fps selects DefaultFrameRate.
func NewPublisher(registry *bone.Registry, fps float64, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		registry: registry,
		interval: time.Duration(float64(time.Second) / fps),
		logger:   logger.With("component", "pose_publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddSink attaches a sink after construction.
func (p *Publisher) AddSink(s Sink) {
	p.sinksMu.Lock()
	p.sinks = append(p.sinks, s)
	p.sinksMu.Unlock()
}

// Interval returns the time between frames.
func (p *Publisher) Interval() time.Duration { return p.interval }

// Touch marks the pose as changed. Implements Notifier.
func (p *Publisher) Touch(string) {
	p.dirty.Store(true)
}

// Run emits frames until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.dirty.Swap(false) {
				p.Flush(ctx)
			}
		}
	}
}

// Snapshot reads every mapped joint without publishing.
func (p *Publisher) Snapshot() Frame {
	labels := p.registry.Labels()
	f := Frame{
		Timestamp: time.Now().UTC(),
		Joints:    make(map[string]Rotation, len(labels)),
	}
	for _, label := range labels {
		if j, ok := p.registry.Lookup(label); ok {
			f.Joints[label] = RotationOf(j.Rotation())
		}
	}
	return f
}

// Flush builds a frame now and hands it to every sink.
func (p *Publisher) Flush(ctx context.Context) Frame {
	f := p.Snapshot()
	f.Sequence = p.seq.Add(1)

	p.latestMu.Lock()
	p.latest = &f
	p.latestMu.Unlock()

	p.sinksMu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	p.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.PublishFrame(ctx, f); err != nil {
			p.logger.Warn("Sink failed to publish frame", "sink", s.Name(), "sequence", f.Sequence, "error", err)
			if p.metrics != nil {
				p.metrics.sinkErrors.WithLabelValues(s.Name()).Inc()
			}
		}
	}
	if p.metrics != nil {
		p.metrics.frames.Inc()
	}
	return f
}

// Latest returns the last flushed frame.
func (p *Publisher) Latest() (Frame, bool) {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	if p.latest == nil {
		return Frame{}, false
	}
	return *p.latest, true
}
