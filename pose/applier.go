// Package pose turns sensor payloads into joint rotations and fans the resulting
// pose out to viewers and the message bus.
package pose

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/time/rate"

	"github.com/c360/posebridge/bone"
	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/orientation"
)

const (
	// DefaultWarnInterval bounds how often an unmapped label is logged.
	DefaultWarnInterval = 10 * time.Second

	// UnknownLabelBucket stands in for every label that is not in the table.
	UnknownLabelBucket = "unknown"
)

// Notifier is told which label moved after each joint update.
type Notifier interface {
	Touch(label string)
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithSmoothing sets the slerp factor applied per message.
func WithSmoothing(factor float64) ApplierOption {
	return func(a *Applier) { a.factor = factor }
}

// WithNotifier registers who to tell after a joint moved.
func WithNotifier(n Notifier) ApplierOption {
	return func(a *Applier) { a.notifier = n }
}

// WithApplierMetrics attaches pose metrics.
func WithApplierMetrics(m *Metrics) ApplierOption {
	return func(a *Applier) { a.metrics = m }
}

// WithWarnInterval sets the minimum gap between two warnings for the same unmapped label.
func WithWarnInterval(d time.Duration) ApplierOption {
	return func(a *Applier) { a.warnEvery = rate.Every(d) }
}

// Applier validates sensor payloads and smooths the addressed joint toward the reported
// rotation. It is safe to call from every link goroutine at once.
type Applier struct {
	registry  *bone.Registry
	factor    float64
	notifier  Notifier
	metrics   *Metrics
	logger    *slog.Logger
	warnEvery rate.Limit

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	applied  atomic.Int64
	rejected atomic.Int64
	unmapped atomic.Int64
}

// NewApplier creates an applier over registry.
func NewApplier(registry *bone.Registry, logger *slog.Logger, opts ...ApplierOption) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Applier{
		registry:  registry,
		factor:    orientation.DefaultSmoothing,
		logger:    logger.With("component", "pose_applier"),
		warnEvery: rate.Every(DefaultWarnInterval),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleMessage decodes payload and applies it. The joint is chosen by the label inside
// the payload; linkLabel only annotates logs.
func (a *Applier) HandleMessage(_ context.Context, linkLabel string, payload []byte) {
	start := time.Now()

	res := orientation.Decode(payload)
	if !res.OK() {
		a.rejected.Add(1)
		if a.metrics != nil {
			a.metrics.rejected.WithLabelValues(string(res.Reason)).Inc()
		}
		a.logger.Warn("Discarded sensor message",
			"link", linkLabel, "reason", res.Reason, "error", res.Err)
		return
	}

	if res.Orientation.Label != linkLabel {
		a.logger.Debug("Message label differs from link label",
			"link", linkLabel, "label", res.Orientation.Label)
	}

	if _, err := a.Apply(res.Orientation); err != nil {
		if a.limiter(a.bucket(res.Orientation.Label)).Allow() {
			a.logger.Warn("No joint for sensor label",
				"link", linkLabel, "label", res.Orientation.Label, "error", err)
		}
		return
	}
	if a.metrics != nil {
		a.metrics.applyLatency.WithLabelValues(linkLabel).Observe(time.Since(start).Seconds())
	}
}

// Apply smooths the joint behind o.Label toward o.Rotation and returns the joint's new
// rotation. A label without a joint yields an error wrapping errors.ErrUnknownLabel.
func (a *Applier) Apply(o orientation.Orientation) (mgl64.Quat, error) {
	joint, ok := a.registry.Lookup(o.Label)
	if !ok {
		a.unmapped.Add(1)
		if a.metrics != nil {
			a.metrics.unmapped.WithLabelValues(a.bucket(o.Label)).Inc()
		}
		return mgl64.Quat{}, errors.UnknownLabel(o.Label)
	}

	factor := a.factor
	q := joint.Update(func(current mgl64.Quat) mgl64.Quat {
		return orientation.Smooth(current, o.Rotation, factor)
	})

	a.applied.Add(1)
	if a.metrics != nil {
		a.metrics.applied.WithLabelValues(o.Label).Inc()
	}
	if a.notifier != nil {
		a.notifier.Touch(o.Label)
	}
	return q, nil
}

// bucket maps labels outside the table to one shared key so that metric series and
// warning limiters stay bounded whatever the sensors send.
func (a *Applier) bucket(label string) string {
	if a.registry.Known(label) {
		return label
	}
	return UnknownLabelBucket
}

func (a *Applier) limiter(key string) *rate.Limiter {
	a.limitersMu.Lock()
	defer a.limitersMu.Unlock()

	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(a.warnEvery, 1)
		a.limiters[key] = l
	}
	return l
}

// Stats returns applied, rejected and unmapped message counts.
func (a *Applier) Stats() (applied, rejected, unmapped int64) {
	return a.applied.Load(), a.rejected.Load(), a.unmapped.Load()
}
