package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/health"
)

// Manager owns one link per configured sensor.
type Manager struct {
	links   []*Link
	byLabel map[string]*Link
	logger  *slog.Logger
}

// LinkStatus is a point-in-time view of one link.
type LinkStatus struct {
	Label        string    `json:"label"`
	URL          string    `json:"url"`
	State        string    `json:"state"`
	Reconnects   int64     `json:"reconnects"`
	Received     int64     `json:"received"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// NewManager creates a link per endpoint. Labels must be unique and addresses non-empty.
// opts apply to every link.
func NewManager(endpoints []Endpoint, handler Handler, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "nil handler")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		byLabel: make(map[string]*Link, len(endpoints)),
		logger:  logger.With("component", "sensor_manager"),
	}
	for _, ep := range endpoints {
		if ep.Label == "" || ep.Address == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager",
				fmt.Sprintf("sensor %q needs a label and an address", ep.Label))
		}
		if ep.Port < 0 || ep.Port > 65535 {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager",
				fmt.Sprintf("sensor %s port %d out of range", ep.Label, ep.Port))
		}
		if _, dup := m.byLabel[ep.Label]; dup {
			return nil, errors.WrapInvalid(errors.DuplicateLabel(ep.Label), "Manager", "NewManager",
				"register link")
		}

		link := NewLink(ep, handler, logger, opts...)
		m.links = append(m.links, link)
		m.byLabel[ep.Label] = link
	}
	return m, nil
}

// Run starts every link and blocks until ctx is cancelled and all links have stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Starting sensor links", "count", len(m.links))

	g, gctx := errgroup.WithContext(ctx)
	for _, link := range m.links {
		g.Go(func() error {
			return link.Run(gctx)
		})
	}
	err := g.Wait()

	m.logger.Info("Sensor links stopped")
	return err
}

// Link returns the link for a configured label
func (m *Manager) Link(label string) (*Link, bool) {
	l, ok := m.byLabel[label]
	return l, ok
}

// Labels returns configured labels in configuration order
func (m *Manager) Labels() []string {
	labels := make([]string, len(m.links))
	for i, l := range m.links {
		labels[i] = l.Label()
	}
	return labels
}

// Snapshot returns the state of every link in configuration order.
func (m *Manager) Snapshot() []LinkStatus {
	out := make([]LinkStatus, 0, len(m.links))
	for _, l := range m.links {
		st := LinkStatus{
			Label:        l.Label(),
			URL:          l.URL(),
			State:        l.State().String(),
			Reconnects:   l.Reconnects(),
			Received:     l.Received(),
			LastActivity: l.LastActivity(),
		}
		if err := l.LastError(); err != nil {
			st.LastError = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Health is healthy when every link is open. Closed links are degraded, never
// unhealthy: they retry on their own.
func (m *Manager) Health() health.Status {
	subs := make([]health.Status, 0, len(m.links))
	for _, l := range m.links {
		name := "sensor_" + l.Label()
		switch l.State() {
		case StateOpen:
			subs = append(subs, health.NewHealthy(name, "open"))
		case StateClosedPendingRetry:
			subs = append(subs, health.DegradedFromError(name, l.LastError()))
		default:
			subs = append(subs, health.NewDegraded(name, l.State().String()))
		}
	}
	return health.Aggregate("sensors", subs)
}
