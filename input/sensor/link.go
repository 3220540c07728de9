package sensor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/pkg/retry"
)

const (
	// DefaultPort is the port every sensor serves its websocket on.
	DefaultPort = 81

	// DefaultReconnectDelay is the wait between a closed connection and the next attempt.
	DefaultReconnectDelay = 3 * time.Second

	maxMessageSize = 64 * 1024
)

// State is where a link is in its connect, read, wait cycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosedPendingRetry
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedPendingRetry:
		return "closed_pending_retry"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives every payload a link reads, in arrival order, on the link's goroutine.
// linkLabel is the label the link was configured with; the payload is not inspected.
type Handler interface {
	HandleMessage(ctx context.Context, linkLabel string, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, linkLabel string, payload []byte)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, linkLabel string, payload []byte) {
	f(ctx, linkLabel, payload)
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// AfterFunc schedules a wake-up, like time.After.
type AfterFunc func(d time.Duration) <-chan time.Time

// Option configures a Link.
type Option func(*Link)

// WithClock replaces time.After for reconnect waits.
func WithClock(after AfterFunc) Option {
	return func(l *Link) { l.after = after }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

// WithRetry replaces the reconnect schedule.
func WithRetry(cfg retry.Config) Option {
	return func(l *Link) { l.policy = cfg }
}

// WithMetrics attaches shared link metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Link) { l.metrics = m }
}

// Endpoint is one configured sensor.
type Endpoint struct {
	Label   string `json:"label" yaml:"label"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// URL returns ws://<address>:<port>/, using DefaultPort when Port is zero.
func (e Endpoint) URL() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return "ws://" + net.JoinHostPort(e.Address, strconv.Itoa(port)) + "/"
}

// Link keeps one sensor connection alive for as long as its Run context lives.
type Link struct {
	endpoint Endpoint
	url      string
	handler  Handler
	logger   *slog.Logger

	dialer  Dialer
	after   AfterFunc
	policy  retry.Config
	metrics *Metrics

	running    atomic.Bool
	state      atomic.Int32
	reconnects atomic.Int64
	received   atomic.Int64

	mu           sync.Mutex
	lastErr      error
	lastActivity time.Time
}

// NewLink creates a link in the Connecting state. Nothing is dialled until Run.
func NewLink(endpoint Endpoint, handler Handler, logger *slog.Logger, opts ...Option) *Link {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		endpoint: endpoint,
		url:      endpoint.URL(),
		handler:  handler,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		after:    time.After,
		policy:   retry.Fixed(DefaultReconnectDelay),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.With("component", "sensor_link", "label", endpoint.Label, "url", l.url)
	return l
}

// Label returns the configured label
func (l *Link) Label() string { return l.endpoint.Label }

// URL returns the websocket URL the link dials
func (l *Link) URL() string { return l.url }

// State returns the current state
func (l *Link) State() State { return State(l.state.Load()) }

// Reconnects returns how many times the link has dialled again after a close.
func (l *Link) Reconnects() int64 { return l.reconnects.Load() }

// Received returns the number of payloads handed to the handler.
func (l *Link) Received() int64 { return l.received.Load() }

// LastError returns the most recent dial or read error, nil after a successful open.
func (l *Link) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// LastActivity returns when the last payload arrived.
func (l *Link) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	if l.metrics != nil {
		l.metrics.state.WithLabelValues(l.endpoint.Label).Set(float64(s))
	}
}

func (l *Link) setError(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// Run dials the sensor, reads until the connection closes, waits the reconnect delay
// and dials the same URL again. It never gives up on its own; it returns nil once ctx
// is cancelled and the link is Stopped. A link can only be running once.
func (l *Link) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Link", "Run", "start sensor link "+l.endpoint.Label)
	}
	defer l.running.Store(false)
	defer l.setState(StateStopped)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		l.setState(StateConnecting)
		opened, err := l.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if opened {
			failures = 1
		} else {
			failures++
		}
		l.setError(err)

		// Single wait per close; a link never holds more than one pending retry.
		delay := l.policy.Delay(failures)
		l.setState(StateClosedPendingRetry)
		l.logger.Warn("Sensor connection closed, reconnecting",
			"delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-l.after(delay):
		}

		l.reconnects.Add(1)
		if l.metrics != nil {
			l.metrics.reconnects.WithLabelValues(l.endpoint.Label).Inc()
		}
	}
}

// connectOnce dials and reads until the connection ends. opened reports whether the
// handshake succeeded; err says why the connection ended.
func (l *Link) connectOnce(ctx context.Context) (opened bool, err error) {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("Sensor connection error", "error", err)
			if l.metrics != nil {
				l.metrics.dialErrors.WithLabelValues(l.endpoint.Label).Inc()
			}
		}
		return false, errors.WrapTransient(err, "Link", "connectOnce", "dial sensor")
	}

	l.setError(nil)
	l.setState(StateOpen)
	l.logger.Info("Sensor connected")
	if l.metrics != nil {
		l.metrics.connects.WithLabelValues(l.endpoint.Label).Inc()
	}

	err = l.readLoop(ctx, conn)

	if l.metrics != nil {
		l.metrics.disconnects.WithLabelValues(l.endpoint.Label).Inc()
	}
	if ctx.Err() != nil {
		return true, nil
	}

	var closeErr *websocket.CloseError
	if !stderrors.As(err, &closeErr) {
		l.logger.Error("Sensor connection error", "error", err)
	}
	return true, errors.WrapTransient(errors.ErrConnectionLost, "Link", "readLoop", err.Error())
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// ReadMessage does not watch ctx; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		l.received.Add(1)
		l.mu.Lock()
		l.lastActivity = time.Now()
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.received.WithLabelValues(l.endpoint.Label).Inc()
		}

		l.handler.HandleMessage(ctx, l.endpoint.Label, payload)
	}
}
