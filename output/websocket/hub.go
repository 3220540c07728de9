// Package websocket serves the live avatar pose to renderer clients.
//
// A viewer connects to the hub path and receives, in order:
//   - "scene": the avatar asset, environment map, scale, mapped labels and the client's id
//   - "pose": the latest frame, if one exists
//   - "pose": every frame published afterwards
//
// Each message is a MessageEnvelope. Viewers do not need to send anything; whatever
// they send is read and ignored so that pongs and close frames are processed.
package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/posebridge/errors"
	"github.com/c360/posebridge/metric"
	"github.com/c360/posebridge/pose"
)

// Envelope types
const (
	TypeScene = "scene"
	TypePose  = "pose"
)

// MessageEnvelope wraps everything sent to a viewer.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Scene tells a viewer what to render.
type Scene struct {
	ClientID    string   `json:"client_id,omitempty"`
	Avatar      string   `json:"avatar"`
	Environment string   `json:"environment,omitempty"`
	Scale       float64  `json:"scale"`
	Labels      []string `json:"labels"`
	Loaded      bool     `json:"loaded"`
}

// Config configures the hub
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Path         string        `json:"path" yaml:"path"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the default hub configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		Path:         "/pose",
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// sendBuffer is how many envelopes may wait for one viewer before frames are dropped.
const sendBuffer = 32

type outbound struct {
	kind string
	data []byte
}

type clientInfo struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	send        chan outbound
	done        chan struct{}
	sent        atomic.Int64
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex // gorilla/websocket panics on concurrent writes
}

// Hub fans pose frames out to connected viewers. It implements pose.Sink.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	sceneMu sync.RWMutex
	scene   Scene
	latest  func() (pose.Frame, bool)

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*clientInfo

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

var _ pose.Sink = (*Hub)(nil)

// NewHub creates a hub. registry may be nil to disable metrics.
func NewHub(cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "viewer_hub"),
		metrics: newMetrics(registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*clientInfo),
		shutdown: make(chan struct{}),
	}
}

// Name implements pose.Sink
func (h *Hub) Name() string { return "viewer" }

// SetScene replaces the scene sent to new viewers and pushes it to connected ones.
func (h *Hub) SetScene(s Scene) {
	h.sceneMu.Lock()
	h.scene = s
	h.sceneMu.Unlock()

	for _, c := range h.snapshot() {
		h.sendScene(c)
	}
}

// SetLatest sets where a new viewer's first frame comes from.
func (h *Hub) SetLatest(fn func() (pose.Frame, bool)) {
	h.sceneMu.Lock()
	h.latest = fn
	h.sceneMu.Unlock()
}

// Clients returns the number of connected viewers
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Handler returns the HTTP handler serving the hub path.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Path, h.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves until Stop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.server != nil {
		h.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Start", "viewer hub already running")
	}
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		h.mu.Unlock()
		return errors.WrapFatal(err, "Hub", "Start", fmt.Sprintf("listen on %s", h.cfg.Addr))
	}
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	h.server = srv
	h.listener = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go h.maintainClients(ctx)

	h.logger.Info("Viewer hub listening", "addr", ln.Addr().String(), "path", h.cfg.Path)
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Hub", "Start", "serve viewers")
	}
	return nil
}

// Addr returns the bound address while running, else the configured one.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.cfg.Addr
}

// Stop closes every viewer and shuts the server down.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.listener = nil
	h.mu.Unlock()

	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	for _, c := range h.snapshot() {
		h.removeClient(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Hub", "Stop", "wait for viewer goroutines")
	}

	if err != nil {
		return errors.WrapTransient(err, "Hub", "Stop", "shutdown viewer server")
	}
	return nil
}

// PublishFrame queues f for every viewer and returns without waiting for writes. A viewer
// whose queue is full misses the frame; one that cannot be written is disconnected.
func (h *Hub) PublishFrame(_ context.Context, f pose.Frame) error {
	data, err := h.envelope(TypePose, f)
	if err != nil {
		return err
	}
	for _, c := range h.snapshot() {
		h.send(c, TypePose, data)
	}
	return nil
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Viewer upgrade failed", "error", err)
		if h.metrics != nil {
			h.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	info := &clientInfo{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
		send:        make(chan outbound, sendBuffer),
		done:        make(chan struct{}),
	}

	h.sceneMu.RLock()
	latest := h.latest
	h.sceneMu.RUnlock()

	// Scene and latest frame are queued under the clients lock so no broadcast can
	// get ahead of them.
	h.clientsMu.Lock()
	h.sendScene(info)
	if latest != nil {
		if f, ok := latest(); ok {
			if data, err := h.envelope(TypePose, f); err == nil {
				h.send(info, TypePose, data)
			}
		}
	}
	h.clients[conn] = info
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.wg.Add(2)
	go h.writePump(info)
	go h.readLoop(info)

	if h.metrics != nil {
		h.metrics.connectionTotal.Inc()
		h.metrics.clientsConnected.Set(float64(count))
	}
	h.logger.Info("Viewer connected", "client_id", info.id, "remote", r.RemoteAddr)
}

// readLoop drains the viewer so control frames are handled, and detects disconnects.
func (h *Hub) readLoop(info *clientInfo) {
	defer h.wg.Done()
	defer h.removeClient(info, "normal")

	deadline := 2 * h.cfg.PingInterval
	_ = info.conn.SetReadDeadline(time.Now().Add(deadline))
	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) sendScene(info *clientInfo) {
	h.sceneMu.RLock()
	scene := h.scene
	h.sceneMu.RUnlock()

	scene.ClientID = info.id
	data, err := h.envelope(TypeScene, scene)
	if err != nil {
		return
	}
	h.send(info, TypeScene, data)
}

func (h *Hub) envelope(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		if h.metrics != nil {
			h.metrics.errorsTotal.WithLabelValues("envelope_marshal").Inc()
		}
		return nil, errors.WrapInvalid(err, "Hub", "envelope", "marshal "+kind)
	}
	data, err := json.Marshal(MessageEnvelope{
		Type:      kind,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Hub", "envelope", "marshal envelope")
	}
	return data, nil
}

// send queues data for info without blocking.
func (h *Hub) send(info *clientInfo, kind string, data []byte) {
	if info.closed.Load() {
		return
	}
	select {
	case info.send <- outbound{kind: kind, data: data}:
	default:
		if info.dropped.Add(1) == 1 {
			h.logger.Warn("Viewer is not keeping up, dropping frames", "client_id", info.id)
		}
		if h.metrics != nil {
			h.metrics.errorsTotal.WithLabelValues("send_buffer_full").Inc()
		}
	}
}

// writePump owns the data writes to one viewer.
func (h *Hub) writePump(info *clientInfo) {
	defer h.wg.Done()

	for {
		select {
		case <-info.done:
			return
		case msg := <-info.send:
			info.writeMutex.Lock()
			_ = info.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			err := info.conn.WriteMessage(websocket.TextMessage, msg.data)
			info.writeMutex.Unlock()

			if err != nil {
				if h.metrics != nil {
					h.metrics.errorsTotal.WithLabelValues("write").Inc()
				}
				h.removeClient(info, "write_error")
				return
			}

			info.sent.Add(1)
			if h.metrics != nil {
				h.metrics.messagesSent.WithLabelValues(msg.kind).Inc()
				h.metrics.bytesSent.Add(float64(len(msg.data)))
			}
		}
	}
}

func (h *Hub) snapshot() []*clientInfo {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	out := make([]*clientInfo, 0, len(h.clients))
	for _, info := range h.clients {
		if !info.closed.Load() {
			out = append(out, info)
		}
	}
	return out
}

func (h *Hub) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)
		close(info.done)

		h.clientsMu.Lock()
		delete(h.clients, info.conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		if h.metrics != nil {
			h.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
			h.metrics.clientsConnected.Set(float64(count))
		}
		h.logger.Info("Viewer disconnected", "client_id", info.id, "reason", reason,
			"sent", info.sent.Load(), "dropped", info.dropped.Load(), "connected_for", time.Since(info.connectedAt).Round(time.Millisecond))

		_ = info.conn.Close()
	})
}

func (h *Hub) maintainClients(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	for _, info := range h.snapshot() {
		info.writeMutex.Lock()
		err := info.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout))
		info.writeMutex.Unlock()
		if err != nil {
			h.removeClient(info, "ping_failed")
		}
	}
}
