package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// SensorServer is a fake orientation sensor for link tests.
type SensorServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// CloseAfterOpen makes the server drop every connection right after the handshake.
	CloseAfterOpen atomic.Bool

	connections atomic.Int64
	connected   chan struct{}

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewSensorServer starts a fake sensor. It is closed when the test ends.
func NewSensorServer(t testing.TB) *SensorServer {
	t.Helper()

	s := &SensorServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		connected: make(chan struct{}, 64),
		conns:     make(map[*websocket.Conn]*sync.Mutex),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *SensorServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.connections.Add(1)
	select {
	case s.connected <- struct{}{}:
	default:
	}

	if s.CloseAfterOpen.Load() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "sensor reset"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = &sync.Mutex{}
	s.mu.Unlock()

	// Drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Host returns the host part of the server address.
func (s *SensorServer) Host() string {
	host, _, _ := net.SplitHostPort(s.server.Listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *SensorServer) Port() int {
	_, port, _ := net.SplitHostPort(s.server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Connections returns how many websocket handshakes completed.
func (s *SensorServer) Connections() int64 {
	return s.connections.Load()
}

// Connected signals once per completed handshake.
func (s *SensorServer) Connected() <-chan struct{} {
	return s.connected
}

// OpenConnections returns how many connections are currently held open.
func (s *SensorServer) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SendRaw writes payload as a text frame to every open connection.
func (s *SensorServer) SendRaw(payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for conn, writeMu := range s.conns {
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := conn.WriteMessage(websocket.TextMessage, payload)
		writeMu.Unlock()
		if err == nil {
			sent++
		}
	}
	return sent
}

// SendOrientation encodes a sensor message {"label", "quaternion": [w,x,y,z]} and sends it.
func (s *SensorServer) SendOrientation(label string, w, x, y, z float64) int {
	payload, _ := json.Marshal(map[string]any{
		"label":      label,
		"quaternion": []float64{w, x, y, z},
	})
	return s.SendRaw(payload)
}

// DropAll closes every open connection from the server side.
func (s *SensorServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Close shuts the server down.
func (s *SensorServer) Close() {
	s.DropAll()
	s.server.Close()
}
