// Package ws owns the websocket transports of simulated charge points. One
// connection is kept per session id; frames read from it are handed to a
// Handler on the connection's read goroutine.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/ocpp"
)

// ErrConnection reports a failed or missing transport.
var ErrConnection = errors.New("connection error")

const (
	// DefaultDialTimeout bounds the handshake.
	DefaultDialTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	closeGrace         = time.Second
	maxMessageSize     = 1 << 20
)

// Handler receives inbound frames and unexpected closures.
type Handler interface {
	HandleFrame(sessionID string, data []byte)
	HandleClose(sessionID string, err error)
}

// Metrics observes the transport layer.
type Metrics interface {
	ObserveDial(ok bool, d time.Duration)
	SetActiveConnections(n int)
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closing chan struct{}
	once    sync.Once
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// Manager maps session ids to open connections.
type Manager struct {
	dialer  *websocket.Dialer
	log     logger.Logger
	metrics Metrics
	handler Handler

	mu      sync.RWMutex
	conns   map[string]*conn
	dialing map[string]chan struct{}
}

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithMetrics attaches transport metrics.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager delivering frames to h.
func NewManager(h Handler, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultDialTimeout,
		},
		log:     log,
		handler: h,
		conns:   make(map[string]*conn),
		dialing: make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetHandler replaces the frame handler. It must be called before the first
// Connect.
func (m *Manager) SetHandler(h Handler) { m.handler = h }

// Connect opens the transport of sessionID. It is a no-op when the session is
// already connected; concurrent calls for the same session share one dial.
// The returned bool reports whether this call opened a new connection.
func (m *Manager) Connect(ctx context.Context, sessionID string, t ocpp.Endpoint) (bool, error) {
	for {
		m.mu.Lock()
		if _, ok := m.conns[sessionID]; ok {
			m.mu.Unlock()
			return false, nil
		}
		wait, busy := m.dialing[sessionID]
		if !busy {
			m.dialing[sessionID] = make(chan struct{})
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		}
	}

	c, err := m.dial(ctx, t)

	m.mu.Lock()
	done := m.dialing[sessionID]
	delete(m.dialing, sessionID)
	if err == nil {
		m.conns[sessionID] = c
	}
	n := len(m.conns)
	m.mu.Unlock()
	close(done)

	if err != nil {
		return false, err
	}
	if m.metrics != nil {
		m.metrics.SetActiveConnections(n)
	}
	go m.readLoop(sessionID, c)
	return true, nil
}

func (m *Manager) dial(ctx context.Context, t ocpp.Endpoint) (*conn, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := *m.dialer
	d.HandshakeTimeout = timeout
	if t.Subprotocol != "" {
		d.Subprotocols = []string{t.Subprotocol}
	}
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	start := time.Now()
	wsConn, resp, err := d.DialContext(ctx, t.URL, header)
	if m.metrics != nil {
		m.metrics.ObserveDial(err == nil, time.Since(start))
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, t.URL, ocpp.ErrUnauthorized)
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: server returned %d", ErrConnection, t.URL, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, t.URL, err)
	}
	if t.Subprotocol != "" && wsConn.Subprotocol() != t.Subprotocol {
		m.log.Warnf("server at %s negotiated subprotocol %q, requested %q", t.URL, wsConn.Subprotocol(), t.Subprotocol)
	}
	wsConn.SetReadLimit(maxMessageSize)
	return &conn{ws: wsConn, closing: make(chan struct{})}, nil
}

func (m *Manager) readLoop(sessionID string, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			if m.remove(sessionID, c) {
				c.close()
				m.log.Warnf("session %s: connection lost: %v", sessionID, err)
				if m.handler != nil {
					m.handler.HandleClose(sessionID, fmt.Errorf("%w: %v", ErrConnection, err))
				}
			}
			return
		}
		if m.handler != nil {
			m.handler.HandleFrame(sessionID, data)
		}
	}
}

// remove unregisters c if it is still the connection of sessionID.
func (m *Manager) remove(sessionID string, c *conn) bool {
	m.mu.Lock()
	cur, ok := m.conns[sessionID]
	if ok && cur == c {
		delete(m.conns, sessionID)
	}
	n := len(m.conns)
	m.mu.Unlock()
	if ok && cur == c && m.metrics != nil {
		m.metrics.SetActiveConnections(n)
	}
	return ok && cur == c
}

// Send writes a text frame to the session's connection.
func (m *Manager) Send(sessionID string, frame []byte) error {
	m.mu.RLock()
	c, ok := m.conns[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: session %s not connected", ErrConnection, sessionID)
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnection, err)
	}
	return nil
}

// IsConnected reports whether an open connection is registered for sessionID.
func (m *Manager) IsConnected(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[sessionID]
	return ok
}

// Close closes the session's connection. It reports whether one was open.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	n := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.close()
	if m.metrics != nil {
		m.metrics.SetActiveConnections(n)
	}
	return true
}

// Sessions returns the ids with an open connection.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll closes every connection.
func (m *Manager) CloseAll() {
	for _, id := range m.Sessions() {
		m.Close(id)
	}
}
