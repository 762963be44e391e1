// Package ws handles WebSocket connection management: upgrading HTTP
// requests, multiplexing reads over epoll with a bounded worker pool,
// heartbeats, and handing complete frames to the application through hooks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/protocol"
	"github.com/guptmilan/chat-server/internal/relay"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AllowedOrigins []string      // "*" allows any; empty allows requests without Origin only
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AllowedOrigins: []string{"*"},
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Admission is the admit hook's verdict on an upgrade request.
type Admission struct {
	Identity string // hashed client identifier kept on the Connection
	Status   int    // non-zero refuses the upgrade with this HTTP status
	Reason   string // label for refusals
	Farewell []byte // if set, sent after the upgrade and the socket is closed
}

// Hooks connect the server to the application. Every hook is optional.
type Hooks struct {
	Admit        func(r *http.Request) Admission
	OnConnect    func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection)
	// OnAlive runs on each heartbeat for every connection that was pinged
	// successfully.
	OnAlive func(c *Connection)
}

// Server is the WebSocket server built on gobwas/ws and epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	log        *zap.SugaredLogger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Call Start or Serve to accept connections.
func NewServer(config ServerConfig, hooks Hooks, log *zap.SugaredLogger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		hooks:      hooks,
		log:        log,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetHooks replaces the hooks. It must be called before Serve; it lets the
// application build its senders on top of the server first.
func (s *Server) SetHooks(hooks Hooks) {
	s.hooks = hooks
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return s.Serve(l)
}

// Serve creates the poller, starts the event loop and heartbeat, and serves
// HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Infow("server listening",
		"addr", l.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade runs the admission checks, upgrades the request, registers
// the connection with the poller and sends the connected frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !originAllowed(r.Header.Get("Origin"), s.config.AllowedOrigins) {
		metrics.ConnectionsRejected.WithLabelValues("origin").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	var adm Admission
	if s.hooks.Admit != nil {
		adm = s.hooks.Admit(r)
	}
	if adm.Status != 0 {
		metrics.ConnectionsRejected.WithLabelValues(adm.Reason).Inc()
		http.Error(w, http.StatusText(adm.Status), adm.Status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debugw("upgrade failed", "error", err)
		return
	}

	if adm.Farewell != nil {
		metrics.ConnectionsRejected.WithLabelValues(adm.Reason).Inc()
		_ = wsutil.WriteServerMessage(conn, ws.OpText, adm.Farewell)
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, adm.Reason)))
		conn.Close()
		return
	}

	c := newConnection(uuid.NewString(), adm.Identity, conn)
	s.conns.Add(c)
	if err := s.epoll.Add(c); err != nil {
		s.log.Errorw("epoll add failed", "conn", c.ID, "error", err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsActive.Inc()

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: c.ID})
	if err == nil {
		err = s.SendMessage(c.ID, frame)
	}
	if err != nil {
		s.log.Warnw("connected frame not sent", "conn", c.ID, "error", err)
	}

	s.log.Debugw("new connection", "conn", c.ID, "total", s.conns.Count())
}

// handleHealth reports liveness, connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop and hands each ready connection
// to a worker, blocking when the pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warnw("epoll wait error", "error", err)
			continue
		}

		for _, c := range conns {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one WebSocket frame from a ready connection. Control
// frames are handled here; data frames go to OnMessage. A read failure
// removes the connection.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Done(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available (stale dispatch); the
		// heartbeat takes care of dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pings and pongs only prove liveness. Control payloads are at most
		// 125 bytes; drain them so the next frame starts clean.
		_, _ = io.Copy(io.Discard, reader)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters a connection, closes it and runs the
// disconnect hook exactly once, however many paths race to remove it.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}

	s.log.Debugw("connection closed", "conn", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to a local connection. An unknown id
// yields relay.ErrNotConnected.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s: %w", connID, relay.ErrNotConnected)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and removes every connection, so each one
// goes through the disconnect hook, then closes the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("http shutdown error", "error", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info("server stopped")
	return err
}

// originAllowed matches the Origin header against the allow list. Non-browser
// clients send no Origin and are always allowed.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
