// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining active client connections, and
// dispatching incoming frames to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/metrics"
	"github.com/loanchat/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for a frame read once data is ready
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	MaxMessageSize int64           // largest accepted client message in bytes
	DisablePoller  bool            // read each connection from its own goroutine
	Heartbeat      HeartbeatConfig // ping cadence and stale eviction
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the handshake token and returns the user id.
// *gateway.Gateway's Authenticate satisfies it.
type Authenticator func(ctx context.Context, token string) (userID string, err error)

// Admitter decides whether a client address may open another connection.
type Admitter func(ctx context.Context, remoteIP string) (allowed bool, retryAfter time.Duration)

// Server is the WebSocket server built on gobwas/ws. On Linux, upgraded
// connections are registered with epoll and ready connections are read by a
// bounded worker pool; elsewhere each connection gets a reader goroutine.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	admit        Admitter
	poller       *poller
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onConnect    func(conn *Connection) error        // called after upgrade, before the first read
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	onHeartbeat  func(conn *Connection)              // called for every live connection on each heartbeat
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// whenever a complete text message is received from a client; messages of
// one connection are delivered in order.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		auth:       auth,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	if !config.DisablePoller {
		p, err := newPoller()
		if err != nil {
			log.Warn().Err(err).Msg("ws: falling back to goroutine-per-connection reads")
		} else {
			s.poller = p
		}
	}

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetAdmitter installs the per-address connection limiter.
func (s *Server) SetAdmitter(fn Admitter) { s.admit = fn }

// SetOnConnect registers a callback invoked for each upgraded connection
// before any of its frames are read. Returning an error closes the
// connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) { s.onDisconnect = fn }

// SetOnHeartbeat registers a callback invoked for every connection that
// survives a heartbeat pass.
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) { s.onHeartbeat = fn }

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins accepting connections on the configured address and blocks
// until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.poller != nil {
		go s.startEventLoop()
	}
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Bool("epoll", s.poller != nil).
		Msg("ws: server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake and upgrades it with the gobwas
// zero-copy upgrader. Rejected handshakes get a plain HTTP status and are
// never upgraded.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.admit != nil {
		if ok, retry := s.admit(r.Context(), ip); !ok {
			metrics.RateLimited.WithLabelValues("connect").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retry)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID, err := s.authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if chaterr.KindOf(err) == chaterr.KindTimeout {
			status = http.StatusGatewayTimeout
		}
		log.Debug().Err(err).Str("ip", ip).Int("status", status).Msg("ws: handshake rejected")
		http.Error(w, chaterr.MessageOf(err), status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("ws: upgrade failed")
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		RemoteIP:  ip,
		Conn:      conn,
		Fd:        -1,
		CreatedAt: time.Now(),
	}
	if s.poller != nil {
		c.Fd = socketFD(conn)
	}
	c.Touch()
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Warn().Err(err).Str("session", c.ID).Msg("ws: connect hook failed")
			if s.conns.Remove(c.ID) {
				metrics.ConnectionsTotal.Dec()
			}
			return
		}
	}

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		SessionID: c.ID,
		UserID:    userID,
	})
	if err == nil {
		err = s.SendMessage(c.ID, hello)
	}
	if err != nil {
		log.Warn().Err(err).Str("session", c.ID).Msg("ws: failed to send connected")
	}

	if s.poller != nil {
		if err := s.poller.Add(conn); err != nil {
			log.Error().Err(err).Str("session", c.ID).Msg("ws: epoll add failed")
			s.RemoveConnection(c)
			return
		}
	} else {
		go s.readLoop(c)
	}

	log.Info().Str("session", c.ID).Str("user", userID).Int("total", s.conns.Count()).Msg("ws: new connection")
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return "", chaterr.Unauthenticated("missing token")
	}
	if s.auth == nil {
		return "", chaterr.Unauthenticated("no authenticator")
	}
	return s.auth(r.Context(), token)
}

// tokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
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

// startEventLoop runs the epoll wait loop. Each ready connection is handed to
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Error().Err(err).Msg("ws: epoll wait error")
			}
			continue
		}

		for _, netConn := range conns {
			c := s.conns.GetByConn(netConn)
			if c == nil {
				continue
			}
			// Level-triggered epoll reports a connection again until it is
			// read; skip it while a worker owns it.
			if !c.processing.CompareAndSwap(false, true) {
				continue
			}

			s.workerPool <- struct{}{}
			go func() {
				defer func() {
					c.processing.Store(false)
					<-s.workerPool
				}()
				s.readFrame(c, s.config.ReadTimeout)
			}()
		}
	}
}

// readLoop reads one connection until it fails. Used without a poller.
func (s *Server) readLoop(c *Connection) {
	for s.readFrame(c, 0) {
	}
}

// readFrame reads and handles one frame. It returns false once the
// connection has been removed.
func (s *Server) readFrame(c *Connection, timeout time.Duration) bool {
	if timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout on a ready socket is a stale dispatch; the heartbeat
		// handles dead peers.
		var netErr net.Error
		if timeout > 0 && errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	limit := s.config.MaxMessageSize
	if limit <= 0 {
		limit = DefaultServerConfig().MaxMessageSize
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		s.RemoveConnection(c)
		return false
	}
	if timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}

	// Any frame proves the connection is alive.
	c.Touch()

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return false
	case ws.OpPing:
		_ = c.writePong(data)
		return true
	case ws.OpPong:
		return true
	}

	if int64(len(data)) > limit {
		log.Warn().Str("session", c.ID).Int64("limit", limit).Msg("ws: message too large")
		s.RemoveConnection(c)
		return false
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unregisters and closes a connection and runs the
// disconnect hook once. Concurrent calls for the same connection are safe.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Info().Str("session", c.ID).Str("user", c.UserID).Int("total", s.conns.Count()).Msg("ws: connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then removes every
// connection through the disconnect path.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info().Msg("ws: shutting down server")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", herr)
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
		log.Info().Msg("ws: server stopped, all connections closed")
	})
	return err
}
