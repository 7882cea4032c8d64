// Package gateway owns every live chat connection on this node: it
// authenticates handshakes, tracks which loan rooms each connection has
// joined, derives presence and typing state from that, and is the single
// point through which events are fanned out to clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/identity"
	"github.com/loanchat/chat-app/internal/loan"
	"github.com/loanchat/chat-app/internal/metrics"
	"github.com/loanchat/chat-app/internal/presence"
	"github.com/loanchat/chat-app/internal/protocol"
)

// Config holds gateway tuning parameters.
type Config struct {
	AuthTimeout      time.Duration // upper bound on token verification
	DirectoryTimeout time.Duration // per-call bound on connection directory updates
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:      10 * time.Second,
		DirectoryTimeout: 2 * time.Second,
	}
}

// Resolver answers the funded-participant question for a loan.
type Resolver interface {
	IsFundedParticipant(ctx context.Context, loanID, userID string) (loan.Membership, error)
}

// Sender writes a frame to a local connection. *ws.Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Directory mirrors connection and room membership into shared storage.
// Failures are logged and never fail the operation.
type Directory interface {
	Register(ctx context.Context, connID, userID string) error
	AddRoom(ctx context.Context, connID, loanID string) error
	RemoveRoom(ctx context.Context, connID, loanID string) error
	Remove(ctx context.Context, connID string) error
}

// Joined is the result of a successful JoinRoom.
type Joined struct {
	LoanID      string
	OtherParty  string
	OtherOnline bool
}

type conn struct {
	id        string
	userID    string
	createdAt time.Time

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (c *conn) hasRoom(loanID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[loanID]
	return ok
}

type room struct {
	loanID       string
	participants [2]string

	mu      sync.RWMutex
	members map[string]*conn
}

func (r *room) other(userID string) (string, bool) {
	switch userID {
	case r.participants[0]:
		return r.participants[1], true
	case r.participants[1]:
		return r.participants[0], true
	}
	return "", false
}

// Gateway is safe for concurrent use. Mutations of one room are serialized;
// different rooms proceed in parallel.
type Gateway struct {
	config   Config
	verifier identity.Verifier
	resolver Resolver
	presence *presence.Registry
	sender   Sender
	fanout   Fanout
	dir      Directory
	locks    *keyedMutex

	mu    sync.RWMutex
	conns map[string]*conn
	users map[string]map[string]*conn
	rooms map[string]*room
}

// New creates a Gateway. Fanout defaults to local delivery; use SetFanout to
// route through a broker.
func New(config Config, verifier identity.Verifier, resolver Resolver, registry *presence.Registry) *Gateway {
	g := &Gateway{
		config:   config,
		verifier: verifier,
		resolver: resolver,
		presence: registry,
		locks:    newKeyedMutex(),
		conns:    make(map[string]*conn),
		users:    make(map[string]map[string]*conn),
		rooms:    make(map[string]*room),
	}
	g.fanout = LocalFanout{g}
	registry.SetOnExpire(g.onTypingExpired)
	return g
}

// SetSender wires the transport. It must be called before connections are
// registered.
func (g *Gateway) SetSender(s Sender) { g.sender = s }

// SetFanout replaces local delivery with f.
func (g *Gateway) SetFanout(f Fanout) { g.fanout = f }

// SetDirectory enables the shared connection directory.
func (g *Gateway) SetDirectory(d Directory) { g.dir = d }

// Presence exposes the registry for read-only queries.
func (g *Gateway) Presence() *presence.Registry { return g.presence }

// Authenticate verifies rawToken within the configured auth timeout.
func (g *Gateway) Authenticate(ctx context.Context, rawToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.AuthTimeout)
	defer cancel()

	type result struct {
		userID string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := g.verifier.VerifyToken(ctx, rawToken)
		ch <- result{id, err}
	}()

	select {
	case <-ctx.Done():
		metrics.AuthFailures.WithLabelValues("timeout").Inc()
		return "", chaterr.Wrap(chaterr.KindTimeout, "authentication timed out", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				metrics.AuthFailures.WithLabelValues("timeout").Inc()
				return "", chaterr.Wrap(chaterr.KindTimeout, "authentication timed out", res.err)
			}
			metrics.AuthFailures.WithLabelValues("invalid").Inc()
			return "", chaterr.Wrap(chaterr.KindUnauthenticated, "invalid or expired token", res.err)
		}
		return res.userID, nil
	}
}

// Register records an authenticated connection.
func (g *Gateway) Register(connID, userID string) error {
	c := &conn{
		id:        connID,
		userID:    userID,
		createdAt: time.Now(),
		rooms:     make(map[string]struct{}),
	}

	g.mu.Lock()
	if _, dup := g.conns[connID]; dup {
		g.mu.Unlock()
		return fmt.Errorf("gateway: connection %s already registered", connID)
	}
	g.conns[connID] = c
	byUser, ok := g.users[userID]
	if !ok {
		byUser = make(map[string]*conn)
		g.users[userID] = byUser
	}
	byUser[connID] = c
	g.mu.Unlock()

	g.directory(func(ctx context.Context, d Directory) error { return d.Register(ctx, connID, userID) })
	log.Debug().Str("session", connID).Str("user", userID).Msg("gateway: connection registered")
	return nil
}

// UserOf returns the user behind a connection.
func (g *Gateway) UserOf(connID string) (string, bool) {
	c := g.conn(connID)
	if c == nil {
		return "", false
	}
	return c.userID, true
}

// Disconnect tears a connection down: every joined room is left as if the
// client had sent leave, then the connection is forgotten. Repeated calls
// are no-ops.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	c, ok := g.conns[connID]
	if ok {
		delete(g.conns, connID)
		if byUser := g.users[c.userID]; byUser != nil {
			delete(byUser, connID)
			if len(byUser) == 0 {
				delete(g.users, c.userID)
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	rooms := lo.Keys(c.rooms)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, loanID := range rooms {
		g.leave(ctx, c, loanID, false)
	}

	g.directory(func(ctx context.Context, d Directory) error { return d.Remove(ctx, connID) })
	log.Debug().Str("session", connID).Str("user", c.userID).Int("rooms", len(rooms)).Msg("gateway: connection closed")
}

// ConnectionCount returns the number of registered connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// RoomsOf returns the loans a connection has joined.
func (g *Gateway) RoomsOf(connID string) []string {
	c := g.conn(connID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.rooms)
}

// SendToConn writes an event directly to one local connection.
func (g *Gateway) SendToConn(connID, event string, payload interface{}) error {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", event, err)
	}
	if g.sender == nil {
		return chaterr.Transport("no transport")
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		return chaterr.Wrap(chaterr.KindTransport, "send failed", err)
	}
	return nil
}

// SendError reports err to a connection as an error event.
func (g *Gateway) SendError(connID string, err error, loanID, clientRef string) {
	msg := protocol.NewErrorMsg(err, loanID, clientRef)
	if serr := g.SendToConn(connID, protocol.TypeError, msg); serr != nil {
		log.Debug().Err(serr).Str("session", connID).Msg("gateway: failed to send error")
	}
}

func (g *Gateway) conn(connID string) *conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[connID]
}

func (g *Gateway) directory(fn func(ctx context.Context, d Directory) error) {
	if g.dir == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.config.DirectoryTimeout)
	defer cancel()
	if err := fn(ctx, g.dir); err != nil {
		log.Warn().Err(err).Msg("gateway: directory update failed")
	}
}
