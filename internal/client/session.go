// Package client is the loan chat client: one physical connection per
// process shared by every chat view, reference-counted room joins, typed
// event subscriptions, reconnect with backoff and a deduplicated transcript.
package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/protocol"
)

// State is the connection state shown to the user.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// EventKind names an outbound event of the session.
type EventKind string

const (
	EventMessage      EventKind = "message"          // Payload: protocol.ChatMessage
	EventNotify       EventKind = "notify"           // Payload: protocol.NotifyMsg
	EventTyping       EventKind = "user_typing"      // Payload: protocol.TypingEventMsg
	EventStopTyping   EventKind = "user_stop_typing" // Payload: protocol.TypingEventMsg
	EventPresence     EventKind = "presence"         // Payload: protocol.PresenceMsg
	EventMessagesRead EventKind = "messages_read"    // Payload: protocol.MessagesReadMsg
	EventReadAck      EventKind = "read_ack"         // Payload: protocol.ReadAckMsg
	EventState        EventKind = "connection_state" // Payload: State
	EventError        EventKind = "error"            // Payload: error
)

// Event is delivered to subscribers.
type Event struct {
	Kind    EventKind
	LoanID  string
	Payload interface{}
}

// TokenProvider returns a fresh access token for each connection attempt.
type TokenProvider func(ctx context.Context) (string, error)

// Config holds client tuning parameters.
type Config struct {
	URL            string        // ws://host:port/ws
	RequestTimeout time.Duration // bound on handshake and request/reply round trips
	InitialBackoff time.Duration // first reconnect delay
	MaxBackoff     time.Duration // reconnect delay ceiling
	MaxRetries     int           // reconnect attempts before giving up
	BackfillLimit  int           // history page size fetched per room after a reconnect
}

// DefaultConfig returns client defaults for a local server.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/ws",
		RequestTimeout: 10 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxRetries:     10,
		BackfillLimit:  200,
	}
}

type room struct {
	refs   int
	joined protocol.JoinedMsg
}

type reply struct {
	msg interface{}
	err error
}

// Session is the process-wide chat connection. It is safe for concurrent
// use; obtain it from a Factory.
type Session struct {
	config Config
	dialer Dialer
	tokens TokenProvider

	mu        sync.Mutex
	state     State
	transport Transport
	sessionID string
	userID    string
	rooms     map[string]*room
	waiters   map[string][]chan reply
	subs      map[int]func(Event)
	nextSub   int
	closed    bool
	done      chan struct{}

	joins      singleflight.Group
	transcript *Transcript
}

func newSession(config Config, dialer Dialer, tokens TokenProvider) *Session {
	return &Session{
		config:     config,
		dialer:     dialer,
		tokens:     tokens,
		state:      StateConnecting,
		rooms:      make(map[string]*room),
		waiters:    make(map[string][]chan reply),
		subs:       make(map[int]func(Event)),
		done:       make(chan struct{}),
		transcript: NewTranscript(),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user id.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SessionID returns the server-assigned id of the current connection.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Transcript returns the deduplicated message history seen by the session.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Rooms returns the loans with at least one open reference, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	open := lo.PickBy(s.rooms, func(_ string, r *room) bool { return r.refs > 0 })
	s.mu.Unlock()

	out := lo.Keys(open)
	sort.Strings(out)
	return out
}

// InRoom reports whether the loan room has at least one open reference.
func (s *Session) InRoom(loanID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[loanID]
	return ok && r.refs > 0
}

// Subscribe registers fn for every event. Subscribers run in registration
// order on the session's reader goroutine and must not block. The returned
// function unsubscribes.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) emit(e Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = s.subs[id]
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	log.Debug().Str("state", string(st)).Msg("client: connection state")
	s.emit(Event{Kind: EventState, Payload: st})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// connect dials, waits for the server's connected greeting and starts the
// reader.
func (s *Session) connect(ctx context.Context) error {
	token, err := s.tokens(ctx)
	if err != nil {
		return chaterr.Wrap(chaterr.KindUnauthenticated, "token unavailable", err)
	}

	t, err := s.dialer.Dial(ctx, s.config.URL, token)
	if err != nil {
		return err
	}

	hello, err := awaitConnected(ctx, t, s.config.RequestTimeout)
	if err != nil {
		t.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return chaterr.Transport("session closed")
	}
	s.transport = t
	s.sessionID = hello.SessionID
	s.userID = hello.UserID
	s.mu.Unlock()

	go s.readLoop(t)
	s.setState(StateConnected)
	log.Info().Str("session", hello.SessionID).Str("user", hello.UserID).Msg("client: connected")
	return nil
}

func awaitConnected(ctx context.Context, t Transport, timeout time.Duration) (protocol.ConnectedMsg, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := t.Receive()
		ch <- result{data, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return protocol.ConnectedMsg{}, chaterr.Wrap(chaterr.KindTransport, "handshake failed", r.err)
		}
		typ, msg, err := protocol.ParseServerMessage(r.data)
		if err != nil {
			return protocol.ConnectedMsg{}, chaterr.Wrap(chaterr.KindTransport, "bad greeting", err)
		}
		switch m := msg.(type) {
		case protocol.ConnectedMsg:
			return m, nil
		case protocol.ErrorMsg:
			return protocol.ConnectedMsg{}, m.Err()
		}
		return protocol.ConnectedMsg{}, chaterr.Transport("unexpected greeting " + typ)
	case <-timer.C:
		t.Close()
		return protocol.ConnectedMsg{}, chaterr.Timeout("handshake timed out")
	case <-ctx.Done():
		t.Close()
		return protocol.ConnectedMsg{}, chaterr.FromContext(ctx, "handshake")
	}
}

func (s *Session) readLoop(t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			s.handleDrop(t, err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	typ, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Debug().Err(err).Msg("client: dropping unreadable frame")
		return
	}

	switch m := msg.(type) {
	case protocol.MessageEventMsg:
		if s.transcript.Add(m.Message) {
			s.emit(Event{Kind: EventMessage, LoanID: m.LoanID, Payload: m.Message})
		}
	case protocol.SentMsg:
		if s.transcript.Add(m.Message) {
			s.emit(Event{Kind: EventMessage, LoanID: m.LoanID, Payload: m.Message})
		}
		s.resolve("send:"+m.ClientRef, reply{msg: m})
	case protocol.JoinedMsg:
		s.resolve("join:"+m.LoanID, reply{msg: m})
	case protocol.LeftMsg:
		s.resolve("leave:"+m.LoanID, reply{msg: m})
	case protocol.HistoryResultMsg:
		s.resolve("history:"+m.LoanID, reply{msg: m})
	case protocol.UnreadCountsResultMsg:
		s.resolve("unread", reply{msg: m})
	case protocol.ReadAckMsg:
		s.transcript.MarkRead(m.LoanID, s.UserID())
		s.emit(Event{Kind: EventReadAck, LoanID: m.LoanID, Payload: m})
		s.resolve("read:"+m.LoanID, reply{msg: m})
	case protocol.NotifyMsg:
		s.emit(Event{Kind: EventNotify, LoanID: m.LoanID, Payload: m})
	case protocol.TypingEventMsg:
		kind := EventTyping
		if typ == protocol.TypeUserStopTyping {
			kind = EventStopTyping
		}
		s.emit(Event{Kind: kind, LoanID: m.LoanID, Payload: m})
	case protocol.PresenceMsg:
		s.emit(Event{Kind: EventPresence, LoanID: m.LoanID, Payload: m})
	case protocol.MessagesReadMsg:
		s.transcript.MarkRead(m.LoanID, m.UserID)
		s.emit(Event{Kind: EventMessagesRead, LoanID: m.LoanID, Payload: m})
	case protocol.RateLimitedMsg:
		err := &RateLimitedError{Action: m.Action, RetryAfter: time.Duration(m.RetryAfter) * time.Second}
		if m.ClientRef == "" || !s.resolve("send:"+m.ClientRef, reply{err: err}) {
			s.emit(Event{Kind: EventError, Payload: err})
		}
	case protocol.ErrorMsg:
		if !s.resolveError(m) {
			s.emit(Event{Kind: EventError, LoanID: m.LoanID, Payload: m.Err()})
		}
	}
}

// resolveError hands a server error to the request it answers: the send
// with the same client_ref, else a pending request on the same loan, else
// a pending unread_counts request.
func (s *Session) resolveError(m protocol.ErrorMsg) bool {
	r := reply{err: m.Err()}
	if m.ClientRef != "" {
		return s.resolve("send:"+m.ClientRef, r)
	}
	if m.LoanID != "" {
		for _, op := range []string{"join:", "leave:", "history:", "read:"} {
			if s.resolve(op+m.LoanID, r) {
				return true
			}
		}
		return false
	}
	return s.resolve("unread", r)
}

func (s *Session) handleDrop(t Transport, cause error) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	closed := s.closed
	pending := s.waiters
	s.waiters = make(map[string][]chan reply)
	s.mu.Unlock()

	t.Close()
	failAll(pending, chaterr.Wrap(chaterr.KindTransport, "connection lost", cause))
	if closed {
		return
	}

	log.Warn().Err(cause).Msg("client: connection lost")
	s.setState(StateReconnecting)
	go s.reconnectLoop()
}

func failAll(pending map[string][]chan reply, err error) {
	for _, list := range pending {
		for _, ch := range list {
			ch <- reply{err: err}
		}
	}
}

// Close tears the session down. Pending requests fail with a transport
// error and no reconnect is attempted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	t := s.transport
	s.transport = nil
	pending := s.waiters
	s.waiters = make(map[string][]chan reply)
	s.mu.Unlock()

	failAll(pending, chaterr.Transport("session closed"))
	var err error
	if t != nil {
		err = t.Close()
	}
	s.setState(StateDisconnected)
	return err
}
