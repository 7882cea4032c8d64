package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/protocol"
)

// fakeServer answers client commands in place of the chat server.
type fakeServer struct {
	mu       sync.Mutex
	dials    atomic.Int32
	failNext int
	reject   bool
	current  *fakeTransport
	commands []string
	joins    map[string]int
	history  map[string][]protocol.ChatMessage
	seq      int64
	echo     bool          // broadcast a message event alongside each sent ack
	gate     chan struct{} // when set, Dial blocks until it is closed
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		joins:   make(map[string]int),
		history: make(map[string][]protocol.ChatMessage),
	}
}

func (f *fakeServer) Dial(ctx context.Context, url, token string) (Transport, error) {
	n := f.dials.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, chaterr.FromContext(ctx, "dial")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return nil, chaterr.Unauthenticated("bad token")
	}
	if f.failNext > 0 {
		f.failNext--
		return nil, chaterr.Transport("connection refused")
	}
	t := &fakeTransport{srv: f, in: make(chan []byte, 64), closed: make(chan struct{})}
	f.current = t
	t.push(protocol.TypeConnected, protocol.ConnectedMsg{SessionID: fmt.Sprintf("s%d", n), UserID: "A"})
	return t, nil
}

func (f *fakeServer) drop() {
	f.mu.Lock()
	t := f.current
	f.mu.Unlock()
	t.Close()
}

func (f *fakeServer) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func (f *fakeServer) store(m protocol.ChatMessage) protocol.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m.ID = uuid.NewString()
	m.Seq = f.seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	f.history[m.LoanID] = append(f.history[m.LoanID], m)
	return m
}

func (f *fakeServer) handle(t *fakeTransport, data []byte) {
	typ, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		loanID, clientRef := protocol.Correlate(data)
		t.push(protocol.TypeError, protocol.NewErrorMsg(err, loanID, clientRef))
		return
	}
	f.mu.Lock()
	f.commands = append(f.commands, typ)
	f.mu.Unlock()

	switch m := msg.(type) {
	case protocol.JoinMsg:
		if m.LoanID == "forbidden" {
			t.push(protocol.TypeError, protocol.NewErrorMsg(chaterr.ErrForbidden, m.LoanID, ""))
			return
		}
		f.mu.Lock()
		f.joins[m.LoanID]++
		f.mu.Unlock()
		t.push(protocol.TypeJoined, protocol.JoinedMsg{LoanID: m.LoanID, OtherParty: "B"})
	case protocol.LeaveMsg:
		t.push(protocol.TypeLeft, protocol.LeftMsg{LoanID: m.LoanID})
	case protocol.SendMsg:
		if m.Body == "spam" {
			t.push(protocol.TypeRateLimited, protocol.RateLimitedMsg{Action: "send", RetryAfter: 3, ClientRef: m.ClientRef})
			return
		}
		stored := f.store(protocol.ChatMessage{LoanID: m.LoanID, SenderID: "A", ReceiverID: m.ReceiverID, Body: m.Body, ClientRef: m.ClientRef})
		if f.echo {
			t.push(protocol.TypeMessage, protocol.MessageEventMsg{LoanID: m.LoanID, Message: stored})
		}
		t.push(protocol.TypeSent, protocol.SentMsg{LoanID: m.LoanID, ClientRef: m.ClientRef, Message: stored})
	case protocol.HistoryMsg:
		f.mu.Lock()
		msgs := f.history[m.LoanID]
		if m.AfterID != "" {
			for i, x := range msgs {
				if x.ID == m.AfterID {
					msgs = msgs[i+1:]
					break
				}
			}
		}
		out := append([]protocol.ChatMessage(nil), msgs...)
		f.mu.Unlock()
		t.push(protocol.TypeHistory, protocol.HistoryResultMsg{LoanID: m.LoanID, Messages: out})
	case protocol.MarkReadMsg:
		t.push(protocol.TypeReadAck, protocol.ReadAckMsg{LoanID: m.LoanID, Count: 2})
	case protocol.UnreadCountsMsg:
		counts := make(map[string]int, len(m.LoanIDs))
		for _, id := range m.LoanIDs {
			counts[id] = 1
		}
		t.push(protocol.TypeUnreadCounts, protocol.UnreadCountsResultMsg{Counts: counts})
	}
}

type fakeTransport struct {
	srv    *fakeServer
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (t *fakeTransport) push(typ string, payload interface{}) {
	data, err := protocol.NewServerMessage(typ, payload)
	if err != nil {
		panic(err)
	}
	t.in <- data
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("closed")
	default:
	}
	t.srv.handle(t, data)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) of(kind EventKind) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() Config {
	c := DefaultConfig()
	c.RequestTimeout = 2 * time.Second
	c.InitialBackoff = time.Millisecond
	c.MaxBackoff = 5 * time.Millisecond
	c.MaxRetries = 3
	return c
}

func staticToken(context.Context) (string, error) { return "token", nil }

func connect(t *testing.T, srv *fakeServer) (*Session, *events) {
	t.Helper()
	f := NewFactory(testConfig(), srv)
	s, err := f.GetOrCreateConnection(context.Background(), staticToken)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	ev := &events{}
	s.Subscribe(ev.add)
	return s, ev
}

func TestFactorySharesOneConnection(t *testing.T) {
	srv := newFakeServer()
	f := NewFactory(testConfig(), srv)
	defer f.Close()

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.GetOrCreateConnection(context.Background(), staticToken)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		require.Same(t, sessions[0], s)
	}
	require.EqualValues(t, 1, srv.dials.Load())
	require.Equal(t, StateConnected, sessions[0].State())
	require.Equal(t, "A", sessions[0].UserID())
}

func TestFactoryCallerCancelDoesNotFailOthers(t *testing.T) {
	srv := newFakeServer()
	srv.gate = make(chan struct{})
	f := NewFactory(testConfig(), srv)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.GetOrCreateConnection(ctx, staticToken)
		first <- err
	}()
	require.Eventually(t, func() bool { return srv.dials.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		s   *Session
		err error
	}
	second := make(chan result, 1)
	go func() {
		s, err := f.GetOrCreateConnection(context.Background(), staticToken)
		second <- result{s, err}
	}()

	cancel()
	select {
	case err := <-first:
		require.Equal(t, chaterr.KindTransport, chaterr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(srv.gate)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.Equal(t, StateConnected, r.s.State())
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never connected")
	}
	require.EqualValues(t, 1, srv.dials.Load())
}

func TestFactoryReportsDialFailure(t *testing.T) {
	srv := newFakeServer()
	srv.reject = true
	f := NewFactory(testConfig(), srv)
	defer f.Close()

	_, err := f.GetOrCreateConnection(context.Background(), staticToken)
	require.Equal(t, chaterr.KindUnauthenticated, chaterr.KindOf(err))

	srv.mu.Lock()
	srv.reject = false
	srv.mu.Unlock()
	s, err := f.GetOrCreateConnection(context.Background(), staticToken)
	require.NoError(t, err)
	require.Equal(t, StateConnected, s.State())
}

func TestJoinRoomRefCounted(t *testing.T) {
	srv := newFakeServer()
	s, _ := connect(t, srv)
	ctx := context.Background()

	joined, err := s.JoinRoom(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, "B", joined.OtherParty)
	_, err = s.JoinRoom(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, 1, srv.count(protocol.TypeJoin))
	require.Equal(t, []string{"L1"}, s.Rooms())

	require.NoError(t, s.LeaveRoom(ctx, "L1"))
	require.Equal(t, 0, srv.count(protocol.TypeLeave))
	require.NoError(t, s.LeaveRoom(ctx, "L1"))
	require.Equal(t, 1, srv.count(protocol.TypeLeave))
	require.Empty(t, s.Rooms())

	// Extra leaves are ignored.
	require.NoError(t, s.LeaveRoom(ctx, "L1"))
	require.Equal(t, 1, srv.count(protocol.TypeLeave))
}

func TestConcurrentFirstJoinsShareOneRequest(t *testing.T) {
	srv := newFakeServer()
	s, _ := connect(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.JoinRoom(context.Background(), "L1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, srv.count(protocol.TypeJoin), 5)
	s.mu.Lock()
	refs := s.rooms["L1"].refs
	s.mu.Unlock()
	require.Equal(t, 5, refs)
}

func TestJoinRoomErrorIsRoutedToRequest(t *testing.T) {
	srv := newFakeServer()
	s, ev := connect(t, srv)

	_, err := s.JoinRoom(context.Background(), "forbidden")
	require.True(t, errors.Is(err, chaterr.ErrForbidden))
	require.Empty(t, s.Rooms())
	require.Empty(t, ev.of(EventError))
}

func TestSendDeduplicatesEcho(t *testing.T) {
	srv := newFakeServer()
	srv.echo = true
	s, ev := connect(t, srv)

	msg, err := s.Send(context.Background(), Outgoing{LoanID: "L1", ReceiverID: "B", Body: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.NotEmpty(t, msg.ClientRef)

	require.Len(t, ev.of(EventMessage), 1)
	require.Len(t, s.Transcript().Messages("L1"), 1)
}

func TestSendRateLimited(t *testing.T) {
	srv := newFakeServer()
	s, _ := connect(t, srv)

	_, err := s.Send(context.Background(), Outgoing{LoanID: "L1", ReceiverID: "B", Body: "spam", ClientRef: "r1"})
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, "send", rl.Action)
	require.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestRejectedCommandsFailFast(t *testing.T) {
	srv := newFakeServer()
	s, ev := connect(t, srv)
	ctx := context.Background()

	start := time.Now()
	_, err := s.Send(ctx, Outgoing{LoanID: "L1", ReceiverID: "", Body: "hello"})
	require.Equal(t, chaterr.KindValidation, chaterr.KindOf(err))

	_, err = s.JoinRoom(ctx, strings.Repeat("x", 129))
	require.Equal(t, chaterr.KindValidation, chaterr.KindOf(err))

	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, ev.of(EventError))
	require.Empty(t, s.Rooms())
}

func TestRequestsAfterClose(t *testing.T) {
	srv := newFakeServer()
	s, ev := connect(t, srv)
	require.NoError(t, s.Close())

	_, err := s.Send(context.Background(), Outgoing{LoanID: "L1", ReceiverID: "B", Body: "x"})
	require.Equal(t, chaterr.KindTransport, chaterr.KindOf(err))
	require.Equal(t, StateDisconnected, s.State())
	require.NotEmpty(t, ev.of(EventState))
	require.Equal(t, chaterr.KindTransport, chaterr.KindOf(s.Reconnect(context.Background())))
}

func TestMarkReadHistoryAndUnread(t *testing.T) {
	srv := newFakeServer()
	s, ev := connect(t, srv)
	ctx := context.Background()

	srv.store(protocol.ChatMessage{LoanID: "L1", SenderID: "B", ReceiverID: "A", Body: "one"})
	msgs, err := s.History(ctx, "L1", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	n, err := s.MarkRead(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, s.Transcript().Messages("L1")[0].IsRead)
	require.Len(t, ev.of(EventReadAck), 1)

	counts, err := s.UnreadCounts(ctx, []string{"L1", "L2"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"L1": 1, "L2": 1}, counts)
}

func TestReconnectRejoinsRoomsAndBackfills(t *testing.T) {
	srv := newFakeServer()
	s, ev := connect(t, srv)
	ctx := context.Background()

	_, err := s.JoinRoom(ctx, "L1")
	require.NoError(t, err)
	_, err = s.JoinRoom(ctx, "L2")
	require.NoError(t, err)
	_, err = s.Send(ctx, Outgoing{LoanID: "L1", ReceiverID: "B", Body: "before"})
	require.NoError(t, err)

	missed := srv.store(protocol.ChatMessage{LoanID: "L1", SenderID: "B", ReceiverID: "A", Body: "while away"})
	srv.mu.Lock()
	srv.failNext = 1
	srv.mu.Unlock()
	srv.drop()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.joins["L1"] == 2 && srv.joins["L2"] == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(s.Transcript().Messages("L1")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, StateConnected, s.State())
	require.EqualValues(t, 3, srv.dials.Load())
	require.Equal(t, missed.ID, s.Transcript().Messages("L1")[1].ID)

	var states []State
	for _, e := range ev.of(EventState) {
		states = append(states, e.Payload.(State))
	}
	require.Equal(t, []State{StateReconnecting, StateConnected}, states)
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	srv := newFakeServer()
	s, _ := connect(t, srv)

	srv.mu.Lock()
	srv.failNext = 100
	srv.mu.Unlock()
	srv.drop()

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1+3, srv.dials.Load())

	_, err := s.Send(context.Background(), Outgoing{LoanID: "L1", ReceiverID: "B", Body: "x"})
	require.Equal(t, chaterr.KindTransport, chaterr.KindOf(err))

	srv.mu.Lock()
	srv.failNext = 0
	srv.mu.Unlock()
	require.NoError(t, s.Reconnect(context.Background()))
	require.Equal(t, StateConnected, s.State())
}

func TestReconnectStopsOnRejectedToken(t *testing.T) {
	srv := newFakeServer()
	s, ev := connect(t, srv)

	srv.mu.Lock()
	srv.reject = true
	srv.mu.Unlock()
	srv.drop()

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, srv.dials.Load())
	errs := ev.of(EventError)
	require.Len(t, errs, 1)
	require.Equal(t, chaterr.KindUnauthenticated, chaterr.KindOf(errs[0].Payload.(error)))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	srv := newFakeServer()
	s, _ := connect(t, srv)

	var n atomic.Int32
	unsubscribe := s.Subscribe(func(Event) { n.Add(1) })
	_, err := s.Send(context.Background(), Outgoing{LoanID: "L1", ReceiverID: "B", Body: "one"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n.Load())

	unsubscribe()
	unsubscribe()
	_, err = s.Send(context.Background(), Outgoing{LoanID: "L1", ReceiverID: "B", Body: "two"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n.Load())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, backoff(500*time.Millisecond, 30*time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
}
