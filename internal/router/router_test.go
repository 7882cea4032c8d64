package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/gateway"
	"github.com/loanchat/chat-app/internal/identity"
	"github.com/loanchat/chat-app/internal/loan"
	"github.com/loanchat/chat-app/internal/presence"
	"github.com/loanchat/chat-app/internal/protocol"
	"github.com/loanchat/chat-app/internal/store"
)

type frame struct {
	typ string
	raw []byte
}

type recorder struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func (r *recorder) SendMessage(connID string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames[connID] = append(r.frames[connID], frame{typ: env.Type, raw: data})
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(connID, typ string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, f := range r.frames[connID] {
		if f.typ != typ {
			continue
		}
		_, msg, err := protocol.ParseServerMessage(f.raw)
		if err == nil {
			out = append(out, msg)
		}
	}
	return out
}

type fixture struct {
	gw     *gateway.Gateway
	router *Router
	store  *store.MemoryStore
	rec    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := loan.NewStaticSource(
		loan.Loan{ID: "L1", Status: loan.StatusFunded, BorrowerID: "A", LenderID: "B"},
		loan.Loan{ID: "L2", Status: loan.StatusFunded, BorrowerID: "A", LenderID: "D"},
	)
	resolver := loan.NewResolver(src)
	reg := presence.NewRegistry(time.Second)
	t.Cleanup(reg.Close)

	gw := gateway.New(gateway.DefaultConfig(), identity.NewJWTVerifier("s", ""), resolver, reg)
	rec := &recorder{frames: make(map[string][]frame)}
	gw.SetSender(rec)

	st := store.NewMemoryStore()
	return &fixture{
		gw:     gw,
		router: New(DefaultConfig(), gw, st, resolver),
		store:  st,
		rec:    rec,
	}
}

func (f *fixture) connectAndJoin(t *testing.T, connID, userID string, loans ...string) {
	t.Helper()
	require.NoError(t, f.gw.Register(connID, userID))
	for _, l := range loans {
		_, err := f.gw.JoinRoom(context.Background(), connID, l)
		require.NoError(t, err)
	}
}

// Borrower A and lender B are both in L1's room; A sends "hi".
func TestSendBorrowerToLender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1")
	f.connectAndJoin(t, "cB", "B", "L1")

	msg, err := f.router.Send(ctx, "cA", SendRequest{LoanID: "L1", ReceiverID: "B", Body: "  hi  ", ClientRef: "r1"})
	require.NoError(t, err)
	require.Equal(t, "hi", msg.Body)
	require.Equal(t, "A", msg.SenderID)
	require.NotEmpty(t, msg.ID)

	persisted, err := f.store.ListByLoan(ctx, "L1", "", 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.False(t, persisted[0].IsRead)

	for _, c := range []string{"cA", "cB"} {
		events := f.rec.ofType(c, protocol.TypeMessage)
		require.Len(t, events, 1, "exactly one broadcast per joined connection (%s)", c)
		require.Equal(t, msg.ID, events[0].(protocol.MessageEventMsg).Message.ID)
	}

	notes := f.rec.ofType("cB", protocol.TypeNotify)
	require.Len(t, notes, 1)
	require.Equal(t, msg.ID, notes[0].(protocol.NotifyMsg).Fingerprint)
	require.Empty(t, f.rec.ofType("cA", protocol.TypeNotify))

	sent := f.rec.ofType("cA", protocol.TypeSent)
	require.Len(t, sent, 1)
	require.Equal(t, "r1", sent[0].(protocol.SentMsg).ClientRef)

	// B opens the loan: one read message, A learns about it once.
	n, err := f.router.MarkRead(ctx, "cB", "L1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = f.router.MarkRead(ctx, "cB", "L1")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	read := f.rec.ofType("cA", protocol.TypeMessagesRead)
	require.Len(t, read, 1)
	require.Equal(t, 1, read[0].(protocol.MessagesReadMsg).Count)
	require.Len(t, f.rec.ofType("cB", protocol.TypeReadAck), 2)

	persisted, _ = f.store.ListByLoan(ctx, "L1", "", 0)
	require.True(t, persisted[0].IsRead)
}

// C is not a participant of L1: join and send are both forbidden.
func TestOutsiderForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1")
	require.NoError(t, f.gw.Register("cC", "C"))

	_, err := f.gw.JoinRoom(ctx, "cC", "L1")
	require.ErrorIs(t, err, chaterr.ErrForbidden)

	_, err = f.router.Send(ctx, "cC", SendRequest{LoanID: "L1", ReceiverID: "A", Body: "let me in"})
	require.ErrorIs(t, err, chaterr.ErrForbidden)

	msgs, _ := f.store.ListByLoan(ctx, "L1", "", 0)
	require.Empty(t, msgs)
	require.Empty(t, f.rec.ofType("cA", protocol.TypeMessage))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1")

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"empty body", SendRequest{LoanID: "L1", ReceiverID: "B", Body: ""}},
		{"whitespace body", SendRequest{LoanID: "L1", ReceiverID: "B", Body: " \n\t "}},
		{"too long", SendRequest{LoanID: "L1", ReceiverID: "B", Body: strings.Repeat("é", 2001)}},
		{"invalid utf8", SendRequest{LoanID: "L1", ReceiverID: "B", Body: "\xff\xfe"}},
		{"wrong receiver", SendRequest{LoanID: "L1", ReceiverID: "D", Body: "hi"}},
		{"self receiver", SendRequest{LoanID: "L1", ReceiverID: "A", Body: "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.Send(ctx, "cA", tt.req)
			require.ErrorIs(t, err, chaterr.ErrValidation)
		})
	}

	msgs, _ := f.store.ListByLoan(ctx, "L1", "", 0)
	require.Empty(t, msgs, "rejected sends must not persist")
	require.Empty(t, f.rec.ofType("cA", protocol.TypeMessage))
}

func TestSendRetryWithClientRefIsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1")
	f.connectAndJoin(t, "cB", "B", "L1")

	req := SendRequest{LoanID: "L1", ReceiverID: "B", Body: "once", ClientRef: "ref-1"}
	first, err := f.router.Send(ctx, "cA", req)
	require.NoError(t, err)
	again, err := f.router.Send(ctx, "cA", req)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	require.Len(t, f.rec.ofType("cB", protocol.TypeMessage), 1)
	require.Len(t, f.rec.ofType("cB", protocol.TypeNotify), 1)
	require.Len(t, f.rec.ofType("cA", protocol.TypeSent), 2, "every attempt is acknowledged")
}

func TestSendWithoutJoinUsesResolver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gw.Register("cA", "A"))
	require.NoError(t, f.gw.Register("cB", "B"))

	_, err := f.router.Send(ctx, "cA", SendRequest{LoanID: "L1", ReceiverID: "B", Body: "ping"})
	require.NoError(t, err)

	// B has not joined the room: no broadcast, but the notify arrives.
	require.Empty(t, f.rec.ofType("cB", protocol.TypeMessage))
	require.Len(t, f.rec.ofType("cB", protocol.TypeNotify), 1)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Append(context.Context, store.Message) (store.Message, bool, error) {
	return store.Message{}, false, errors.New("disk full")
}

func TestSendPersistenceFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1")
	f.connectAndJoin(t, "cB", "B", "L1")
	f.router.store = failingStore{f.store}

	_, err := f.router.Send(ctx, "cA", SendRequest{LoanID: "L1", ReceiverID: "B", Body: "lost"})
	require.Equal(t, chaterr.KindInternal, chaterr.KindOf(err))
	require.NotContains(t, chaterr.MessageOf(err), "disk full")
	require.Empty(t, f.rec.ofType("cB", protocol.TypeMessage))
	require.Empty(t, f.rec.ofType("cB", protocol.TypeNotify))
}

func TestBroadcastOrderMatchesPersistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1")
	f.connectAndJoin(t, "cB", "B", "L1")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "cA", "B"
			if i%2 == 1 {
				from, to = "cB", "A"
			}
			if _, err := f.router.Send(ctx, from, SendRequest{LoanID: "L1", ReceiverID: to, Body: fmt.Sprintf("m%d", i)}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	persisted, err := f.store.ListByLoan(ctx, "L1", "", 0)
	require.NoError(t, err)
	require.Len(t, persisted, 40)

	for _, c := range []string{"cA", "cB"} {
		events := f.rec.ofType(c, protocol.TypeMessage)
		require.Len(t, events, 40)
		for i, e := range events {
			require.Equal(t, persisted[i].ID, e.(protocol.MessageEventMsg).Message.ID, "%s event %d", c, i)
		}
	}
}

func TestHistoryAndUnreadCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectAndJoin(t, "cA", "A", "L1", "L2")
	f.connectAndJoin(t, "cB", "B", "L1")

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := f.router.Send(ctx, "cB", SendRequest{LoanID: "L1", ReceiverID: "A", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	all, err := f.router.History(ctx, "cA", "L1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := f.router.History(ctx, "cA", "L1", ids[0], 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, ids[1], tail[0].ID)

	_, err = f.router.History(ctx, "cA", "L1", "00000000-0000-0000-0000-000000000000", 0)
	require.ErrorIs(t, err, chaterr.ErrValidation)

	counts, err := f.router.UnreadCounts(ctx, "cA", []string{"L1", "L2", "L1"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"L1": 3, "L2": 0}, counts)

	replies := f.rec.ofType("cA", protocol.TypeUnreadCounts)
	require.Len(t, replies, 1)
	require.Equal(t, 3, replies[0].(protocol.UnreadCountsResultMsg).Counts["L1"])

	require.NoError(t, f.gw.Register("cC", "C"))
	_, err = f.router.History(ctx, "cC", "L1", "", 0)
	require.ErrorIs(t, err, chaterr.ErrForbidden)
}
