package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/protocol"
)

// RateLimitedError is returned when the server throttled a command.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("client: %s rate limited, retry after %s", e.Action, e.RetryAfter)
}

// Outgoing is a message to send.
type Outgoing struct {
	LoanID     string
	ReceiverID string
	Body       string
	ClientRef  string // generated when empty
}

// wait registers a FIFO waiter for key. The returned cancel removes it if
// it has not been resolved.
func (s *Session) wait(key string) (<-chan reply, func()) {
	ch := make(chan reply, 1)
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.waiters[key]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.waiters, key)
		} else {
			s.waiters[key] = list
		}
	}
}

// resolve hands r to the oldest waiter of key and reports whether one was
// pending.
func (s *Session) resolve(key string, r reply) bool {
	s.mu.Lock()
	list := s.waiters[key]
	if len(list) == 0 {
		s.mu.Unlock()
		return false
	}
	ch := list[0]
	if len(list) == 1 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = list[1:]
	}
	s.mu.Unlock()

	ch <- r
	return true
}

// write sends one command on the live transport.
func (s *Session) write(ctx context.Context, msgType string, payload interface{}) error {
	s.mu.Lock()
	t := s.transport
	connected := s.state == StateConnected
	s.mu.Unlock()
	if t == nil || !connected {
		return chaterr.Transport("not connected")
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", msgType, err)
	}
	if err := t.Send(ctx, data); err != nil {
		return chaterr.Wrap(chaterr.KindTransport, "send failed", err)
	}
	return nil
}

// request writes a command and waits for the reply correlated by key.
func (s *Session) request(ctx context.Context, key, msgType string, payload interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	ch, unwait := s.wait(key)
	if err := s.write(ctx, msgType, payload); err != nil {
		unwait()
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		unwait()
		return nil, chaterr.FromContext(ctx, msgType)
	}
}

// JoinRoom opens a reference to a loan room. Only the first reference sends
// join to the server; concurrent first joins share one round trip.
func (s *Session) JoinRoom(ctx context.Context, loanID string) (protocol.JoinedMsg, error) {
	s.mu.Lock()
	if r, ok := s.rooms[loanID]; ok && r.refs > 0 {
		r.refs++
		joined := r.joined
		s.mu.Unlock()
		return joined, nil
	}
	s.mu.Unlock()

	v, err, _ := s.joins.Do(loanID, func() (interface{}, error) {
		return s.join(ctx, loanID)
	})
	if err != nil {
		return protocol.JoinedMsg{}, err
	}
	joined := v.(protocol.JoinedMsg)

	s.mu.Lock()
	r, ok := s.rooms[loanID]
	if !ok {
		r = &room{joined: joined}
		s.rooms[loanID] = r
	}
	r.refs++
	s.mu.Unlock()
	return joined, nil
}

func (s *Session) join(ctx context.Context, loanID string) (protocol.JoinedMsg, error) {
	msg, err := s.request(ctx, "join:"+loanID, protocol.TypeJoin, protocol.JoinMsg{LoanID: loanID})
	if err != nil {
		return protocol.JoinedMsg{}, err
	}
	return msg.(protocol.JoinedMsg), nil
}

// LeaveRoom drops a reference. The server is told to leave when the last
// reference goes.
func (s *Session) LeaveRoom(ctx context.Context, loanID string) error {
	s.mu.Lock()
	r, ok := s.rooms[loanID]
	if !ok || r.refs == 0 {
		s.mu.Unlock()
		return nil
	}
	r.refs--
	if r.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.rooms, loanID)
	s.mu.Unlock()

	_, err := s.request(ctx, "leave:"+loanID, protocol.TypeLeave, protocol.LeaveMsg{LoanID: loanID})
	return err
}

// Send submits a message and waits for the server's acknowledgment. It is
// rejected unless the session is connected.
func (s *Session) Send(ctx context.Context, out Outgoing) (protocol.ChatMessage, error) {
	if out.ClientRef == "" {
		out.ClientRef = uuid.NewString()
	}
	msg, err := s.request(ctx, "send:"+out.ClientRef, protocol.TypeSend, protocol.SendMsg{
		LoanID:     out.LoanID,
		ReceiverID: out.ReceiverID,
		Body:       out.Body,
		ClientRef:  out.ClientRef,
	})
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	return msg.(protocol.SentMsg).Message, nil
}

// Typing tells the other participant the user is typing.
func (s *Session) Typing(ctx context.Context, loanID string) error {
	return s.write(ctx, protocol.TypeTyping, protocol.TypingMsg{LoanID: loanID})
}

// StopTyping clears the typing indicator.
func (s *Session) StopTyping(ctx context.Context, loanID string) error {
	return s.write(ctx, protocol.TypeStopTyping, protocol.StopTypingMsg{LoanID: loanID})
}

// MarkRead marks every message addressed to the user in a loan as read and
// returns how many changed.
func (s *Session) MarkRead(ctx context.Context, loanID string) (int, error) {
	msg, err := s.request(ctx, "read:"+loanID, protocol.TypeMarkRead, protocol.MarkReadMsg{LoanID: loanID})
	if err != nil {
		return 0, err
	}
	return msg.(protocol.ReadAckMsg).Count, nil
}

// History fetches persisted messages after afterID and merges them into the
// transcript.
func (s *Session) History(ctx context.Context, loanID, afterID string, limit int) ([]protocol.ChatMessage, error) {
	msg, err := s.request(ctx, "history:"+loanID, protocol.TypeHistory, protocol.HistoryMsg{
		LoanID:  loanID,
		AfterID: afterID,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	msgs := msg.(protocol.HistoryResultMsg).Messages
	for _, m := range msgs {
		s.transcript.Add(m)
	}
	return msgs, nil
}

// UnreadCounts asks the server for unread counters of several loans.
func (s *Session) UnreadCounts(ctx context.Context, loanIDs []string) (map[string]int, error) {
	msg, err := s.request(ctx, "unread", protocol.TypeUnreadCounts, protocol.UnreadCountsMsg{LoanIDs: loanIDs})
	if err != nil {
		return nil, err
	}
	return msg.(protocol.UnreadCountsResultMsg).Counts, nil
}

// restore re-joins every referenced room after a reconnect and backfills
// messages missed while offline.
func (s *Session) restore(ctx context.Context) {
	for _, loanID := range s.Rooms() {
		joined, err := s.join(ctx, loanID)
		if err != nil {
			log.Warn().Err(err).Str("loan", loanID).Msg("client: rejoin failed")
			s.emit(Event{Kind: EventError, LoanID: loanID, Payload: err})
			continue
		}
		s.mu.Lock()
		if r, ok := s.rooms[loanID]; ok {
			r.joined = joined
		}
		s.mu.Unlock()

		s.backfill(ctx, loanID)
	}
}

func (s *Session) backfill(ctx context.Context, loanID string) {
	afterID := ""
	if last, ok := s.transcript.Last(loanID); ok {
		afterID = last.ID
	}
	msg, err := s.request(ctx, "history:"+loanID, protocol.TypeHistory, protocol.HistoryMsg{
		LoanID:  loanID,
		AfterID: afterID,
		Limit:   s.config.BackfillLimit,
	})
	if err != nil {
		log.Warn().Err(err).Str("loan", loanID).Msg("client: backfill failed")
		return
	}
	for _, m := range msg.(protocol.HistoryResultMsg).Messages {
		if s.transcript.Add(m) {
			s.emit(Event{Kind: EventMessage, LoanID: loanID, Payload: m})
		}
	}
}
