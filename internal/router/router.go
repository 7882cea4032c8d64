// Package router handles chat commands that touch the message log: send,
// mark-read, history and unread counts. It validates, persists, then fans
// out through the gateway so that per-room broadcast order always equals
// persistence order.
package router

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/loan"
	"github.com/loanchat/chat-app/internal/metrics"
	"github.com/loanchat/chat-app/internal/protocol"
	"github.com/loanchat/chat-app/internal/store"
)

// Config holds message validation limits.
type Config struct {
	MaxBodyRunes int // max character count after trimming
	MaxBodyBytes int // max encoded size after trimming
	HistoryLimit int // page size cap for history requests
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxBodyRunes: 2000,
		MaxBodyBytes: 8192,
		HistoryLimit: 200,
	}
}

// Gateway is the subset of *gateway.Gateway the router needs.
type Gateway interface {
	UserOf(connID string) (string, bool)
	Participant(connID, loanID string) (userID, otherParty string, err error)
	WithRoomLock(loanID string, fn func() error) error
	Broadcast(ctx context.Context, loanID, event string, payload interface{}) error
	Notify(ctx context.Context, userID, event string, payload interface{}) error
	SendToConn(connID, event string, payload interface{}) error
}

// Resolver authorizes senders that have not joined the room.
type Resolver interface {
	IsFundedParticipant(ctx context.Context, loanID, userID string) (loan.Membership, error)
}

// SendRequest is one send command.
type SendRequest struct {
	LoanID     string
	ReceiverID string
	Body       string
	ClientRef  string
}

// Router is safe for concurrent use.
type Router struct {
	config   Config
	gw       Gateway
	store    store.Store
	resolver Resolver
}

// New creates a Router.
func New(config Config, gw Gateway, st store.Store, resolver Resolver) *Router {
	return &Router{config: config, gw: gw, store: st, resolver: resolver}
}

// Send validates and persists a message, broadcasts it to the room, notifies
// the receiver's personal channel and acknowledges the sender. Checks run in
// order and stop at the first failure; nothing is stored or broadcast when
// any check fails. A retried ClientRef is acknowledged with the stored
// message and not broadcast again.
func (r *Router) Send(ctx context.Context, connID string, req SendRequest) (protocol.ChatMessage, error) {
	start := time.Now()

	senderID, otherParty, err := r.authorize(ctx, connID, req.LoanID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return protocol.ChatMessage{}, err
	}
	if req.ReceiverID != otherParty {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return protocol.ChatMessage{}, chaterr.Validation("receiver is not the other participant of this loan")
	}
	body, err := r.validateBody(req.Body)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return protocol.ChatMessage{}, err
	}

	var (
		stored  store.Message
		created bool
	)
	err = r.gw.WithRoomLock(req.LoanID, func() error {
		var aerr error
		stored, created, aerr = r.store.Append(ctx, store.Message{
			LoanID:     req.LoanID,
			SenderID:   senderID,
			ReceiverID: otherParty,
			Body:       body,
			ClientRef:  req.ClientRef,
		})
		if aerr != nil {
			return aerr
		}
		if !created {
			return nil
		}

		wire := toWire(stored)
		if berr := r.gw.Broadcast(ctx, req.LoanID, protocol.TypeMessage, protocol.MessageEventMsg{
			LoanID:  req.LoanID,
			Message: wire,
		}); berr != nil {
			log.Error().Err(berr).Str("loan", req.LoanID).Str("message", stored.ID).Msg("router: broadcast failed")
		}
		if nerr := r.gw.Notify(ctx, otherParty, protocol.TypeNotify, protocol.NotifyMsg{
			LoanID:      req.LoanID,
			Fingerprint: stored.ID,
			MessageID:   stored.ID,
			SenderID:    senderID,
			CreatedAt:   stored.CreatedAt,
		}); nerr != nil {
			log.Error().Err(nerr).Str("loan", req.LoanID).Str("user", otherParty).Msg("router: notify failed")
		}
		return nil
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("loan", req.LoanID).Str("user", senderID).Msg("router: persist failed")
		if chaterr.KindOf(err) == chaterr.KindTimeout {
			return protocol.ChatMessage{}, chaterr.Wrap(chaterr.KindTimeout, "message store timed out", err)
		}
		return protocol.ChatMessage{}, chaterr.Wrap(chaterr.KindInternal, "message could not be stored", err)
	}

	wire := toWire(stored)
	if created {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
	} else {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
	}

	if err := r.gw.SendToConn(connID, protocol.TypeSent, protocol.SentMsg{
		LoanID:    req.LoanID,
		ClientRef: req.ClientRef,
		Message:   wire,
	}); err != nil {
		log.Debug().Err(err).Str("session", connID).Msg("router: sent ack failed")
	}
	return wire, nil
}

// MarkRead flips every unread message of the loan addressed to the caller.
// The caller always gets a read_ack with the number of flipped messages; the
// other participant gets messages_read only when that number is positive.
func (r *Router) MarkRead(ctx context.Context, connID, loanID string) (int, error) {
	readerID, otherParty, err := r.authorize(ctx, connID, loanID)
	if err != nil {
		return 0, err
	}

	var n int
	err = r.gw.WithRoomLock(loanID, func() error {
		var merr error
		n, merr = r.store.MarkRead(ctx, loanID, readerID)
		if merr != nil || n == 0 {
			return merr
		}
		if nerr := r.gw.Notify(ctx, otherParty, protocol.TypeMessagesRead, protocol.MessagesReadMsg{
			LoanID: loanID,
			UserID: readerID,
			Count:  n,
		}); nerr != nil {
			log.Error().Err(nerr).Str("loan", loanID).Msg("router: messages_read notify failed")
		}
		return nil
	})
	if err != nil {
		return 0, chaterr.Wrap(chaterr.KindInternal, "messages could not be marked read", err)
	}

	if err := r.gw.SendToConn(connID, protocol.TypeReadAck, protocol.ReadAckMsg{LoanID: loanID, Count: n}); err != nil {
		log.Debug().Err(err).Str("session", connID).Msg("router: read ack failed")
	}
	return n, nil
}

// History returns persisted messages of a loan after afterID and sends them
// to the caller.
func (r *Router) History(ctx context.Context, connID, loanID, afterID string, limit int) ([]protocol.ChatMessage, error) {
	if _, _, err := r.authorize(ctx, connID, loanID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > r.config.HistoryLimit {
		limit = r.config.HistoryLimit
	}

	msgs, err := r.store.ListByLoan(ctx, loanID, afterID, limit)
	if errors.Is(err, store.ErrUnknownCursor) {
		return nil, chaterr.Validation("after_id is not a message of this loan")
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "history unavailable", err)
	}

	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWire(m))
	}
	if err := r.gw.SendToConn(connID, protocol.TypeHistory, protocol.HistoryResultMsg{LoanID: loanID, Messages: out}); err != nil {
		log.Debug().Err(err).Str("session", connID).Msg("router: history reply failed")
	}
	return out, nil
}

// UnreadCounts returns, per loan, how many messages addressed to the caller
// are unread, and sends the map to the caller.
func (r *Router) UnreadCounts(ctx context.Context, connID string, loanIDs []string) (map[string]int, error) {
	userID, ok := r.gw.UserOf(connID)
	if !ok {
		return nil, chaterr.Transport("connection is not registered")
	}

	counts := make(map[string]int, len(loanIDs))
	for _, loanID := range loanIDs {
		if _, seen := counts[loanID]; seen {
			continue
		}
		n, err := r.store.CountUnread(ctx, loanID, userID)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.KindInternal, "unread counts unavailable", err)
		}
		counts[loanID] = n
	}

	if err := r.gw.SendToConn(connID, protocol.TypeUnreadCounts, protocol.UnreadCountsResultMsg{Counts: counts}); err != nil {
		log.Debug().Err(err).Str("session", connID).Msg("router: unread counts reply failed")
	}
	return counts, nil
}

// authorize accepts connections that joined the room, and otherwise asks
// the resolver.
func (r *Router) authorize(ctx context.Context, connID, loanID string) (userID, otherParty string, err error) {
	userID, otherParty, err = r.gw.Participant(connID, loanID)
	if err == nil || !errors.Is(err, chaterr.ErrForbidden) || userID == "" {
		return userID, otherParty, err
	}

	m, rerr := r.resolver.IsFundedParticipant(ctx, loanID, userID)
	if rerr != nil {
		if chaterr.KindOf(rerr) == chaterr.KindTimeout {
			return "", "", chaterr.Wrap(chaterr.KindTimeout, "membership check timed out", rerr)
		}
		return "", "", chaterr.Wrap(chaterr.KindInternal, "membership check failed", rerr)
	}
	if !m.Authorized {
		return "", "", chaterr.Forbidden("not a participant of a funded loan")
	}
	return userID, m.OtherParty, nil
}

func (r *Router) validateBody(body string) (string, error) {
	if !utf8.ValidString(body) {
		return "", chaterr.Validation("message contains invalid UTF-8")
	}
	trimmed := strings.TrimSpace(body)
	switch {
	case trimmed == "":
		return "", chaterr.Validation("message body is empty")
	case r.config.MaxBodyBytes > 0 && len(trimmed) > r.config.MaxBodyBytes:
		return "", chaterr.Validation("message exceeds the size limit")
	case utf8.RuneCountInString(trimmed) > r.config.MaxBodyRunes:
		return "", chaterr.Validation("message exceeds the character limit")
	}
	return trimmed, nil
}

func toWire(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		Seq:        m.Seq,
		LoanID:     m.LoanID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		ClientRef:  m.ClientRef,
		CreatedAt:  m.CreatedAt,
		IsRead:     m.IsRead,
	}
}
