package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/gateway"
	"github.com/loanchat/chat-app/internal/metrics"
	"github.com/loanchat/chat-app/internal/protocol"
	"github.com/loanchat/chat-app/internal/ratelimit"
	"github.com/loanchat/chat-app/internal/router"
	"github.com/loanchat/chat-app/internal/ws"
)

// limiter is the subset of *ratelimit.Limiter the handlers use.
type limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// handlers binds client commands to the gateway and router.
type handlers struct {
	gw      *gateway.Gateway
	router  *router.Router
	limiter limiter // nil disables rate limiting
	rules   ratelimit.Rules
}

func (h *handlers) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, h.join)
	d.Register(protocol.TypeLeave, h.leave)
	d.Register(protocol.TypeSend, h.send)
	d.Register(protocol.TypeTyping, h.typing)
	d.Register(protocol.TypeStopTyping, h.stopTyping)
	d.Register(protocol.TypeMarkRead, h.markRead)
	d.Register(protocol.TypeHistory, h.history)
	d.Register(protocol.TypeUnreadCounts, h.unreadCounts)
}

func (h *handlers) join(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinMsg)
	if _, err := h.gw.JoinRoom(ctx, conn.ID, m.LoanID); err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, "")
	}
}

func (h *handlers) leave(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.LeaveMsg)
	if err := h.gw.LeaveRoom(ctx, conn.ID, m.LoanID); err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, "")
	}
}

func (h *handlers) send(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendMsg)
	if !h.allow(ctx, conn, h.rules.Send, m.ClientRef) {
		return
	}

	_, err := h.router.Send(ctx, conn.ID, router.SendRequest{
		LoanID:     m.LoanID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		ClientRef:  m.ClientRef,
	})
	if err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, m.ClientRef)
	}
}

func (h *handlers) typing(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	if !h.allow(ctx, conn, h.rules.Typing, "") {
		return
	}
	if err := h.gw.Typing(ctx, conn.ID, m.LoanID); err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, "")
	}
}

func (h *handlers) stopTyping(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.StopTypingMsg)
	if err := h.gw.StopTyping(ctx, conn.ID, m.LoanID); err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, "")
	}
}

func (h *handlers) markRead(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.MarkReadMsg)
	if _, err := h.router.MarkRead(ctx, conn.ID, m.LoanID); err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, "")
	}
}

func (h *handlers) history(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.HistoryMsg)
	if _, err := h.router.History(ctx, conn.ID, m.LoanID, m.AfterID, m.Limit); err != nil {
		h.gw.SendError(conn.ID, err, m.LoanID, "")
	}
}

func (h *handlers) unreadCounts(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.UnreadCountsMsg)
	if _, err := h.router.UnreadCounts(ctx, conn.ID, m.LoanIDs); err != nil {
		h.gw.SendError(conn.ID, err, "", "")
	}
}

// allow applies a per-user rule and answers rate_limited when it is
// exceeded. Limiter errors fail open.
func (h *handlers) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule, clientRef string) bool {
	if h.limiter == nil {
		return true
	}
	d, err := h.limiter.Check(ctx, conn.UserID, rule)
	if err != nil || d.Allowed {
		return true
	}

	metrics.RateLimited.WithLabelValues(rule.Name).Inc()
	if err := h.gw.SendToConn(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     rule.Name,
		RetryAfter: retrySeconds(d.RetryAfter),
		ClientRef:  clientRef,
	}); err != nil {
		log.Debug().Err(err).Str("session", conn.ID).Msg("rate_limited reply failed")
	}
	return false
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// connectAdmitter adapts the limiter to the handshake admission hook.
func connectAdmitter(l limiter, rule ratelimit.Rule) ws.Admitter {
	return func(ctx context.Context, remoteIP string) (bool, time.Duration) {
		d, err := l.Check(ctx, remoteIP, rule)
		if err != nil {
			return true, 0
		}
		return d.Allowed, d.RetryAfter
	}
}
