package gateway

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/chaterr"
	"github.com/loanchat/chat-app/internal/metrics"
	"github.com/loanchat/chat-app/internal/protocol"
)

// JoinRoom admits a connection to a loan room after checking that its user
// is a participant of the funded loan. On success the caller receives a
// joined ack and, if this is the user's first connection in the room, the
// other participant receives presence online. Joining a room twice only
// repeats the ack.
func (g *Gateway) JoinRoom(ctx context.Context, connID, loanID string) (Joined, error) {
	c := g.conn(connID)
	if c == nil {
		return Joined{}, chaterr.Transport("connection is not registered")
	}

	if c.hasRoom(loanID) {
		unlock := g.locks.Lock(loanID)
		defer unlock()
		return g.ackJoin(c, loanID)
	}

	m, err := g.resolver.IsFundedParticipant(ctx, loanID, c.userID)
	if err != nil {
		code := "unavailable"
		if chaterr.KindOf(err) == chaterr.KindTimeout {
			code = "timeout"
			err = chaterr.Wrap(chaterr.KindTimeout, "membership check timed out", err)
		} else {
			err = chaterr.Wrap(chaterr.KindInternal, "membership check failed", err)
		}
		metrics.JoinRejections.WithLabelValues(code).Inc()
		return Joined{}, err
	}
	if !m.Authorized || m.OtherParty == "" || m.OtherParty == c.userID {
		metrics.JoinRejections.WithLabelValues("forbidden").Inc()
		log.Info().Str("session", connID).Str("user", c.userID).Str("loan", loanID).Msg("gateway: join forbidden")
		return Joined{}, chaterr.Forbidden("not a participant of a funded loan")
	}

	unlock := g.locks.Lock(loanID)
	r := g.roomFor(loanID, c.userID, m.OtherParty)
	if _, ok := r.other(c.userID); !ok {
		unlock()
		return Joined{}, chaterr.Forbidden("not a participant of this room")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unlock()
		return Joined{}, chaterr.Transport("connection closed")
	}
	_, already := c.rooms[loanID]
	c.rooms[loanID] = struct{}{}
	c.mu.Unlock()

	if already {
		j, err := g.ackJoin(c, loanID)
		unlock()
		return j, err
	}

	r.mu.Lock()
	r.members[c.id] = c
	r.mu.Unlock()
	metrics.JoinedRooms.Inc()

	other, _ := r.other(c.userID)
	if g.presence.Connect(loanID, c.userID, c.id) {
		g.publishTo(ctx, loanID, other, protocol.TypePresence, protocol.PresenceMsg{
			LoanID: loanID, UserID: c.userID, Online: true,
		})
	}
	j, err := g.ackJoin(c, loanID)
	unlock()

	g.directory(func(ctx context.Context, d Directory) error { return d.AddRoom(ctx, connID, loanID) })
	log.Debug().Str("session", connID).Str("user", c.userID).Str("loan", loanID).Msg("gateway: joined room")
	return j, err
}

// ackJoin sends the joined ack. The room lock must be held.
func (g *Gateway) ackJoin(c *conn, loanID string) (Joined, error) {
	g.mu.RLock()
	r := g.rooms[loanID]
	g.mu.RUnlock()
	if r == nil {
		return Joined{}, chaterr.Transport("room closed")
	}
	other, _ := r.other(c.userID)
	j := Joined{
		LoanID:      loanID,
		OtherParty:  other,
		OtherOnline: g.presence.IsOnline(loanID, other),
	}
	err := g.SendToConn(c.id, protocol.TypeJoined, protocol.JoinedMsg{
		LoanID:      j.LoanID,
		OtherParty:  j.OtherParty,
		OtherOnline: j.OtherOnline,
	})
	return j, err
}

// LeaveRoom removes a connection from a room. Leaving a room that was never
// joined is a no-op that still acknowledges.
func (g *Gateway) LeaveRoom(ctx context.Context, connID, loanID string) error {
	c := g.conn(connID)
	if c == nil {
		return chaterr.Transport("connection is not registered")
	}
	g.leave(ctx, c, loanID, true)
	return nil
}

func (g *Gateway) leave(ctx context.Context, c *conn, loanID string, ack bool) {
	unlock := g.locks.Lock(loanID)

	c.mu.Lock()
	_, joined := c.rooms[loanID]
	delete(c.rooms, loanID)
	c.mu.Unlock()

	if joined {
		g.mu.RLock()
		r := g.rooms[loanID]
		g.mu.RUnlock()

		if r != nil {
			r.mu.Lock()
			delete(r.members, c.id)
			empty := len(r.members) == 0
			r.mu.Unlock()
			metrics.JoinedRooms.Dec()

			other, _ := r.other(c.userID)
			wentOffline := g.presence.Disconnect(loanID, c.userID, c.id)
			if g.presence.StopTyping(loanID, c.userID) {
				g.publishTo(ctx, loanID, other, protocol.TypeUserStopTyping, protocol.TypingEventMsg{
					LoanID: loanID, UserID: c.userID,
				})
			}
			if wentOffline {
				g.publishTo(ctx, loanID, other, protocol.TypePresence, protocol.PresenceMsg{
					LoanID: loanID, UserID: c.userID, Online: false,
				})
			}
			if empty {
				g.mu.Lock()
				if cur := g.rooms[loanID]; cur == r {
					delete(g.rooms, loanID)
				}
				g.mu.Unlock()
			}
		}
	}

	if ack {
		if err := g.SendToConn(c.id, protocol.TypeLeft, protocol.LeftMsg{LoanID: loanID}); err != nil {
			log.Debug().Err(err).Str("session", c.id).Msg("gateway: left ack failed")
		}
	}
	unlock()

	if joined {
		g.directory(func(ctx context.Context, d Directory) error { return d.RemoveRoom(ctx, c.id, loanID) })
	}
}

// roomFor returns the room for loanID, creating it with the given
// participants. Callers hold the room lock.
func (g *Gateway) roomFor(loanID, userID, otherParty string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[loanID]
	if !ok {
		r = &room{
			loanID:       loanID,
			participants: [2]string{userID, otherParty},
			members:      make(map[string]*conn),
		}
		g.rooms[loanID] = r
	}
	return r
}

// Participant returns the user and counterpart behind a connection that has
// joined loanID, or Forbidden if it has not.
func (g *Gateway) Participant(connID, loanID string) (userID, otherParty string, err error) {
	c := g.conn(connID)
	if c == nil {
		return "", "", chaterr.Transport("connection is not registered")
	}
	if !c.hasRoom(loanID) {
		return c.userID, "", chaterr.Forbidden("room not joined")
	}

	g.mu.RLock()
	r := g.rooms[loanID]
	g.mu.RUnlock()
	if r == nil {
		return c.userID, "", chaterr.Forbidden("room not joined")
	}
	other, ok := r.other(c.userID)
	if !ok {
		return c.userID, "", chaterr.Forbidden("not a participant of this room")
	}
	return c.userID, other, nil
}

// WithRoomLock runs fn while holding loanID's room lock, serializing it with
// joins, leaves and other sends in the same room.
func (g *Gateway) WithRoomLock(loanID string, fn func() error) error {
	unlock := g.locks.Lock(loanID)
	defer unlock()
	return fn()
}

// Typing starts or refreshes the caller's typing indicator. Only a new
// indicator is announced to the other participant.
func (g *Gateway) Typing(ctx context.Context, connID, loanID string) error {
	userID, other, err := g.Participant(connID, loanID)
	if err != nil {
		return err
	}

	unlock := g.locks.Lock(loanID)
	defer unlock()
	if g.presence.Typing(loanID, userID) {
		g.publishTo(ctx, loanID, other, protocol.TypeUserTyping, protocol.TypingEventMsg{
			LoanID: loanID, UserID: userID,
		})
	}
	return nil
}

// StopTyping clears the caller's typing indicator before its TTL.
func (g *Gateway) StopTyping(ctx context.Context, connID, loanID string) error {
	userID, other, err := g.Participant(connID, loanID)
	if err != nil {
		return err
	}

	unlock := g.locks.Lock(loanID)
	defer unlock()
	if g.presence.StopTyping(loanID, userID) {
		g.publishTo(ctx, loanID, other, protocol.TypeUserStopTyping, protocol.TypingEventMsg{
			LoanID: loanID, UserID: userID,
		})
	}
	return nil
}

func (g *Gateway) onTypingExpired(loanID, userID string) {
	unlock := g.locks.Lock(loanID)
	defer unlock()

	// A new indicator started between expiry and here; it owns the next stop.
	if g.presence.IsTyping(loanID, userID) {
		return
	}

	g.mu.RLock()
	r := g.rooms[loanID]
	g.mu.RUnlock()
	if r == nil {
		return
	}
	other, ok := r.other(userID)
	if !ok {
		return
	}

	metrics.TypingExpirations.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), g.config.DirectoryTimeout)
	defer cancel()
	g.publishTo(ctx, loanID, other, protocol.TypeUserStopTyping, protocol.TypingEventMsg{
		LoanID: loanID, UserID: userID,
	})
}
