package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/loanchat/chat-app/internal/protocol"
)

// Delivery addresses an encoded event.
//
//	LoanID set, UserID empty: every connection joined to the room.
//	LoanID set, UserID set:   that user's connections joined to the room.
//	LoanID empty, UserID set: every connection of the user (personal channel).
type Delivery struct {
	LoanID string          `json:"loan_id,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Fanout carries deliveries to the node(s) holding the target connections.
// Implementations must preserve publish order per room.
type Fanout interface {
	Publish(ctx context.Context, d Delivery) error
}

// LocalFanout delivers straight to this node's connections.
type LocalFanout struct {
	G *Gateway
}

func (f LocalFanout) Publish(_ context.Context, d Delivery) error {
	f.G.Deliver(d)
	return nil
}

// Broadcast sends an event to every connection in the room. Nothing is
// persisted.
func (g *Gateway) Broadcast(ctx context.Context, loanID, event string, payload interface{}) error {
	return g.publish(ctx, Delivery{LoanID: loanID}, event, payload)
}

// SendToParticipant sends an event to userID's connections in the room.
func (g *Gateway) SendToParticipant(ctx context.Context, loanID, userID, event string, payload interface{}) error {
	return g.publish(ctx, Delivery{LoanID: loanID, UserID: userID}, event, payload)
}

// Notify sends an event on userID's personal channel, reaching the user
// even when the room is not joined.
func (g *Gateway) Notify(ctx context.Context, userID, event string, payload interface{}) error {
	return g.publish(ctx, Delivery{UserID: userID}, event, payload)
}

func (g *Gateway) publish(ctx context.Context, d Delivery, event string, payload interface{}) error {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", event, err)
	}
	d.Data = data
	if err := g.fanout.Publish(ctx, d); err != nil {
		return fmt.Errorf("gateway: publish %s: %w", event, err)
	}
	return nil
}

// publishTo is SendToParticipant for events whose loss is only logged.
func (g *Gateway) publishTo(ctx context.Context, loanID, userID, event string, payload interface{}) {
	if err := g.SendToParticipant(ctx, loanID, userID, event, payload); err != nil {
		log.Warn().Err(err).Str("loan", loanID).Str("user", userID).Str("event", event).Msg("gateway: publish failed")
	}
}

// Deliver writes d to the matching local connections. Brokers call it for
// every delivery received from any node.
func (g *Gateway) Deliver(d Delivery) {
	if g.sender == nil {
		return
	}
	for _, connID := range g.targets(d) {
		if err := g.sender.SendMessage(connID, d.Data); err != nil {
			log.Debug().Err(err).Str("session", connID).Msg("gateway: deliver failed")
		}
	}
}

func (g *Gateway) targets(d Delivery) []string {
	if d.LoanID == "" {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return lo.Keys(g.users[d.UserID])
	}

	g.mu.RLock()
	r := g.rooms[d.LoanID]
	g.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if d.UserID == "" {
		return lo.Keys(r.members)
	}
	return lo.Keys(lo.PickBy(r.members, func(_ string, c *conn) bool { return c.userID == d.UserID }))
}
