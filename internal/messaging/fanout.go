package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/gateway"
)

// NATS subject patterns for cross-node delivery.
const (
	SubjectRoom = "loanchat.room" // + .<loan token>
	SubjectUser = "loanchat.user" // + .<user token>
)

// SubjectFor returns the subject a delivery is published on. Room-scoped
// deliveries, including those for one participant, share the room subject so
// their relative order is kept.
func SubjectFor(d gateway.Delivery) string {
	if d.LoanID != "" {
		return SubjectRoom + "." + token(d.LoanID)
	}
	return SubjectUser + "." + token(d.UserID)
}

// token encodes an id into a single subject token. Ids may contain dots or
// wildcards, which NATS treats specially.
func token(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// Deliverer receives deliveries from the broker. *gateway.Gateway implements it.
type Deliverer interface {
	Deliver(d gateway.Delivery)
}

var patterns = []string{SubjectRoom + ".*", SubjectUser + ".*"}

// Fanout publishes gateway deliveries to NATS and hands every delivery
// received from any node, this one included, to the local gateway.
type Fanout struct {
	bus *Bus
}

// NewFanout subscribes to all delivery subjects and returns a Fanout for
// gateway.SetFanout.
func NewFanout(bus *Bus, local Deliverer) (*Fanout, error) {
	handler := func(subject string, data []byte) {
		var d gateway.Delivery
		if err := json.Unmarshal(data, &d); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("[nats] bad delivery")
			return
		}
		local.Deliver(d)
	}

	for _, p := range patterns {
		if err := bus.Subscribe(p, handler); err != nil {
			return nil, fmt.Errorf("messaging: fanout: %w", err)
		}
	}
	return &Fanout{bus: bus}, nil
}

func (f *Fanout) Publish(_ context.Context, d gateway.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("messaging: encode delivery: %w", err)
	}
	return f.bus.Publish(SubjectFor(d), data)
}

// Stop removes the delivery subscriptions.
func (f *Fanout) Stop() {
	for _, p := range patterns {
		if err := f.bus.Unsubscribe(p); err != nil {
			log.Debug().Err(err).Msg("[nats] fanout stop")
		}
	}
}
