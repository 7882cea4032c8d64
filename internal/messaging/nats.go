// Package messaging carries gateway deliveries between chat nodes over NATS.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// BusConfig holds NATS connection settings.
type BusConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name shown by the server
	ReconnectWait time.Duration // delay between reconnect attempts
	MaxReconnects int           // -1 retries forever
	FlushTimeout  time.Duration // bound on subscription round trips
}

// DefaultBusConfig returns defaults for a local NATS server.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:           "nats://localhost:4222",
		Name:          "loanchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		FlushTimeout:  2 * time.Second,
	}
}

// Bus is a NATS connection that remembers its subscriptions by pattern.
type Bus struct {
	nc           *nats.Conn
	flushTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Dial connects to NATS. The initial connection must succeed; later drops
// are retried by the NATS client in the background.
func Dial(config BusConfig) (*Bus, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("[nats] disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("[nats] reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info().Msg("[nats] closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Str("name", config.Name).Msg("[nats] connected")

	return &Bus{
		nc:           nc,
		flushTimeout: config.FlushTimeout,
		subs:         make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data on subject.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message matching pattern to fn, in arrival
// order, and waits until the server has registered the interest. A second
// subscription on the same pattern replaces the first.
func (b *Bus) Subscribe(pattern string, fn func(subject string, data []byte)) error {
	sub, err := b.nc.Subscribe(pattern, func(m *nats.Msg) { fn(m.Subject, m.Data) })
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	prev := b.subs[pattern]
	b.subs[pattern] = sub
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Unsubscribe()
	}

	if err := b.nc.FlushTimeout(b.flushTimeout); err != nil {
		return fmt.Errorf("messaging: flush %s: %w", pattern, err)
	}
	return nil
}

// Unsubscribe drops the subscription on pattern, if any.
func (b *Bus) Unsubscribe(pattern string) error {
	b.mu.Lock()
	sub, ok := b.subs[pattern]
	delete(b.subs, pattern)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", pattern, err)
	}
	return nil
}

// Close drains pending deliveries and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("messaging: drain: %w", err)
	}
	return nil
}
