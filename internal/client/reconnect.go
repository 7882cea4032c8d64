package client

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/chaterr"
)

// backoff returns the delay before reconnect attempt n (zero based):
// initial doubled per attempt, capped at max.
func backoff(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Session) reconnectLoop() {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		timer := time.NewTimer(backoff(s.config.InitialBackoff, s.config.MaxBackoff, attempt))
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		}

		err := s.connect(context.Background())
		if err == nil {
			s.restore(context.Background())
			return
		}
		if s.isClosed() {
			return
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Msg("client: reconnect failed")
		if !chaterr.KindOf(err).Retryable() {
			s.emit(Event{Kind: EventError, Payload: err})
			break
		}
	}
	s.setState(StateDisconnected)
}

// Reconnect dials again after the session gave up. It is a no-op while
// connected or reconnecting.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chaterr.Transport("session closed")
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.emit(Event{Kind: EventState, Payload: StateConnecting})

	if err := s.connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.restore(ctx)
	return nil
}
