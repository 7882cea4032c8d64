package client

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/loanchat/chat-app/internal/chaterr"
)

// Factory hands out the process-wide Session. Concurrent callers share one
// connection attempt and every chat view gets the same Session.
type Factory struct {
	config Config
	dialer Dialer

	mu      sync.Mutex
	session *Session
	group   singleflight.Group
}

// NewFactory creates a factory dialing with dialer.
func NewFactory(config Config, dialer Dialer) *Factory {
	return &Factory{config: config, dialer: dialer}
}

// GetOrCreateConnection returns the live session, connecting it first if
// there is none. A session that was closed is replaced; one that gave up
// reconnecting is returned as is, see Session.Reconnect.
//
// The shared connection attempt is bounded by Config.RequestTimeout, not by
// ctx: a caller that gives up stops waiting without failing the others.
func (f *Factory) GetOrCreateConnection(ctx context.Context, tokens TokenProvider) (*Session, error) {
	if s := f.current(); s != nil {
		return s, nil
	}

	ch := f.group.DoChan("session", func() (interface{}, error) {
		if s := f.current(); s != nil {
			return s, nil
		}
		dctx, cancel := context.WithTimeout(context.Background(), f.config.RequestTimeout)
		defer cancel()

		s := newSession(f.config, f.dialer, tokens)
		if err := s.connect(dctx); err != nil {
			s.setState(StateDisconnected)
			return nil, err
		}
		f.mu.Lock()
		f.session = s
		f.mu.Unlock()
		return s, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	case <-ctx.Done():
		return nil, chaterr.FromContext(ctx, "connect")
	}
}

func (f *Factory) current() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != nil && !f.session.isClosed() {
		return f.session
	}
	return nil
}

// Close closes the shared session, if any.
func (f *Factory) Close() error {
	f.mu.Lock()
	s := f.session
	f.session = nil
	f.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
