// Package presence tracks, per loan room, which users are online and whose
// typing indicator is active. State is in-memory and owned by the gateway;
// nothing here is persisted.
package presence

import (
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator stays active without a
// refresh.
const DefaultTypingTTL = 3 * time.Second

type key struct {
	loanID string
	userID string
}

type typingEntry struct {
	gen       uint64
	expiresAt time.Time
	timer     *time.Timer
}

// ExpireFunc is called, outside the registry lock, when a typing indicator
// lapses without StopTyping.
type ExpireFunc func(loanID, userID string)

// Registry holds presence and typing state for all rooms on this node.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	gen      uint64
	online   map[key]map[string]struct{} // connection ids per (loan, user)
	typing   map[key]*typingEntry
	onExpire ExpireFunc
}

// NewRegistry creates a Registry whose typing indicators expire after ttl.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Registry{
		ttl:    ttl,
		online: make(map[key]map[string]struct{}),
		typing: make(map[key]*typingEntry),
	}
}

// SetOnExpire registers the expiry callback. It must be set before the first
// Typing call.
func (r *Registry) SetOnExpire(fn ExpireFunc) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// TTL returns the typing indicator lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Connect records that connID of userID joined loanID. It returns true when
// this is the user's first connection in the room.
func (r *Registry) Connect(loanID, userID, connID string) bool {
	k := key{loanID, userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.online[k]
	if !ok {
		conns = make(map[string]struct{})
		r.online[k] = conns
	}
	if _, dup := conns[connID]; dup {
		return false
	}
	conns[connID] = struct{}{}
	return len(conns) == 1
}

// Disconnect removes connID from the room. It returns true when it was the
// user's last connection there.
func (r *Registry) Disconnect(loanID, userID, connID string) bool {
	k := key{loanID, userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.online[k]
	if !ok {
		return false
	}
	if _, present := conns[connID]; !present {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(r.online, k)
	return true
}

// IsOnline reports whether userID has at least one connection in loanID.
func (r *Registry) IsOnline(loanID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online[key{loanID, userID}]) > 0
}

// Typing starts or refreshes the user's typing indicator. It returns true
// only when the indicator was not already active.
func (r *Registry) Typing(loanID, userID string) bool {
	k := key{loanID, userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	started := true
	if e, ok := r.typing[k]; ok {
		e.timer.Stop()
		started = false
	}

	r.gen++
	gen := r.gen
	r.typing[k] = &typingEntry{
		gen:       gen,
		expiresAt: time.Now().Add(r.ttl),
		timer:     time.AfterFunc(r.ttl, func() { r.expire(k, gen) }),
	}
	return started
}

// StopTyping clears the indicator early. It returns true when one was
// active.
func (r *Registry) StopTyping(loanID, userID string) bool {
	k := key{loanID, userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.typing[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.typing, k)
	return true
}

// IsTyping reports whether the user's indicator is active.
func (r *Registry) IsTyping(loanID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.typing[key{loanID, userID}]
	return ok
}

// Close stops all pending typing timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.typing {
		e.timer.Stop()
		delete(r.typing, k)
	}
}

func (r *Registry) expire(k key, gen uint64) {
	r.mu.Lock()
	e, ok := r.typing[k]
	if !ok || e.gen != gen {
		// Refreshed or stopped after the timer fired.
		r.mu.Unlock()
		return
	}
	delete(r.typing, k)
	fn := r.onExpire
	r.mu.Unlock()

	if fn != nil {
		fn(k.loanID, k.userID)
	}
}
