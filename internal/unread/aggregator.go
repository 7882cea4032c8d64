// Package unread keeps the per-loan unread counters of a client. Counters
// rise once per distinct notification and drop to zero only when the
// server acknowledges a read.
package unread

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/loanchat/chat-app/internal/client"
	"github.com/loanchat/chat-app/internal/protocol"
)

// CountSource returns persisted unread counts. *client.Session satisfies it.
type CountSource interface {
	UnreadCounts(ctx context.Context, loanIDs []string) (map[string]int, error)
}

// Aggregator holds the counters. It is safe for concurrent use.
type Aggregator struct {
	src CountSource

	mu       sync.Mutex
	counts   map[string]int
	seen     map[string]map[string]struct{} // loan -> fingerprints
	onChange func(loanID string, count int)
	isOpen   func(loanID string) bool
}

// New creates an aggregator seeded from src.
func New(src CountSource) *Aggregator {
	return &Aggregator{
		src:    src,
		counts: make(map[string]int),
		seen:   make(map[string]map[string]struct{}),
	}
}

// OnChange registers fn to run after each counter change, outside the lock.
func (a *Aggregator) OnChange(fn func(loanID string, count int)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// SetOpen registers the predicate telling whether a loan room is currently
// open. Notifications for an open room are remembered but not counted.
func (a *Aggregator) SetOpen(fn func(loanID string) bool) {
	a.mu.Lock()
	a.isOpen = fn
	a.mu.Unlock()
}

// OnNotify counts a notification unless its fingerprint was already seen
// for the loan or the loan room is open, and reports whether it was counted.
func (a *Aggregator) OnNotify(loanID, fingerprint string) bool {
	a.mu.Lock()
	isOpen := a.isOpen
	a.mu.Unlock()
	open := isOpen != nil && isOpen(loanID)

	a.mu.Lock()
	fps, ok := a.seen[loanID]
	if !ok {
		fps = make(map[string]struct{})
		a.seen[loanID] = fps
	}
	if _, dup := fps[fingerprint]; dup {
		a.mu.Unlock()
		return false
	}
	fps[fingerprint] = struct{}{}
	if open {
		a.mu.Unlock()
		return false
	}
	a.counts[loanID]++
	n, fn := a.counts[loanID], a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(loanID, n)
	}
	return true
}

// OnMessagesRead resets the counter of a loan. Fingerprints are kept so a
// late duplicate of an already read message is not counted again.
func (a *Aggregator) OnMessagesRead(loanID string) {
	a.mu.Lock()
	changed := a.counts[loanID] != 0
	a.counts[loanID] = 0
	fn := a.onChange
	a.mu.Unlock()

	if changed && fn != nil {
		fn(loanID, 0)
	}
}

// BulkLoad replaces the counters of loanIDs with the persisted counts and
// returns them.
func (a *Aggregator) BulkLoad(ctx context.Context, loanIDs []string) (map[string]int, error) {
	if len(loanIDs) == 0 {
		return map[string]int{}, nil
	}
	counts, err := a.src.UnreadCounts(ctx, loanIDs)
	if err != nil {
		return nil, fmt.Errorf("unread: bulk load: %w", err)
	}

	out := make(map[string]int, len(loanIDs))
	a.mu.Lock()
	for _, id := range loanIDs {
		n := counts[id]
		if n < 0 {
			n = 0
		}
		a.counts[id] = n
		out[id] = n
	}
	fn := a.onChange
	a.mu.Unlock()

	if fn != nil {
		for _, id := range loanIDs {
			fn(id, out[id])
		}
	}
	log.Debug().Int("loans", len(loanIDs)).Msg("unread: counters loaded")
	return out, nil
}

// Count returns the counter of one loan.
func (a *Aggregator) Count(loanID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[loanID]
}

// Snapshot returns a copy of every non-zero counter.
func (a *Aggregator) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo.PickBy(a.counts, func(_ string, n int) bool { return n > 0 })
}

// Total returns the sum of all counters.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

// Loans returns the loans with unread messages, sorted.
func (a *Aggregator) Loans() []string {
	out := lo.Keys(a.Snapshot())
	sort.Strings(out)
	return out
}

// Attach feeds the aggregator from a session's notify and read_ack events
// and treats the session's joined rooms as open. The returned function
// detaches it.
func (a *Aggregator) Attach(s *client.Session) func() {
	a.SetOpen(s.InRoom)
	return s.Subscribe(func(e client.Event) {
		switch e.Kind {
		case client.EventNotify:
			if m, ok := e.Payload.(protocol.NotifyMsg); ok {
				a.OnNotify(m.LoanID, m.Fingerprint)
			}
		case client.EventReadAck:
			a.OnMessagesRead(e.LoanID)
		}
	})
}
