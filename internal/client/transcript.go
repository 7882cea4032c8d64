package client

import (
	"sort"
	"sync"
	"time"

	"github.com/loanchat/chat-app/internal/protocol"
)

// FingerprintTolerance is how far apart two creation times of the same
// sender in the same loan may be for an id-less message to be taken as a
// copy of one already held.
const FingerprintTolerance = 2 * time.Second

// Transcript is the in-memory message list of every loan the session has
// seen, ordered by creation time then sequence.
type Transcript struct {
	mu     sync.RWMutex
	byLoan map[string][]protocol.ChatMessage
	ids    map[string]struct{}
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		byLoan: make(map[string][]protocol.ChatMessage),
		ids:    make(map[string]struct{}),
	}
}

// Add appends m unless it duplicates a message already held, and reports
// whether it was appended. Messages with an id are matched by id. Messages
// without one are matched by loan, sender and creation time within
// FingerprintTolerance. An id-carrying copy of an id-less entry replaces it.
func (t *Transcript) Add(m protocol.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ID != "" {
		if _, ok := t.ids[m.ID]; ok {
			return false
		}
		t.ids[m.ID] = struct{}{}
		if i := t.matchFingerprint(m); i >= 0 {
			t.byLoan[m.LoanID][i] = m
			return false
		}
	} else if t.matchFingerprint(m) >= 0 {
		return false
	}

	msgs := t.byLoan[m.LoanID]
	i := sort.Search(len(msgs), func(i int) bool { return less(m, msgs[i]) })
	msgs = append(msgs, protocol.ChatMessage{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	t.byLoan[m.LoanID] = msgs
	return true
}

func (t *Transcript) matchFingerprint(m protocol.ChatMessage) int {
	for i, x := range t.byLoan[m.LoanID] {
		if x.SenderID != m.SenderID || (x.ID != "" && m.ID != "") {
			continue
		}
		d := x.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= FingerprintTolerance {
			return i
		}
	}
	return -1
}

func less(a, b protocol.ChatMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Messages returns a copy of a loan's messages in display order.
func (t *Transcript) Messages(loanID string) []protocol.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]protocol.ChatMessage(nil), t.byLoan[loanID]...)
}

// Last returns the newest message of a loan that carries a server id.
func (t *Transcript) Last(loanID string) (protocol.ChatMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msgs := t.byLoan[loanID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID != "" {
			return msgs[i], true
		}
	}
	return protocol.ChatMessage{}, false
}

// MarkRead flags every message of the loan addressed to receiverID as read
// and returns how many changed.
func (t *Transcript) MarkRead(loanID, receiverID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	msgs := t.byLoan[loanID]
	for i := range msgs {
		if msgs[i].ReceiverID == receiverID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			n++
		}
	}
	return n
}
