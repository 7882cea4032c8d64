package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-node development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	seq    int64
	byLoan map[string][]*Message
	byRef  map[string]*Message // loan + "\x00" + sender + "\x00" + client_ref
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byLoan: make(map[string][]*Message),
		byRef:  make(map[string]*Message),
		now:    time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	if err := checkAppend(m); err != nil {
		return Message{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refKey := ""
	if m.ClientRef != "" {
		refKey = m.LoanID + "\x00" + m.SenderID + "\x00" + m.ClientRef
		if prev, ok := s.byRef[refKey]; ok {
			return *prev, false, nil
		}
	}

	s.seq++
	m.Seq = s.seq
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.now().UTC()
	m.IsRead = false

	stored := &m
	s.byLoan[m.LoanID] = append(s.byLoan[m.LoanID], stored)
	if refKey != "" {
		s.byRef[refKey] = stored
	}
	return m, true, nil
}

func (s *MemoryStore) ListByLoan(ctx context.Context, loanID, afterID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.byLoan[loanID]
	start := 0
	if afterID != "" {
		start = -1
		for i, m := range msgs {
			if m.ID == afterID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, ErrUnknownCursor
		}
	}

	out := make([]Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, loanID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.byLoan[loanID] {
		if m.ReceiverID == userID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, loanID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.byLoan[loanID] {
		if m.ReceiverID == userID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}
