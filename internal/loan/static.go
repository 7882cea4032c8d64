package loan

import (
	"context"
	"sync"
)

// StaticSource serves loans from memory. It backs development setups
// without a loan service and tests.
type StaticSource struct {
	mu    sync.RWMutex
	loans map[string]Loan
	calls int
}

// NewStaticSource creates a source holding loans.
func NewStaticSource(loans ...Loan) *StaticSource {
	s := &StaticSource{loans: make(map[string]Loan)}
	for _, l := range loans {
		s.loans[l.ID] = l
	}
	return s
}

// Put adds or replaces a loan.
func (s *StaticSource) Put(l Loan) {
	s.mu.Lock()
	s.loans[l.ID] = l
	s.mu.Unlock()
}

func (s *StaticSource) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	if err := ctx.Err(); err != nil {
		return Loan{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	l, ok := s.loans[loanID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	return l, nil
}

// Calls returns how many lookups reached this source.
func (s *StaticSource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}
