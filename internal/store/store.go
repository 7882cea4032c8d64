// Package store persists loan chat messages. The log is append-only: the only
// mutation after insert is the one-way is_read flip performed by MarkRead.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnknownCursor is returned by ListByLoan when afterID does not name
	// a message of the loan.
	ErrUnknownCursor = errors.New("store: unknown cursor")

	// ErrInvalidMessage is returned by Append for messages that break the
	// log invariants (empty body, sender == receiver, missing ids).
	ErrInvalidMessage = errors.New("store: invalid message")
)

// Message is one persisted chat message. ID and CreatedAt are assigned by the
// store; Seq is the insertion sequence used to break CreatedAt ties.
type Message struct {
	ID         string
	Seq        int64
	LoanID     string
	SenderID   string
	ReceiverID string
	Body       string
	ClientRef  string
	CreatedAt  time.Time
	IsRead     bool
}

// Store is the message log used by the router.
type Store interface {
	// Append persists m and returns the stored row. When m.ClientRef is set
	// and the sender already stored a message with that reference in the
	// same loan, the existing row is returned with created == false.
	Append(ctx context.Context, m Message) (stored Message, created bool, err error)

	// ListByLoan returns messages of a loan ordered by CreatedAt then Seq,
	// starting after afterID when it is non-empty. limit <= 0 means no limit.
	ListByLoan(ctx context.Context, loanID, afterID string, limit int) ([]Message, error)

	// CountUnread counts messages of the loan addressed to userID that are
	// still unread.
	CountUnread(ctx context.Context, loanID, userID string) (int, error)

	// MarkRead flips every unread message of the loan addressed to userID and
	// returns how many rows changed. A second call returns 0.
	MarkRead(ctx context.Context, loanID, userID string) (int, error)
}

func checkAppend(m Message) error {
	switch {
	case m.LoanID == "" || m.SenderID == "" || m.ReceiverID == "":
		return ErrInvalidMessage
	case m.SenderID == m.ReceiverID:
		return ErrInvalidMessage
	case strings.TrimSpace(m.Body) == "":
		return ErrInvalidMessage
	}
	return nil
}
