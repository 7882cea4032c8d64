// Package loan answers whether a user may chat in a loan's room. A user is
// authorized when the loan is funded and the user is its borrower or lender;
// the other of the two is the user's counterpart.
package loan

import (
	"context"
	"errors"
	"fmt"
)

// StatusFunded is the only loan status that opens a chat room.
const StatusFunded = "funded"

// ErrNotFound is returned by a Source for unknown loans.
var ErrNotFound = errors.New("loan: not found")

// Loan is the part of the loan record the chat needs.
type Loan struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	BorrowerID string `json:"borrower_id"`
	LenderID   string `json:"lender_id"`
}

// Funded reports whether the loan has been funded.
func (l Loan) Funded() bool {
	return l.Status == StatusFunded && l.BorrowerID != "" && l.LenderID != ""
}

// Membership is the outcome of a participant check.
type Membership struct {
	Authorized bool
	OtherParty string
}

// MembershipOf evaluates userID against the loan.
func (l Loan) MembershipOf(userID string) Membership {
	if !l.Funded() || l.BorrowerID == l.LenderID {
		return Membership{}
	}
	switch userID {
	case l.BorrowerID:
		return Membership{Authorized: true, OtherParty: l.LenderID}
	case l.LenderID:
		return Membership{Authorized: true, OtherParty: l.BorrowerID}
	}
	return Membership{}
}

// Source loads loan records from the loan service or a cache in front of it.
type Source interface {
	GetLoan(ctx context.Context, loanID string) (Loan, error)
}

// Resolver implements the participant check on top of a Source.
type Resolver struct {
	src Source
}

// NewResolver creates a Resolver reading from src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// IsFundedParticipant reports whether userID may join loanID's room. An
// unknown loan is not an error; it yields an unauthorized Membership.
func (r *Resolver) IsFundedParticipant(ctx context.Context, loanID, userID string) (Membership, error) {
	if loanID == "" || userID == "" {
		return Membership{}, nil
	}
	l, err := r.src.GetLoan(ctx, loanID)
	if errors.Is(err, ErrNotFound) {
		return Membership{}, nil
	}
	if err != nil {
		return Membership{}, fmt.Errorf("loan: resolve %s: %w", loanID, err)
	}
	return l.MembershipOf(userID), nil
}
