package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore keeps the message log in the loan_messages table.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, url string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `seq, id, loan_id, sender_id, receiver_id, body, COALESCE(client_ref, ''), created_at, is_read`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	err := r.Scan(&m.Seq, &m.ID, &m.LoanID, &m.SenderID, &m.ReceiverID, &m.Body, &m.ClientRef, &m.CreatedAt, &m.IsRead)
	return m, err
}

func (s *PostgresStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	if err := checkAppend(m); err != nil {
		return Message{}, false, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	var ref sql.NullString
	if m.ClientRef != "" {
		ref = sql.NullString{String: m.ClientRef, Valid: true}
	}

	const insert = `
		INSERT INTO loan_messages (id, loan_id, sender_id, receiver_id, body, client_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (loan_id, sender_id, client_ref) WHERE client_ref IS NOT NULL DO NOTHING
		RETURNING ` + messageColumns

	stored, err := scanMessage(s.db.QueryRowContext(ctx, insert,
		m.ID, m.LoanID, m.SenderID, m.ReceiverID, m.Body, ref))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, fmt.Errorf("store: append: %w", err)
	}

	// Conflict on client_ref: the sender retried a message we already have.
	const existing = `SELECT ` + messageColumns + ` FROM loan_messages WHERE loan_id = $1 AND sender_id = $2 AND client_ref = $3`
	stored, err = scanMessage(s.db.QueryRowContext(ctx, existing, m.LoanID, m.SenderID, m.ClientRef))
	if err != nil {
		return Message{}, false, fmt.Errorf("store: append: load existing: %w", err)
	}
	return stored, false, nil
}

func (s *PostgresStore) ListByLoan(ctx context.Context, loanID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if afterID == "" {
		const query = `
			SELECT ` + messageColumns + `
			FROM loan_messages
			WHERE loan_id = $1
			ORDER BY created_at, seq
			LIMIT NULLIF($2::int, -1)`
		rows, err = s.db.QueryContext(ctx, query, loanID, limit)
	} else {
		if _, perr := uuid.Parse(afterID); perr != nil {
			return nil, ErrUnknownCursor
		}
		var found bool
		const exists = `SELECT EXISTS (SELECT 1 FROM loan_messages WHERE id = $1 AND loan_id = $2)`
		if err := s.db.QueryRowContext(ctx, exists, afterID, loanID).Scan(&found); err != nil {
			return nil, fmt.Errorf("store: list: cursor: %w", err)
		}
		if !found {
			return nil, ErrUnknownCursor
		}

		const query = `
			SELECT ` + messageColumns + `
			FROM loan_messages
			WHERE loan_id = $1
			  AND (created_at, seq) > (SELECT created_at, seq FROM loan_messages WHERE id = $2)
			ORDER BY created_at, seq
			LIMIT NULLIF($3::int, -1)`
		rows, err = s.db.QueryContext(ctx, query, loanID, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, loanID, userID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM loan_messages
		WHERE loan_id = $1 AND receiver_id = $2 AND NOT is_read`

	var n int
	if err := s.db.QueryRowContext(ctx, query, loanID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count unread: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, loanID, userID string) (int, error) {
	const query = `
		UPDATE loan_messages
		SET is_read = TRUE, read_at = clock_timestamp()
		WHERE loan_id = $1 AND receiver_id = $2 AND NOT is_read`

	res, err := s.db.ExecContext(ctx, query, loanID, userID)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark read: rows affected: %w", err)
	}
	return int(n), nil
}
