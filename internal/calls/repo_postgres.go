package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// NOTE: This repository assumes the call_sessions table from migrations/001_call_sessions.sql.
// The full session is kept in payload (JSONB); the scalar columns exist for filtering
// and reporting and are rewritten on every save.

// PostgresRepo persists sessions with optimistic concurrency on the version column.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const pgUniqueViolation = "23505"

func (r *PostgresRepo) Create(ctx context.Context, s Session) (Session, error) {
	s.Version = 1
	payload, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("calls: marshal session: %w", err)
	}
	const q = `
INSERT INTO call_sessions (
  session_id, callee_phone, direction, provider_call_id, state, attempt_count,
  verdict, abandoned, failure_reason, payload, version, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err = r.db.ExecContext(ctx, q,
		s.SessionID,
		s.CalleePhone,
		s.Direction,
		s.ProviderCallID,
		s.State,
		s.AttemptCount,
		verdictColumn(s.Verdict),
		s.Abandoned,
		s.FailureReason,
		string(payload),
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Session{}, ErrAlreadyExists
		}
		return Session{}, fmt.Errorf("calls: insert session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) Load(ctx context.Context, sessionID string) (Session, error) {
	const q = `
SELECT payload, version
FROM call_sessions
WHERE session_id = $1
`
	var (
		payload []byte
		version int64
	)
	if err := r.db.QueryRowContext(ctx, q, sessionID).Scan(&payload, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("calls: load session: %w", err)
	}
	return decodePayload(payload, version)
}

func (r *PostgresRepo) FindByProviderCallID(ctx context.Context, providerCallID string) (Session, error) {
	if providerCallID == "" {
		return Session{}, ErrNotFound
	}
	const q = `
SELECT payload, version
FROM call_sessions
WHERE provider_call_id = $1
ORDER BY created_at DESC
LIMIT 1
`
	var (
		payload []byte
		version int64
	)
	if err := r.db.QueryRowContext(ctx, q, providerCallID).Scan(&payload, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("calls: load session: %w", err)
	}
	return decodePayload(payload, version)
}

func (r *PostgresRepo) Save(ctx context.Context, s Session) (Session, error) {
	expected := s.Version
	s.Version = expected + 1
	payload, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("calls: marshal session: %w", err)
	}
	const q = `
UPDATE call_sessions
SET provider_call_id = $3,
    state = $4,
    attempt_count = $5,
    verdict = $6,
    abandoned = $7,
    failure_reason = $8,
    payload = $9,
    version = version + 1,
    updated_at = $10
WHERE session_id = $1 AND version = $2
`
	res, err := r.db.ExecContext(ctx, q,
		s.SessionID,
		expected,
		s.ProviderCallID,
		s.State,
		s.AttemptCount,
		verdictColumn(s.Verdict),
		s.Abandoned,
		s.FailureReason,
		string(payload),
		s.UpdatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("calls: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("calls: update session: rows affected: %w", err)
	}
	if n == 1 {
		return s, nil
	}

	// Distinguish a stale version from a missing row.
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE session_id = $1)`, s.SessionID).Scan(&exists); err != nil {
		return Session{}, fmt.Errorf("calls: check session exists: %w", err)
	}
	if !exists {
		return Session{}, ErrNotFound
	}
	return Session{}, ErrConflict
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Session, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, f.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT payload, version FROM call_sessions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("calls: list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var (
			payload []byte
			version int64
		)
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("calls: scan session: %w", err)
		}
		s, err := decodePayload(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: list sessions: %w", err)
	}
	return out, nil
}

func decodePayload(payload []byte, version int64) (Session, error) {
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return Session{}, fmt.Errorf("calls: decode session: %w", err)
	}
	s.Version = version
	return s, nil
}

func verdictColumn(v *Verdict) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}
