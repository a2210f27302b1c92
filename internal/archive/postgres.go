// Package archive copies terminal sessions to durable storage once they end.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lead-qualifier/internal/audit"
	"lead-qualifier/internal/calls"
	"lead-qualifier/pkg/utils"
)

var ErrNotTerminal = errors.New("archive: session is not terminal")

// PostgresArchiver writes call_session_archive and the matching audit row in one
// transaction. Archiving the same session again overwrites its row.
type PostgresArchiver struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresArchiver(db *sql.DB) *PostgresArchiver {
	return &PostgresArchiver{db: db, clock: time.Now}
}

func (a *PostgresArchiver) Archive(ctx context.Context, s calls.Session) error {
	if !s.State.Terminal() {
		return ErrNotTerminal
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("archive: marshal session: %w", err)
	}
	now := a.clock().UTC()

	return utils.WithTx(ctx, a.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const upsert = `
INSERT INTO call_session_archive (session_id, state, verdict, payload, archived_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (session_id) DO UPDATE
SET state = EXCLUDED.state, verdict = EXCLUDED.verdict, payload = EXCLUDED.payload, archived_at = EXCLUDED.archived_at
`
		if _, err := tx.ExecContext(ctx, upsert, s.SessionID, s.State, verdictColumn(s.Verdict), string(payload), now); err != nil {
			return fmt.Errorf("archive: upsert: %w", err)
		}
		const insertAudit = `
INSERT INTO audit_events (id, session_id, type, to_state, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
		if _, err := tx.ExecContext(ctx, insertAudit, uuid.NewString(), s.SessionID, audit.EventTypeArchived, s.State, "postgres", now); err != nil {
			return fmt.Errorf("archive: audit: %w", err)
		}
		return nil
	})
}

// Load returns an archived session.
func (a *PostgresArchiver) Load(ctx context.Context, sessionID string) (calls.Session, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx, `SELECT payload FROM call_session_archive WHERE session_id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Session{}, calls.ErrNotFound
	}
	if err != nil {
		return calls.Session{}, err
	}
	var s calls.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return calls.Session{}, fmt.Errorf("archive: decode: %w", err)
	}
	return s, nil
}

func verdictColumn(v *calls.Verdict) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
