package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo writes to the audit_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events
		  (id, session_id, type, actor_id, actor_role, ip_address, from_state, to_state, event_type, attempt, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.SessionID, string(e.Type), e.ActorID, e.ActorRole, e.IPAddress,
		e.FromState, e.ToState, e.EventType, e.Attempt, e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, type, actor_id, actor_role, ip_address, from_state, to_state, event_type, attempt, message, metadata, created_at
		FROM audit_events WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			typ string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &e.ActorID, &e.ActorRole, &e.IPAddress,
			&e.FromState, &e.ToState, &e.EventType, &e.Attempt, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
