package session

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const createSessionsTable = `
	CREATE TABLE IF NOT EXISTS commlink_sessions (
		peer_id     TEXT PRIMARY KEY,
		remote_addr TEXT NOT NULL,
		username    TEXT NOT NULL DEFAULT '',
		accepted_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresStore keeps session records in a table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn through the pgx driver and creates the table if
// needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		// close the db handle if ping fails to avoid resource leak
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save = upsert
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO commlink_sessions (peer_id, remote_addr, username, accepted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (peer_id)
		DO UPDATE SET
			remote_addr = EXCLUDED.remote_addr,
			username = EXCLUDED.username,
			accepted_at = EXCLUDED.accepted_at
	`
	if _, err := s.db.ExecContext(ctx, query, rec.PeerID, rec.RemoteAddr, rec.Username, rec.AcceptedAt); err != nil {
		return fmt.Errorf("failed to save session to postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, peerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commlink_sessions WHERE peer_id = $1`, peerID); err != nil {
		return fmt.Errorf("failed to delete session from postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id, remote_addr, username, accepted_at
		FROM commlink_sessions
		ORDER BY accepted_at, peer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.PeerID, &rec.RemoteAddr, &rec.Username, &rec.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
