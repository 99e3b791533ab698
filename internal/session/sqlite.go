package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const createSQLiteSessionsTable = `
	CREATE TABLE IF NOT EXISTS commlink_sessions (
		peer_id     TEXT PRIMARY KEY,
		remote_addr TEXT NOT NULL,
		username    TEXT NOT NULL DEFAULT '',
		accepted_at DATETIME NOT NULL
	)
`

// SQLiteStore keeps session records in a local database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createSQLiteSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO commlink_sessions (peer_id, remote_addr, username, accepted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (peer_id)
		DO UPDATE SET
			remote_addr = excluded.remote_addr,
			username = excluded.username,
			accepted_at = excluded.accepted_at
	`
	if _, err := s.db.ExecContext(ctx, query, rec.PeerID, rec.RemoteAddr, rec.Username, rec.AcceptedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save session to sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, peerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commlink_sessions WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("failed to delete session from sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id, remote_addr, username, accepted_at
		FROM commlink_sessions
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
