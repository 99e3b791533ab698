package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record describes one peer that completed the handshake.
type Record struct {
	PeerID     string    `json:"peer_id"`
	RemoteAddr string    `json:"remote_addr"`
	Username   string    `json:"username,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Store keeps the records of currently accepted peers.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, peerID string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Backend kinds understood by Open.
const (
	KindMemory   = "memory"
	KindRedis    = "redis"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
)

// Config selects and configures a Store backend.
type Config struct {
	Kind          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	DatabaseURL   string
	SQLitePath    string
}

// Open builds the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL)
	case KindPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case KindSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Kind)
	}
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PeerID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, peerID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].AcceptedAt.Equal(recs[j].AcceptedAt) {
			return recs[i].PeerID < recs[j].PeerID
		}
		return recs[i].AcceptedAt.Before(recs[j].AcceptedAt)
	})
}
