package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "commlink:session:"

// DefaultRedisTTL bounds how long a record survives a server that died
// without cleaning up.
const DefaultRedisTTL = 24 * time.Hour

// RedisStore keeps one hash per accepted peer.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// constructor for RedisStore, verifies the server is reachable
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(rdb, ttl), nil
}

func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(peerID string) string {
	return redisKeyPrefix + peerID
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	key := redisKey(rec.PeerID)
	fields := map[string]any{
		"peer_id":     rec.PeerID,
		"remote_addr": rec.RemoteAddr,
		"username":    rec.Username,
		"accepted_at": rec.AcceptedAt.Format(time.RFC3339Nano),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.PeerID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, peerID string) error {
	if err := s.client.Del(ctx, redisKey(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", peerID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read session %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue // expired between scan and read
		}
		acceptedAt, _ := time.Parse(time.RFC3339Nano, fields["accepted_at"])
		out = append(out, Record{
			PeerID:     fields["peer_id"],
			RemoteAddr: fields["remote_addr"],
			Username:   fields["username"],
			AcceptedAt: acceptedAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
