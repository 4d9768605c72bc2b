package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressStore keeps the latest queue position per tracked id in
// Redis so front ends can show positions without replaying the event
// stream. Entries expire on their own.
type ProgressStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *log.Logger
}

// Progress is one position snapshot. Infront zero means processing.
type Progress struct {
	Infront   int       `redis:"infront"`
	UpdatedAt time.Time `redis:"updated_at"`
}

// NewProgressStore connects to Redis and verifies the connection.
func NewProgressStore(ctx context.Context, logger *log.Logger, addr, password string, db int, ttl time.Duration) (*ProgressStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &ProgressStore{client: client, ttl: ttl, log: logger}, nil
}

// Close releases the Redis connection.
func (s *ProgressStore) Close() error {
	return s.client.Close()
}

// SetPosition records the latest position for an id in the named
// queue.
func (s *ProgressStore) SetPosition(ctx context.Context, queue, id string, infront int) error {
	key := progressKey(queue, id)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "infront", infront, "updated_at", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing progress for %s: %w", key, err)
	}
	return nil
}

// GetPosition reads the latest position for an id, reporting false
// when no snapshot exists or it expired.
func (s *ProgressStore) GetPosition(ctx context.Context, queue, id string) (int, bool, error) {
	key := progressKey(queue, id)

	infront, err := s.client.HGet(ctx, key, "infront").Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading progress for %s: %w", key, err)
	}
	return infront, true, nil
}

// Clear drops the snapshot for an id, used when its queue entry
// settles.
func (s *ProgressStore) Clear(ctx context.Context, queue, id string) error {
	if err := s.client.Del(ctx, progressKey(queue, id)).Err(); err != nil {
		return fmt.Errorf("clearing progress: %w", err)
	}
	return nil
}

func progressKey(queue, id string) string {
	return fmt.Sprintf("progress:%s:%s", queue, id)
}
