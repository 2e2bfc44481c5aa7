package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "sdh"

// RedisMirror mirrors presence into Redis:
//
//	<prefix>:presence:online     SET of online user ids
//	<prefix>:presence:last_seen  HASH user id -> RFC3339Nano
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror parses redisURL, pings the server and returns a mirror.
func NewRedisMirror(ctx context.Context, redisURL, prefix string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return NewRedisMirrorFromClient(client, prefix), nil
}

// NewRedisMirrorFromClient wraps an existing client. The mirror owns the client.
func NewRedisMirrorFromClient(client *redis.Client, prefix string) *RedisMirror {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) onlineKey() string   { return m.prefix + ":presence:online" }
func (m *RedisMirror) lastSeenKey() string { return m.prefix + ":presence:last_seen" }

func (m *RedisMirror) Online(ctx context.Context, userID string, at time.Time) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, m.onlineKey(), userID)
		p.HSet(ctx, m.lastSeenKey(), userID, at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

func (m *RedisMirror) Offline(ctx context.Context, userID string, at time.Time) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, m.onlineKey(), userID)
		p.HSet(ctx, m.lastSeenKey(), userID, at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

func (m *RedisMirror) Clear(ctx context.Context) error {
	return m.client.Del(ctx, m.onlineKey()).Err()
}

func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := m.client.SMembers(ctx, m.onlineKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// LastSeen returns the mirrored last-seen time of userID.
func (m *RedisMirror) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := m.client.HGet(ctx, m.lastSeenKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var _ Mirror = (*RedisMirror)(nil)
