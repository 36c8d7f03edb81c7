package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultMirrorTTL expires mirrored presence keys of crashed processes.
const DefaultMirrorTTL = 24 * time.Hour

// RedisMirror shares presence across chat processes through Redis hashes.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects to redisURL and verifies the connection.
func NewRedisMirror(ctx context.Context, redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisMirrorWithClient(client, DefaultMirrorTTL), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func presenceKey(userID domain.UserID) string {
	return fmt.Sprintf("chat:presence:%s", userID)
}

// SetOnline marks userID online.
func (m *RedisMirror) SetOnline(ctx context.Context, userID domain.UserID, at time.Time) error {
	return m.write(ctx, userID, map[string]any{
		"online":    "1",
		"last_seen": strconv.FormatInt(at.UTC().UnixMilli(), 10),
	})
}

// SetOffline marks userID offline with lastSeen.
func (m *RedisMirror) SetOffline(ctx context.Context, userID domain.UserID, lastSeen time.Time) error {
	return m.write(ctx, userID, map[string]any{
		"online":    "0",
		"last_seen": strconv.FormatInt(lastSeen.UTC().UnixMilli(), 10),
	})
}

func (m *RedisMirror) write(ctx context.Context, userID domain.UserID, fields map[string]any) error {
	if m == nil || m.client == nil {
		return errors.New("presence mirror is not configured")
	}
	key := presenceKey(userID)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write presence %s: %w", userID, err)
	}
	return nil
}

// Lookup reads the mirrored presence of userID.
func (m *RedisMirror) Lookup(ctx context.Context, userID domain.UserID) (Entry, bool, error) {
	if m == nil || m.client == nil {
		return Entry{}, false, errors.New("presence mirror is not configured")
	}
	values, err := m.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("read presence %s: %w", userID, err)
	}
	if len(values) == 0 {
		return Entry{}, false, nil
	}
	return decodeEntry(userID, values)
}

func decodeEntry(userID domain.UserID, values map[string]string) (Entry, bool, error) {
	entry := Entry{UserID: userID, Online: values["online"] == "1"}
	if raw := values["last_seen"]; raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, false, fmt.Errorf("decode last_seen for %s: %w", userID, err)
		}
		entry.LastSeen = time.UnixMilli(millis).UTC()
	}
	return entry, true, nil
}
