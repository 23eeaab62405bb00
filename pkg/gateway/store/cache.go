package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxgate/voxgate/pkg/core/convo"
)

const (
	assistantKeyPrefix = "voxgate:assistant:"
	logKeyPrefix       = "voxgate:log:"

	defaultProfileTTL = 5 * time.Minute
	logTTL            = 24 * time.Hour
)

// Cache is a read-through decorator over another Store. Profile lookups
// are served from Redis when fresh; conversation logs are mirrored into a
// per-call list so live transcripts can be tailed without hitting the
// primary store.
type Cache struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCache(inner Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (c *Cache) Assistant(ctx context.Context, id, userID string) (convo.Profile, error) {
	key := assistantKeyPrefix + id
	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			var p convo.Profile
			if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
				return p, nil
			}
			c.logger.Warn("discarding unreadable cached profile", "assistant_id", id)
		} else if err != redis.Nil {
			c.logger.Warn("profile cache read failed", "assistant_id", id, "error", err)
		}
	}

	p, err := c.inner.Assistant(ctx, id, userID)
	if err != nil {
		return convo.Profile{}, err
	}

	if c.client != nil {
		if raw, err := json.Marshal(p); err == nil {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Warn("profile cache write failed", "assistant_id", id, "error", err)
			}
		}
	}
	return p, nil
}

func (c *Cache) AppendLog(ctx context.Context, entry LogEntry) error {
	if c.client != nil && entry.CallID != "" {
		if raw, err := json.Marshal(entry); err == nil {
			key := logKeyPrefix + entry.CallID
			pipe := c.client.Pipeline()
			pipe.RPush(ctx, key, raw)
			pipe.Expire(ctx, key, logTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				c.logger.Warn("transcript cache append failed", "call_id", entry.CallID, "error", err)
			}
		}
	}
	return c.inner.AppendLog(ctx, entry)
}
