// Package cache keeps model outputs in Redis so re-runs of a document do not pay
// for the same summaries twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/utils"
)

const keyPrefix = "doc-ingest:summary:"

// SummaryCache decorates a Summarizer with a Redis read-through cache. Redis
// errors are logged and the call goes to the wrapped summarizer.
type SummaryCache struct {
	next   ai.Summarizer
	rdb    redis.Cmdable
	ttl    time.Duration
	scope  string
	logger *slog.Logger
}

// NewSummaryCache wraps next. scope separates entries of different models.
func NewSummaryCache(next ai.Summarizer, rdb redis.Cmdable, scope string, ttl time.Duration, logger *slog.Logger) *SummaryCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryCache{next: next, rdb: rdb, ttl: ttl, scope: scope, logger: logger}
}

// Key returns the Redis key of a prompt.
func (c *SummaryCache) Key(prompt string) string {
	sum := sha256.Sum256([]byte(c.scope + "\x00" + prompt))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *SummaryCache) Summarize(ctx context.Context, prompt string) (string, error) {
	key := c.Key(prompt)
	readCtx, cancel := utils.WithShortTimeout(ctx)
	cached, err := c.rdb.Get(readCtx, key).Result()
	cancel()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("summary cache read failed", "error", err)
	}

	summary, err := c.next.Summarize(ctx, prompt)
	if err != nil {
		return "", err
	}
	writeCtx, cancel := utils.WithShortTimeout(ctx)
	defer cancel()
	if err := c.rdb.Set(writeCtx, key, summary, c.ttl).Err(); err != nil {
		c.logger.Warn("summary cache write failed", "error", err)
	}
	return summary, nil
}
