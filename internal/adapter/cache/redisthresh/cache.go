// Package redisthresh caches alert thresholds in Redis in front of the
// entity store. Admin updates invalidate through a pub/sub channel so every
// server replica rereads at the next evaluation.
package redisthresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

const (
	keyPrefix         = "thresh:"
	invalidateChannel = "thresh.invalidate"
	entryTTL          = 5 * time.Minute
	missTTL           = 30 * time.Second
)

type entry struct {
	Threshold domain.Threshold `json:"threshold"`
	Miss      bool             `json:"miss,omitempty"`
}

// Cache implements domain.ThresholdSource over a ThresholdRepository.
type Cache struct {
	rdb  *redis.Client
	repo domain.ThresholdRepository
	log  *slog.Logger
}

// New builds a Cache over the given redis client and repository.
func New(rdb *redis.Client, repo domain.ThresholdRepository, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{rdb: rdb, repo: repo, log: log}
}

func key(robotID, metric string) string { return keyPrefix + robotID + ":" + metric }

// Get resolves the threshold for (robot, metric), reading through to the
// entity store on a miss. A metric with no threshold row is cached as a miss
// so the alert engine can keep monitoring cheaply without firing.
func (c *Cache) Get(ctx domain.Context, robotID, metric string) (domain.Threshold, error) {
	k := key(robotID, metric)
	raw, err := c.rdb.Get(ctx, k).Bytes()
	if err == nil {
		var e entry
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			if e.Miss {
				return domain.Threshold{}, fmt.Errorf("op=redisthresh.Get: %w", domain.ErrNotFound)
			}
			return e.Threshold, nil
		}
		// Corrupt entry: fall through to the repo and overwrite.
	} else if !errors.Is(err, redis.Nil) {
		// Redis being down must not stop alerting; read through.
		c.log.Warn("threshold cache read failed", slog.Any("error", err))
	}

	t, err := c.repo.Get(ctx, robotID, metric)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.set(ctx, k, entry{Miss: true}, missTTL)
		}
		return domain.Threshold{}, err
	}
	c.set(ctx, k, entry{Threshold: t}, entryTTL)
	return t, nil
}

// Invalidate drops the cached entry and broadcasts so other replicas drop
// theirs too.
func (c *Cache) Invalidate(ctx domain.Context, robotID, metric string) error {
	if err := c.rdb.Del(ctx, key(robotID, metric)).Err(); err != nil {
		return fmt.Errorf("op=redisthresh.Invalidate: %w", err)
	}
	if err := c.rdb.Publish(ctx, invalidateChannel, robotID+"|"+metric).Err(); err != nil {
		c.log.Warn("threshold invalidation publish failed", slog.Any("error", err))
	}
	return nil
}

// Run subscribes to the invalidation channel and deletes keys announced by
// other replicas, until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	sub := c.rdb.Subscribe(ctx, invalidateChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			parts := splitPipe(msg.Payload)
			if len(parts) == 2 {
				_ = c.rdb.Del(ctx, key(parts[0], parts[1])).Err()
			}
		}
	}
}

func (c *Cache) set(ctx domain.Context, k string, e entry, ttl time.Duration) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, k, raw, ttl).Err(); err != nil {
		c.log.Warn("threshold cache write failed", slog.Any("error", err))
	}
}

func splitPipe(s string) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
