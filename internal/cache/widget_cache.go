// Package cache provides the Redis-backed cache for the transition widget
// snapshot. The snapshot is viewer-independent; role gating is applied by
// the service after retrieval so a cached payload can never leak across
// roles.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the viewer-independent portion of the widget payload.
type Snapshot struct {
	NextTransitionDate time.Time `json:"next_transition_date"`
	TermName           string    `json:"term_name"`
	PlanID             string    `json:"plan_id,omitempty"`
	PlanStatus         string    `json:"plan_status,omitempty"`
	ComputedAt         time.Time `json:"computed_at"`
}

type WidgetCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewWidgetCache(redisURL string, ttl time.Duration) (*WidgetCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWidgetCacheWithClient(client, ttl), nil
}

func NewWidgetCacheWithClient(client *redis.Client, ttl time.Duration) *WidgetCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &WidgetCache{
		client: client,
		ttl:    ttl,
		prefix: "widget:",
	}
}

func (c *WidgetCache) key(termName string) string {
	return c.prefix + termName
}

// Get returns the cached snapshot for a term, or nil on a miss. Cache
// errors degrade to a miss; the caller recomputes from the store.
func (c *WidgetCache) Get(ctx context.Context, termName string) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, c.key(termName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get widget snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal widget snapshot: %w", err)
	}
	return &snapshot, nil
}

func (c *WidgetCache) Set(ctx context.Context, termName string, snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal widget snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(termName), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set widget snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot for a term, used after plan mutations so
// the widget reflects approvals and cancellations promptly.
func (c *WidgetCache) Invalidate(ctx context.Context, termName string) error {
	if err := c.client.Del(ctx, c.key(termName)).Err(); err != nil {
		return fmt.Errorf("invalidate widget snapshot: %w", err)
	}
	return nil
}

func (c *WidgetCache) Close() error {
	return c.client.Close()
}

func (c *WidgetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
