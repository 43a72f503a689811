package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses redelivered queue messages within a bounded window.
// SETNX on the message's dedup key: first writer wins, everyone else has
// seen the message before.
type Deduper struct {
	client *redis.Client
	window time.Duration
}

func NewDeduper(client *redis.Client, window time.Duration) *Deduper {
	return &Deduper{client: client, window: window}
}

// Seen marks key as delivered and reports whether it had been marked within
// the window already.
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := d.client.SetNX(ctx, "metering:dedup:"+key, "1", d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !set, nil
}
