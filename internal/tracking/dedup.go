package tracking

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses bursts of identical events (double-loaded pixels,
// beacon retries) inside a short window. Best effort only: the store's
// check-and-apply remains authoritative, so Redis being down just means
// more duplicate work downstream, never a dropped or double-counted event.
type Deduper struct {
	client *redis.Client
	window time.Duration
}

// NewDeduper creates a new event deduper
func NewDeduper(client *redis.Client, window time.Duration) *Deduper {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Deduper{client: client, window: window}
}

// Duplicate reports whether the key was already seen inside the window,
// claiming it atomically when it was not.
func (d *Deduper) Duplicate(ctx context.Context, key string) bool {
	if d == nil || d.client == nil {
		return false
	}
	ok, err := d.client.SetNX(ctx, "track:dedup:"+key, 1, d.window).Result()
	if err != nil {
		log.Printf("dedup: redis error for %s: %v", key, err)
		return false
	}
	return !ok
}
