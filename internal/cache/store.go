package cache

import (
	"context"
	"time"
)

// Store is the shared cache interface used for token identities, friend
// lists, and presence last-seen stamps. Coordination state never lives here;
// the cache is an optimisation and every caller must tolerate a miss.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
