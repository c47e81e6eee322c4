package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Open builds the store selected by backend.
func Open(ctx context.Context, backend, badgerPath, redisURL string, log zerolog.Logger) (Store, error) {
	switch backend {
	case BackendBadger, "":
		return OpenBadger(badgerPath, log)
	case BackendRedis:
		if redisURL == "" {
			return nil, fmt.Errorf("store backend %q requires REDIS_URL", backend)
		}
		return NewRedisStore(ctx, redisURL, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
