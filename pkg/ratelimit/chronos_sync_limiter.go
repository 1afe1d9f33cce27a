package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// =============================================================================
// Sync Limiter
// =============================================================================

const (
	// SyncCooldown is the minimum gap between sync runs for one user.
	SyncCooldown = 5 * time.Second

	syncLimiterCapacity = 1024
	syncLimiterPrefix   = "chronos:sync-limit:"
)

// SyncLimiter enforces the per-user sync cooldown. With a redis client it is
// shared across replicas via SET NX EX; without one (or when redis errors) it
// falls back to an in-process TTL table capped at syncLimiterCapacity.
type SyncLimiter struct {
	rdb      *redis.Client
	cooldown time.Duration

	mu      sync.Mutex
	entries *lruTable // userID -> time.Time of last allowed sync
}

func NewSyncLimiter(rdb *redis.Client) *SyncLimiter {
	return &SyncLimiter{
		rdb:      rdb,
		cooldown: SyncCooldown,
		entries:  newLRUTable(),
	}
}

// Allow reports whether userID may start a sync now, and if so records the
// attempt so the next call within the cooldown is rejected.
func (l *SyncLimiter) Allow(ctx context.Context, userID string) bool {
	if l.rdb != nil {
		ok, err := l.rdb.SetNX(ctx, syncLimiterPrefix+userID, 1, l.cooldown).Result()
		if err == nil {
			return ok
		}
		log.Warn().Err(err).Msg("sync limiter redis unavailable, using local fallback")
	}
	return l.allowLocal(userID, time.Now())
}

func (l *SyncLimiter) allowLocal(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.entries.get(userID); ok {
		if now.Sub(v.(time.Time)) < l.cooldown {
			return false
		}
	}
	l.entries.put(userID, now)
	if l.entries.len() > syncLimiterCapacity {
		// At capacity the oldest cooldowns go first; an evicted user merely
		// gets to sync a little early.
		l.entries.shrink(syncLimiterCapacity, nil)
	}
	return true
}
