// Package lock keeps a single writer per deployment with a Redis lease.
package lock

import (
	"CTFLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrLockHeld is returned when another process holds the writer lock.
	ErrLockHeld = errors.New("lock: held by another writer")

	// ErrLockLost is returned by Hold when the lease expired or was taken.
	ErrLockLost = errors.New("lock: leadership lost")
)

// refreshLua extends the lease only while the caller still owns it.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// unlockLua deletes the key only if its value matches the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Leader is a lease on one Redis key. The value is a random token so only
// the owner can refresh or release it.
type Leader struct {
	rdb       *redis.Client
	key       string
	ttl       time.Duration
	token     string
	refreshSc *redis.Script
	unlockSc  *redis.Script
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewLeader(rdb *redis.Client, key string, ttl time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Leader {
	return &Leader{
		rdb:       rdb,
		key:       key,
		ttl:       ttl,
		token:     uuid.NewString(),
		refreshSc: redis.NewScript(refreshLua),
		unlockSc:  redis.NewScript(unlockLua),
		metrics:   metrics,
		logger:    logger.With().Str("component", "lock").Str("key", key).Logger(),
	}
}

// Token identifies this process as the lock value.
func (l *Leader) Token() string {
	return l.token
}

// Acquire takes the lease once. It returns ErrLockHeld when another
// process owns it.
func (l *Leader) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	l.setLeader(true)
	l.logger.Info().Str("token", l.token).Msg("acquired writer lock")
	return nil
}

// AcquireWait retries Acquire every interval until it succeeds or ctx is
// cancelled. A standby replica blocks here.
func (l *Leader) AcquireWait(ctx context.Context, interval time.Duration) error {
	logged := false
	for {
		err := l.Acquire(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockHeld) {
			l.logger.Warn().Err(err).Msg("acquire writer lock failed")
		} else if !logged {
			l.logger.Info().Msg("writer lock held elsewhere, standing by")
			logged = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Hold refreshes the lease every ttl/3 until ctx is cancelled. When the
// lease is lost it calls onLost (typically the writer's cancel func) and
// returns ErrLockLost. Redis errors are tolerated until a full ttl has
// passed since the last successful refresh, after which another process
// may already own the key.
func (l *Leader) Hold(ctx context.Context, onLost func()) error {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		owned, err := l.refresh(ctx)
		switch {
		case err == nil && owned:
			lastRefresh = time.Now()
			continue
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil && time.Since(lastRefresh) < l.ttl:
			l.logger.Warn().Err(err).Msg("refresh writer lock failed, retrying")
			continue
		}

		l.setLeader(false)
		if l.metrics != nil {
			l.metrics.LockLost.Inc()
		}
		l.logger.Error().Err(err).Msg("writer lock lost, stopping writer")
		if onLost != nil {
			onLost()
		}
		return ErrLockLost
	}
}

func (l *Leader) refresh(ctx context.Context) (bool, error) {
	n, err := l.refreshSc.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: refresh lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release deletes the key if this process still owns it. Safe to call more
// than once.
func (l *Leader) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.setLeader(false)
	if err := l.unlockSc.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis: release lock %s: %w", l.key, err)
	}
	l.logger.Info().Msg("released writer lock")
	return nil
}

func (l *Leader) setLeader(leader bool) {
	if l.metrics == nil {
		return
	}
	if leader {
		l.metrics.IsLeader.Set(1)
	} else {
		l.metrics.IsLeader.Set(0)
	}
}
