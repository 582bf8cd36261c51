package reservation

import (
	"context"
	"fmt"
	"time"
	"vbtix/internal/logger"

	"github.com/go-redis/redis/v8"
)

const sweepLeaderKey = "reservation_sweep_leader"

// SweeperLock elects a single sweeping instance when several replicas
// run against the same database. The lock is a redis SETNX with a TTL
// slightly longer than the sweep interval, so a crashed leader is
// replaced on the next tick without coordination.
type SweeperLock struct {
	Client     *redis.Client
	InstanceID string
	TTL        time.Duration
}

// Acquire returns true if this instance holds the leader lock for the
// coming sweep. Holding instances refresh their own TTL.
func (l *SweeperLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.Client.SetNX(ctx, sweepLeaderKey, l.InstanceID, l.TTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	holder, err := l.Client.Get(ctx, sweepLeaderKey).Result()
	if err == redis.Nil {
		// Lock expired between SetNX and Get; try again next tick.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder == l.InstanceID {
		// Still the leader: refresh the TTL.
		return true, l.Client.Expire(ctx, sweepLeaderKey, l.TTL).Err()
	}
	return false, nil
}

// Release gives up leadership, only if this instance still holds it.
func (l *SweeperLock) Release(ctx context.Context) error {
	holder, err := l.Client.Get(ctx, sweepLeaderKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder == l.InstanceID {
		return l.Client.Del(ctx, sweepLeaderKey).Err()
	}
	return nil
}

// Sweeper periodically expires stale reservations. Lazy expiry on
// lookup handles the holds buyers come back to; the sweeper exists for
// the ones nobody ever reads again, which would otherwise hold
// reserved capacity forever.
type Sweeper struct {
	Service   *Service
	Lock      *SweeperLock
	Interval  time.Duration
	BatchSize int
	Logger    *logger.Logger
}

// Run blocks until ctx is cancelled, sweeping on every tick this
// instance wins the leader lock.
func (w *Sweeper) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Logger.Info("SWEEPER", fmt.Sprintf("reservation sweeper started, interval %s", interval))

	for {
		select {
		case <-ctx.Done():
			if err := w.Lock.Release(context.Background()); err != nil {
				w.Logger.Warn("SWEEPER", fmt.Sprintf("failed to release leader lock on shutdown: %v", err))
			}
			w.Logger.Info("SWEEPER", "reservation sweeper stopped")
			return
		case <-ticker.C:
			leader, err := w.Lock.Acquire(ctx)
			if err != nil {
				w.Logger.Warn("SWEEPER", fmt.Sprintf("leader election failed: %v", err))
				continue
			}
			if !leader {
				continue
			}

			expired, err := w.Service.ExpireStale(ctx, w.BatchSize)
			if err != nil {
				w.Logger.Error("SWEEPER", fmt.Sprintf("sweep failed: %v", err))
				continue
			}
			if expired > 0 {
				w.Logger.Info("SWEEPER", fmt.Sprintf("expired %d stale reservations", expired))
			}
		}
	}
}
