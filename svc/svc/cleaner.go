package svc

import (
	"context"
	"time"

	"slugbin/svc/util"
)

const purgeLockKey = "slugbin:purge_lock"

// Locker is a cross-instance mutex. *db.Redis implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// RunCleaner purges expired pastes every interval until ctx is done. With a
// locker only the instance holding the lock purges on a given tick; without
// one, or when the locker fails, the purge still runs since concurrent purges
// are safe.
func (p *Paste) RunCleaner(ctx context.Context, interval time.Duration, locker Locker) error {
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return nil
		case <-ticker.C:
			p.purgeTick(ctx, interval, locker)
		}
	}
}

func (p *Paste) purgeTick(ctx context.Context, interval time.Duration, locker Locker) {
	if locker != nil {
		token, ok, err := locker.AcquireLock(ctx, purgeLockKey, interval)
		switch {
		case err != nil:
			util.Warn().Err(err).Msg("purge lock unavailable, purging without it")
		case !ok:
			util.Debug().Msg("another instance holds the purge lock")
			return
		default:
			defer func() {
				if err := locker.ReleaseLock(context.Background(), purgeLockKey, token); err != nil {
					util.Warn().Err(err).Msg("failed to release purge lock")
				}
			}()
		}
	}
	deleted, err := p.PurgeExpired(ctx)
	if err != nil {
		util.Error().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup failed")
		return
	}
	if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup completed")
	}
}
