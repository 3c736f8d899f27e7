package db

import (
	"context"
	"fmt"
	"time"

	"slugbin/svc/util"
)

const (
	checkpointInterval   = 5 * time.Minute
	truncateLogThreshold = 1000
)

// RunWALMaintenance checkpoints the write-ahead log every interval until ctx
// is done, then runs one last checkpoint.
func (s *SQLite) RunWALMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = checkpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Checkpoint(finalCtx); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint, escalating to TRUNCATE when the log
// has grown or readers held pages back, and then verifies integrity.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > truncateLogThreshold || busyPages > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed)
		if err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
		util.Info().
			Int("busy", busyPages).
			Int("log", logPages).
			Int("checkpointed", checkpointed).
			Msg("TRUNCATE checkpoint result")
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
