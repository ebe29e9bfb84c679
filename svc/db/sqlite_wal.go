package db

import (
	"context"
	"fmt"
	"runbin/svc/util"
	"time"
)

const (
	checkpointInterval   = 5 * time.Minute
	truncateAfterPages   = 1000
	integrityCheckBudget = 30 * time.Second
)

// RunWALMaintenance checkpoints the WAL until ctx is done, then runs a final
// checkpoint and closes done.
func (s *SQLite) RunWALMaintenance(ctx context.Context, interval time.Duration, done chan<- struct{}) {
	defer close(done)
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
			final, cancel := context.WithTimeout(context.Background(), integrityCheckBudget)
			if err := s.Checkpoint(final); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

func (s *SQLite) Checkpoint(ctx context.Context) error {
	start := time.Now()
	var busy, logPages, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > truncateAfterPages || busy > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &checkpointed)
		if err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, integrityCheckBudget)
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
