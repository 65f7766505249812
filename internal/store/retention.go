package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RunRetention deletes sync log rows older than maxAge.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.ExecContext(ctx, "DELETE FROM sync_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sync log rows: %w", err)
	}
	return result.RowsAffected()
}

// RunRetentionLoop applies RunRetention every interval until ctx is done.
func (s *Store) RunRetentionLoop(ctx context.Context, interval, maxAge time.Duration, logger zerolog.Logger) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RunRetention(ctx, maxAge)
			if err != nil {
				logger.Warn().Err(err).Msg("sync log retention failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("sync log retention")
			}
		}
	}
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
