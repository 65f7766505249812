package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncEvent is one audit row per sync attempt sequence.
type SyncEvent struct {
	ID            int64
	TaskID        string
	Op            string // create, update, delete
	Status        SyncStatus
	UpstreamID    string
	Error         string
	CorrelationID string
	Duration      time.Duration
	CreatedAt     time.Time
}

// RecordSyncEvent appends to the sync log.
func (s *Store) RecordSyncEvent(ctx context.Context, e *SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO sync_log (task_id, op, status, upstream_id, error, correlation_id, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		e.TaskID, e.Op, string(e.Status),
		nullString(e.UpstreamID), nullString(e.Error), nullString(e.CorrelationID),
		e.Duration.Milliseconds(), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record sync event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListSyncEvents returns the most recent sync log rows for a task.
func (s *Store) ListSyncEvents(ctx context.Context, taskID string, limit int) ([]*SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT id, task_id, op, status, upstream_id, error, correlation_id, duration_ms, created_at
	FROM sync_log WHERE task_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync events: %w", err)
	}
	defer rows.Close()

	var events []*SyncEvent
	for rows.Next() {
		e := &SyncEvent{}
		var status string
		var upstreamID, errMsg, cid sql.NullString
		var durationMs, createdAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Op, &status, &upstreamID, &errMsg, &cid, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		e.Status = SyncStatus(status)
		e.UpstreamID = upstreamID.String
		e.Error = errMsg.String
		e.CorrelationID = cid.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync events: %w", err)
	}
	return events, nil
}
