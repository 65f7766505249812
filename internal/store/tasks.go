package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
)

// SyncStatus is the persisted sync state of a task row.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

const dateLayout = "2006-01-02"

// Task is a source-of-truth task row.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      string // pending, in_progress, completed, cancelled
	Priority    string // immediate, high, normal, low
	DueDate     *time.Time
	UpstreamID  string // empty = never created upstream
	SyncStatus  SyncStatus
	SyncError   string
	LastSyncAt  time.Time // zero = never synced
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncResult is written back after every sync attempt sequence.
type SyncResult struct {
	UpstreamID   string
	SyncStatus   SyncStatus
	ErrorMessage string
	LastSyncAt   time.Time
}

const taskColumns = `id, title, description, status, priority, due_date, upstream_id,
	       sync_status, sync_error, last_sync_at, created_at, updated_at`

// SaveTask upserts a task row. A known upstream id is never cleared by an
// incoming row that lacks one, so a stale event cannot trigger a second create.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.SyncStatus == "" {
		t.SyncStatus = SyncPending
	}

	query := `
	INSERT INTO tasks (
		id, title, description, status, priority, due_date, upstream_id,
		sync_status, sync_error, last_sync_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title       = excluded.title,
		description = excluded.description,
		status      = excluded.status,
		priority    = excluded.priority,
		due_date    = excluded.due_date,
		upstream_id = COALESCE(excluded.upstream_id, tasks.upstream_id),
		sync_status = excluded.sync_status,
		sync_error  = excluded.sync_error,
		updated_at  = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Title, nullString(t.Description), t.Status, t.Priority,
		nullDate(t.DueDate), nullString(t.UpstreamID),
		string(t.SyncStatus), nullString(t.SyncError), nullMillis(t.LastSyncAt),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. A missing row returns an error wrapping
// perrors.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// MarkSyncing moves a task into the syncing state.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sync_status = ?, sync_error = NULL WHERE id = ?`,
		string(SyncSyncing), id)
	if err != nil {
		return fmt.Errorf("failed to mark task syncing: %w", err)
	}
	return requireRow(result, id)
}

// WriteSyncResult records the outcome of a sync. An empty UpstreamID keeps the
// stored one.
func (s *Store) WriteSyncResult(ctx context.Context, id string, r SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.LastSyncAt.IsZero() {
		r.LastSyncAt = time.Now()
	}

	query := `
	UPDATE tasks
	SET upstream_id = COALESCE(?, upstream_id), sync_status = ?, sync_error = ?, last_sync_at = ?
	WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		nullString(r.UpstreamID), string(r.SyncStatus), nullString(r.ErrorMessage),
		r.LastSyncAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to write sync result: %w", err)
	}
	return requireRow(result, id)
}

// ListNeedingSync returns tasks in the pending or error state, oldest first.
func (s *Store) ListNeedingSync(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + taskColumns + ` FROM tasks
	WHERE sync_status IN (?, ?)
	ORDER BY updated_at ASC`
	args := []any{string(SyncPending), string(SyncError)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task row. Deleting a missing row is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ResetStuckSyncing moves rows left in the syncing state by a previous
// process into the error state so bulk sync picks them up (startup recovery).
func (s *Store) ResetStuckSyncing(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sync_status = ?, sync_error = 'interrupted' WHERE sync_status = ?`,
		string(SyncError), string(SyncSyncing))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck tasks: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	t := &Task{}
	var description, dueDate, upstreamID, syncError sql.NullString
	var syncStatus string
	var lastSync sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&t.ID, &t.Title, &description, &t.Status, &t.Priority, &dueDate, &upstreamID,
		&syncStatus, &syncError, &lastSync, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Description = description.String
	t.UpstreamID = upstreamID.String
	t.SyncStatus = SyncStatus(syncStatus)
	t.SyncError = syncError.String
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	if lastSync.Valid {
		t.LastSyncAt = time.UnixMilli(lastSync.Int64)
	}
	if dueDate.Valid && dueDate.String != "" {
		if d, err := time.Parse(dateLayout, dueDate.String); err == nil {
			t.DueDate = &d
		}
	}
	return t, nil
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, perrors.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: !t.IsZero()}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}
