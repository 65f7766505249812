package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "tasksync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_CreatesDB(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"tasks", "sync_log", "meta"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	require.NoError(t, store.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version))
	assert.Equal(t, "2", version)
	require.NoError(t, store.Ping(context.Background()))
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasksync.db")
	s1, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.SaveTask(context.Background(), &Task{ID: "t1", Title: "a", Status: "pending", Priority: "low"}))
	require.NoError(t, s1.Close())

	s2, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Title)
}

func TestMigrateV2_UnreadableVersionFails(t *testing.T) {
	store := newTestStore(t)
	_, err := store.db.Exec(`DELETE FROM meta WHERE key = 'schema_version'`)
	require.NoError(t, err)

	err = store.migrateV2()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}

func TestTask_CRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	task := &Task{
		ID:          "task-1",
		Title:       "Replace filter",
		Description: "Unit 4",
		Status:      "pending",
		Priority:    "immediate",
		DueDate:     &due,
	}
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Replace filter", got.Title)
	assert.Equal(t, "Unit 4", got.Description)
	assert.Equal(t, "immediate", got.Priority)
	assert.Equal(t, SyncPending, got.SyncStatus)
	require.NotNil(t, got.DueDate)
	assert.Equal(t, "2026-05-01", got.DueDate.Format(dateLayout))
	assert.True(t, got.LastSyncAt.IsZero())
	assert.Empty(t, got.UpstreamID)

	require.NoError(t, store.DeleteTask(ctx, "task-1"))
	_, err = store.GetTask(ctx, "task-1")
	assert.True(t, errors.Is(err, perrors.ErrNotFound))
	require.NoError(t, store.DeleteTask(ctx, "task-1"))
}

func TestSaveTask_KeepsUpstreamID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, &Task{ID: "t", Title: "v1", Status: "pending", Priority: "low"}))
	require.NoError(t, store.WriteSyncResult(ctx, "t", SyncResult{UpstreamID: "42", SyncStatus: SyncSynced}))

	// Stale event without the upstream id.
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "t", Title: "v2", Status: "in_progress", Priority: "low"}))

	got, err := store.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
	assert.Equal(t, "42", got.UpstreamID)
}

func TestSyncLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "t", Title: "x", Status: "pending", Priority: "normal"}))

	require.NoError(t, store.MarkSyncing(ctx, "t"))
	got, _ := store.GetTask(ctx, "t")
	assert.Equal(t, SyncSyncing, got.SyncStatus)

	at := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.WriteSyncResult(ctx, "t", SyncResult{SyncStatus: SyncError, ErrorMessage: "boom", LastSyncAt: at}))
	got, _ = store.GetTask(ctx, "t")
	assert.Equal(t, SyncError, got.SyncStatus)
	assert.Equal(t, "boom", got.SyncError)
	assert.Equal(t, at.UnixMilli(), got.LastSyncAt.UnixMilli())

	require.NoError(t, store.MarkSyncing(ctx, "t"))
	require.NoError(t, store.WriteSyncResult(ctx, "t", SyncResult{UpstreamID: "wp-9", SyncStatus: SyncSynced}))
	got, _ = store.GetTask(ctx, "t")
	assert.Equal(t, SyncSynced, got.SyncStatus)
	assert.Empty(t, got.SyncError)
	assert.Equal(t, "wp-9", got.UpstreamID)
}

func TestWriteSyncResult_MissingTask(t *testing.T) {
	store := newTestStore(t)
	err := store.WriteSyncResult(context.Background(), "nope", SyncResult{SyncStatus: SyncSynced})
	assert.True(t, errors.Is(err, perrors.ErrNotFound))
	err = store.MarkSyncing(context.Background(), "nope")
	assert.True(t, errors.Is(err, perrors.ErrNotFound))
}

func TestListNeedingSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := []struct {
		id     string
		status SyncStatus
	}{
		{"a", SyncPending},
		{"b", SyncSynced},
		{"c", SyncError},
		{"d", SyncSyncing},
		{"e", SyncPending},
	}
	for i, r := range rows {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveTask(ctx, &Task{
			ID: r.id, Title: r.id, Status: "pending", Priority: "low",
			SyncStatus: r.status, CreatedAt: ts, UpdatedAt: ts,
		}))
	}

	tasks, err := store.ListNeedingSync(ctx, 50)
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "c", "e"}, ids)

	tasks, err = store.ListNeedingSync(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestResetStuckSyncing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "t", Title: "x", Status: "pending", Priority: "low"}))
	require.NoError(t, store.MarkSyncing(ctx, "t"))

	n, err := store.ResetStuckSyncing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := store.GetTask(ctx, "t")
	assert.Equal(t, SyncError, got.SyncStatus)
	assert.Equal(t, "interrupted", got.SyncError)
}

func TestSyncLog_RecordAndRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &SyncEvent{TaskID: "t", Op: "create", Status: SyncError, Error: "503", CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}
	require.NoError(t, store.RecordSyncEvent(ctx, old))
	fresh := &SyncEvent{TaskID: "t", Op: "create", Status: SyncSynced, UpstreamID: "42", CorrelationID: "cid", Duration: 1500 * time.Millisecond}
	require.NoError(t, store.RecordSyncEvent(ctx, fresh))
	assert.NotZero(t, fresh.ID)

	events, err := store.ListSyncEvents(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, SyncSynced, events[0].Status, "newest first")
	assert.Equal(t, "cid", events[0].CorrelationID)
	assert.Equal(t, 1500*time.Millisecond, events[0].Duration)

	removed, err := store.RunRetention(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err = store.ListSyncEvents(ctx, "t", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDBSize(t *testing.T) {
	store := newTestStore(t)
	size, err := store.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
