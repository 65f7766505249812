// Package tasksync runs the per-task create/update/delete operation against
// the upstream backend and records the outcome in the task store.
package tasksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/retry"
	"github.com/p-blackswan/tasksync/internal/store"
	"github.com/p-blackswan/tasksync/internal/upstream"
)

// Op names a sync operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpSkip   Op = "skip"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultOperationTimeout = 60 * time.Second
	DefaultBulkLimit        = 50
	writeBackTimeout        = 5 * time.Second
)

// ErrWriteBack marks a failure to record the sync outcome in the store.
var ErrWriteBack = errors.New("sync result write-back failed")

// keyNamespace scopes deterministic create idempotency keys.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tasksync/create"))

// Store is the subset of the task store the syncer needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	SaveTask(ctx context.Context, t *store.Task) error
	MarkSyncing(ctx context.Context, id string) error
	WriteSyncResult(ctx context.Context, id string, r store.SyncResult) error
	ListNeedingSync(ctx context.Context, limit int) ([]*store.Task, error)
	DeleteTask(ctx context.Context, id string) error
	RecordSyncEvent(ctx context.Context, e *store.SyncEvent) error
}

// Observer receives sync outcomes (metrics).
type Observer interface {
	ObserveSync(op, status string, elapsed time.Duration)
}

// Result is the outcome of one sync operation.
type Result struct {
	TaskID         string           `json:"taskId"`
	Op             Op               `json:"op"`
	UpstreamID     string           `json:"upstreamId,omitempty"`
	SyncStatus     store.SyncStatus `json:"syncStatus"`
	ErrorMessage   string           `json:"error,omitempty"`
	LastSyncAt     time.Time        `json:"lastSyncAt"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	Degraded       []string         `json:"degraded,omitempty"`
}

// BulkError is one failed task in a bulk run.
type BulkError struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// BulkResult summarizes a bulk run.
type BulkResult struct {
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Errors  []BulkError `json:"errors"`
}

// Config tunes the syncer.
type Config struct {
	OperationTimeout time.Duration
	BulkLimit        int
}

// Syncer performs task sync operations. It is safe for concurrent use.
type Syncer struct {
	cfg      Config
	store    Store
	backend  upstream.Backend
	resolver Resolver
	orch     *retry.Orchestrator
	observer Observer
	now      func() time.Time
	logger   zerolog.Logger
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithObserver attaches a metrics observer.
func WithObserver(obs Observer) Option {
	return func(s *Syncer) { s.observer = obs }
}

// WithClock replaces the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a syncer.
func New(cfg Config, st Store, backend upstream.Backend, resolver Resolver, orch *retry.Orchestrator, logger zerolog.Logger, opts ...Option) *Syncer {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.BulkLimit <= 0 {
		cfg.BulkLimit = DefaultBulkLimit
	}
	s := &Syncer{
		cfg:      cfg,
		store:    st,
		backend:  backend,
		resolver: resolver,
		orch:     orch,
		now:      time.Now,
		logger:   logger.With().Str("component", "tasksync").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateKey derives the idempotency key for the creation of t. Redelivered
// events for the same logical creation produce the same key.
func CreateKey(t *store.Task) string {
	name := "create:" + t.ID + ":" + t.CreatedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// SyncOptions tunes a single SyncTask call.
type SyncOptions struct {
	// IdempotencyKey overrides the derived create key.
	IdempotencyKey string
}

// SyncByID loads a task and syncs it.
func (s *Syncer) SyncByID(ctx context.Context, id string) (Result, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return Result{TaskID: id}, err
	}
	return s.SyncTask(ctx, t, SyncOptions{})
}

// SyncTask creates or updates t upstream and writes the outcome back.
// A task without an upstream id takes the create path.
//
// The returned error is the upstream error (unchanged, or *retry.ExhaustedError)
// and/or an ErrWriteBack failure.
func (s *Syncer) SyncTask(ctx context.Context, t *store.Task, opts SyncOptions) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	start := s.now()
	op := OpUpdate
	if t.UpstreamID == "" {
		op = OpCreate
	}
	res := Result{TaskID: t.ID, Op: op}
	logger := s.logger.With().Str("task_id", t.ID).Str("op", string(op)).Logger()

	m := newMachine(t.ID)
	if err := m.transition(store.SyncSyncing); err != nil {
		return res, err
	}
	if err := s.store.MarkSyncing(ctx, t.ID); err != nil {
		logger.Warn().Err(err).Msg("could not persist syncing marker")
	}

	item, degraded := buildWorkItem(t, s.resolver)
	res.Degraded = degraded

	var (
		upstreamID string
		cid        string
		err        error
	)
	switch op {
	case OpCreate:
		key := opts.IdempotencyKey
		if key == "" {
			key = CreateKey(t)
		}
		res.IdempotencyKey = key

		var (
			c   created
			out retry.Outcome
		)
		c, out, err = retry.ExecuteWithOutcome(ctx, s.orch, retry.Options{Name: "task.create", IdempotencyKey: key},
			func(ctx context.Context, correlationID string) (created, error) {
				id, err := s.backend.CreateWorkItem(ctx, correlationID, key, item)
				return created{UpstreamID: id, Item: item}, err
			})
		upstreamID, cid = c.UpstreamID, out.CorrelationID

		// Another sync of this task created the work item from older content.
		if err == nil && out.Shared && !sameContent(c.Item, item) {
			logger.Info().Str("upstream_id", upstreamID).Msg("work item was created from older content, sending update")
			op, res.Op = OpUpdate, OpUpdate
			res.UpstreamID = upstreamID
			upstreamID, cid, err = s.update(ctx, upstreamID, item)
		}
	case OpUpdate:
		upstreamID, cid, err = s.update(ctx, t.UpstreamID, item)
	}
	res.CorrelationID = cid

	res.LastSyncAt = s.now()
	if err != nil {
		_ = m.transition(store.SyncError)
		res.SyncStatus = store.SyncError
		res.ErrorMessage = upstreamMessage(err)
		logger.Error().Err(err).Int("status", perrors.StatusCode(err)).Msg("task sync failed")
	} else {
		_ = m.transition(store.SyncSynced)
		res.SyncStatus = store.SyncSynced
		res.UpstreamID = upstreamID
		logger.Info().Str("upstream_id", upstreamID).Msg("task synced")
	}

	wbErr := s.writeBack(ctx, t.ID, res, start)
	s.observe(op, res.SyncStatus, start)
	return res, errors.Join(err, wbErr)
}

// DeleteTask deletes t upstream and removes the local row. A task that was
// never created upstream is a no-op success. An upstream 404 counts as
// already deleted.
func (s *Syncer) DeleteTask(ctx context.Context, t *store.Task) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	start := s.now()
	res := Result{TaskID: t.ID, Op: OpDelete, UpstreamID: t.UpstreamID}
	logger := s.logger.With().Str("task_id", t.ID).Str("op", string(OpDelete)).Logger()

	if t.UpstreamID == "" {
		res.SyncStatus = store.SyncSynced
		res.LastSyncAt = s.now()
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			logger.Warn().Err(err).Msg("could not delete local row")
		}
		logger.Debug().Msg("task never synced, nothing to delete upstream")
		return res, nil
	}

	m := newMachine(t.ID)
	_ = m.transition(store.SyncSyncing)

	_, out, err := retry.ExecuteWithOutcome(ctx, s.orch, retry.Options{Name: "task.delete"},
		func(ctx context.Context, correlationID string) (struct{}, error) {
			return struct{}{}, s.backend.DeleteWorkItem(ctx, correlationID, t.UpstreamID)
		})
	if err != nil && perrors.IsNotFound(err) {
		logger.Info().Str("upstream_id", t.UpstreamID).Msg("upstream work item already deleted")
		err = nil
	}
	res.CorrelationID = out.CorrelationID
	res.LastSyncAt = s.now()

	if err != nil {
		_ = m.transition(store.SyncError)
		res.SyncStatus = store.SyncError
		res.ErrorMessage = upstreamMessage(err)
		logger.Error().Err(err).Msg("upstream delete failed")

		wbErr := s.writeBack(ctx, t.ID, res, start)
		if errors.Is(wbErr, perrors.ErrNotFound) {
			wbErr = nil
		}
		s.observe(OpDelete, res.SyncStatus, start)
		return res, errors.Join(err, wbErr)
	}

	_ = m.transition(store.SyncSynced)
	res.SyncStatus = store.SyncSynced
	logger.Info().Str("upstream_id", t.UpstreamID).Msg("upstream work item deleted")

	wctx, wcancel := writeBackContext(ctx)
	defer wcancel()
	s.recordEvent(wctx, res, start)
	var wbErr error
	if err := s.store.DeleteTask(wctx, t.ID); err != nil {
		logger.Error().Err(err).Msg("could not delete local row")
		wbErr = fmt.Errorf("%w: task %s: %v", ErrWriteBack, t.ID, err)
	}
	s.observe(OpDelete, res.SyncStatus, start)
	return res, wbErr
}

// created is the cached result of a create: the upstream id and the content
// that was sent.
type created struct {
	UpstreamID string
	Item       upstream.WorkItem
}

func (s *Syncer) update(ctx context.Context, upstreamID string, item upstream.WorkItem) (string, string, error) {
	id, out, err := retry.ExecuteWithOutcome(ctx, s.orch, retry.Options{Name: "task.update"},
		func(ctx context.Context, correlationID string) (string, error) {
			return s.backend.UpdateWorkItem(ctx, correlationID, upstreamID, item)
		})
	return id, out.CorrelationID, err
}

// SyncBulk syncs up to limit tasks in the pending or error state, one at a
// time. limit <= 0 uses the configured default.
func (s *Syncer) SyncBulk(ctx context.Context, limit int) (BulkResult, error) {
	if limit <= 0 {
		limit = s.cfg.BulkLimit
	}
	out := BulkResult{Errors: []BulkError{}}

	tasks, err := s.store.ListNeedingSync(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("listing tasks to sync: %w", err)
	}

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			s.logger.Warn().Err(err).Int("remaining", len(tasks)-out.Success-out.Failed).Msg("bulk sync abandoned")
			return out, err
		}
		if _, err := s.SyncTask(ctx, t, SyncOptions{}); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, BulkError{TaskID: t.ID, Error: err.Error()})
			continue
		}
		out.Success++
	}

	s.logger.Info().Int("success", out.Success).Int("failed", out.Failed).Msg("bulk sync finished")
	return out, nil
}

// writeBack persists res. It runs once with its own short deadline, so an
// expired operation context still records the outcome. Failures are logged
// and returned, never retried.
func (s *Syncer) writeBack(ctx context.Context, taskID string, res Result, start time.Time) error {
	wctx, cancel := writeBackContext(ctx)
	defer cancel()

	s.recordEvent(wctx, res, start)

	err := s.store.WriteSyncResult(wctx, taskID, store.SyncResult{
		UpstreamID:   res.UpstreamID,
		SyncStatus:   res.SyncStatus,
		ErrorMessage: res.ErrorMessage,
		LastSyncAt:   res.LastSyncAt,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("task_id", taskID).
			Str("sync_status", string(res.SyncStatus)).
			Str("upstream_id", res.UpstreamID).
			Msg("sync result write-back failed")
		return fmt.Errorf("%w: task %s: %w", ErrWriteBack, taskID, err)
	}
	return nil
}

func (s *Syncer) recordEvent(ctx context.Context, res Result, start time.Time) {
	ev := &store.SyncEvent{
		TaskID:        res.TaskID,
		Op:            string(res.Op),
		Status:        res.SyncStatus,
		UpstreamID:    res.UpstreamID,
		Error:         res.ErrorMessage,
		CorrelationID: res.CorrelationID,
		Duration:      res.LastSyncAt.Sub(start),
		CreatedAt:     res.LastSyncAt,
	}
	if err := s.store.RecordSyncEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("task_id", res.TaskID).Msg("could not record sync event")
	}
}

func (s *Syncer) observe(op Op, status store.SyncStatus, start time.Time) {
	if s.observer != nil {
		s.observer.ObserveSync(string(op), string(status), s.now().Sub(start))
	}
}

func writeBackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
}

// upstreamMessage prefers the upstream's own message for the persisted error.
func upstreamMessage(err error) string {
	var apiErr *perrors.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
