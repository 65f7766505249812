package tasksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/store"
)

// EventType is the database change kind.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a database-webhook change event.
type Event struct {
	Type      EventType   `json:"type"`
	Table     string      `json:"table,omitempty"`
	Record    *TaskRecord `json:"record"`
	OldRecord *TaskRecord `json:"old_record"`
}

// TaskRecord is a task row as delivered by the database webhook. Both the
// short column names and the legacy OpenProject-prefixed ones are accepted.
type TaskRecord struct {
	ID                  flexString `json:"id"`
	Title               string     `json:"title"`
	TaskTitle           string     `json:"task_title"`
	Description         string     `json:"description"`
	DescriptionDetailed string     `json:"task_description_detailed"`
	Status              string     `json:"status"`
	Priority            string     `json:"priority"`
	DueDate             string     `json:"due_date"`
	DueAt               string     `json:"due_at"`
	UpstreamID          flexString `json:"upstream_id"`
	OpenProjectID       flexString `json:"openproject_id"`
	ERPNextID           flexString `json:"erpnext_id"`
	SyncStatus          string     `json:"sync_status"`
	OpenProjectSync     string     `json:"openproject_sync_status"`
	CreatedAt           string     `json:"created_at"`
}

// Task converts the record to a store row.
func (r *TaskRecord) Task() (*store.Task, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: missing record", perrors.ErrInvalidInput)
	}
	id := strings.TrimSpace(string(r.ID))
	if id == "" {
		return nil, fmt.Errorf("%w: record has no id", perrors.ErrInvalidInput)
	}

	t := &store.Task{
		ID:          id,
		Title:       firstNonEmpty(r.TaskTitle, r.Title),
		Description: firstNonEmpty(r.DescriptionDetailed, r.Description),
		Status:      r.Status,
		Priority:    r.Priority,
		UpstreamID:  firstNonEmpty(string(r.UpstreamID), string(r.OpenProjectID), string(r.ERPNextID)),
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.Priority == "" {
		t.Priority = defaultPriority
	}
	t.DueDate = parseDue(r.DueAt, r.DueDate)
	if ts, err := parseTimestamp(r.CreatedAt); err == nil {
		t.CreatedAt = ts
	}
	return t, nil
}

// contentEqual reports whether two records carry the same synced fields. An
// UPDATE that changes nothing else is the echo of a sync write-back.
func contentEqual(a, b *TaskRecord) bool {
	ta, errA := a.Task()
	tb, errB := b.Task()
	if errA != nil || errB != nil {
		return false
	}
	sameDue := (ta.DueDate == nil && tb.DueDate == nil) ||
		(ta.DueDate != nil && tb.DueDate != nil && ta.DueDate.Equal(*tb.DueDate))
	return ta.Title == tb.Title &&
		ta.Description == tb.Description &&
		ta.Status == tb.Status &&
		ta.Priority == tb.Priority &&
		sameDue
}

func (r *TaskRecord) syncStatus() string {
	return firstNonEmpty(r.SyncStatus, r.OpenProjectSync)
}

// HandleEvent applies one change event.
//
// INSERT and UPDATE store the record and sync it. An UPDATE whose only changes
// are sync columns is skipped, unless it moved the row back to pending.
// DELETE removes the upstream work item when one exists.
func (s *Syncer) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	switch EventType(strings.ToUpper(string(ev.Type))) {
	case EventInsert, EventUpdate:
		t, err := ev.Record.Task()
		if err != nil {
			return Result{}, err
		}
		if ev.OldRecord != nil && contentEqual(ev.Record, ev.OldRecord) &&
			!(ev.Record.syncStatus() == string(store.SyncPending) && ev.OldRecord.syncStatus() != string(store.SyncPending)) {
			s.logger.Debug().Str("task_id", t.ID).Msg("update carries no content change, skipping")
			return Result{TaskID: t.ID, Op: OpSkip}, nil
		}

		t.SyncStatus = store.SyncPending
		if err := s.store.SaveTask(ctx, t); err != nil {
			return Result{TaskID: t.ID}, fmt.Errorf("saving task %s: %w", t.ID, err)
		}
		stored, err := s.store.GetTask(ctx, t.ID)
		if err != nil {
			return Result{TaskID: t.ID}, err
		}
		return s.SyncTask(ctx, stored, SyncOptions{})

	case EventDelete:
		rec := ev.OldRecord
		if rec == nil {
			rec = ev.Record
		}
		t, err := rec.Task()
		if err != nil {
			return Result{}, err
		}
		if t.UpstreamID == "" {
			if stored, err := s.store.GetTask(ctx, t.ID); err == nil {
				t.UpstreamID = stored.UpstreamID
			} else if !errors.Is(err, perrors.ErrNotFound) {
				return Result{TaskID: t.ID}, err
			}
		}
		return s.DeleteTask(ctx, t)

	default:
		return Result{}, fmt.Errorf("%w: unsupported event type %q", perrors.ErrInvalidInput, ev.Type)
	}
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDue prefers a full due timestamp over a bare date.
func parseDue(dueAt, dueDate string) *time.Time {
	if ts, err := parseTimestamp(dueAt); err == nil {
		d := time.Date(ts.UTC().Year(), ts.UTC().Month(), ts.UTC().Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	if dueDate = strings.TrimSpace(dueDate); dueDate != "" {
		if len(dueDate) > len(time.DateOnly) {
			dueDate = dueDate[:len(time.DateOnly)]
		}
		if d, err := time.Parse(time.DateOnly, dueDate); err == nil {
			return &d
		}
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
