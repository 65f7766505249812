package tasksync

import (
	"strings"

	"github.com/p-blackswan/tasksync/internal/dictionary"
	"github.com/p-blackswan/tasksync/internal/store"
	"github.com/p-blackswan/tasksync/internal/upstream"
)

// priorityNames maps source priorities to canonical dictionary names.
var priorityNames = map[string]string{
	"immediate": "high",
	"urgent":    "high",
	"high":      "high",
	"normal":    "normal",
	"medium":    "normal",
	"low":       "low",
}

// statusNames maps source statuses to canonical dictionary names.
var statusNames = map[string]string{
	"pending":     "new",
	"new":         "new",
	"in_progress": "in progress",
	"in progress": "in progress",
	"completed":   "closed",
	"done":        "closed",
	"cancelled":   "rejected",
	"canceled":    "rejected",
}

const (
	defaultPriority = "normal"
	defaultStatus   = "new"
	defaultType     = "task"
)

// CanonicalPriority normalizes a source priority. Empty or unknown values map
// to "normal".
func CanonicalPriority(p string) string {
	if name, ok := priorityNames[strings.ToLower(strings.TrimSpace(p))]; ok {
		return name
	}
	return defaultPriority
}

// CanonicalStatus normalizes a source status. Empty or unknown values map to
// "new".
func CanonicalStatus(s string) string {
	if name, ok := statusNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return name
	}
	return defaultStatus
}

// Resolver resolves canonical names to upstream ids.
type Resolver interface {
	Resolve(kind dictionary.Kind, name string) dictionary.Resolution
}

// buildWorkItem maps a task row to the upstream payload. The second return
// lists the dictionaries that resolved in degraded mode.
func buildWorkItem(t *store.Task, r Resolver) (upstream.WorkItem, []string) {
	var degraded []string
	ref := func(kind dictionary.Kind, name string) upstream.Ref {
		res := r.Resolve(kind, name)
		if res.Degraded() {
			degraded = append(degraded, string(kind)+":"+name)
		}
		return upstream.Ref{ID: res.ID, Name: name}
	}

	item := upstream.WorkItem{
		Subject:     t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Status:      ref(dictionary.Status, CanonicalStatus(t.Status)),
		Priority:    ref(dictionary.Priority, CanonicalPriority(t.Priority)),
		Type:        ref(dictionary.Type, defaultType),
	}
	return item, degraded
}

// sameContent reports whether two payloads would leave the work item in the
// same state.
func sameContent(a, b upstream.WorkItem) bool {
	sameDue := (a.DueDate == nil) == (b.DueDate == nil) &&
		(a.DueDate == nil || a.DueDate.Equal(*b.DueDate))
	return a.Subject == b.Subject &&
		a.Description == b.Description &&
		a.Status == b.Status &&
		a.Priority == b.Priority &&
		a.Type == b.Type &&
		sameDue
}
