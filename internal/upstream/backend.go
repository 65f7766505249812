package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/tasksync/internal/config"
	"github.com/p-blackswan/tasksync/internal/dictionary"
)

// Backend is one upstream project-management system.
type Backend interface {
	Kind() config.BackendKind
	ListDictionary(ctx context.Context, correlationID string, kind dictionary.Kind) ([]dictionary.Entry, error)
	// CreateWorkItem creates a work item and returns its upstream id.
	CreateWorkItem(ctx context.Context, correlationID, idempotencyKey string, item WorkItem) (string, error)
	// UpdateWorkItem replaces the mutable fields of an existing work item.
	UpdateWorkItem(ctx context.Context, correlationID, upstreamID string, item WorkItem) (string, error)
	DeleteWorkItem(ctx context.Context, correlationID, upstreamID string) error
	Ping(ctx context.Context) error
}

// Ref is a resolved dictionary value. Name is the canonical lower-case name
// the id was resolved from.
type Ref struct {
	ID   int
	Name string
}

// WorkItem is the backend-neutral payload for create and update.
type WorkItem struct {
	Subject     string
	Description string
	DueDate     *time.Time
	Status      Ref
	Priority    Ref
	Type        Ref
}

func (w WorkItem) dueDate() string {
	if w.DueDate == nil || w.DueDate.IsZero() {
		return ""
	}
	return w.DueDate.Format(time.DateOnly)
}

// New builds the client for the resolved backend.
func New(cfg config.BackendConfig, opts Options, logger zerolog.Logger) (Backend, error) {
	switch cfg.Kind {
	case config.BackendOpenProject:
		return NewOpenProject(cfg.URL, cfg.APIKey, cfg.ProjectID, opts, logger), nil
	case config.BackendERPNext:
		return NewERPNext(cfg.URL, cfg.APIKey, cfg.APISecret, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
