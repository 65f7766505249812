package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/tasksync/internal/config"
	"github.com/p-blackswan/tasksync/internal/dictionary"
)

// ERPNext talks to the Frappe REST API (/api/resource/{DocType}).
type ERPNext struct {
	*client

	// ERPNext links dictionary values by name, not by number. Ids handed out
	// by ListDictionary are mapped back to the upstream name here.
	mu    sync.RWMutex
	names map[dictionary.Kind]map[int]string
}

// NewERPNext creates an ERPNext client.
func NewERPNext(baseURL, apiKey, apiSecret string, opts Options, logger zerolog.Logger) *ERPNext {
	return &ERPNext{
		client: newClient(string(config.BackendERPNext), trimSlash(baseURL), &TokenAuth{Key: apiKey, Secret: apiSecret}, opts, logger),
		names:  make(map[dictionary.Kind]map[int]string),
	}
}

func (e *ERPNext) Kind() config.BackendKind { return config.BackendERPNext }

const erpTaskPath = "/api/resource/Task"

var erpDoctypes = map[dictionary.Kind]string{
	dictionary.Status:   "Task Status",
	dictionary.Priority: "Task Priority",
	dictionary.Type:     "Task Type",
}

type erpTask struct {
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	ExpEndDate  string `json:"exp_end_date,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Type        string `json:"type,omitempty"`
}

type erpDoc struct {
	Data struct {
		Name string `json:"name"`
	} `json:"data"`
}

// ListDictionary reads a doctype listing. The row's idx is the id.
func (e *ERPNext) ListDictionary(ctx context.Context, correlationID string, kind dictionary.Kind) ([]dictionary.Entry, error) {
	kind = kind.Normalize()
	doctype, ok := erpDoctypes[kind]
	if !ok {
		return nil, fmt.Errorf("erpnext: unknown dictionary %q", kind)
	}
	q := url.Values{}
	q.Set("fields", `["name","idx"]`)
	q.Set("limit_page_length", "0")

	var resp struct {
		Data []struct {
			Name string `json:"name"`
			Idx  int    `json:"idx"`
		} `json:"data"`
	}
	if err := e.do(ctx, correlationID, http.MethodGet, "/api/resource/"+url.PathEscape(doctype)+"?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}

	entries := make([]dictionary.Entry, 0, len(resp.Data))
	names := make(map[int]string, len(resp.Data))
	for _, row := range resp.Data {
		entries = append(entries, dictionary.Entry{ID: row.Idx, Name: row.Name})
		if _, dup := names[row.Idx]; !dup {
			names[row.Idx] = row.Name
		}
	}
	e.mu.Lock()
	e.names[kind] = names
	e.mu.Unlock()
	return entries, nil
}

// CreateWorkItem inserts a Task document and returns its name.
func (e *ERPNext) CreateWorkItem(ctx context.Context, correlationID, idempotencyKey string, item WorkItem) (string, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{IdempotencyHeader: idempotencyKey}
	}
	var doc erpDoc
	if err := e.do(ctx, correlationID, http.MethodPost, erpTaskPath, headers, e.payload(item), &doc); err != nil {
		return "", err
	}
	if doc.Data.Name == "" {
		return "", fmt.Errorf("erpnext: create returned no name")
	}
	return doc.Data.Name, nil
}

// UpdateWorkItem overwrites the Task document fields.
func (e *ERPNext) UpdateWorkItem(ctx context.Context, correlationID, upstreamID string, item WorkItem) (string, error) {
	var doc erpDoc
	if err := e.do(ctx, correlationID, http.MethodPut, erpTaskPath+"/"+url.PathEscape(upstreamID), nil, e.payload(item), &doc); err != nil {
		return "", err
	}
	if doc.Data.Name != "" {
		return doc.Data.Name, nil
	}
	return upstreamID, nil
}

// DeleteWorkItem deletes a Task document.
func (e *ERPNext) DeleteWorkItem(ctx context.Context, correlationID, upstreamID string) error {
	return e.do(ctx, correlationID, http.MethodDelete, erpTaskPath+"/"+url.PathEscape(upstreamID), nil, nil, nil)
}

// Ping calls the Frappe ping method.
func (e *ERPNext) Ping(ctx context.Context) error {
	return e.do(ctx, "", http.MethodGet, "/api/method/ping", nil, nil, nil)
}

func (e *ERPNext) payload(item WorkItem) erpTask {
	return erpTask{
		Subject:     item.Subject,
		Description: item.Description,
		ExpEndDate:  item.dueDate(),
		Status:      e.name(dictionary.Status, item.Status),
		Priority:    e.name(dictionary.Priority, item.Priority),
		Type:        e.name(dictionary.Type, item.Type),
	}
}

// name returns the upstream spelling for ref, falling back to the canonical
// name when the id came from the fallback table.
func (e *ERPNext) name(kind dictionary.Kind, ref Ref) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n, ok := e.names[kind][ref.ID]; ok {
		return n
	}
	return ref.Name
}
