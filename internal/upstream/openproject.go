package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/tasksync/internal/config"
	"github.com/p-blackswan/tasksync/internal/dictionary"
)

// OpenProject talks to the OpenProject API v3.
type OpenProject struct {
	*client
	projectID int
}

// NewOpenProject creates an OpenProject client. baseURL is the instance root;
// the /api/v3 prefix is added here.
func NewOpenProject(baseURL, apiKey string, projectID int, opts Options, logger zerolog.Logger) *OpenProject {
	return &OpenProject{
		client:    newClient(string(config.BackendOpenProject), trimSlash(baseURL)+"/api/v3", &APIKeyAuth{Key: apiKey}, opts, logger),
		projectID: projectID,
	}
}

func (o *OpenProject) Kind() config.BackendKind { return config.BackendOpenProject }

type opCollection struct {
	Embedded struct {
		Elements []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"elements"`
	} `json:"_embedded"`
}

type opLink struct {
	Href string `json:"href"`
}

type opFormattable struct {
	Format string `json:"format"`
	Raw    string `json:"raw"`
}

type opWorkPackage struct {
	LockVersion *int              `json:"lockVersion,omitempty"`
	Subject     string            `json:"subject"`
	Description *opFormattable    `json:"description,omitempty"`
	DueDate     *string           `json:"dueDate,omitempty"`
	Links       map[string]opLink `json:"_links,omitempty"`
}

type opWorkPackageResponse struct {
	ID          int `json:"id"`
	LockVersion int `json:"lockVersion"`
}

var opDictionaryPaths = map[dictionary.Kind]string{
	dictionary.Status:   "/statuses",
	dictionary.Priority: "/priorities",
	dictionary.Type:     "/types",
}

// ListDictionary reads one of the global enum collections.
func (o *OpenProject) ListDictionary(ctx context.Context, correlationID string, kind dictionary.Kind) ([]dictionary.Entry, error) {
	path, ok := opDictionaryPaths[kind.Normalize()]
	if !ok {
		return nil, fmt.Errorf("openproject: unknown dictionary %q", kind)
	}
	var coll opCollection
	if err := o.do(ctx, correlationID, http.MethodGet, path, nil, nil, &coll); err != nil {
		return nil, err
	}
	entries := make([]dictionary.Entry, 0, len(coll.Embedded.Elements))
	for _, el := range coll.Embedded.Elements {
		entries = append(entries, dictionary.Entry{ID: el.ID, Name: el.Name})
	}
	return entries, nil
}

// CreateWorkItem creates a work package in the configured project.
func (o *OpenProject) CreateWorkItem(ctx context.Context, correlationID, idempotencyKey string, item WorkItem) (string, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{IdempotencyHeader: idempotencyKey}
	}
	var resp opWorkPackageResponse
	path := fmt.Sprintf("/projects/%d/work_packages", o.projectID)
	if err := o.do(ctx, correlationID, http.MethodPost, path, headers, o.payload(item, nil), &resp); err != nil {
		return "", err
	}
	if resp.ID == 0 {
		return "", fmt.Errorf("openproject: create returned no id")
	}
	return strconv.Itoa(resp.ID), nil
}

// UpdateWorkItem patches a work package. OpenProject requires the current
// lockVersion, so it is read first.
func (o *OpenProject) UpdateWorkItem(ctx context.Context, correlationID, upstreamID string, item WorkItem) (string, error) {
	path := "/work_packages/" + url.PathEscape(upstreamID)
	var current opWorkPackageResponse
	if err := o.do(ctx, correlationID, http.MethodGet, path, nil, nil, &current); err != nil {
		return "", err
	}
	lock := current.LockVersion

	var resp opWorkPackageResponse
	if err := o.do(ctx, correlationID, http.MethodPatch, path, nil, o.payload(item, &lock), &resp); err != nil {
		return "", err
	}
	if resp.ID != 0 {
		return strconv.Itoa(resp.ID), nil
	}
	return upstreamID, nil
}

// DeleteWorkItem deletes a work package.
func (o *OpenProject) DeleteWorkItem(ctx context.Context, correlationID, upstreamID string) error {
	return o.do(ctx, correlationID, http.MethodDelete, "/work_packages/"+url.PathEscape(upstreamID), nil, nil, nil)
}

// Ping reads the API root.
func (o *OpenProject) Ping(ctx context.Context) error {
	return o.do(ctx, "", http.MethodGet, "", nil, nil, nil)
}

func (o *OpenProject) payload(item WorkItem, lockVersion *int) opWorkPackage {
	wp := opWorkPackage{
		LockVersion: lockVersion,
		Subject:     item.Subject,
		Links:       make(map[string]opLink, 3),
	}
	if item.Description != "" {
		wp.Description = &opFormattable{Format: "markdown", Raw: item.Description}
	}
	if d := item.dueDate(); d != "" {
		wp.DueDate = &d
	}
	if item.Type.ID > 0 {
		wp.Links["type"] = opLink{Href: fmt.Sprintf("/api/v3/types/%d", item.Type.ID)}
	}
	if item.Status.ID > 0 {
		wp.Links["status"] = opLink{Href: fmt.Sprintf("/api/v3/statuses/%d", item.Status.ID)}
	}
	if item.Priority.ID > 0 {
		wp.Links["priority"] = opLink{Href: fmt.Sprintf("/api/v3/priorities/%d", item.Priority.ID)}
	}
	return wp
}
