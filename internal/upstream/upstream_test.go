package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/tasksync/internal/config"
	"github.com/p-blackswan/tasksync/internal/dictionary"
	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/requestid"
)

func setupOpenProject(t *testing.T, handler http.HandlerFunc) *OpenProject {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenProject(server.URL+"/", "op-secret", 3, Options{HTTPClient: server.Client()}, zerolog.Nop())
}

func setupERPNext(t *testing.T, handler http.HandlerFunc) *ERPNext {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewERPNext(server.URL, "k", "s", Options{HTTPClient: server.Client()}, zerolog.Nop())
}

func sampleItem() WorkItem {
	due := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	return WorkItem{
		Subject:     "Replace filter",
		Description: "Unit 4 **urgent**",
		DueDate:     &due,
		Status:      Ref{ID: 1, Name: "new"},
		Priority:    Ref{ID: 9, Name: "high"},
		Type:        Ref{ID: 1, Name: "task"},
	}
}

func TestOpenProject_ListDictionary(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/statuses", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"_embedded": map[string]any{
				"elements": []map[string]any{
					{"id": 1, "name": "New"},
					{"id": 7, "name": "In progress"},
				},
			},
		})
	})

	entries, err := op.ListDictionary(context.Background(), "cid", dictionary.Status)
	require.NoError(t, err)
	assert.Equal(t, []dictionary.Entry{{ID: 1, Name: "New"}, {ID: 7, Name: "In progress"}}, entries)
}

func TestOpenProject_CreateWorkItem(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/projects/3/work_packages", r.URL.Path)
		assert.Equal(t, "idem-1", r.Header.Get(IdempotencyHeader))
		assert.Equal(t, "corr-1", r.Header.Get(requestid.Header))
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("apikey:op-secret")), r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Replace filter", body["subject"])
		assert.Equal(t, "2026-03-14", body["dueDate"])
		assert.Equal(t, map[string]any{"format": "markdown", "raw": "Unit 4 **urgent**"}, body["description"])
		links := body["_links"].(map[string]any)
		assert.Equal(t, "/api/v3/priorities/9", links["priority"].(map[string]any)["href"])
		assert.Equal(t, "/api/v3/statuses/1", links["status"].(map[string]any)["href"])
		assert.Equal(t, "/api/v3/types/1", links["type"].(map[string]any)["href"])
		assert.NotContains(t, body, "lockVersion")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 42, "lockVersion": 0}`))
	})

	// The explicit correlation id wins over the request id in ctx.
	ctx := requestid.WithRequestID(context.Background(), "req-outer")
	id, err := op.CreateWorkItem(ctx, "corr-1", "idem-1", sampleItem())
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestOpenProject_UpdateFetchesLockVersion(t *testing.T) {
	var methods []string
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		assert.Equal(t, "/api/v3/work_packages/42", r.URL.Path)
		assert.Empty(t, r.Header.Get(IdempotencyHeader))
		assert.Equal(t, "cid", r.Header.Get(requestid.Header))
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"id": 42, "lockVersion": 5}`))
		case http.MethodPatch:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 5, body["lockVersion"])
			w.Write([]byte(`{"id": 42, "lockVersion": 6}`))
		}
	})

	id, err := op.UpdateWorkItem(context.Background(), "cid", "42", sampleItem())
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, []string{http.MethodGet, http.MethodPatch}, methods)
}

func TestOpenProject_ErrorBecomesAPIError(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"_type":"Error","message":"Subject can't be blank."}`))
	})

	_, err := op.CreateWorkItem(context.Background(), "cid", "", WorkItem{})
	require.Error(t, err)

	var apiErr *perrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 422, apiErr.StatusCode)
	assert.Equal(t, "openproject", apiErr.Service)
	assert.Equal(t, "Subject can't be blank.", apiErr.Message)
	assert.False(t, perrors.IsRetryable(err))
	assert.NotContains(t, err.Error(), "op-secret")
}

func TestOpenProject_ServerErrorIsRetryable(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := op.DeleteWorkItem(context.Background(), "cid", "42")
	require.Error(t, err)
	assert.Equal(t, 503, perrors.StatusCode(err))
	assert.True(t, perrors.IsRetryable(err))
}

func TestOpenProject_UnauthorizedIsAuthFailure(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"_type":"Error","message":"You did not provide the correct credentials."}`))
	})
	_, err := op.ListDictionary(context.Background(), "cid", dictionary.Status)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	assert.Equal(t, 401, perrors.StatusCode(err))
	assert.False(t, perrors.IsRetryable(err))
}

func TestOpenProject_DeleteNotFound(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	err := op.DeleteWorkItem(context.Background(), "cid", "42")
	assert.True(t, perrors.IsNotFound(err))
}

func TestTransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	op := NewOpenProject(url, "key", 1, Options{Timeout: time.Second}, zerolog.Nop())
	err := op.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrUnavailable))
	assert.True(t, perrors.IsRetryable(err))
}

func TestCanceledContextIsNotRetryable(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := op.Ping(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, perrors.IsRetryable(err))
}

func TestERPNext_ListDictionaryAndNames(t *testing.T) {
	var created map[string]any
	erp := setupERPNext(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token k:s", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/resource/Task Status":
			assert.Equal(t, `["name","idx"]`, r.URL.Query().Get("fields"))
			w.Write([]byte(`{"data":[{"name":"Open","idx":1},{"name":"Working","idx":2}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/resource/Task":
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, &created))
			w.Write([]byte(`{"data":{"name":"TASK-0001"}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	entries, err := erp.ListDictionary(context.Background(), "cid", dictionary.Status)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	item := sampleItem()
	item.Status = Ref{ID: 2, Name: "in progress"}
	name, err := erp.CreateWorkItem(context.Background(), "cid", "idem", item)
	require.NoError(t, err)
	assert.Equal(t, "TASK-0001", name)

	assert.Equal(t, "Working", created["status"], "upstream spelling for known id")
	assert.Equal(t, "high", created["priority"], "canonical name when not listed")
	assert.Equal(t, "2026-03-14", created["exp_end_date"])
}

func TestERPNext_UpdateAndDelete(t *testing.T) {
	erp := setupERPNext(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/resource/Task/TASK-0001", r.URL.Path)
		assert.Equal(t, "cid", r.Header.Get(requestid.Header))
		switch r.Method {
		case http.MethodPut:
			w.Write([]byte(`{"data":{"name":"TASK-0001"}}`))
		case http.MethodDelete:
			w.Write([]byte(`{"message":"ok"}`))
		}
	})

	id, err := erp.UpdateWorkItem(context.Background(), "cid", "TASK-0001", sampleItem())
	require.NoError(t, err)
	assert.Equal(t, "TASK-0001", id)
	require.NoError(t, erp.DeleteWorkItem(context.Background(), "cid", "TASK-0001"))
}

func TestERPNext_FrappeExceptionMessage(t *testing.T) {
	erp := setupERPNext(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"exc_type":"PermissionError","exception":"frappe.exceptions.PermissionError"}`))
	})
	err := erp.Ping(context.Background())
	var apiErr *perrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "frappe.exceptions.PermissionError", apiErr.Message)
}

func TestNew_SelectsBackend(t *testing.T) {
	b, err := New(config.BackendConfig{Kind: config.BackendERPNext, URL: "http://erp", APIKey: "k", APISecret: "s"}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.BackendERPNext, b.Kind())

	b, err = New(config.BackendConfig{Kind: config.BackendOpenProject, URL: "http://op", APIKey: "k", ProjectID: 1}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.BackendOpenProject, b.Kind())

	_, err = New(config.BackendConfig{Kind: "jira"}, Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRateLimiterBlocksUntilToken(t *testing.T) {
	op := setupOpenProject(t, func(w http.ResponseWriter, r *http.Request) {})
	c := newClient("openproject", op.baseURL, &APIKeyAuth{Key: "k"}, Options{RateLimit: 1, Burst: 1, HTTPClient: op.httpClient}, zerolog.Nop())

	require.NoError(t, c.do(context.Background(), "", http.MethodGet, "", nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.do(ctx, "", http.MethodGet, "", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrRateLimit))
}

func TestAPIKeyAuth_Apply(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.com", nil)
	require.Error(t, (&APIKeyAuth{}).Apply(req))
	require.NoError(t, (&APIKeyAuth{Key: "abc"}).Apply(req))
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("apikey:abc")), req.Header.Get("Authorization"))
}

func TestTokenAuth_Apply(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.com", nil)
	require.Error(t, (&TokenAuth{Key: "k"}).Apply(req))
	require.NoError(t, (&TokenAuth{Key: "k", Secret: "s"}).Apply(req))
	assert.Equal(t, "token k:s", req.Header.Get("Authorization"))
}
