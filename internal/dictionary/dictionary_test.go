package dictionary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/retry"
)

type fakeSource struct {
	mu     sync.Mutex
	tables map[Kind][]Entry
	errs   map[Kind]error
	calls  map[Kind]int
	cids   []string
}

func (f *fakeSource) ListDictionary(_ context.Context, cid string, kind Kind) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[Kind]int)
	}
	f.calls[kind]++
	f.cids = append(f.cids, cid)
	if err := f.errs[kind]; err != nil {
		return nil, err
	}
	return f.tables[kind], nil
}

type degradedCounter struct{ n atomic.Int32 }

func (d *degradedCounter) ObserveDegraded(string) { d.n.Add(1) }

func fullTables() map[Kind][]Entry {
	return map[Kind][]Entry{
		Status: {
			{ID: 1, Name: "New"},
			{ID: 7, Name: "In progress"},
			{ID: 12, Name: "Closed"},
			{ID: 14, Name: "Rejected"},
		},
		Priority: {
			{ID: 7, Name: "Low"},
			{ID: 8, Name: "Normal"},
			{ID: 9, Name: "High"},
		},
		Type: {
			{ID: 1, Name: "Task"},
			{ID: 2, Name: "Milestone"},
		},
	}
}

func testOrchestrator() *retry.Orchestrator {
	return retry.New(retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, zerolog.Nop(),
		retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
}

func loadedCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache(zerolog.Nop())
	require.NoError(t, c.Load(context.Background(), &fakeSource{tables: fullTables()}, testOrchestrator(), Fallback{}))
	return c
}

func TestLoad_FromAPI(t *testing.T) {
	c := loadedCache(t)

	assert.True(t, c.Ready())
	for _, kind := range Kinds {
		assert.Equal(t, OriginAPI, c.Origins()[kind])
	}
	assert.Equal(t, 7, c.Snapshot()[Status]["in progress"])
}

func TestResolve_CaseInsensitive(t *testing.T) {
	c := loadedCache(t)

	a := c.Resolve("Status", "IN PROGRESS")
	b := c.Resolve("status", "in progress")
	assert.True(t, a.Matched)
	assert.Equal(t, b, a)
	assert.Equal(t, 7, a.ID)

	assert.Equal(t, 9, c.Resolve(Priority, " High ").ID)
}

func TestResolve_MissingNameDegradesToFirstID(t *testing.T) {
	c := loadedCache(t)
	obs := &degradedCounter{}
	c.SetObserver(obs)

	res := c.Resolve(Priority, "urgent")
	assert.False(t, res.Matched)
	assert.True(t, res.Degraded())
	assert.Equal(t, 7, res.ID, "first id in load order")
	assert.Contains(t, res.Reason, "urgent")
	assert.Equal(t, int32(1), obs.n.Load())
}

func TestResolve_UnknownDictionary(t *testing.T) {
	c := loadedCache(t)
	res := c.Resolve("category", "bug")
	assert.True(t, res.Degraded())
	assert.Zero(t, res.ID)
}

func TestLoad_RetriesWithinCeiling(t *testing.T) {
	src := &fakeSource{
		tables: fullTables(),
		errs:   map[Kind]error{Type: perrors.NewAPIError("openproject", 503, "down")},
	}
	fb, _ := ParseFallback(map[string]map[string]string{"type": {"task": "1"}})

	c := NewCache(zerolog.Nop())
	require.NoError(t, c.Load(context.Background(), src, testOrchestrator(), fb))

	assert.Equal(t, 3, src.calls[Type], "max retries 2 means 3 attempts")
	assert.Equal(t, 1, src.calls[Status])
	assert.Equal(t, OriginFallback, c.Origins()[Type])
}

func TestLoad_APIFailureUsesEnvFallback(t *testing.T) {
	down := errors.New("connection refused")
	src := &fakeSource{errs: map[Kind]error{
		Status:   perrors.NewAPIError("openproject", 401, "bad key"),
		Priority: perrors.NewAPIError("openproject", 401, "bad key"),
		Type:     down,
	}}
	fb, problems := ParseFallback(map[string]map[string]string{
		"status":   {"new": "1", "in progress": "7", "closed": "12", "rejected": "14"},
		"priority": {"high": "9", "normal": "8", "low": "7"},
		"type":     {"task": "1"},
	})
	require.Empty(t, problems)

	c := NewCache(zerolog.Nop())
	require.NoError(t, c.Load(context.Background(), src, testOrchestrator(), fb))

	assert.True(t, c.Ready())
	assert.Equal(t, 14, c.Resolve(Status, "Rejected").ID)
	assert.Equal(t, OriginFallback, c.Origins()[Priority])
}

func TestLoad_MissingRequiredEntriesIsFatal(t *testing.T) {
	src := &fakeSource{errs: map[Kind]error{
		Status:   perrors.NewAPIError("openproject", 500, "boom"),
		Priority: perrors.NewAPIError("openproject", 500, "boom"),
		Type:     perrors.NewAPIError("openproject", 500, "boom"),
	}}
	fb, _ := ParseFallback(map[string]map[string]string{"status": {"new": "1"}})

	c := NewCache(zerolog.Nop())
	err := c.Load(context.Background(), src, testOrchestrator(), fb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrConfig))

	var cfgErr *perrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Vars, "STATUS_IN_PROGRESS_ID")
	assert.Contains(t, cfgErr.Vars, "TYPE_TASK_ID")
	assert.NotContains(t, cfgErr.Vars, "STATUS_NEW_ID")

	assert.False(t, c.Ready())
	assert.Empty(t, c.Snapshot(), "no partial state installed")
}

func TestLoad_PartialAPITableFilledFromFallback(t *testing.T) {
	tables := fullTables()
	tables[Status] = tables[Status][:2] // new, in progress
	fb, _ := ParseFallback(map[string]map[string]string{
		"status": {"closed": "30", "rejected": "31"},
	})

	c := NewCache(zerolog.Nop())
	require.NoError(t, c.Load(context.Background(), &fakeSource{tables: tables}, testOrchestrator(), fb))

	assert.Equal(t, OriginMixed, c.Origins()[Status])
	assert.Equal(t, 30, c.Resolve(Status, "closed").ID)
	assert.Equal(t, 1, c.Resolve(Status, "new").ID, "api value wins over fallback")
}

func TestLoad_CorrelationIDPerSequence(t *testing.T) {
	src := &fakeSource{tables: fullTables()}
	c := NewCache(zerolog.Nop())
	require.NoError(t, c.Load(context.Background(), src, testOrchestrator(), Fallback{}))

	require.Len(t, src.cids, 3)
	assert.NotEqual(t, src.cids[0], src.cids[1])
	for _, cid := range src.cids {
		assert.NotEmpty(t, cid)
	}
}

func TestParseFallback_SkipsInvalidValues(t *testing.T) {
	fb, problems := ParseFallback(map[string]map[string]string{
		"status":   {"new": "1", "closed": "abc", "rejected": "-4", "in progress": ""},
		"Priority": {"HIGH": " 9 "},
	})

	id, ok := fb.Lookup(Status, "New")
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	_, ok = fb.Lookup(Status, "closed")
	assert.False(t, ok)
	_, ok = fb.Lookup(Status, "in progress")
	assert.False(t, ok)

	id, ok = fb.Lookup(Priority, "high")
	assert.True(t, ok)
	assert.Equal(t, 9, id)

	assert.Equal(t, 2, fb.Len())
	assert.ElementsMatch(t, []string{
		"STATUS_CLOSED_ID: not a positive integer",
		"STATUS_REJECTED_ID: not a positive integer",
	}, problems)
}

func TestParseFallback_LaterSourceWins(t *testing.T) {
	fb, _ := ParseFallback(
		map[string]map[string]string{"type": {"task": "1"}},
		map[string]map[string]string{"type": {"task": "5"}},
	)
	id, _ := fb.Lookup(Type, "task")
	assert.Equal(t, 5, id)
}

func TestLoadFallbackFile_ExpandsEnv(t *testing.T) {
	t.Setenv("TASKSYNC_TEST_CLOSED", "12")
	path := filepath.Join(t.TempDir(), "fallback.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
status:
  new: 1
  closed: ${TASKSYNC_TEST_CLOSED}
type:
  task: $TASKSYNC_TEST_UNSET_VAR
`), 0o600))

	raw, err := LoadFallbackFile(path)
	require.NoError(t, err)
	assert.Equal(t, "12", raw["status"]["closed"])
	assert.Equal(t, "", raw["type"]["task"])

	fb, problems := ParseFallback(raw)
	assert.Empty(t, problems)
	id, ok := fb.Lookup(Status, "closed")
	assert.True(t, ok)
	assert.Equal(t, 12, id)
}

func TestLoadFallbackFile_Missing(t *testing.T) {
	_, err := LoadFallbackFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "STATUS_IN_PROGRESS_ID", EnvVarName(Status, "In Progress"))
	assert.Equal(t, "PRIORITY_HIGH_ID", EnvVarName(Priority, "high"))
	assert.Equal(t, "TYPE_TASK_ID", EnvVarName(Type, "task"))
}
