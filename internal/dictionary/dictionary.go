// Package dictionary resolves human-readable enum names (status, priority,
// type) to the numeric identifiers of one upstream deployment.
//
// The tables are loaded once at startup and are immutable afterwards. Lookups
// are case-insensitive. A name missing from a loaded table resolves to the
// first id of that table and is reported as degraded, never as an error.
package dictionary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/retry"
)

// Kind names one dictionary.
type Kind string

const (
	Status   Kind = "status"
	Priority Kind = "priority"
	Type     Kind = "type"
)

// Kinds lists every dictionary in load order.
var Kinds = []Kind{Status, Priority, Type}

// Normalize lower-cases and trims a dictionary kind.
func (k Kind) Normalize() Kind {
	return Kind(strings.ToLower(strings.TrimSpace(string(k))))
}

// Required lists the entries every dictionary must contain after loading.
// Startup fails if any is unresolved after the fallback path.
var Required = map[Kind][]string{
	Status:   {"new", "in progress", "closed", "rejected"},
	Priority: {"high", "normal", "low"},
	Type:     {"task"},
}

// Entry is one upstream enum value.
type Entry struct {
	ID   int
	Name string
}

// Source fetches a dictionary from the upstream API.
type Source interface {
	ListDictionary(ctx context.Context, correlationID string, kind Kind) ([]Entry, error)
}

// Resolution is the outcome of a lookup: either a match or a degraded
// fallback to the first available id.
type Resolution struct {
	ID      int
	Matched bool
	Reason  string
}

// Degraded reports whether the lookup fell back to a default id.
func (r Resolution) Degraded() bool { return !r.Matched }

// Observer is notified of degraded lookups (metrics).
type Observer interface {
	ObserveDegraded(kind string)
}

// Origin records where a table came from.
type Origin string

const (
	OriginAPI      Origin = "api"
	OriginFallback Origin = "fallback"
	OriginMixed    Origin = "api+fallback"
)

type table struct {
	ids   map[string]int
	order []int // first-seen order, for degraded lookups
}

func newTable() *table {
	return &table{ids: make(map[string]int)}
}

func (t *table) add(name string, id int) {
	name = normalizeName(name)
	if name == "" || id <= 0 {
		return
	}
	if _, ok := t.ids[name]; ok {
		return
	}
	t.ids[name] = id
	t.order = append(t.order, id)
}

// Cache holds the loaded dictionaries. It is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	tables   map[Kind]*table
	origins  map[Kind]Origin
	ready    atomic.Bool
	observer Observer
	logger   zerolog.Logger
}

// NewCache creates an empty, not-ready cache.
func NewCache(logger zerolog.Logger) *Cache {
	return &Cache{
		tables:  make(map[Kind]*table),
		origins: make(map[Kind]Origin),
		logger:  logger.With().Str("component", "dictionary").Logger(),
	}
}

// SetObserver attaches a metrics observer.
func (c *Cache) SetObserver(obs Observer) {
	c.observer = obs
}

// Ready reports whether Load completed successfully.
func (c *Cache) Ready() bool {
	return c.ready.Load()
}

// Origins returns where each dictionary was loaded from.
func (c *Cache) Origins() map[Kind]Origin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Kind]Origin, len(c.origins))
	for k, v := range c.origins {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of every table (name → id).
func (c *Cache) Snapshot() map[Kind]map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Kind]map[string]int, len(c.tables))
	for k, t := range c.tables {
		m := make(map[string]int, len(t.ids))
		for name, id := range t.ids {
			m[name] = id
		}
		out[k] = m
	}
	return out
}

// Load fetches every dictionary through orch and installs them.
//
// Each fetch runs under orch's retry policy; callers pass an orchestrator with
// the lower startup ceiling. Dictionaries that fail to load, and required
// entries missing from those that did, are filled from fallback. If a required
// entry is still unresolved Load returns a *perrors.ConfigError and the cache
// stays not-ready.
func (c *Cache) Load(ctx context.Context, src Source, orch *retry.Orchestrator, fallback Fallback) error {
	tables := make(map[Kind]*table, len(Kinds))
	origins := make(map[Kind]Origin, len(Kinds))
	var loadErrs []error

	for _, kind := range Kinds {
		entries, err := retry.Execute(ctx, orch, retry.Options{Name: "dictionary." + string(kind)},
			func(ctx context.Context, correlationID string) ([]Entry, error) {
				return src.ListDictionary(ctx, correlationID, kind)
			})
		t := newTable()
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("loading %s: %w", kind, err))
			c.logger.Warn().Err(err).Str("dictionary", string(kind)).Msg("dictionary load failed, using fallback")
		} else {
			for _, e := range entries {
				t.add(e.Name, e.ID)
			}
			origins[kind] = OriginAPI
			c.logger.Info().Str("dictionary", string(kind)).Int("entries", len(t.ids)).Msg("dictionary loaded")
		}
		tables[kind] = t
	}

	if len(loadErrs) == len(Kinds) {
		c.logger.Warn().Err(errors.Join(loadErrs...)).Msg("all dictionary loads failed, using fallback ids")
	}

	var missing []string
	for _, kind := range Kinds {
		t := tables[kind]
		filled := 0
		for _, name := range Required[kind] {
			if _, ok := t.ids[name]; ok {
				continue
			}
			if id, ok := fallback.Lookup(kind, name); ok {
				t.add(name, id)
				filled++
				continue
			}
			missing = append(missing, string(kind)+":"+name)
		}
		switch {
		case filled > 0 && origins[kind] == OriginAPI:
			origins[kind] = OriginMixed
		case filled > 0:
			origins[kind] = OriginFallback
		}
	}

	if len(missing) > 0 {
		return perrors.NewConfigError(
			"unresolved required dictionary entries after fallback: "+strings.Join(missing, ", "),
			fallbackVars(missing)...)
	}

	c.mu.Lock()
	c.tables = tables
	c.origins = origins
	c.mu.Unlock()
	c.ready.Store(true)

	c.logger.Info().
		Str("status", string(origins[Status])).
		Str("priority", string(origins[Priority])).
		Str("type", string(origins[Type])).
		Msg("dictionaries ready")
	return nil
}

// Resolve looks up name in the given dictionary. Both arguments are
// case-insensitive. A miss returns the first id of the dictionary, flagged as
// degraded and logged at warn level.
func (c *Cache) Resolve(kind Kind, name string) Resolution {
	kind = kind.Normalize()
	key := normalizeName(name)

	c.mu.RLock()
	t, ok := c.tables[kind]
	var res Resolution
	switch {
	case !ok || len(t.order) == 0:
		res = Resolution{Reason: fmt.Sprintf("dictionary %q is not loaded", kind)}
	default:
		if id, hit := t.ids[key]; hit {
			c.mu.RUnlock()
			return Resolution{ID: id, Matched: true}
		}
		res = Resolution{ID: t.order[0], Reason: fmt.Sprintf("%s %q not found, using first available id", kind, key)}
	}
	c.mu.RUnlock()

	c.logger.Warn().
		Str("dictionary", string(kind)).
		Str("name", key).
		Int("fallback_id", res.ID).
		Msg(res.Reason)
	if c.observer != nil {
		c.observer.ObserveDegraded(string(kind))
	}
	return res
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// fallbackVars maps "kind:name" pairs to the env vars that would supply them.
func fallbackVars(missing []string) []string {
	vars := make([]string, 0, len(missing))
	for _, m := range missing {
		kind, name, _ := strings.Cut(m, ":")
		vars = append(vars, EnvVarName(Kind(kind), name))
	}
	sort.Strings(vars)
	return vars
}

// EnvVarName returns the fallback env var for an entry, e.g.
// STATUS_IN_PROGRESS_ID for status "in progress".
func EnvVarName(kind Kind, name string) string {
	n := strings.ToUpper(strings.ReplaceAll(normalizeName(name), " ", "_"))
	return strings.ToUpper(string(kind)) + "_" + n + "_ID"
}
