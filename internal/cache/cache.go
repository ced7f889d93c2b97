// Package cache owns loaded model runtimes. It guarantees at most one
// in-flight load per model id (single-flight), pins entries while
// generations run against them, and optionally evicts least-recently-used
// idle entries to respect a resource budget.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"modelserve/internal/backend"
	"modelserve/internal/loader"
	"modelserve/pkg/types"
)

// entry is one resident runtime. Entries never leave the cache package;
// callers interact through Handle.
type entry struct {
	modelID     string
	kind        types.ModelKind
	runtime     backend.Runtime
	backendName string
	footprintMB int
	loadedAt    time.Time
	lastUsed    time.Time
	pins        int
	// doomed entries have been removed from the map and are closed once
	// the last pin is released.
	doomed bool
	// genCh serializes generation per model (size 1) when the runtime is
	// not reentrant.
	genCh chan struct{}
}

// LoadFunc builds a runtime for a record on cache miss.
type LoadFunc func(ctx context.Context, rec types.ModelRecord) (loader.Result, error)

// Config tunes the cache. A zero BudgetMB disables budget eviction; the
// policy must be switched on explicitly by configuration.
type Config struct {
	BudgetMB int
	MarginMB int
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	sf      singleflight.Group

	load     LoadFunc
	budgetMB int
	marginMB int
	usedMB   int

	loads     uint64
	evictions uint64

	log zerolog.Logger
	now func() time.Time
}

func New(load LoadFunc, cfg Config, log zerolog.Logger) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		load:     load,
		budgetMB: cfg.BudgetMB,
		marginMB: cfg.MarginMB,
		log:      log.With().Str("component", "cache").Logger(),
		now:      time.Now,
	}
}

// Handle is a pinned reference to a cached runtime. Callers must Release
// it when done; a pinned entry is never evicted or closed underneath them.
type Handle struct {
	c *Cache
	e *entry
}

func (h *Handle) ModelID() string          { return h.e.modelID }
func (h *Handle) Backend() string          { return h.e.backendName }
func (h *Handle) Runtime() backend.Runtime { return h.e.runtime }
func (h *Handle) Reentrant() bool          { return h.e.runtime.Reentrant() }

// BeginGeneration acquires the per-model generation slot. The returned
// release func must be deferred. Reentrant runtimes skip serialization.
func (h *Handle) BeginGeneration(ctx context.Context) (func(), error) {
	if h.e.runtime.Reentrant() {
		return func() {}, nil
	}
	select {
	case h.e.genCh <- struct{}{}:
		return func() { <-h.e.genCh }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release unpins the handle. Doomed entries are closed once idle.
func (h *Handle) Release() {
	h.c.mu.Lock()
	h.e.pins--
	h.e.lastUsed = h.c.now()
	closeNow := h.e.doomed && h.e.pins == 0
	h.c.mu.Unlock()
	if closeNow {
		_ = h.e.runtime.Close()
	}
}

// Acquire returns a pinned handle for rec, loading on miss. Concurrent
// callers for the same uncached id share one load; a failed load is not
// cached, so the next call retries.
func (c *Cache) Acquire(ctx context.Context, rec types.ModelRecord) (*Handle, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[rec.ModelID]; ok {
			e.pins++
			e.lastUsed = c.now()
			c.mu.Unlock()
			return &Handle{c: c, e: e}, nil
		}
		c.mu.Unlock()

		// The flight runs detached from the initiating caller: an
		// abandoning caller only stops waiting, the load itself completes
		// and its result is committed for whoever joined it.
		loadCtx := context.WithoutCancel(ctx)
		ch := c.sf.DoChan(rec.ModelID, func() (any, error) {
			return c.loadAndStore(loadCtx, rec)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				// Not cached; the next Acquire re-triggers the load.
				c.sf.Forget(rec.ModelID)
				return nil, res.Err
			}
			e := res.Val.(*entry)
			c.mu.Lock()
			if cur, ok := c.entries[rec.ModelID]; ok && cur == e {
				cur.pins++
				cur.lastUsed = c.now()
				c.mu.Unlock()
				return &Handle{c: c, e: cur}, nil
			}
			c.mu.Unlock()
			// Evicted between insert and pin; go around again.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// loadAndStore runs under singleflight: exactly once per key at a time.
func (c *Cache) loadAndStore(ctx context.Context, rec types.ModelRecord) (*entry, error) {
	res, err := c.load(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.budgetMB > 0 {
		c.evictUntilFitsLocked(res.FootprintMB)
	}
	now := c.now()
	e := &entry{
		modelID:     rec.ModelID,
		kind:        rec.Kind,
		runtime:     res.Runtime,
		backendName: res.Backend,
		footprintMB: res.FootprintMB,
		loadedAt:    now,
		lastUsed:    now,
		genCh:       make(chan struct{}, 1),
	}
	c.entries[rec.ModelID] = e
	c.usedMB += e.footprintMB
	c.loads++
	c.mu.Unlock()
	c.sf.Forget(rec.ModelID)
	return e, nil
}

// evictUntilFitsLocked drops LRU idle entries until requiredMB fits under
// budget+margin. Pinned entries are never touched; if nothing idle
// remains, the load proceeds over budget rather than failing.
func (c *Cache) evictUntilFitsLocked(requiredMB int) {
	for c.usedMB+requiredMB+c.marginMB > c.budgetMB {
		var lru *entry
		for _, e := range c.entries {
			if e.pins > 0 {
				continue
			}
			if lru == nil || e.lastUsed.Before(lru.lastUsed) {
				lru = e
			}
		}
		if lru == nil {
			return
		}
		c.removeLocked(lru)
		c.log.Info().Str("model", lru.modelID).Int("freed_mb", lru.footprintMB).Msg("evicted for budget")
	}
}

// removeLocked detaches e from the map and accounting. Idle entries close
// immediately; pinned ones are doomed and close on last release.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.modelID)
	c.usedMB -= e.footprintMB
	if c.usedMB < 0 {
		c.usedMB = 0
	}
	c.evictions++
	if e.pins == 0 {
		_ = e.runtime.Close()
	} else {
		e.doomed = true
	}
}

// Evict removes the entry for id. Returns false if id was not resident.
func (c *Cache) Evict(id string) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	return ok
}

// Clear evicts everything. Calling it twice is a no-op the second time.
func (c *Cache) Clear() int {
	c.mu.Lock()
	n := len(c.entries)
	for _, e := range c.entries {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	return n
}

// Has reports whether id is resident, with no side effects.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	_, ok := c.entries[id]
	c.mu.Unlock()
	return ok
}

// Info snapshots the cache without triggering any load.
func (c *Cache) Info() types.CacheInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := types.CacheInfo{
		Entries:   make([]types.CacheEntryInfo, 0, len(c.entries)),
		TotalMB:   c.usedMB,
		BudgetMB:  c.budgetMB,
		MarginMB:  c.marginMB,
		Evictions: c.evictions,
		Loads:     c.loads,
	}
	for _, e := range c.entries {
		info.Entries = append(info.Entries, types.CacheEntryInfo{
			ModelID:     e.modelID,
			Kind:        e.kind,
			LoadedAt:    e.loadedAt,
			LastUsed:    e.lastUsed,
			FootprintMB: e.footprintMB,
			Inflight:    e.pins,
		})
	}
	sort.Slice(info.Entries, func(i, j int) bool {
		return info.Entries[i].ModelID < info.Entries[j].ModelID
	})
	return info
}
