// Package cache holds compiled graphs keyed by module identity, call
// signature and compile options, bounded per identity with least recently
// used eviction.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/internal/orderedmap"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

// Unit is one compiled graph held by the cache.
type Unit struct {
	ID      uuid.UUID
	Key     graphkey.Key
	Graph   ml.Graph
	Created time.Time

	// guarded by Cache.mu
	recency  uint64
	seq      uint64
	path     string
	lastUsed time.Time
}

// Snapshot is a point in time copy of a unit for reporting.
type Snapshot struct {
	ID       uuid.UUID
	Key      graphkey.Key
	Device   ml.Device
	Size     int64
	Path     string
	Recency  uint64
	Created  time.Time
	LastUsed time.Time
}

type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Compiles  int64 `json:"compiles"`
	Failures  int64 `json:"failures"`
	Evictions int64 `json:"evictions"`
	Bypasses  int64 `json:"bypasses"`
}

// CompileFunc builds a graph for a cache miss.
type CompileFunc func(ctx context.Context) (ml.Graph, error)

type Cache struct {
	mu         sync.Mutex
	capacity   int
	clock      uint64
	seq        uint64
	partitions map[graphkey.Identity]*orderedmap.Map[graphkey.Key, *Unit]
	stats      Stats

	flight singleflight.Group
}

func checkCapacity(n int) error {
	if n < 1 {
		return &errtypes.ValidationError{Field: "capacity", Value: n, Reason: fmt.Sprintf("must be at least 1, got %d", n)}
	}
	return nil
}

// New returns a cache holding at most capacity units per identity.
func New(capacity int) (*Cache, error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}
	return &Cache{
		capacity:   capacity,
		partitions: make(map[graphkey.Identity]*orderedmap.Map[graphkey.Key, *Unit]),
	}, nil
}

// GetOrCompile returns the unit for key, compiling and warming it up on a
// miss. Concurrent misses on one key share a single compilation. The cache
// lock is not held while compile or warmup runs. A failed compile or warmup
// leaves the cache unchanged and returns a CompilationFailedError.
func (c *Cache) GetOrCompile(ctx context.Context, key graphkey.Key, compile CompileFunc, warmup ml.Args) (*Unit, error) {
	c.mu.Lock()
	if u, ok := c.get(key); ok {
		c.touch(u)
		c.stats.Hits++
		c.mu.Unlock()
		return u, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key.String(), func() (any, error) {
		c.mu.Lock()
		if u, ok := c.get(key); ok {
			// a previous flight finished between the miss and Do
			c.touch(u)
			c.mu.Unlock()
			return u, nil
		}
		c.mu.Unlock()

		slog.Debug("compiling graph", "key", key)
		start := time.Now()
		g, err := compile(ctx)
		if err != nil {
			return nil, c.failed(key, err)
		}

		if _, err := g.Run(warmup); err != nil {
			if cerr := g.Close(); cerr != nil {
				slog.Warn("failed to release graph after warmup failure", "key", key, "error", cerr)
			}
			return nil, c.failed(key, fmt.Errorf("warmup: %w", err))
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		u := c.insert(key, g, "")
		c.stats.Compiles++
		slog.Debug("graph ready", "key", key, "unit", u.ID, "duration", time.Since(start))
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Unit), nil
}

func (c *Cache) failed(key graphkey.Key, err error) error {
	c.mu.Lock()
	c.stats.Failures++
	c.mu.Unlock()
	return &errtypes.CompilationFailedError{Key: key.String(), Err: err}
}

// Put adopts an already built graph, such as one restored from disk, as the
// unit for key. A unit previously held for key is released.
func (c *Cache) Put(key graphkey.Key, g ml.Graph, path string) *Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.get(key); ok {
		c.partitions[key.Identity].Delete(key)
		if old.Graph != g {
			c.release(old)
		}
	}
	return c.insert(key, g, path)
}

// Lookup returns the unit for key without counting a use.
func (c *Cache) Lookup(key graphkey.Key) (*Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

// SetPath records where the unit for key was persisted.
func (c *Cache) SetPath(key graphkey.Key, path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.get(key)
	if ok {
		u.path = path
	}
	return ok
}

// Invalidate removes and releases the unit for key. It is a no-op when key
// is absent.
func (c *Cache) Invalidate(key graphkey.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[key.Identity]
	if !ok {
		return false
	}
	u, ok := p.Delete(key)
	if !ok {
		return false
	}
	c.release(u)
	c.prune(key.Identity)
	return true
}

// InvalidateIdentity removes every unit compiled for id and returns how
// many were released.
func (c *Cache) InvalidateIdentity(id graphkey.Identity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[id]
	if !ok {
		return 0
	}
	n := 0
	for _, u := range p.All() {
		c.release(u)
		n++
	}
	delete(c.partitions, id)
	return n
}

// SetCapacity changes the per identity bound, evicting least recently used
// units from every partition that exceeds it.
func (c *Cache) SetCapacity(n int) error {
	if err := checkCapacity(n); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slog.Debug("setting cache capacity", "from", c.capacity, "to", n)
	c.capacity = n
	for id, p := range c.partitions {
		for p.Len() > n {
			c.evict(p)
		}
		if p.Len() == 0 {
			delete(c.partitions, id)
		}
	}
	return nil
}

func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Len returns the number of units across all identities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.partitions {
		n += p.Len()
	}
	return n
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// NoteBypass counts a call that could not use the cache.
func (c *Cache) NoteBypass() {
	c.mu.Lock()
	c.stats.Bypasses++
	c.mu.Unlock()
}

// Units returns a snapshot of every unit ordered by identity, then from
// least to most recently used.
func (c *Cache) Units() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Snapshot
	for _, p := range c.partitions {
		for _, u := range p.All() {
			out = append(out, Snapshot{
				ID:       u.ID,
				Key:      u.Key,
				Device:   u.Graph.Device(),
				Size:     u.Graph.Size(),
				Path:     u.path,
				Recency:  u.recency,
				Created:  u.Created,
				LastUsed: u.lastUsed,
			})
		}
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return cmp.Or(
			cmp.Compare(a.Key.Identity.String(), b.Key.Identity.String()),
			cmp.Compare(a.Recency, b.Recency),
		)
	})
	return out
}

// Clear releases every unit.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, p := range c.partitions {
		for _, u := range p.All() {
			if err := u.Graph.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", u.Key, err))
			}
		}
		delete(c.partitions, id)
	}
	return errors.Join(errs...)
}

func (c *Cache) get(key graphkey.Key) (*Unit, bool) {
	p, ok := c.partitions[key.Identity]
	if !ok {
		return nil, false
	}
	return p.Get(key)
}

func (c *Cache) touch(u *Unit) {
	c.clock++
	u.recency = c.clock
	u.lastUsed = time.Now()
}

// insert adds a unit for key, first evicting from its partition until there
// is room so the victim's memory is released before the slot is reused.
func (c *Cache) insert(key graphkey.Key, g ml.Graph, path string) *Unit {
	p, ok := c.partitions[key.Identity]
	if !ok {
		p = orderedmap.New[graphkey.Key, *Unit]()
		c.partitions[key.Identity] = p
	}
	for p.Len() >= c.capacity {
		c.evict(p)
	}

	c.seq++
	u := &Unit{
		ID:      uuid.New(),
		Key:     key,
		Graph:   g,
		Created: time.Now(),
		seq:     c.seq,
		path:    path,
	}
	c.touch(u)
	p.Set(key, u)
	return u
}

// evict removes the unit with the smallest recency from p. Ties go to the
// earliest inserted unit.
func (c *Cache) evict(p *orderedmap.Map[graphkey.Key, *Unit]) {
	var victim *Unit
	for _, u := range p.All() {
		if victim == nil || u.recency < victim.recency || (u.recency == victim.recency && u.seq < victim.seq) {
			victim = u
		}
	}
	if victim == nil {
		return
	}

	p.Delete(victim.Key)
	c.stats.Evictions++
	slog.Debug("evicting graph", "key", victim.Key, "unit", victim.ID, "recency", victim.recency)
	c.release(victim)
}

func (c *Cache) release(u *Unit) {
	if err := u.Graph.Close(); err != nil {
		slog.Warn("failed to release graph", "key", u.Key, "error", err)
	}
}

func (c *Cache) prune(id graphkey.Identity) {
	if p, ok := c.partitions[id]; ok && p.Len() == 0 {
		delete(c.partitions, id)
	}
}
