package optimizer

import (
	"log/slog"
	"sync"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/ml"
)

// Tracker notices when the module behind an identity changes structure, as
// when a host switches checkpoints under the same name, and drops the
// graphs cached for it.
type Tracker struct {
	cache *cache.Cache

	mu      sync.Mutex
	digests map[graphkey.Identity]string
}

func NewTracker(c *cache.Cache) *Tracker {
	return &Tracker{cache: c, digests: make(map[graphkey.Identity]string)}
}

// Observe records the structure of m for id. It reports whether a
// different structure was recorded before, in which case the cached units
// of id have been invalidated.
func (t *Tracker) Observe(id graphkey.Identity, m ml.Module) bool {
	digest := m.Structure().Digest()

	t.mu.Lock()
	prev, seen := t.digests[id]
	t.digests[id] = digest
	t.mu.Unlock()

	if !seen || prev == digest {
		return false
	}

	n := t.cache.InvalidateIdentity(id)
	slog.Info("module structure changed, dropping compiled graphs", "identity", id, "dropped", n)
	return true
}

// Forget stops tracking id.
func (t *Tracker) Forget(id graphkey.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.digests, id)
}
