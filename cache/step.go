package cache

import (
	"sync"

	"github.com/graphboost/graphboost/ml"
)

// StepCache caches deep segment outputs across diffusion denoising steps.
// Based on DeepCache (CVPR 2024): high level features change little between
// adjacent steps, so the deep blocks are recomputed only on refresh steps
// and served from the cache in between.
//
//	steps := cache.NewStepCache(1)
//	for step := range numSteps {
//	    out, err := m.Forward(ml.NewArgs(x).With(ml.StepKeyword, step))
//	    ...
//	}
//	steps.Reset() // before the next image
type StepCache struct {
	mu     sync.Mutex
	blocks []ml.Tensor
}

// NewStepCache creates a cache for the given number of blocks.
func NewStepCache(numBlocks int) *StepCache {
	return &StepCache{blocks: make([]ml.Tensor, numBlocks)}
}

// Get returns the cached output for a block, or nil if not cached.
func (c *StepCache) Get(block int) ml.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block < len(c.blocks) {
		return c.blocks[block]
	}
	return nil
}

// Set stores a block output, growing the cache when needed.
func (c *StepCache) Set(block int, t ml.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block >= len(c.blocks) {
		c.blocks = append(c.blocks, make([]ml.Tensor, block-len(c.blocks)+1)...)
	}
	c.blocks[block] = t
}

// Reset drops every cached output so the next step recomputes.
func (c *StepCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.blocks)
}
