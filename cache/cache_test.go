package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

type fakeGraph struct {
	name   string
	runErr error
	runs   atomic.Int32
	closed atomic.Bool
}

func (g *fakeGraph) Run(ml.Args) ([]ml.Tensor, error) {
	g.runs.Add(1)
	if g.closed.Load() {
		return nil, ml.ErrGraphClosed
	}
	return nil, g.runErr
}

func (g *fakeGraph) Inputs() []ml.TensorSpec                { return nil }
func (g *fakeGraph) Device() ml.Device                      { return ml.CPU }
func (g *fakeGraph) Size() int64                            { return 1024 }
func (g *fakeGraph) Meta() map[string]string                { return nil }
func (g *fakeGraph) Save(io.Writer, map[string]string) error { return nil }

func (g *fakeGraph) Close() error {
	g.closed.Store(true)
	return nil
}

type compiler struct {
	calls  atomic.Int32
	err    error
	graphs []*fakeGraph
	mu     sync.Mutex
}

func (c *compiler) compile(name string) CompileFunc {
	return func(context.Context) (ml.Graph, error) {
		c.calls.Add(1)
		if c.err != nil {
			return nil, c.err
		}
		g := &fakeGraph{name: name}
		c.mu.Lock()
		c.graphs = append(c.graphs, g)
		c.mu.Unlock()
		return g, nil
	}
}

var unet = graphkey.Identity{Checkpoint: "sd15", Role: "unet"}

func key(id graphkey.Identity, sig string) graphkey.Key {
	return graphkey.Key{Identity: id, Signature: sig, Options: "opts"}
}

func newCache(t *testing.T, capacity int) *Cache {
	t.Helper()
	c, err := New(capacity)
	require.NoError(t, err)
	return c
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, errtypes.ErrValidation)
	c := newCache(t, 1)
	require.ErrorIs(t, c.SetCapacity(0), errtypes.ErrValidation)
}

func TestCompileOnce(t *testing.T) {
	c := newCache(t, 1)
	var comp compiler
	k := key(unet, "512")

	first, err := c.GetOrCompile(context.Background(), k, comp.compile("a"), ml.Args{})
	require.NoError(t, err)
	for range 5 {
		u, err := c.GetOrCompile(context.Background(), k, comp.compile("a"), ml.Args{})
		require.NoError(t, err)
		assert.Same(t, first, u)
		assert.Same(t, first.Graph, u.Graph)
	}

	assert.EqualValues(t, 1, comp.calls.Load())
	assert.EqualValues(t, 1, comp.graphs[0].runs.Load(), "warmup runs exactly once")
	stats := c.Stats()
	assert.EqualValues(t, 5, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Compiles)
}

func TestConcurrentMissesCompileOnce(t *testing.T) {
	c := newCache(t, 2)
	var comp compiler
	k := key(unet, "512")

	release := make(chan struct{})
	slow := func(ctx context.Context) (ml.Graph, error) {
		<-release
		return comp.compile("a")(ctx)
	}

	var wg sync.WaitGroup
	units := make([]*Unit, 8)
	for i := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := c.GetOrCompile(context.Background(), k, slow, ml.Args{})
			assert.NoError(t, err)
			units[i] = u
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, comp.calls.Load())
	for _, u := range units {
		assert.Same(t, units[0], u)
	}
	assert.Equal(t, 1, c.Len())
}

func TestCompilationFailureLeavesCacheUnchanged(t *testing.T) {
	c := newCache(t, 1)
	var ok compiler
	kept, err := c.GetOrCompile(context.Background(), key(unet, "512"), ok.compile("a"), ml.Args{})
	require.NoError(t, err)

	bad := compiler{err: errors.New("unsupported operator")}
	_, err = c.GetOrCompile(context.Background(), key(unet, "768"), bad.compile("b"), ml.Args{})
	require.ErrorIs(t, err, errtypes.ErrCompilationFailed)
	require.ErrorContains(t, err, "unsupported operator")

	u, found := c.Lookup(key(unet, "512"))
	require.True(t, found)
	assert.Same(t, kept, u)
	assert.False(t, ok.graphs[0].closed.Load(), "a failed compile must not evict")
	assert.Equal(t, 1, c.Len())
	assert.EqualValues(t, 1, c.Stats().Failures)
}

func TestWarmupFailureReleasesGraph(t *testing.T) {
	c := newCache(t, 1)
	var g *fakeGraph
	compile := func(context.Context) (ml.Graph, error) {
		g = &fakeGraph{runErr: errors.New("out of memory")}
		return g, nil
	}

	_, err := c.GetOrCompile(context.Background(), key(unet, "512"), compile, ml.Args{})
	require.ErrorIs(t, err, errtypes.ErrCompilationFailed)
	require.ErrorContains(t, err, "warmup")
	assert.True(t, g.closed.Load())
	assert.Zero(t, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 3
	c := newCache(t, capacity)
	var comp compiler

	for i := range capacity {
		_, err := c.GetOrCompile(context.Background(), key(unet, fmt.Sprint(i)), comp.compile(fmt.Sprint(i)), ml.Args{})
		require.NoError(t, err)
	}
	// touch 0 so 1 becomes least recently used
	_, err := c.GetOrCompile(context.Background(), key(unet, "0"), comp.compile("0"), ml.Args{})
	require.NoError(t, err)

	_, err = c.GetOrCompile(context.Background(), key(unet, "new"), comp.compile("new"), ml.Args{})
	require.NoError(t, err)

	assert.Equal(t, capacity, c.Len())
	_, ok := c.Lookup(key(unet, "1"))
	assert.False(t, ok)
	for _, sig := range []string{"0", "2", "new"} {
		_, ok := c.Lookup(key(unet, sig))
		assert.True(t, ok, sig)
	}
	assert.True(t, comp.graphs[1].closed.Load(), "evicted graph is released")
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestCapacityIsPerIdentity(t *testing.T) {
	c := newCache(t, 1)
	var comp compiler
	vae := graphkey.Identity{Checkpoint: "sd15", Role: "vae"}

	_, err := c.GetOrCompile(context.Background(), key(unet, "512"), comp.compile("unet"), ml.Args{})
	require.NoError(t, err)
	_, err = c.GetOrCompile(context.Background(), key(vae, "512"), comp.compile("vae"), ml.Args{})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.InvalidateIdentity(unet))
	assert.Equal(t, 1, c.Len())
	assert.True(t, comp.graphs[0].closed.Load())
}

func TestSetCapacityShrinks(t *testing.T) {
	c := newCache(t, 4)
	var comp compiler
	for _, sig := range []string{"a", "b", "c", "d"} {
		_, err := c.GetOrCompile(context.Background(), key(unet, sig), comp.compile(sig), ml.Args{})
		require.NoError(t, err)
	}
	_, err := c.GetOrCompile(context.Background(), key(unet, "a"), comp.compile("a"), ml.Args{})
	require.NoError(t, err)

	require.NoError(t, c.SetCapacity(2))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Capacity())

	var kept []string
	for _, s := range c.Units() {
		kept = append(kept, s.Key.Signature)
	}
	assert.Equal(t, []string{"d", "a"}, kept, "most recently used units survive, oldest first")
}

func TestResolutionSwitchScenario(t *testing.T) {
	c := newCache(t, 1)
	var comp compiler

	a, err := c.GetOrCompile(context.Background(), key(unet, "512x512"), comp.compile("A"), ml.Args{})
	require.NoError(t, err)
	b, err := c.GetOrCompile(context.Background(), key(unet, "768x768"), comp.compile("B"), ml.Args{})
	require.NoError(t, err)
	assert.True(t, a.Graph.(*fakeGraph).closed.Load())

	again, err := c.GetOrCompile(context.Background(), key(unet, "512x512"), comp.compile("A2"), ml.Args{})
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	assert.NotEqual(t, a.ID, again.ID)
	assert.True(t, b.Graph.(*fakeGraph).closed.Load())
	assert.EqualValues(t, 3, comp.calls.Load())
}

func TestPutAndInvalidate(t *testing.T) {
	c := newCache(t, 2)
	k := key(unet, "512")
	first := &fakeGraph{}
	u := c.Put(k, first, "/tmp/a.graph")
	assert.Equal(t, "/tmp/a.graph", c.Units()[0].Path)

	second := &fakeGraph{}
	u2 := c.Put(k, second, "")
	assert.NotSame(t, u, u2)
	assert.True(t, first.closed.Load())

	assert.True(t, c.SetPath(k, "/tmp/b.graph"))
	assert.Equal(t, "/tmp/b.graph", c.Units()[0].Path)

	assert.True(t, c.Invalidate(k))
	assert.False(t, c.Invalidate(k), "invalidating a missing key is a no-op")
	assert.True(t, second.closed.Load())
	assert.Zero(t, c.Len())
	assert.False(t, c.SetPath(k, "x"))
}

func TestClear(t *testing.T) {
	c := newCache(t, 2)
	var comp compiler
	for _, sig := range []string{"a", "b"} {
		_, err := c.GetOrCompile(context.Background(), key(unet, sig), comp.compile(sig), ml.Args{})
		require.NoError(t, err)
	}
	require.NoError(t, c.Clear())
	assert.Zero(t, c.Len())
	for _, g := range comp.graphs {
		assert.True(t, g.closed.Load())
	}
}

func TestStepCache(t *testing.T) {
	s := NewStepCache(1)
	assert.Nil(t, s.Get(0))
	assert.Nil(t, s.Get(5))

	x, err := ml.FromFloats([]float32{1}, 1)
	require.NoError(t, err)
	s.Set(0, x)
	s.Set(3, x)
	assert.Same(t, x, s.Get(0))
	assert.Same(t, x, s.Get(3))

	s.Reset()
	assert.Nil(t, s.Get(0))
}
