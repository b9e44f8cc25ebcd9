// Package reference is a pure Go compiler backend. It lowers layered modules
// into kernel programs with parameters snapshotted in a storage precision,
// and persists them as CBOR graph files.
package reference

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/ml"
)

const (
	Name    = "reference"
	Version = "0.3.0"
)

func init() {
	ml.RegisterCompiler(Name, New)
}

type Compiler struct{}

func New() ml.Compiler { return &Compiler{} }

func (c *Compiler) Name() string    { return Name }
func (c *Compiler) Version() string { return Version }

func (c *Compiler) Compile(ctx context.Context, m ml.Module, opts ml.CompileOptions) (ml.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm, ok := m.(ml.Layered)
	if !ok {
		return nil, fmt.Errorf("%T does not expose layers: %w", m, ml.ErrUnsupported)
	}

	g := &Graph{
		compiler:  Name,
		digest:    m.Structure().Digest(),
		device:    m.Device(),
		precision: cmp.Or(opts.Precision, ml.PrecisionF32),
		dynamic:   opts.Dynamic,
	}
	for _, l := range lm.Layers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k, err := lower(l, g.precision)
		if err != nil {
			return nil, err
		}
		g.kernels = append(g.kernels, k)
	}

	plan := opts.DeepCache
	if p, ok := m.(ml.Planned); ok && p.Plan() != nil {
		plan = p.Plan()
	}
	if err := g.setPlan(plan); err != nil {
		return nil, err
	}

	slog.Debug("compiled graph", "layers", len(g.kernels), "device", g.device, "precision", g.precision, "plan", plan)
	return g, nil
}

func (g *Graph) setPlan(plan *ml.CachePlan) error {
	if plan == nil {
		return nil
	}
	if err := plan.Validate(len(g.kernels)); err != nil {
		return fmt.Errorf("deep cache plan: %w", err)
	}
	p := *plan
	g.plan = &p
	g.steps = cache.NewStepCache(1)
	return nil
}

// Load restores a graph written by Graph.Save onto device d. The file must
// have been built for a module with the same structure as m.
func (c *Compiler) Load(r io.Reader, m ml.Module, d ml.Device) (ml.Graph, error) {
	var f file
	if err := decode(r, &f); err != nil {
		return nil, err
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	if f.Compiler != Name {
		return nil, fmt.Errorf("%w: built by compiler %q", ml.ErrGraphMismatch, f.Compiler)
	}
	if want := m.Structure().Digest(); f.Digest != want {
		return nil, fmt.Errorf("%w: built for structure %.12s, module is %.12s", ml.ErrGraphMismatch, f.Digest, want)
	}

	precision, err := ml.ParsePrecision(f.Precision)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ml.ErrGraphMismatch, err)
	}

	g := &Graph{
		compiler:  f.Compiler,
		digest:    f.Digest,
		device:    d,
		precision: precision,
		dynamic:   f.Dynamic,
		inputs:    f.Inputs,
		meta:      f.Meta,
	}
	for i := range f.Kernels {
		k := &f.Kernels[i]
		if err := k.materialise(); err != nil {
			return nil, fmt.Errorf("%w: %v", ml.ErrGraphMismatch, err)
		}
		g.kernels = append(g.kernels, k)
	}
	if err := g.setPlan(f.Plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ml.ErrGraphMismatch, err)
	}

	if saved, err := ml.ParseDevice(f.Device); err == nil && !saved.Equal(d) {
		slog.Info("moving persisted graph to a new device", "from", saved, "to", d)
	}
	return g, nil
}
