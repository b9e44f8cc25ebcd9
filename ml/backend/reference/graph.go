package reference

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/logutil"
	"github.com/graphboost/graphboost/ml"
)

// param is one parameter snapshot in its storage type.
type param struct {
	Name  string `cbor:"name"`
	Shape []int  `cbor:"shape"`
	DType string `cbor:"dtype"`
	Data  []byte `cbor:"data"`
}

func (p param) elements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// kernel is a lowered layer. Decoded parameter values are materialised once
// when the kernel is built.
type kernel struct {
	Name   string             `cbor:"name"`
	Kind   string             `cbor:"kind"`
	Attrs  map[string]float32 `cbor:"attrs,omitempty"`
	Params []param            `cbor:"params,omitempty"`

	floats map[string][]float32
	ints   map[string][]int8
	run    func(x ml.Tensor) (ml.Tensor, error)
}

func lower(l ml.Layer, p ml.Precision) (*kernel, error) {
	k := &kernel{Name: l.Name(), Kind: l.Kind(), Attrs: l.Attrs()}
	for _, lp := range l.Params() {
		spec := ml.SpecOf(lp.Value)
		kp := param{Name: lp.Name, Shape: spec.Shape}
		switch data := lp.Value.Data().(type) {
		case []float32:
			kp.Data, kp.DType = encodeFloats(data, p)
		case []int8:
			kp.Data, kp.DType = encodeInt8(data), dtypeI8
		default:
			return nil, fmt.Errorf("layer %s: parameter %s of type %s: %w", k.Name, lp.Name, spec.DType, ml.ErrUnsupported)
		}
		k.Params = append(k.Params, kp)
	}
	return k, k.materialise()
}

func (k *kernel) materialise() error {
	k.floats = make(map[string][]float32)
	k.ints = make(map[string][]int8)
	for _, p := range k.Params {
		var err error
		if p.DType == dtypeI8 {
			k.ints[p.Name], err = decodeInt8(p.Data, p.elements())
		} else {
			k.floats[p.Name], err = decodeFloats(p.Data, p.DType, p.elements())
		}
		if err != nil {
			return fmt.Errorf("layer %s: parameter %s: %w", k.Name, p.Name, err)
		}
	}

	shape := func(name string) []int {
		for _, p := range k.Params {
			if p.Name == name {
				return p.Shape
			}
		}
		return nil
	}

	switch k.Kind {
	case ml.KindLinear:
		w, b, s := k.floats["weight"], k.floats["bias"], shape("weight")
		if w == nil || b == nil || len(s) != 2 {
			return fmt.Errorf("layer %s: linear needs weight and bias", k.Name)
		}
		out, in := s[0], s[1]
		k.run = func(x ml.Tensor) (ml.Tensor, error) {
			return ml.ApplyLinear(x, in, out, func(o, i int) float32 { return w[o*in+i] }, b)
		}
	case ml.KindLinearInt8:
		q, scale, b, s := k.ints["qweight"], k.floats["scale"], k.floats["bias"], shape("qweight")
		if q == nil || scale == nil || b == nil || len(s) != 2 {
			return fmt.Errorf("layer %s: int8 linear needs qweight, scale and bias", k.Name)
		}
		out, in := s[0], s[1]
		k.run = func(x ml.Tensor) (ml.Tensor, error) {
			return ml.ApplyLinear(x, in, out, func(o, i int) float32 { return float32(q[o*in+i]) * scale[o] }, b)
		}
	case ml.KindSiLU, ml.KindGELU:
		f, err := ml.ActivationFunc(k.Kind)
		if err != nil {
			return err
		}
		k.run = func(x ml.Tensor) (ml.Tensor, error) { return ml.Map(x, f) }
	case ml.KindScale:
		factor := k.Attrs["factor"]
		k.run = func(x ml.Tensor) (ml.Tensor, error) {
			return ml.Map(x, func(v float32) float32 { return v * factor })
		}
	default:
		return fmt.Errorf("layer %s: operator %q: %w", k.Name, k.Kind, ml.ErrUnsupported)
	}
	return nil
}

// Graph is a compiled program of kernels bound to one device.
type Graph struct {
	mu sync.Mutex

	compiler  string
	digest    string
	device    ml.Device
	precision ml.Precision
	dynamic   bool
	kernels   []*kernel
	plan      *ml.CachePlan
	steps     *cache.StepCache
	inputs    []ml.TensorSpec
	meta      map[string]string
	closed    bool
}

// Run executes the program. The first call binds the input signature; later
// calls must match it.
func (g *Graph) Run(args ml.Args) ([]ml.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ml.ErrGraphClosed
	}

	// ragged arguments reach a graph only when it was built for dynamic
	// axes or for a single uncached call
	specs, ok := ml.SpecsOf(args, true)
	if !ok {
		return nil, fmt.Errorf("%w: arguments have no static shape", ml.ErrShapeMismatch)
	}
	if g.inputs == nil {
		g.inputs = specs
		logutil.Trace("binding graph inputs", "digest", g.digest[:12], "inputs", specs)
	} else if err := g.check(specs); err != nil {
		return nil, err
	}

	x, err := args.Input()
	if err != nil {
		return nil, err
	}
	y, err := ml.RunPlan(g.plan, len(g.kernels), args, g.steps, x, func(i int, x ml.Tensor) (ml.Tensor, error) {
		y, err := g.kernels[i].run(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.kernels[i].Name, err)
		}
		return y, nil
	})
	if err != nil {
		return nil, err
	}
	return []ml.Tensor{y}, nil
}

func (g *Graph) check(specs []ml.TensorSpec) error {
	if len(specs) != len(g.inputs) {
		return fmt.Errorf("%w: %d tensor arguments, graph takes %d", ml.ErrShapeMismatch, len(specs), len(g.inputs))
	}
	for i, s := range specs {
		if !g.inputs[i].Compatible(s) {
			return fmt.Errorf("%w: argument %d is %s, graph takes %s", ml.ErrShapeMismatch, i, s, g.inputs[i])
		}
	}
	return nil
}

// Inputs returns the bound input signature, or nil before the first Run.
func (g *Graph) Inputs() []ml.TensorSpec {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.inputs)
}

func (g *Graph) Device() ml.Device { return g.device }

func (g *Graph) Precision() ml.Precision { return g.precision }

// Size is the number of parameter bytes held on the device.
func (g *Graph) Size() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for _, k := range g.kernels {
		for _, p := range k.Params {
			n += int64(len(p.Data))
		}
	}
	return n
}

func (g *Graph) Meta() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.meta)
}

// Save writes the graph with meta merged into its metadata. Graphs must have
// run once before they can be saved.
func (g *Graph) Save(w io.Writer, meta map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ml.ErrGraphClosed
	}
	if g.inputs == nil {
		return ml.ErrNotBuilt
	}

	f := file{
		Header: Header{
			Magic:           magic,
			Version:         formatVersion,
			Compiler:        g.compiler,
			CompilerVersion: Version,
			Digest:          g.digest,
			Device:          g.device.String(),
			Precision:       string(g.precision),
			Dynamic:         g.dynamic,
			Inputs:          g.inputs,
			Plan:            g.plan,
			Meta:            maps.Clone(g.meta),
		},
	}
	if f.Meta == nil {
		f.Meta = make(map[string]string)
	}
	maps.Copy(f.Meta, meta)
	for _, k := range g.kernels {
		f.Kernels = append(f.Kernels, *k)
	}
	return encode(w, f)
}

// Close releases the device parameters. Later calls fail with
// ml.ErrGraphClosed.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.kernels = nil
	if g.steps != nil {
		g.steps.Reset()
	}
	slog.Debug("released graph", "digest", g.digest[:12], "device", g.device)
	return nil
}
