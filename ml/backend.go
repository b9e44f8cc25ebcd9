package ml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrGraphMismatch is returned by Compiler.Load when a persisted graph
	// was built for a different module structure or format.
	ErrGraphMismatch = errors.New("graph does not match module")

	// ErrUnsupported is returned when a compiler cannot lower a module.
	ErrUnsupported = errors.New("unsupported by compiler")

	ErrNotBuilt      = errors.New("graph has not been built")
	ErrGraphClosed   = errors.New("graph is closed")
	ErrShapeMismatch = errors.New("input does not match graph signature")
)

type Precision string

const (
	PrecisionF32  Precision = "f32"
	PrecisionF16  Precision = "f16"
	PrecisionBF16 Precision = "bf16"
)

func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case "":
		return PrecisionF32, nil
	case PrecisionF32, PrecisionF16, PrecisionBF16:
		return p, nil
	default:
		return "", fmt.Errorf("unknown precision %q", s)
	}
}

// QuantConfig is the quantization selection applied before compilation.
type QuantConfig struct {
	ConvPercentage   int `json:"conv_percentage"`
	LinearPercentage int `json:"linear_percentage"`
	ConvDensity      int `json:"conv_compute_density_threshold"`
	LinearDensity    int `json:"linear_compute_density_threshold"`

	// Calibration is a digest of the calibration data the int8 scales
	// were taken from, empty when scales come from the weights.
	Calibration string `json:"calibration,omitempty"`
}

// CompileOptions are the knobs that alter compiled output. Target is the
// device the graph is built for; compilers place graphs on the module's
// device and callers set Target to match so keys differ per device.
type CompileOptions struct {
	Target    Device
	UseGraph  bool
	Dynamic   bool
	Debug     int
	Precision Precision
	Quant     *QuantConfig
	DeepCache *CachePlan
	Patches   []string
}

func DefaultCompileOptions() CompileOptions {
	return CompileOptions{UseGraph: true, Dynamic: true, Precision: PrecisionF32}
}

// Compiler lowers modules into device graphs and restores persisted graphs.
type Compiler interface {
	Name() string
	Version() string
	Compile(ctx context.Context, m Module, opts CompileOptions) (Graph, error)
	Load(r io.Reader, m Module, d Device) (Graph, error)
}

// Graph is a compiled, device resident executable. A graph binds its input
// signature on its first Run.
type Graph interface {
	Run(args Args) ([]Tensor, error)
	Inputs() []TensorSpec
	Device() Device
	Size() int64
	Meta() map[string]string
	Save(w io.Writer, meta map[string]string) error
	Close() error
}

var (
	compilersMu sync.Mutex
	compilers   = make(map[string]func() Compiler)
)

func RegisterCompiler(name string, f func() Compiler) {
	compilersMu.Lock()
	defer compilersMu.Unlock()
	if _, ok := compilers[name]; ok {
		panic("compiler: compiler already registered")
	}

	compilers[name] = f
}

func NewCompiler(name string) (Compiler, error) {
	compilersMu.Lock()
	defer compilersMu.Unlock()
	if f, ok := compilers[name]; ok {
		return f(), nil
	}

	return nil, fmt.Errorf("unsupported compiler %q", name)
}

func Compilers() []string {
	compilersMu.Lock()
	defer compilersMu.Unlock()
	names := make([]string, 0, len(compilers))
	for name := range compilers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpecsOf collects the specs of the tensor arguments in call order:
// positional arguments first, then keyword arguments by sorted name. A
// []Tensor contributes each element. The second value is false when an
// argument has no static shape; with dynamic set, such arguments contribute
// their spec with Dynamic axes instead.
func SpecsOf(args Args, dynamic bool) ([]TensorSpec, bool) {
	var specs []TensorSpec
	add := func(v any) bool {
		switch t := v.(type) {
		case Tensor:
			specs = append(specs, SpecOf(t))
		case []Tensor:
			for _, e := range t {
				specs = append(specs, SpecOf(e))
			}
		case Ragged:
			return addRagged(&specs, t, dynamic)
		case *Ragged:
			return addRagged(&specs, *t, dynamic)
		}
		return true
	}

	for _, v := range args.Positional {
		if !add(v) {
			return nil, false
		}
	}
	for _, name := range args.KeywordNames() {
		if !add(args.Keyword[name]) {
			return nil, false
		}
	}
	return specs, true
}

func addRagged(specs *[]TensorSpec, r Ragged, dynamic bool) bool {
	spec, ok := r.Spec()
	if !ok || !dynamic {
		return false
	}
	*specs = append(*specs, spec)
	return true
}
