// Package optimizer turns a raw eager module into a deployable module. An
// Executor transforms the module (deep cache, quantization, layer patches)
// and the Scheduler wraps the result with the identity the cache needs.
package optimizer

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/deploy"
	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

type Kind string

const (
	KindBasic        Kind = "basic"
	KindDeepCache    Kind = "deepcache"
	KindQuantization Kind = "quantization"
	KindPatch        Kind = "patch"
)

// Executor is a module transform applied before compilation.
type Executor interface {
	Kind() Kind

	// Validate checks option ranges. It does not look at a module.
	Validate() error

	// Apply transforms m. It may modify m in place.
	Apply(m ml.Module) (ml.Module, error)

	// Configure records the transform in the compile options so that
	// differently transformed modules never share a graph.
	Configure(opts *ml.CompileOptions)
}

// Basic compiles the module as is.
type Basic struct{}

func (Basic) Kind() Kind                          { return KindBasic }
func (Basic) Validate() error                     { return nil }
func (Basic) Apply(m ml.Module) (ml.Module, error) { return m, nil }
func (Basic) Configure(*ml.CompileOptions)        {}

// NewExecutor builds an executor of kind from host supplied values, such as
// the numeric sliders of a node graph. Values are weakly typed, so "3" and
// 3.0 both decode into an int field; unknown keys are an error.
func NewExecutor(kind string, values map[string]any) (Executor, error) {
	var e Executor
	switch Kind(kind) {
	case KindBasic, "":
		return Basic{}, nil
	case KindDeepCache:
		d := DefaultDeepCache()
		if err := decode(values, &d); err != nil {
			return nil, err
		}
		e = d
	case KindQuantization:
		q := DefaultQuantization()
		if err := decode(values, &q); err != nil {
			return nil, err
		}
		e = q
	case KindPatch:
		var p Patch
		if err := decode(values, &p); err != nil {
			return nil, err
		}
		e = p
	default:
		return nil, &errtypes.ValidationError{Field: "kind", Value: kind, Reason: fmt.Sprintf("unknown optimizer %q", kind)}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decode(values map[string]any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := d.Decode(values); err != nil {
		return &errtypes.ValidationError{Field: "options", Value: values, Reason: err.Error()}
	}
	return nil
}

// Families the compiler knows how to lower. Other modules run eagerly.
var supported = []ml.Family{ml.FamilyUNetLDM, ml.FamilyUNetSGM, ml.FamilyVAE, ml.FamilyTextEncoder}

// Scheduler applies an Executor and wraps the result in a deploy.Module.
// It never compiles; the first call of the returned module does.
type Scheduler struct {
	Executor Executor

	// Inplace transforms the caller's module instead of a copy.
	Inplace bool

	Compiler ml.Compiler
	Cache    *cache.Cache

	// Options is the base for every module. Identity is replaced.
	Options deploy.Options

	// Tracker, when set, drops cached units of an identity whose module
	// structure changed since the last Compile.
	Tracker *Tracker
}

func NewScheduler(e Executor, compiler ml.Compiler, c *cache.Cache) *Scheduler {
	return &Scheduler{
		Executor: e,
		Compiler: compiler,
		Cache:    c,
		Options:  deploy.Options{Compile: ml.DefaultCompileOptions()},
	}
}

// Compile transforms m and wraps it. name is the checkpoint or cache name;
// modules that share a structure but come from different checkpoints must
// use different names.
func (s *Scheduler) Compile(m ml.Module, name string) (*deploy.Module, error) {
	if name == "" {
		return nil, &errtypes.ValidationError{Field: "name", Reason: "a checkpoint or cache name is required"}
	}
	if m == nil {
		return nil, &errtypes.ValidationError{Field: "module", Reason: "nil module"}
	}

	e := s.Executor
	if e == nil {
		e = Basic{}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if d, ok := m.(*deploy.Module); ok {
		m = d.Eager()
	}
	if !s.Inplace {
		m = clone(m)
	}

	out, err := e.Apply(m)
	if err != nil {
		return nil, err
	}

	opts := s.Options
	opts.Compile.Patches = slices.Clone(opts.Compile.Patches)
	e.Configure(&opts.Compile)

	family := ml.FamilyOf(out)
	opts.Identity = graphkey.Identity{Checkpoint: name, Role: family.Role()}
	if !slices.Contains(supported, family) {
		slog.Warn("module family is not supported by the graph compiler, running eagerly", "family", family, "name", name)
		opts.Compile.UseGraph = false
	}

	if s.Tracker != nil {
		s.Tracker.Observe(opts.Identity, out)
	}

	slog.Debug("scheduled module", "optimizer", e.Kind(), "identity", opts.Identity, "use_graph", opts.Compile.UseGraph)
	return deploy.New(out, s.Compiler, s.Cache, opts)
}

// clone copies the layer list of m so transforms leave m untouched. Layer
// values are shared.
func clone(m ml.Module) ml.Module {
	switch m := m.(type) {
	case *ml.Sequential:
		return m.Clone()
	case *DeepCacheModule:
		return &DeepCacheModule{inner: clone(m.inner).(ml.Layered), plan: m.plan, steps: cache.NewStepCache(1)}
	default:
		slog.Debug("module cannot be copied, transforming in place", "type", fmt.Sprintf("%T", m))
		return m
	}
}

// replacer is a Layered module whose layers can be swapped.
type replacer interface {
	ml.Layered
	Replace(i int, l ml.Layer)
}
