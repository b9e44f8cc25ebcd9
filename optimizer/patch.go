package optimizer

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/graphboost/graphboost/hijack"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

// LayerOverride returns the layer to run in place of l.
type LayerOverride func(l ml.Layer) ml.Layer

// Overrides is the process wide table Patch uses when it has none of its
// own. Entries are keyed by the layer kind they intercept; the predicate
// receives the module being patched.
var Overrides = hijack.New[LayerOverride]()

// FamilyIs is an override predicate accepting modules of the given
// families.
func FamilyIs(families ...ml.Family) func(any) bool {
	return func(subject any) bool {
		m, ok := subject.(ml.Module)
		return ok && slices.Contains(families, ml.FamilyOf(m))
	}
}

// Patch replaces layers through registered overrides.
type Patch struct {
	// Names selects overrides; empty means all registered.
	Names []string `mapstructure:"overrides"`

	Table *hijack.Table[LayerOverride] `mapstructure:"-"`
}

func (Patch) Kind() Kind { return KindPatch }

func (p Patch) table() *hijack.Table[LayerOverride] {
	if p.Table != nil {
		return p.Table
	}
	return Overrides
}

func (p Patch) names() []string {
	if len(p.Names) == 0 {
		return p.table().Names()
	}
	return p.Names
}

func (p Patch) Validate() error {
	registered := p.table().Names()
	for _, name := range p.Names {
		if !slices.Contains(registered, name) {
			return &errtypes.ValidationError{Field: "overrides", Value: name, Reason: fmt.Sprintf("no override registered for %q", name)}
		}
	}
	return nil
}

func (p Patch) Apply(m ml.Module) (ml.Module, error) {
	r, ok := m.(replacer)
	if !ok {
		return nil, &errtypes.ValidationError{Field: "module", Reason: fmt.Sprintf("patching needs a module with replaceable layers, got %T", m)}
	}

	names := p.names()
	for i, l := range r.Layers() {
		if !slices.Contains(names, l.Kind()) {
			continue
		}
		if f, ok := p.table().Lookup(l.Kind(), m); ok {
			r.Replace(i, f(l))
			slog.Debug("patched layer", "layer", l.Name(), "kind", l.Kind())
		}
	}
	return m, nil
}

func (p Patch) Configure(opts *ml.CompileOptions) {
	for _, name := range p.names() {
		if !slices.Contains(opts.Patches, name) {
			opts.Patches = append(opts.Patches, name)
		}
	}
}
