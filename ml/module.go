package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Args is the call signature shared by eager modules, deployable modules and
// compiled graphs.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// NewArgs builds Args from positional values.
func NewArgs(positional ...any) Args {
	return Args{Positional: positional}
}

// With returns a copy of a with the keyword argument name set to v.
func (a Args) With(name string, v any) Args {
	kw := make(map[string]any, len(a.Keyword)+1)
	for k, val := range a.Keyword {
		kw[k] = val
	}
	kw[name] = v
	return Args{Positional: a.Positional, Keyword: kw}
}

// Input returns the first positional tensor, the primary module input.
func (a Args) Input() (Tensor, error) {
	if len(a.Positional) == 0 {
		return nil, fmt.Errorf("missing input tensor")
	}
	t, ok := a.Positional[0].(Tensor)
	if !ok {
		return nil, fmt.Errorf("first argument is %T, not a tensor", a.Positional[0])
	}
	return t, nil
}

// KeywordNames returns the keyword argument names in sorted order.
func (a Args) KeywordNames() []string {
	names := make([]string, 0, len(a.Keyword))
	for k := range a.Keyword {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Int returns the keyword argument name as an int when it holds any integer
// or integral float value.
func (a Args) Int(name string) (int, bool) {
	return AsInt(a.Keyword[name])
}

// AsInt converts integer and integral float values.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		if n == float32(int(n)) {
			return int(n), true
		}
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Module is anything a host can call like an eager model.
type Module interface {
	Forward(args Args) ([]Tensor, error)
	Structure() Structure
	Device() Device
	To(Device) error
}

// Layered modules expose their layers so a compiler can lower them.
type Layered interface {
	Module
	Layers() []Layer
}

// Planned modules carry a deep-cache step schedule.
type Planned interface {
	Plan() *CachePlan
}

// Family tags the host model class a module came from. Dispatch on the tag
// replaces type switches over host framework classes.
type Family string

const (
	FamilyGeneric     Family = "generic"
	FamilyUNetLDM     Family = "unet-ldm"
	FamilyUNetSGM     Family = "unet-sgm"
	FamilyVAE         Family = "vae"
	FamilyTextEncoder Family = "text-encoder"
)

// Role is the submodule role used in cache identities and graph directories.
func (f Family) Role() string {
	switch f {
	case FamilyUNetLDM, FamilyUNetSGM:
		return "unet"
	case FamilyVAE:
		return "vae"
	case FamilyTextEncoder:
		return "text_encoder"
	default:
		return "module"
	}
}

// Tagged modules report their Family.
type Tagged interface {
	Family() Family
}

// FamilyOf returns the tag of m or FamilyGeneric.
func FamilyOf(m Module) Family {
	if t, ok := m.(Tagged); ok {
		return t.Family()
	}
	return FamilyGeneric
}

type ParamInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

type LayerInfo struct {
	Name   string      `json:"name"`
	Kind   string      `json:"kind"`
	Params []ParamInfo `json:"params,omitempty"`
}

// Structure describes the layers and parameter shapes of a module. Weights
// and scalar attributes are not part of it.
type Structure struct {
	Layers []LayerInfo `json:"layers"`
}

// Digest identifies the structure. Graphs built for one digest cannot run a
// module with another.
func (s Structure) Digest() string {
	h := sha256.New()
	for _, l := range s.Layers {
		fmt.Fprintf(h, "%s:%s;", l.Name, l.Kind)
		for _, p := range l.Params {
			fmt.Fprintf(h, "%s=%s;", p.Name, TensorSpec{Shape: p.Shape, DType: p.DType})
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s Structure) String() string {
	kinds := make([]string, len(s.Layers))
	for i, l := range s.Layers {
		kinds[i] = l.Kind
	}
	return strings.Join(kinds, "->")
}

// StructureOf derives the Structure of a list of layers.
func StructureOf(layers []Layer) Structure {
	s := Structure{Layers: make([]LayerInfo, len(layers))}
	for i, l := range layers {
		info := LayerInfo{Name: l.Name(), Kind: l.Kind()}
		for _, p := range l.Params() {
			spec := SpecOf(p.Value)
			info.Params = append(info.Params, ParamInfo{Name: p.Name, Shape: spec.Shape, DType: spec.DType})
		}
		s.Layers[i] = info
	}
	return s
}
