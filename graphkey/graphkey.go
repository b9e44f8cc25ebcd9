// Package graphkey derives the keys that decide whether a compiled graph can
// serve a call.
package graphkey

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/graphboost/graphboost/ml"
)

// Identity names the logical module a graph belongs to: a checkpoint (or an
// explicit cache name) plus a submodule role. It partitions the cache.
type Identity struct {
	Checkpoint string
	Role       string
}

func (id Identity) String() string {
	return id.Checkpoint + "/" + id.Role
}

func (id Identity) Valid() bool {
	return id.Checkpoint != "" && id.Role != ""
}

// Signature is the ordered list of tensor specs and shape-relevant scalars
// of one call.
type Signature struct {
	Specs   []ml.TensorSpec
	Scalars []string
}

func (s Signature) String() string {
	parts := make([]string, 0, len(s.Specs)+len(s.Scalars))
	for _, spec := range s.Specs {
		parts = append(parts, spec.String())
	}
	parts = append(parts, s.Scalars...)
	return strings.Join(parts, ";")
}

// Key is the cache key of a compiled graph. Equal keys must be served by
// behaviourally identical graphs.
type Key struct {
	Identity  Identity
	Signature string
	Options   string
}

func (k Key) String() string {
	return fmt.Sprintf("%q/%q(%q)#%s", k.Identity.Checkpoint, k.Identity.Role, k.Signature, k.Options)
}

// Deriver computes signatures from call arguments. Keyword scalars named in
// ShapeRelevant (for example height and width) are part of the signature;
// other non-tensor arguments are ignored.
type Deriver struct {
	ShapeRelevant []string
}

// Signature extracts the signature of args. The second value is false when
// an argument has no static shape and opts does not allow dynamic axes, in
// which case the call must bypass the cache.
func (d Deriver) Signature(args ml.Args, opts ml.CompileOptions) (Signature, bool, error) {
	specs, ok := ml.SpecsOf(args, opts.Dynamic)
	if !ok {
		return Signature{}, false, nil
	}

	var scalars []string
	for _, name := range args.KeywordNames() {
		if !slices.Contains(d.ShapeRelevant, name) {
			continue
		}
		v := args.Keyword[name]
		switch v.(type) {
		case ml.Tensor, []ml.Tensor, ml.Ragged, *ml.Ragged:
			continue
		}
		if n, ok := ml.AsInt(v); ok {
			scalars = append(scalars, fmt.Sprintf("%s=%d", name, n))
			continue
		}
		switch v := v.(type) {
		case string:
			scalars = append(scalars, fmt.Sprintf("%s=%q", name, v))
		case bool, float32, float64:
			scalars = append(scalars, fmt.Sprintf("%s=%v", name, v))
		default:
			return Signature{}, false, fmt.Errorf("shape-relevant argument %q has unsupported type %T", name, v)
		}
	}

	return Signature{Specs: specs, Scalars: scalars}, true, nil
}

// Derive builds the cache key of a call. The second value is false when the
// call must bypass the cache.
func (d Deriver) Derive(id Identity, args ml.Args, opts ml.CompileOptions) (Key, bool, error) {
	sig, ok, err := d.Signature(args, opts)
	if err != nil || !ok {
		return Key{}, false, err
	}
	return Key{Identity: id, Signature: sig.String(), Options: Fingerprint(opts)}, true, nil
}

// KeyForSpecs builds the key of a graph whose inputs are already known, as
// for a graph restored from disk.
func KeyForSpecs(id Identity, specs []ml.TensorSpec, opts ml.CompileOptions) Key {
	return Key{Identity: id, Signature: Signature{Specs: specs}.String(), Options: Fingerprint(opts)}
}

// Fingerprint is a short digest over every option that alters compiled output.
func Fingerprint(opts ml.CompileOptions) string {
	h := sha256.New()
	if opts.Target.Kind != "" {
		fmt.Fprintf(h, "target=%s\n", opts.Target)
	}
	fmt.Fprintf(h, "use_graph=%t\n", opts.UseGraph)
	fmt.Fprintf(h, "dynamic=%t\n", opts.Dynamic)
	fmt.Fprintf(h, "debug=%d\n", opts.Debug)
	fmt.Fprintf(h, "precision=%s\n", cmp.Or(opts.Precision, ml.PrecisionF32))
	if q := opts.Quant; q != nil {
		fmt.Fprintf(h, "quant=%d,%d,%d,%d\n", q.ConvPercentage, q.LinearPercentage, q.ConvDensity, q.LinearDensity)
		if q.Calibration != "" {
			fmt.Fprintf(h, "calibration=%s\n", q.Calibration)
		}
	}
	if p := opts.DeepCache; p != nil {
		fmt.Fprintf(h, "deepcache=%s\n", p)
	}
	if len(opts.Patches) > 0 {
		patches := slices.Clone(opts.Patches)
		slices.Sort(patches)
		fmt.Fprintf(h, "patches=%s\n", strings.Join(patches, ","))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
