package optimizer

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

// Quantization swaps the densest linear layers for int8 layers. A layer is
// eligible when its compute density reaches the threshold; the percentage
// picks how many eligible layers, densest first, are converted.
//
// Conv settings are validated and recorded in the compile options. The
// reference layer set has no convolutions, so they select nothing.
type Quantization struct {
	ConvPercentage                int `mapstructure:"conv_percentage"`
	LinearPercentage              int `mapstructure:"linear_percentage"`
	ConvComputeDensityThreshold   int `mapstructure:"conv_compute_density_threshold"`
	LinearComputeDensityThreshold int `mapstructure:"linear_compute_density_threshold"`

	// CalibrateInfo supplies per layer scales. Layers without an entry
	// are scaled by their row maximum.
	CalibrateInfo CalibrateInfo `mapstructure:"-"`
}

func DefaultQuantization() Quantization {
	return Quantization{
		ConvPercentage:                100,
		LinearPercentage:              100,
		ConvComputeDensityThreshold:   100,
		LinearComputeDensityThreshold: 300,
	}
}

func (Quantization) Kind() Kind { return KindQuantization }

func (q Quantization) Validate() error {
	for _, check := range []error{
		errtypes.CheckRange("conv_percentage", q.ConvPercentage, 0, 100),
		errtypes.CheckRange("linear_percentage", q.LinearPercentage, 0, 100),
		errtypes.CheckRange("conv_compute_density_threshold", q.ConvComputeDensityThreshold, 0, 2000),
		errtypes.CheckRange("linear_compute_density_threshold", q.LinearComputeDensityThreshold, 0, 2000),
	} {
		if check != nil {
			return check
		}
	}
	return nil
}

// ComputeDensity is the multiply-accumulates per weight element moved for a
// linear map of the given widths.
func ComputeDensity(in, out int) float64 {
	if in+out == 0 {
		return 0
	}
	return float64(in) * float64(out) / float64(in+out)
}

type candidate struct {
	index   int
	layer   *ml.Linear
	density float64
}

// Select returns the indices of the layers of m that q converts, in layer
// order.
func (q Quantization) Select(layers []ml.Layer) []int {
	var eligible []candidate
	for i, l := range layers {
		lin, ok := l.(*ml.Linear)
		if !ok {
			continue
		}
		in, out := lin.Features()
		if d := ComputeDensity(in, out); d >= float64(q.LinearComputeDensityThreshold) {
			eligible = append(eligible, candidate{index: i, layer: lin, density: d})
		}
	}

	slices.SortStableFunc(eligible, func(a, b candidate) int {
		return cmp.Compare(b.density, a.density)
	})

	n := int(math.Ceil(float64(len(eligible)) * float64(q.LinearPercentage) / 100))
	picked := make([]int, 0, n)
	for _, c := range eligible[:n] {
		picked = append(picked, c.index)
	}
	slices.Sort(picked)
	return picked
}

func (q Quantization) Apply(m ml.Module) (ml.Module, error) {
	r, ok := m.(replacer)
	if !ok {
		return nil, &errtypes.ValidationError{Field: "module", Reason: fmt.Sprintf("quantization needs a module with replaceable layers, got %T", m)}
	}

	layers := r.Layers()
	for _, i := range q.Select(layers) {
		lin := layers[i].(*ml.Linear)
		scales, ok := q.CalibrateInfo.Scales(lin)
		if !ok {
			slog.Debug("skipping layer without int8 calibration", "layer", lin.Name())
			continue
		}

		ql, err := ml.Quantize(lin, scales)
		if err != nil {
			return nil, fmt.Errorf("quantize %s: %w", lin.Name(), err)
		}
		r.Replace(i, ql)
		slog.Debug("quantized layer", "layer", lin.Name(), "calibrated", scales != nil)
	}
	return m, nil
}

func (q Quantization) Configure(opts *ml.CompileOptions) {
	opts.Quant = &ml.QuantConfig{
		ConvPercentage:   q.ConvPercentage,
		LinearPercentage: q.LinearPercentage,
		ConvDensity:      q.ConvComputeDensityThreshold,
		LinearDensity:    q.LinearComputeDensityThreshold,
		Calibration:      q.CalibrateInfo.Digest(),
	}
}
