package ml

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
)

// Layer is one lowerable operation of a Layered module.
type Layer interface {
	Name() string
	Kind() string
	Params() []Param
	Attrs() map[string]float32
	Forward(x Tensor) (Tensor, error)
}

type Param struct {
	Name  string
	Value Tensor
}

const (
	KindLinear     = "linear"
	KindLinearInt8 = "linear_int8"
	KindSiLU       = "silu"
	KindGELU       = "gelu"
	KindScale      = "scale"
)

// Linear applies y = xW^T + b over the last axis of x.
type Linear struct {
	LayerName string
	Weight    Tensor // [out, in]
	Bias      Tensor // [out]
}

// NewLinear builds a Linear layer from row-major weights.
func NewLinear(name string, in, out int, weight, bias []float32) (*Linear, error) {
	w, err := FromFloats(weight, out, in)
	if err != nil {
		return nil, fmt.Errorf("%s weight: %w", name, err)
	}
	b, err := FromFloats(bias, out)
	if err != nil {
		return nil, fmt.Errorf("%s bias: %w", name, err)
	}
	return &Linear{LayerName: name, Weight: w, Bias: b}, nil
}

func (l *Linear) Name() string              { return l.LayerName }
func (l *Linear) Kind() string              { return KindLinear }
func (l *Linear) Attrs() map[string]float32 { return nil }

func (l *Linear) Params() []Param {
	return []Param{{Name: "weight", Value: l.Weight}, {Name: "bias", Value: l.Bias}}
}

// Features returns the input and output widths.
func (l *Linear) Features() (in, out int) {
	shape := l.Weight.Shape()
	return shape[1], shape[0]
}

func (l *Linear) Forward(x Tensor) (Tensor, error) {
	w, err := Floats(l.Weight)
	if err != nil {
		return nil, err
	}
	b, err := Floats(l.Bias)
	if err != nil {
		return nil, err
	}
	in, out := l.Features()
	return ApplyLinear(x, in, out, func(o, i int) float32 { return w[o*in+i] }, b)
}

// ApplyLinear runs a linear map over the last axis of x. weight returns the
// element at output o, input i.
func ApplyLinear(x Tensor, in, out int, weight func(o, i int) float32, bias []float32) (Tensor, error) {
	xs, err := Floats(x)
	if err != nil {
		return nil, err
	}

	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != in {
		return nil, fmt.Errorf("linear expects last axis %d, got shape %v", in, shape)
	}

	rows := len(xs) / in
	ys := make([]float32, rows*out)
	for r := range rows {
		row := xs[r*in : (r+1)*in]
		for o := range out {
			sum := bias[o]
			for i, v := range row {
				sum += v * weight(o, i)
			}
			ys[r*out+o] = sum
		}
	}

	outShape := append([]int(nil), shape...)
	outShape[len(outShape)-1] = out
	return FromFloats(ys, outShape...)
}

// QuantLinear is a Linear layer whose weights are stored as int8 with one
// scale per output row.
type QuantLinear struct {
	LayerName string
	QWeight   Tensor // int8 [out, in]
	Scale     Tensor // [out]
	Bias      Tensor // [out]
}

func (l *QuantLinear) Name() string              { return l.LayerName }
func (l *QuantLinear) Kind() string              { return KindLinearInt8 }
func (l *QuantLinear) Attrs() map[string]float32 { return nil }

func (l *QuantLinear) Params() []Param {
	return []Param{{Name: "qweight", Value: l.QWeight}, {Name: "scale", Value: l.Scale}, {Name: "bias", Value: l.Bias}}
}

func (l *QuantLinear) Forward(x Tensor) (Tensor, error) {
	q, ok := l.QWeight.Data().([]int8)
	if !ok {
		return nil, fmt.Errorf("%s: qweight is %s, not int8", l.LayerName, l.QWeight.Dtype())
	}
	scale, err := Floats(l.Scale)
	if err != nil {
		return nil, err
	}
	b, err := Floats(l.Bias)
	if err != nil {
		return nil, err
	}
	shape := l.QWeight.Shape()
	out, in := shape[0], shape[1]
	return ApplyLinear(x, in, out, func(o, i int) float32 { return float32(q[o*in+i]) * scale[o] }, b)
}

// Quantize converts l to int8 weights. scales holds one scale per output row;
// when nil the scales come from each row's absolute maximum.
func Quantize(l *Linear, scales []float32) (*QuantLinear, error) {
	w, err := Floats(l.Weight)
	if err != nil {
		return nil, err
	}
	in, out := l.Features()
	if scales == nil {
		scales = make([]float32, out)
		for o := range out {
			var m float32
			for _, v := range w[o*in : (o+1)*in] {
				m = max(m, float32(math.Abs(float64(v))))
			}
			scales[o] = m / 127
		}
	}
	if len(scales) != out {
		return nil, fmt.Errorf("%s: %d scales for %d output rows", l.LayerName, len(scales), out)
	}

	q := make([]int8, len(w))
	for o := range out {
		s := scales[o]
		for i := range in {
			if s == 0 {
				continue
			}
			v := math.Round(float64(w[o*in+i] / s))
			q[o*in+i] = int8(max(-127, min(127, v)))
		}
	}

	scale, err := FromFloats(append([]float32(nil), scales...), out)
	if err != nil {
		return nil, err
	}
	return &QuantLinear{
		LayerName: l.LayerName,
		QWeight:   tensor.New(tensor.WithShape(out, in), tensor.WithBacking(q)),
		Scale:     scale,
		Bias:      l.Bias,
	}, nil
}

// Activation is a parameter free elementwise layer.
type Activation struct {
	LayerName string
	Func      string
}

func (a *Activation) Name() string              { return a.LayerName }
func (a *Activation) Kind() string              { return a.Func }
func (a *Activation) Params() []Param           { return nil }
func (a *Activation) Attrs() map[string]float32 { return nil }

func (a *Activation) Forward(x Tensor) (Tensor, error) {
	f, err := ActivationFunc(a.Func)
	if err != nil {
		return nil, err
	}
	return Map(x, f)
}

// ActivationFunc resolves an activation kind.
func ActivationFunc(kind string) (func(float32) float32, error) {
	switch kind {
	case KindSiLU:
		return func(v float32) float32 {
			return v / (1 + float32(math.Exp(float64(-v))))
		}, nil
	case KindGELU:
		return func(v float32) float32 {
			x := float64(v)
			return float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
		}, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", kind)
	}
}

// Scale multiplies every element by Factor.
type Scale struct {
	LayerName string
	Factor    float32
}

func (s *Scale) Name() string              { return s.LayerName }
func (s *Scale) Kind() string              { return KindScale }
func (s *Scale) Params() []Param           { return nil }
func (s *Scale) Attrs() map[string]float32 { return map[string]float32{"factor": s.Factor} }

func (s *Scale) Forward(x Tensor) (Tensor, error) {
	return Map(x, func(v float32) float32 { return v * s.Factor })
}

// Map applies f to every element of x into a new tensor.
func Map(x Tensor, f func(float32) float32) (Tensor, error) {
	xs, err := Floats(x)
	if err != nil {
		return nil, err
	}
	ys := make([]float32, len(xs))
	for i, v := range xs {
		ys[i] = f(v)
	}
	return FromFloats(ys, x.Shape()...)
}
