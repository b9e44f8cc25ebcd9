package ml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pdevine/tensor"
)

// Tensor is the value type passed between host call sites, eager modules and
// compiled graphs.
type Tensor = tensor.Tensor

// Dynamic marks an axis whose extent is not fixed at compile time.
const Dynamic = -1

// TensorSpec is the shape and element type of a tensor argument.
type TensorSpec struct {
	Shape []int  `json:"shape" cbor:"shape"`
	DType string `json:"dtype" cbor:"dtype"`
}

func (s TensorSpec) String() string {
	var sb strings.Builder
	sb.WriteString(s.DType)
	sb.WriteByte('[')
	for i, d := range s.Shape {
		if i > 0 {
			sb.WriteByte(',')
		}
		if d == Dynamic {
			sb.WriteByte('?')
		} else {
			sb.WriteString(strconv.Itoa(d))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// Elements is the number of elements described by the spec. Dynamic axes
// count as one.
func (s TensorSpec) Elements() int {
	n := 1
	for _, d := range s.Shape {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// Compatible reports whether a tensor of spec o can run through a graph
// bound to s. Dynamic axes in s accept any extent.
func (s TensorSpec) Compatible(o TensorSpec) bool {
	if s.DType != o.DType || len(s.Shape) != len(o.Shape) {
		return false
	}
	for i := range s.Shape {
		if s.Shape[i] != Dynamic && s.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// SpecOf returns the spec of t.
func SpecOf(t Tensor) TensorSpec {
	shape := t.Shape()
	return TensorSpec{
		Shape: append([]int(nil), shape...),
		DType: t.Dtype().String(),
	}
}

// FromFloats builds a float32 tensor backed by data.
func FromFloats(data []float32, shape ...int) (Tensor, error) {
	if n := elements(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Zeros builds a zero filled float32 tensor for spec. Dynamic axes are
// materialised with extent one.
func Zeros(spec TensorSpec) Tensor {
	shape := make([]int, len(spec.Shape))
	for i, d := range spec.Shape {
		if d == Dynamic {
			d = 1
		}
		shape[i] = d
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, elements(shape))))
}

// Floats returns the float32 backing of t.
func Floats(t Tensor) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("unsupported tensor element type %s", t.Dtype())
	}
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Ragged is a batch of rows whose shapes differ along one or more axes, for
// example a list of conditioning sequences of different lengths. Its shape
// cannot be determined statically.
type Ragged struct {
	Rows []Tensor
}

// Spec returns the common spec of the rows with every differing axis marked
// Dynamic. The second value is false when the rows disagree on rank or
// element type.
func (r Ragged) Spec() (TensorSpec, bool) {
	if len(r.Rows) == 0 {
		return TensorSpec{}, false
	}

	spec := SpecOf(r.Rows[0])
	for _, row := range r.Rows[1:] {
		other := SpecOf(row)
		if other.DType != spec.DType || len(other.Shape) != len(spec.Shape) {
			return TensorSpec{}, false
		}
		for i := range spec.Shape {
			if spec.Shape[i] != other.Shape[i] {
				spec.Shape[i] = Dynamic
			}
		}
	}
	spec.Shape = append([]int{len(r.Rows)}, spec.Shape...)
	return spec, true
}
