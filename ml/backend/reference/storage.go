package reference

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/graphboost/graphboost/ml"
)

// storage dtypes of parameters held by a graph
const (
	dtypeF32  = "f32"
	dtypeF16  = "f16"
	dtypeBF16 = "bf16"
	dtypeI8   = "i8"
)

func encodeFloats(vs []float32, p ml.Precision) ([]byte, string) {
	switch p {
	case ml.PrecisionF16:
		b := make([]byte, 2*len(vs))
		for i, v := range vs {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b, dtypeF16
	case ml.PrecisionBF16:
		return bfloat16.EncodeFloat32(vs), dtypeBF16
	default:
		b := make([]byte, 4*len(vs))
		for i, v := range vs {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b, dtypeF32
	}
}

func decodeFloats(b []byte, dtype string, n int) ([]float32, error) {
	var width int
	switch dtype {
	case dtypeF32:
		width = 4
	case dtypeF16, dtypeBF16:
		width = 2
	default:
		return nil, fmt.Errorf("unknown storage type %q", dtype)
	}
	if len(b) != width*n {
		return nil, fmt.Errorf("%s storage holds %d bytes, want %d", dtype, len(b), width*n)
	}

	switch dtype {
	case dtypeBF16:
		return bfloat16.DecodeFloat32(b), nil
	case dtypeF16:
		vs := make([]float32, n)
		for i := range vs {
			vs[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
		return vs, nil
	default:
		vs := make([]float32, n)
		for i := range vs {
			vs[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return vs, nil
	}
}

func encodeInt8(vs []int8) []byte {
	b := make([]byte, len(vs))
	for i, v := range vs {
		b[i] = byte(v)
	}
	return b
}

func decodeInt8(b []byte, n int) ([]int8, error) {
	if len(b) != n {
		return nil, fmt.Errorf("i8 storage holds %d bytes, want %d", len(b), n)
	}
	vs := make([]int8, n)
	for i, v := range b {
		vs[i] = int8(v)
	}
	return vs, nil
}
