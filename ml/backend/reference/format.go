package reference

import (
	"bufio"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/graphboost/graphboost/ml"
)

const (
	magic         = "GBGRAPH"
	formatVersion = 1
)

// Header is the descriptive part of a graph file.
type Header struct {
	Magic           string            `cbor:"magic" json:"-"`
	Version         int               `cbor:"version" json:"version"`
	Compiler        string            `cbor:"compiler" json:"compiler"`
	CompilerVersion string            `cbor:"compiler_version" json:"compiler_version"`
	Digest          string            `cbor:"digest" json:"digest"`
	Device          string            `cbor:"device" json:"device"`
	Precision       string            `cbor:"precision" json:"precision"`
	Dynamic         bool              `cbor:"dynamic" json:"dynamic"`
	Inputs          []ml.TensorSpec   `cbor:"inputs" json:"inputs"`
	Plan            *ml.CachePlan     `cbor:"plan,omitempty" json:"plan,omitempty"`
	Meta            map[string]string `cbor:"meta,omitempty" json:"meta,omitempty"`
}

// LayerHeader names one lowered layer without its parameters.
type LayerHeader struct {
	Name string `cbor:"name" json:"name"`
	Kind string `cbor:"kind" json:"kind"`
}

type file struct {
	Header
	Kernels []kernel `cbor:"kernels"`
}

// Summary is what Inspect reports about a graph file.
type Summary struct {
	Header
	Layers []LayerHeader `cbor:"kernels" json:"layers"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encode(w io.Writer, f file) error {
	bw := bufio.NewWriter(w)
	if err := encMode.NewEncoder(bw).Encode(f); err != nil {
		return err
	}
	return bw.Flush()
}

func decode(r io.Reader, v any) error {
	if err := cbor.NewDecoder(bufio.NewReader(r)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ml.ErrGraphMismatch, err)
	}
	return nil
}

func (h Header) check() error {
	if h.Magic != magic {
		return fmt.Errorf("%w: not a graph file", ml.ErrGraphMismatch)
	}
	if h.Version != formatVersion {
		return fmt.Errorf("%w: format version %d, want %d", ml.ErrGraphMismatch, h.Version, formatVersion)
	}
	return nil
}

// Inspect reads the header and layer list of a graph file.
func Inspect(r io.Reader) (*Summary, error) {
	var s Summary
	if err := decode(r, &s); err != nil {
		return nil, err
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}
