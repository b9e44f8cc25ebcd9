package ml

import "fmt"

// Sequential is the reference eager module: its first positional argument
// flows through Layers in order. Other arguments are accepted so that hosts
// can pass conditioning values that only shape the cache key.
type Sequential struct {
	Tag    Family
	layers []Layer
	device Device
}

func NewSequential(tag Family, layers ...Layer) *Sequential {
	return &Sequential{Tag: tag, layers: layers, device: CPU}
}

func (s *Sequential) Family() Family       { return s.Tag }
func (s *Sequential) Layers() []Layer      { return s.layers }
func (s *Sequential) Device() Device       { return s.device }
func (s *Sequential) Structure() Structure { return StructureOf(s.layers) }

// To moves the eager weights. Eager modules can always move.
func (s *Sequential) To(d Device) error {
	s.device = d
	return nil
}

// Clone returns a module sharing layer values but owning its layer list, so
// transforms can swap layers without touching s.
func (s *Sequential) Clone() *Sequential {
	return &Sequential{Tag: s.Tag, layers: append([]Layer(nil), s.layers...), device: s.device}
}

// Replace swaps the layer at index i.
func (s *Sequential) Replace(i int, l Layer) {
	s.layers[i] = l
}

func (s *Sequential) Forward(args Args) ([]Tensor, error) {
	x, err := args.Input()
	if err != nil {
		return nil, err
	}
	for _, l := range s.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name(), err)
		}
	}
	return []Tensor{x}, nil
}
