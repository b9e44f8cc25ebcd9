package ml

import "fmt"

// StepKeyword is the keyword argument carrying the denoising step index.
const StepKeyword = "step"

// CachePlan is a deep-cache schedule over a layer list. Layers [0, Split)
// and the last Tail layers run on every step; the layers in between are the
// deep segment, recomputed only on refresh steps and otherwise served from a
// StepStore.
type CachePlan struct {
	Split    int `json:"split" cbor:"split"`
	Tail     int `json:"tail" cbor:"tail"`
	Interval int `json:"interval" cbor:"interval"`
	Start    int `json:"start" cbor:"start"`
	End      int `json:"end" cbor:"end"`
}

func (p CachePlan) String() string {
	return fmt.Sprintf("split=%d,tail=%d,interval=%d,steps=%d..%d", p.Split, p.Tail, p.Interval, p.Start, p.End)
}

// Refresh reports whether step recomputes the deep segment. Steps outside
// [Start, End] always recompute.
func (p CachePlan) Refresh(step int) bool {
	if step < p.Start || step > p.End || p.Interval <= 1 {
		return true
	}
	return (step-p.Start)%p.Interval == 0
}

// Validate checks p against a module with n layers.
func (p CachePlan) Validate(n int) error {
	switch {
	case p.Split < 1:
		return fmt.Errorf("split %d must leave at least one shallow layer", p.Split)
	case p.Tail < 0:
		return fmt.Errorf("tail %d is negative", p.Tail)
	case p.Split+p.Tail >= n:
		return fmt.Errorf("split %d and tail %d leave no deep layers in %d", p.Split, p.Tail, n)
	}
	return nil
}

// StepStore holds deep segment outputs between steps.
type StepStore interface {
	Get(block int) Tensor
	Set(block int, t Tensor)
}

// RunPlan runs n layers over x. apply runs layer i. With a nil plan, or a
// call without a step, every layer runs.
func RunPlan(p *CachePlan, n int, args Args, store StepStore, x Tensor, apply func(i int, x Tensor) (Tensor, error)) (Tensor, error) {
	var err error
	if p == nil || store == nil {
		for i := range n {
			if x, err = apply(i, x); err != nil {
				return nil, err
			}
		}
		return x, nil
	}

	step, ok := args.Int(StepKeyword)
	refresh := !ok || p.Refresh(step)

	for i := range p.Split {
		if x, err = apply(i, x); err != nil {
			return nil, err
		}
	}

	deepEnd := n - p.Tail
	if cached := store.Get(0); !refresh && cached != nil {
		x = cached
	} else {
		for i := p.Split; i < deepEnd; i++ {
			if x, err = apply(i, x); err != nil {
				return nil, err
			}
		}
		store.Set(0, x)
	}

	for i := deepEnd; i < n; i++ {
		if x, err = apply(i, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
