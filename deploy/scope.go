package deploy

import (
	"context"
	"sync"

	"github.com/graphboost/graphboost/ml"
)

// Slot is a host owned place holding the module a pipeline calls, such as
// the denoiser of a loaded checkpoint. A compiled module is swapped in for
// one request at a time and the original is restored when the request ends.
type Slot struct {
	mu      sync.Mutex
	current ml.Module

	// holds one token while a swap is active
	sem chan struct{}
}

func NewSlot(m ml.Module) *Slot {
	return &Slot{current: m, sem: make(chan struct{}, 1)}
}

// Get returns the module currently in the slot.
func (s *Slot) Get() ml.Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Acquire swaps m into the slot, waiting while another swap is active. The
// returned release restores the previous module and may be called more than
// once.
func (s *Slot) Acquire(ctx context.Context, m ml.Module) (release func(), err error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	prev := s.current
	s.current = m
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.current = prev
			s.mu.Unlock()
			<-s.sem
		})
	}, nil
}

// WithSwapped runs fn with m in the slot. The original module is restored
// when fn returns, fails or panics.
func WithSwapped(ctx context.Context, s *Slot, m ml.Module, fn func(ml.Module) error) error {
	release, err := s.Acquire(ctx, m)
	if err != nil {
		return err
	}
	defer release()
	return fn(s.Get())
}
