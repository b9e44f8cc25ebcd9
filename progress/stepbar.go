package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// StepBar displays step-based progress, such as denoising steps.
type StepBar struct {
	message string
	current atomic.Int64
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

func (s *StepBar) Set(current int) {
	s.current.Store(int64(min(max(current, 0), s.total)))
}

func (s *StepBar) String() string {
	current := int(s.current.Load())
	var percent float64
	if s.total > 0 {
		percent = float64(current) / float64(s.total) * 100
	}

	// "batch 1  50% ▕██  ▏ 2/4"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", current), strings.Repeat(" ", s.total-current),
		current, s.total)
}
