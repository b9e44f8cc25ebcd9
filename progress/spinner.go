package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Spinner animates while work of unknown length runs, then shows how long
// it took.
type Spinner struct {
	message      atomic.Value
	messageWidth int

	parts []string
	value atomic.Int32

	started time.Time
	stopped atomic.Int64
	done    chan struct{}
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.message.Store(message)
	go s.start()
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message := strings.TrimSpace(s.message.Load().(string)); message != "" {
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		sb.WriteString(message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if stopped := s.stopped.Load(); stopped != 0 {
		elapsed := time.Unix(0, stopped).Sub(s.started)
		fmt.Fprintf(&sb, "(%s)", elapsed.Round(time.Millisecond))
	} else {
		sb.WriteString(s.parts[s.value.Load()])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.value.Store((s.value.Load() + 1) % int32(len(s.parts)))
		case <-s.done:
			return
		}
	}
}

// Stop freezes the spinner. Later calls keep the first stop time.
func (s *Spinner) Stop() {
	if s.stopped.CompareAndSwap(0, time.Now().UnixNano()) {
		close(s.done)
	}
}
