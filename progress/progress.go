package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTermHeight = 24

// State is one line of a Progress display.
type State interface {
	String() string
}

// Progress redraws its states in place until it is stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	// lines drawn by the last render
	pos int

	ticker *time.Ticker
	done   chan struct{}
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}

	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.loop(p.ticker.C, p.done)
	return p
}

func (p *Progress) loop(tick <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-tick:
			p.mu.Lock()
			if p.done == nil {
				p.mu.Unlock()
				return
			}
			p.render()
			p.mu.Unlock()
		case <-done:
			return
		}
	}
}

// stop ends the redraw loop after one final render. It reports false when
// p was already stopped.
func (p *Progress) stop() bool {
	if p.done == nil {
		return false
	}

	p.ticker.Stop()
	close(p.done)
	p.done = nil

	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}
	p.render()
	return true
}

func (p *Progress) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	stopped := p.stop()
	if stopped {
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

// StopAndClear stops p and erases the lines it drew.
func (p *Progress) StopAndClear() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	stopped := p.stop()
	if stopped {
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}

		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

// render must be called with p.mu held.
func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = maxHeight
	p.w.Flush()
}

// IsTerminal reports whether f is attached to a terminal, in which case
// progress is worth drawing.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
