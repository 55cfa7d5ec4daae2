// Package spinner draws the composing indicator on a terminal.
package spinner

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Interval between frames.
const Interval = 80 * time.Millisecond

// Start displays an animated spinner with the given message on w.
// Call the returned function to stop the spinner and clear the line; calling
// it more than once is safe.
func Start(w io.Writer, message string) (stop func()) {
	done := make(chan struct{})
	cleared := make(chan struct{})
	var stopOnce sync.Once
	width := runewidth.StringWidth(message) + 2
	go func() {
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-done:
				if i > 0 {
					fmt.Fprintf(w, "\r%s\r", strings.Repeat(" ", width)) //nolint:errcheck
				}
				close(cleared)
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s %s", frames[i%len(frames)], message) //nolint:errcheck
				i++
			}
		}
	}()
	return func() {
		stopOnce.Do(func() {
			close(done)
		})
		<-cleared
	}
}

// Toggle adapts Start to an on/off indicator such as a conversation's
// composing callback. A nil writer disables it.
type Toggle struct {
	w       io.Writer
	message string

	mu   sync.Mutex
	stop func()
}

// NewToggle creates a Toggle that draws message on w while on.
func NewToggle(w io.Writer, message string) *Toggle {
	return &Toggle{w: w, message: message}
}

// Set starts or stops the spinner. Repeated calls with the same value are no-ops.
func (t *Toggle) Set(on bool) {
	if t == nil || t.w == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case on && t.stop == nil:
		t.stop = Start(t.w, t.message)
	case !on && t.stop != nil:
		t.stop()
		t.stop = nil
	}
}
