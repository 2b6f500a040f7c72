//go:build linux

// Package trigger wires a physical shutter button into the capture path: a
// GPIO line pulled up and watched for falling edges, so a momentary switch
// to ground fires the same capture callback the HTTP endpoint uses.
package trigger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Button watches one GPIO line and invokes fn on each press.
type Button struct {
	line *gpiocdev.Line
}

// New requests the GPIO line at offset on the named chip (e.g. "gpiochip0").
// The line is debounced in the kernel; fn runs on the event goroutine and
// should hand off long work, the same contract as a camera callback.
func New(chip string, offset int, fn func()) (*Button, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithDebounce(20*time.Millisecond),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			slog.Debug("shutter button pressed", "offset", evt.Offset)
			fn()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request trigger line: %w", err)
	}
	return &Button{line: line}, nil
}

// Close releases the GPIO line.
func (b *Button) Close() error {
	return b.line.Close()
}
