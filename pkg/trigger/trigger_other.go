//go:build !linux

package trigger

import "errors"

// Button is only functional on linux; see trigger.go.
type Button struct{}

// New always fails off-linux: there is no GPIO character device to watch.
func New(chip string, offset int, fn func()) (*Button, error) {
	return nil, errors.New("gpio shutter trigger requires linux")
}

func (b *Button) Close() error { return nil }
