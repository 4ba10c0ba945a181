//go:build !linux

package media

import (
	"errors"

	"github.com/pion/mediadevices"
)

// Capture drivers are only wired on Linux (V4L2 and malgo).
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, errors.New("local capture is not supported on this platform")
}
