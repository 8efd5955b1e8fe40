//go:build !openh264

// Package decode provides the H.264 decoder backend. The real OpenH264
// binding needs cgo and the codec library, so it sits behind the openh264
// build tag; default builds run headless and dump elementary streams
// instead.
package decode

import (
	"errors"

	"carlink-go/internal/video"
)

// ErrNotEnabled marks builds without a decoder backend.
var ErrNotEnabled = errors.New("h264 decoding not enabled; build with -tags openh264")

// New reports that no decoder backend is compiled in.
func New(_, _ int) (video.Decoder, error) {
	return nil, ErrNotEnabled
}
