package simulator

import (
	"fmt"

	"carlink-go/internal/video"
)

// Decoder turns synthetic access units into flat gray I420 pictures, so
// the full pipeline runs without a real H.264 decoder. Rejects anything
// that is not a simulator bitstream.
type Decoder struct {
	calls uint64
}

// NewDecoder returns a decoder for simulator bitstreams.
func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Decode(annexb []byte, pts uint64) (*video.Frame, error) {
	seq, width, height, keyframe, err := ParseSyntheticAccessUnit(annexb)
	if err != nil {
		return nil, fmt.Errorf("synthetic decode: %w", err)
	}
	d.calls++
	w, h := int(width), int(height)
	f := &video.Frame{
		Width:    w,
		Height:   h,
		Y:        make([]byte, w*h),
		Cb:       make([]byte, w*h/4),
		Cr:       make([]byte, w*h/4),
		InputTS:  pts,
		OutputTS: d.calls,
		Keyframe: keyframe,
	}
	// Luma varies with the source sequence so consecutive frames differ.
	shade := byte(16 + seq%220)
	for i := range f.Y {
		f.Y[i] = shade
	}
	for i := range f.Cb {
		f.Cb[i] = 128
		f.Cr[i] = 128
	}
	return f, nil
}

func (d *Decoder) Close() error { return nil }
