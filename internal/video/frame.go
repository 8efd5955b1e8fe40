// Package video reassembles H.264 access units from video-tagged protocol
// packets and drives the decode pipeline that turns them into ordered YUV
// frames.
package video

import "errors"

// ErrDecodeFailed marks a decoder rejection of one access unit. Isolated
// failures are dropped; only a run of consecutive failures is escalated.
var ErrDecodeFailed = errors.New("decode failed")

// Frame is one decoded picture in I420 layout. Ownership transfers to the
// consumer on delivery; the pipeline never retains a reference afterwards.
type Frame struct {
	Width  int
	Height int

	// Y, Cb, Cr are the three planes. Cb/Cr are quarter-size.
	Y  []byte
	Cb []byte
	Cr []byte

	// InputTS is when the encoded access unit entered the pipeline and
	// OutputTS when the picture left the decoder, both in nanoseconds.
	// OutputTS is non-decreasing across delivered frames.
	InputTS  uint64
	OutputTS uint64

	// Seq numbers delivered frames, gap-free per session.
	Seq uint64

	Keyframe bool
}

// Decoder is the external H.264 decoder contract. Decode consumes one
// Annex-B access unit and returns the decoded picture, or (nil, nil) while
// the decoder is still buffering. The pipeline manages no decoder state
// beyond Close at session end.
type Decoder interface {
	Decode(annexb []byte, pts uint64) (*Frame, error)
	Close() error
}
