package video

import "carlink-go/internal/protocol"

// Boundary decides where one access unit ends. The protocol family signals
// frame boundaries either with an explicit end-of-frame flag on the closing
// chunk or with a total length announced by the first chunk's header; both
// variants hide behind this one interface.
type Boundary interface {
	// Complete reports whether the access unit is complete once a chunk
	// with the given header has been appended and fill bytes are buffered.
	Complete(hdr protocol.VideoHeader, fill int) bool
}

// MarkerBoundary completes a frame on the chunk carrying the end-of-frame
// flag. This is the default variant observed on CPC200 dongles.
type MarkerBoundary struct{}

func (MarkerBoundary) Complete(hdr protocol.VideoHeader, _ int) bool {
	return hdr.EndOfFrame()
}

// LengthBoundary completes a frame once the buffered bytes reach the frame
// length announced in the chunk headers.
type LengthBoundary struct{}

func (LengthBoundary) Complete(hdr protocol.VideoHeader, fill int) bool {
	return hdr.FrameLength > 0 && fill >= int(hdr.FrameLength)
}
