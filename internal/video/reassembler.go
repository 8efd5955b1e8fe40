package video

import (
	"fmt"
	"time"

	"carlink-go/internal/protocol"

	"github.com/rs/zerolog"
)

// AccessUnitFunc receives one complete encoded access unit. The slice is
// only valid for the duration of the call.
type AccessUnitFunc func(au []byte, pts uint64, keyframe bool)

// Reassembler accumulates video packet payloads into whole access units.
// It runs entirely on the session's read-loop goroutine, so it needs no
// locking, and its assembly buffer is reset rather than freed between
// frames. A completed frame is flushed to the sink exactly once.
type Reassembler struct {
	boundary Boundary
	sink     AccessUnitFunc
	log      zerolog.Logger

	buf      []byte
	pts      uint64
	keyframe bool
	filling  bool

	frames    uint64
	malformed uint64
}

// NewReassembler builds a reassembler flushing completed units to sink.
// A nil boundary defaults to the end-of-frame marker variant.
func NewReassembler(boundary Boundary, sink AccessUnitFunc, log zerolog.Logger) *Reassembler {
	if boundary == nil {
		boundary = MarkerBoundary{}
	}
	return &Reassembler{boundary: boundary, sink: sink, log: log}
}

// Push consumes one TypeVideoData packet in arrival order. Malformed
// payloads are counted and dropped without disturbing the current frame.
func (r *Reassembler) Push(p protocol.Packet) error {
	if p.Type != protocol.TypeVideoData {
		return fmt.Errorf("reassembler fed non-video packet %v", p.Type)
	}
	hdr, chunk, err := protocol.ParseVideoChunk(p.Payload)
	if err != nil {
		r.malformed++
		r.log.Debug().Err(err).Msg("dropping malformed video chunk")
		return nil
	}
	if !r.filling {
		r.filling = true
		r.pts = uint64(time.Now().UnixNano())
		r.keyframe = hdr.Keyframe()
	} else if hdr.Keyframe() {
		r.keyframe = true
	}
	r.buf = append(r.buf, chunk...)

	if r.boundary.Complete(hdr, len(r.buf)) {
		r.frames++
		if r.sink != nil {
			r.sink(r.buf, r.pts, r.keyframe)
		}
		r.Reset()
	}
	return nil
}

// Reset discards any partial frame, keeping the buffer capacity. Called
// between frames and on session teardown.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.filling = false
	r.keyframe = false
}

// Frames reports completed access units.
func (r *Reassembler) Frames() uint64 { return r.frames }

// Malformed reports dropped undersized or unparsable chunks.
func (r *Reassembler) Malformed() uint64 { return r.malformed }
