package protocol

import (
	"bytes"
	"encoding/binary"
)

// magicBytes is the on-wire (little-endian) encoding of Magic, used to
// rescan for a plausible header after corruption.
var magicBytes = func() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, Magic)
	return b
}()

// compactThreshold bounds how far the consumed prefix may grow before the
// remaining tail is copied back to the front of the buffer.
const compactThreshold = 1 << 14

// Codec frames a raw inbound byte stream into packets. Feed appends newly
// read bytes, Next emits at most one complete packet per call. A packet is
// never emitted until its full payload is buffered. Not safe for concurrent
// use; the read loop is the single caller.
type Codec struct {
	buf     []byte
	start   int
	resyncs uint64
	packets uint64
}

// Feed appends newly received bytes to the receive buffer.
func (c *Codec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// Next returns the next complete packet, or ok=false when more input is
// needed. A malformed header costs exactly one discarded byte before the
// codec rescans for the next magic sequence, so a single corrupt byte is
// never fatal to the stream.
func (c *Codec) Next() (Packet, bool) {
	for {
		avail := len(c.buf) - c.start
		if avail < HeaderLen {
			c.compact()
			return Packet{}, false
		}
		typ, length, err := parseHeader(c.buf[c.start:])
		if err != nil {
			c.start++
			c.resyncs++
			c.rescan()
			continue
		}
		if avail < HeaderLen+length {
			c.compact()
			return Packet{}, false
		}
		payload := make([]byte, length)
		copy(payload, c.buf[c.start+HeaderLen:c.start+HeaderLen+length])
		c.start += HeaderLen + length
		c.packets++
		c.compact()
		return Packet{Type: typ, Payload: payload}, true
	}
}

// Resyncs reports how many bytes have been discarded recovering from
// malformed headers.
func (c *Codec) Resyncs() uint64 { return c.resyncs }

// Packets reports how many packets have been emitted.
func (c *Codec) Packets() uint64 { return c.packets }

// Reset drops all buffered input, for reuse across sessions.
func (c *Codec) Reset() {
	c.buf = c.buf[:0]
	c.start = 0
}

// rescan advances start to the next candidate magic sequence, keeping the
// final three bytes in case the magic straddles a read boundary.
func (c *Codec) rescan() {
	idx := bytes.Index(c.buf[c.start:], magicBytes)
	if idx >= 0 {
		c.start += idx
		return
	}
	if keep := len(c.buf) - (len(magicBytes) - 1); keep > c.start {
		c.start = keep
	}
}

// compact reclaims the consumed prefix, copying the tail down rather than
// reallocating.
func (c *Codec) compact() {
	if c.start == 0 {
		return
	}
	if c.start == len(c.buf) {
		c.buf = c.buf[:0]
		c.start = 0
		return
	}
	if c.start >= compactThreshold || c.start > len(c.buf)-c.start {
		n := copy(c.buf, c.buf[c.start:])
		c.buf = c.buf[:n]
		c.start = 0
	}
}
