package protocol

import (
	"encoding/binary"
	"fmt"
)

// FormatH264 is the only stream format the dongle family negotiates.
const FormatH264 = 1

// OpenPayloadLen is the fixed size of the session-open payload.
const OpenPayloadLen = 28

// OpenPayload carries the negotiated session parameters in the TypeOpen
// command and may be echoed back in the TypePlugged acknowledgment.
type OpenPayload struct {
	Width     uint32
	Height    uint32
	FPS       uint32
	Format    uint32
	MaxPacket uint32
	Version   uint32
}

// Marshal encodes the payload as 28 little-endian bytes, trailing reserved
// word zeroed.
func (o OpenPayload) Marshal() []byte {
	b := make([]byte, OpenPayloadLen)
	binary.LittleEndian.PutUint32(b[0:4], o.Width)
	binary.LittleEndian.PutUint32(b[4:8], o.Height)
	binary.LittleEndian.PutUint32(b[8:12], o.FPS)
	binary.LittleEndian.PutUint32(b[12:16], o.Format)
	binary.LittleEndian.PutUint32(b[16:20], o.MaxPacket)
	binary.LittleEndian.PutUint32(b[20:24], o.Version)
	return b
}

// ParseOpenPayload decodes a session-open payload.
func ParseOpenPayload(b []byte) (OpenPayload, error) {
	if len(b) < OpenPayloadLen {
		return OpenPayload{}, fmt.Errorf("open payload too short: %d bytes", len(b))
	}
	return OpenPayload{
		Width:     binary.LittleEndian.Uint32(b[0:4]),
		Height:    binary.LittleEndian.Uint32(b[4:8]),
		FPS:       binary.LittleEndian.Uint32(b[8:12]),
		Format:    binary.LittleEndian.Uint32(b[12:16]),
		MaxPacket: binary.LittleEndian.Uint32(b[16:20]),
		Version:   binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// VideoHeaderLen is the per-chunk header inside every TypeVideoData payload.
const VideoHeaderLen = 20

// Video chunk flags.
const (
	VideoFlagEndOfFrame = 0x01
	VideoFlagKeyframe   = 0x02
)

// VideoHeader describes one chunk of an encoded access unit. FrameLength
// announces the total access-unit size when the length-prefixed protocol
// variant is active; it is zero for the end-marker variant.
type VideoHeader struct {
	Width       uint32
	Height      uint32
	Flags       uint32
	FrameLength uint32
}

// EndOfFrame reports whether this chunk closes the current access unit.
func (h VideoHeader) EndOfFrame() bool { return h.Flags&VideoFlagEndOfFrame != 0 }

// Keyframe reports whether the access unit is an IDR frame.
func (h VideoHeader) Keyframe() bool { return h.Flags&VideoFlagKeyframe != 0 }

// ParseVideoChunk splits a TypeVideoData payload into its header and the
// encoded chunk bytes.
func ParseVideoChunk(payload []byte) (VideoHeader, []byte, error) {
	if len(payload) < VideoHeaderLen {
		return VideoHeader{}, nil, fmt.Errorf("video payload too short: %d bytes", len(payload))
	}
	hdr := VideoHeader{
		Width:       binary.LittleEndian.Uint32(payload[0:4]),
		Height:      binary.LittleEndian.Uint32(payload[4:8]),
		Flags:       binary.LittleEndian.Uint32(payload[8:12]),
		FrameLength: binary.LittleEndian.Uint32(payload[12:16]),
	}
	return hdr, payload[VideoHeaderLen:], nil
}

// MarshalVideoChunk builds a TypeVideoData payload from a header and chunk.
func MarshalVideoChunk(hdr VideoHeader, chunk []byte) []byte {
	b := make([]byte, VideoHeaderLen, VideoHeaderLen+len(chunk))
	binary.LittleEndian.PutUint32(b[0:4], hdr.Width)
	binary.LittleEndian.PutUint32(b[4:8], hdr.Height)
	binary.LittleEndian.PutUint32(b[8:12], hdr.Flags)
	binary.LittleEndian.PutUint32(b[12:16], hdr.FrameLength)
	return append(b, chunk...)
}
