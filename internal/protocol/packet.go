// Package protocol implements the CPC200 wire format: length-delimited
// packets with a fixed 16-byte little-endian header carrying a magic
// number, payload length, command type, and an inverted-type checksum.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic prefixes every packet header on the wire.
	Magic uint32 = 0x55AA55AA

	// HeaderLen is the fixed header size in bytes.
	HeaderLen = 16

	// MaxPayload caps a single packet payload. Larger video frames are
	// chunked across multiple packets by the dongle.
	MaxPayload = 8192
)

// Type identifies the command carried by a packet.
type Type uint32

const (
	TypeOpen            Type = 0x01
	TypePlugged         Type = 0x02
	TypeUnplugged       Type = 0x04
	TypeVideoData       Type = 0x06
	TypeBoxSettings     Type = 0x19
	TypeHeartbeat       Type = 0xAA
	TypeSoftwareVersion Type = 0xCC
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "open"
	case TypePlugged:
		return "plugged"
	case TypeUnplugged:
		return "unplugged"
	case TypeVideoData:
		return "video_data"
	case TypeBoxSettings:
		return "box_settings"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeSoftwareVersion:
		return "software_version"
	default:
		return fmt.Sprintf("type_0x%02X", uint32(t))
	}
}

// Packet is one parsed protocol message. Immutable once returned by the
// codec; the payload slice is owned by the receiver.
type Packet struct {
	Type    Type
	Payload []byte
}

// Marshal serializes the packet as header followed by payload, no padding.
func Marshal(p Packet) []byte {
	return Append(make([]byte, 0, HeaderLen+len(p.Payload)), p)
}

// Append serializes the packet onto dst and returns the extended slice.
func Append(dst []byte, p Packet) []byte {
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(p.Type))
	binary.LittleEndian.PutUint32(hdr[12:16], ^uint32(p.Type))
	dst = append(dst, hdr[:]...)
	return append(dst, p.Payload...)
}

// parseHeader validates a 16-byte header and returns the command type and
// payload length. b must hold at least HeaderLen bytes.
func parseHeader(b []byte) (Type, int, error) {
	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != Magic {
		return 0, 0, fmt.Errorf("bad magic 0x%08X", magic)
	}
	length := binary.LittleEndian.Uint32(b[4:8])
	typ := binary.LittleEndian.Uint32(b[8:12])
	check := binary.LittleEndian.Uint32(b[12:16])
	if check != ^typ {
		return 0, 0, fmt.Errorf("bad type check 0x%08X for type 0x%08X", check, typ)
	}
	if length > MaxPayload {
		return 0, 0, fmt.Errorf("payload length %d exceeds limit", length)
	}
	return Type(typ), int(length), nil
}
