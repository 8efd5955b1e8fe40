package simulator

import (
	"context"
	"testing"
	"time"

	"carlink-go/internal/protocol"

	"github.com/rs/zerolog"
)

// collect parses device-to-host traffic until want packets of type typ
// arrived or the deadline passed.
func collect(t *testing.T, d *Dongle, typ protocol.Type, want int) []protocol.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var codec protocol.Codec
	var got []protocol.Packet
	for len(got) < want {
		chunk, err := d.Read(ctx, 4096)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		codec.Feed(chunk)
		for {
			pkt, ok := codec.Next()
			if !ok {
				break
			}
			if pkt.Type == typ {
				got = append(got, pkt)
			}
		}
	}
	return got
}

func openDongle(t *testing.T, d *Dongle) {
	t.Helper()
	open := protocol.OpenPayload{
		Width: 320, Height: 240, FPS: 60,
		Format: protocol.FormatH264, MaxPacket: protocol.MaxPayload, Version: 1,
	}
	wire := protocol.Marshal(protocol.Packet{Type: protocol.TypeOpen, Payload: open.Marshal()})
	if _, err := d.Write(context.Background(), wire); err != nil {
		t.Fatalf("write open: %v", err)
	}
}

func TestDongleAnswersHandshake(t *testing.T) {
	d := New(Config{DisableVideo: true}, zerolog.Nop())
	defer d.Close()
	openDongle(t, d)

	pkts := collect(t, d, protocol.TypePlugged, 1)
	cfg, err := protocol.ParseOpenPayload(pkts[0].Payload)
	if err != nil {
		t.Fatalf("plugged payload: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 240 {
		t.Fatalf("echoed config = %dx%d, want 320x240", cfg.Width, cfg.Height)
	}
}

func TestDongleStreamsChunkedVideo(t *testing.T) {
	d := New(Config{ChunkBytes: 1024}, zerolog.Nop())
	defer d.Close()
	openDongle(t, d)

	// Each frame is ~3KB, so 1KB chunks mean several video packets per
	// frame; the last carries the end-of-frame marker.
	pkts := collect(t, d, protocol.TypeVideoData, 6)
	sawEnd := false
	for _, pkt := range pkts {
		hdr, _, err := protocol.ParseVideoChunk(pkt.Payload)
		if err != nil {
			t.Fatalf("video chunk: %v", err)
		}
		if hdr.Width != 320 || hdr.Height != 240 {
			t.Fatalf("chunk geometry = %dx%d", hdr.Width, hdr.Height)
		}
		if hdr.EndOfFrame() {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Fatal("no end-of-frame marker in first six chunks")
	}
}

func TestDongleVersionAndHeartbeat(t *testing.T) {
	d := New(Config{Version: "9.9.9-test", DisableVideo: true}, zerolog.Nop())
	defer d.Close()

	ctx := context.Background()
	d.Write(ctx, protocol.Marshal(protocol.Packet{Type: protocol.TypeSoftwareVersion}))
	d.Write(ctx, protocol.Marshal(protocol.Packet{Type: protocol.TypeHeartbeat}))

	pkts := collect(t, d, protocol.TypeSoftwareVersion, 1)
	if string(pkts[0].Payload) != "9.9.9-test" {
		t.Fatalf("version = %q", pkts[0].Payload)
	}
	collect(t, d, protocol.TypeHeartbeat, 1)
}

func TestSyntheticAccessUnitRoundtrip(t *testing.T) {
	au := SyntheticAccessUnit(42, 800, 480, true)
	seq, w, h, key, err := ParseSyntheticAccessUnit(au)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if seq != 42 || w != 800 || h != 480 || !key {
		t.Fatalf("got seq=%d %dx%d key=%v", seq, w, h, key)
	}

	dec := NewDecoder()
	f, err := dec.Decode(au, 7)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Width != 800 || f.Height != 480 || len(f.Y) != 800*480 {
		t.Fatalf("frame geometry %dx%d len(Y)=%d", f.Width, f.Height, len(f.Y))
	}
	if !f.Keyframe || f.InputTS != 7 {
		t.Fatalf("keyframe=%v inputTS=%d", f.Keyframe, f.InputTS)
	}

	if _, err := dec.Decode([]byte{1, 2, 3}, 0); err == nil {
		t.Fatal("expected error for garbage bitstream")
	}
}
