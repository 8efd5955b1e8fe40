package protocol

import (
	"bytes"
	"testing"
)

func TestOpenPayloadRoundtrip(t *testing.T) {
	want := OpenPayload{
		Width:     800,
		Height:    480,
		FPS:       30,
		Format:    FormatH264,
		MaxPacket: MaxPayload,
		Version:   1,
	}
	got, err := ParseOpenPayload(want.Marshal())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if got != want {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got, want)
	}
}

func TestParseOpenPayloadShort(t *testing.T) {
	if _, err := ParseOpenPayload(make([]byte, OpenPayloadLen-1)); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestVideoChunkRoundtrip(t *testing.T) {
	hdr := VideoHeader{
		Width:       1280,
		Height:      720,
		Flags:       VideoFlagEndOfFrame | VideoFlagKeyframe,
		FrameLength: 9000,
	}
	chunk := []byte{0, 0, 0, 1, 0x65, 0xAA}
	payload := MarshalVideoChunk(hdr, chunk)

	gotHdr, gotChunk, err := ParseVideoChunk(payload)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if gotHdr != hdr {
		t.Fatalf("header mismatch: %+v != %+v", gotHdr, hdr)
	}
	if !bytes.Equal(gotChunk, chunk) {
		t.Fatalf("chunk mismatch")
	}
	if !gotHdr.EndOfFrame() || !gotHdr.Keyframe() {
		t.Fatal("flag accessors disagree with flags")
	}
}

func TestParseVideoChunkShort(t *testing.T) {
	if _, _, err := ParseVideoChunk(make([]byte, VideoHeaderLen-1)); err == nil {
		t.Fatal("expected error for short video payload")
	}
}
