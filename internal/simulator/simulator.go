// Package simulator provides a scripted in-memory dongle implementing the
// transport contract: it answers the session handshake, acks heartbeats,
// and emits synthetic video frames at the negotiated rate. It backs the
// daemon's -debug mode and the session integration tests.
package simulator

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"carlink-go/internal/protocol"
	"carlink-go/internal/transport"

	"github.com/rs/zerolog"
)

// Config scripts the dongle's behavior.
type Config struct {
	Version string // software version reported to the host

	ChunkBytes int // video chunk size, default 4096
	ReadChunk  int // device-to-host read granularity, default 512

	MuteHeartbeats bool // never ack heartbeats
	DisableVideo   bool // never start the video stream
	MuteHandshake  bool // never answer the open command
}

// Dongle is a fake CPC200 behind the transport.Transport interface.
type Dongle struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	codec    protocol.Codec
	leftover []byte
	seq      uint64

	out     chan []byte
	closeCh chan struct{}
	once    sync.Once

	videoStop   chan struct{}
	videoActive bool
}

// New builds a dongle ready for a session handshake.
func New(cfg Config, log zerolog.Logger) *Dongle {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4096
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = 512
	}
	if cfg.Version == "" {
		cfg.Version = "2021.10.14-sim"
	}
	return &Dongle{
		cfg:       cfg,
		log:       log,
		out:       make(chan []byte, 1024),
		closeCh:   make(chan struct{}),
		videoStop: make(chan struct{}),
	}
}

// Opener adapts the dongle to the session's transport dial hook.
func (d *Dongle) Opener() func(context.Context) (transport.Transport, error) {
	return func(context.Context) (transport.Transport, error) { return d, nil }
}

// Write consumes host-to-device bytes, parses commands, and scripts the
// replies.
func (d *Dongle) Write(_ context.Context, p []byte) (int, error) {
	if d.isClosed() {
		return 0, transport.ErrDeviceGone
	}
	d.mu.Lock()
	d.codec.Feed(p)
	var pkts []protocol.Packet
	for {
		pkt, ok := d.codec.Next()
		if !ok {
			break
		}
		pkts = append(pkts, pkt)
	}
	d.mu.Unlock()

	for _, pkt := range pkts {
		d.handle(pkt)
	}
	return len(p), nil
}

func (d *Dongle) handle(pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeOpen:
		if d.cfg.MuteHandshake {
			return
		}
		cfg, err := protocol.ParseOpenPayload(pkt.Payload)
		if err != nil {
			d.log.Debug().Err(err).Msg("simulator: bad open payload")
			return
		}
		d.emit(protocol.Packet{Type: protocol.TypePlugged, Payload: cfg.Marshal()})
		if !d.cfg.DisableVideo {
			d.startVideo(cfg)
		}
	case protocol.TypeHeartbeat:
		if !d.cfg.MuteHeartbeats {
			d.emit(protocol.Packet{Type: protocol.TypeHeartbeat})
		}
	case protocol.TypeSoftwareVersion:
		d.emit(protocol.Packet{Type: protocol.TypeSoftwareVersion, Payload: []byte(d.cfg.Version)})
	case protocol.TypeBoxSettings:
		d.emit(protocol.Packet{Type: protocol.TypeBoxSettings})
	}
}

// Read delivers up to max device-to-host bytes, blocking until available.
func (d *Dongle) Read(ctx context.Context, max int) ([]byte, error) {
	d.mu.Lock()
	if len(d.leftover) > 0 {
		n := min(max, len(d.leftover))
		out := d.leftover[:n]
		d.leftover = d.leftover[n:]
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closeCh:
		return nil, transport.ErrDeviceGone
	case chunk := <-d.out:
		if len(chunk) > max {
			d.mu.Lock()
			d.leftover = chunk[max:]
			d.mu.Unlock()
			chunk = chunk[:max]
		}
		return chunk, nil
	}
}

// Stream forwards device-to-host chunks over a channel, like the USB read
// pump does.
func (d *Dongle) Stream(ctx context.Context) <-chan transport.ReadResult {
	ch := make(chan transport.ReadResult, 8)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.closeCh:
				select {
				case ch <- transport.ReadResult{Err: transport.ErrDeviceGone}:
				case <-ctx.Done():
				}
				return
			case chunk := <-d.out:
				select {
				case ch <- transport.ReadResult{Data: chunk}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// Control accepts and ignores low-level parameter exchange.
func (d *Dongle) Control(_ context.Context, _, _ uint8, _, _ uint16, data []byte) (int, error) {
	if d.isClosed() {
		return 0, transport.ErrDeviceGone
	}
	return len(data), nil
}

// Close simulates host-side release. Idempotent.
func (d *Dongle) Close() error {
	d.once.Do(func() {
		close(d.closeCh)
		d.stopVideo()
	})
	return nil
}

// Unplug simulates the dongle announcing the phone disappeared.
func (d *Dongle) Unplug() {
	d.stopVideo()
	d.emit(protocol.Packet{Type: protocol.TypeUnplugged})
}

func (d *Dongle) isClosed() bool {
	select {
	case <-d.closeCh:
		return true
	default:
		return false
	}
}

// emit serializes a packet toward the host in ReadChunk pieces, dropping
// the whole packet when the queue cannot absorb it.
func (d *Dongle) emit(pkt protocol.Packet) {
	wire := protocol.Marshal(pkt)
	var chunks [][]byte
	for off := 0; off < len(wire); off += d.cfg.ReadChunk {
		end := min(off+d.cfg.ReadChunk, len(wire))
		chunks = append(chunks, wire[off:end])
	}
	if cap(d.out)-len(d.out) < len(chunks) {
		d.log.Debug().Stringer("type", pkt.Type).Msg("simulator: output queue full, dropping packet")
		return
	}
	for _, c := range chunks {
		select {
		case d.out <- c:
		case <-d.closeCh:
			return
		}
	}
}

func (d *Dongle) startVideo(cfg protocol.OpenPayload) {
	d.mu.Lock()
	if d.videoActive {
		d.mu.Unlock()
		return
	}
	d.videoActive = true
	d.mu.Unlock()

	fps := cfg.FPS
	if fps == 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.closeCh:
				return
			case <-d.videoStop:
				return
			case <-ticker.C:
				d.emitFrame(cfg)
			}
		}
	}()
}

func (d *Dongle) stopVideo() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.videoActive {
		close(d.videoStop)
		d.videoActive = false
	}
}

// emitFrame fabricates one access unit, chunked like the dongle chunks
// large frames, with the end-of-frame marker on the closing chunk and the
// total length announced for length-prefixed consumers.
func (d *Dongle) emitFrame(cfg protocol.OpenPayload) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	keyframe := seq == 1 || seq%30 == 0
	au := SyntheticAccessUnit(seq, cfg.Width, cfg.Height, keyframe)

	total := uint32(len(au))
	for off := 0; off < len(au); off += d.cfg.ChunkBytes {
		end := min(off+d.cfg.ChunkBytes, len(au))
		hdr := protocol.VideoHeader{
			Width:       cfg.Width,
			Height:      cfg.Height,
			FrameLength: total,
		}
		if keyframe {
			hdr.Flags |= protocol.VideoFlagKeyframe
		}
		if end == len(au) {
			hdr.Flags |= protocol.VideoFlagEndOfFrame
		}
		d.emit(protocol.Packet{
			Type:    protocol.TypeVideoData,
			Payload: protocol.MarshalVideoChunk(hdr, au[off:end]),
		})
	}
}

// auHeaderLen covers start code, NAL byte, seq, width, height.
const auHeaderLen = 4 + 1 + 4 + 4 + 4

// SyntheticAccessUnit builds the fake Annex-B unit the simulator streams:
// a start code, one NAL byte, then seq, width, height, and filler.
func SyntheticAccessUnit(seq uint64, width, height uint32, keyframe bool) []byte {
	filler := 3000
	au := make([]byte, auHeaderLen+filler)
	copy(au, []byte{0, 0, 0, 1})
	if keyframe {
		au[4] = 0x65
	} else {
		au[4] = 0x41
	}
	binary.LittleEndian.PutUint32(au[5:9], uint32(seq))
	binary.LittleEndian.PutUint32(au[9:13], width)
	binary.LittleEndian.PutUint32(au[13:17], height)
	for i := auHeaderLen; i < len(au); i++ {
		au[i] = byte(seq + uint64(i))
	}
	return au
}

// ParseSyntheticAccessUnit inverts SyntheticAccessUnit.
func ParseSyntheticAccessUnit(au []byte) (seq uint64, width, height uint32, keyframe bool, err error) {
	if len(au) < auHeaderLen {
		return 0, 0, 0, false, fmt.Errorf("access unit too short: %d bytes", len(au))
	}
	if au[0] != 0 || au[1] != 0 || au[2] != 0 || au[3] != 1 {
		return 0, 0, 0, false, fmt.Errorf("missing start code")
	}
	seq = uint64(binary.LittleEndian.Uint32(au[5:9]))
	width = binary.LittleEndian.Uint32(au[9:13])
	height = binary.LittleEndian.Uint32(au[13:17])
	keyframe = au[4] == 0x65
	return seq, width, height, keyframe, nil
}
