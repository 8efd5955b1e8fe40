// Package publish pushes decoded frames to downstream consumers over a
// ZeroMQ PUSH socket as CBOR envelopes, so renderers and recorders in any
// language can subscribe without linking the driver.
package publish

import (
	"context"
	"fmt"

	"carlink-go/internal/video"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

// Envelope is the wire shape of one published frame.
type Envelope struct {
	Seq      uint64 `cbor:"seq"`
	Width    int    `cbor:"w"`
	Height   int    `cbor:"h"`
	InputTS  uint64 `cbor:"its"`
	OutputTS uint64 `cbor:"ots"`
	Keyframe bool   `cbor:"key"`
	Y        []byte `cbor:"y"`
	Cb       []byte `cbor:"cb"`
	Cr       []byte `cbor:"cr"`
}

// EncodeFrame serializes a frame into its envelope bytes.
func EncodeFrame(f *video.Frame) ([]byte, error) {
	return cbor.Marshal(Envelope{
		Seq:      f.Seq,
		Width:    f.Width,
		Height:   f.Height,
		InputTS:  f.InputTS,
		OutputTS: f.OutputTS,
		Keyframe: f.Keyframe,
		Y:        f.Y,
		Cb:       f.Cb,
		Cr:       f.Cr,
	})
}

// DecodeEnvelope inverts EncodeFrame.
func DecodeEnvelope(msg []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding frame envelope: %w", err)
	}
	return env, nil
}

// Publisher owns the socket. Publish runs on the pipeline's delivery
// goroutine, so sends are non-blocking and late consumers lose frames
// rather than stalling decode.
type Publisher struct {
	socket *zmq4.Socket
	log    zerolog.Logger

	published uint64
	dropped   uint64
}

// New binds a PUSH socket on endpoint, e.g. "tcp://*:5556".
func New(endpoint string, log zerolog.Logger) (*Publisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, err
	}
	if err := socket.SetSndhwm(4); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &Publisher{socket: socket, log: log}, nil
}

// Publish sends one frame, dropping it when the socket would block.
func (p *Publisher) Publish(_ context.Context, f *video.Frame) error {
	msg, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if _, err := p.socket.SendBytes(msg, zmq4.DONTWAIT); err != nil {
		p.dropped++
		p.log.Debug().Err(err).Uint64("seq", f.Seq).Msg("publish dropped frame")
		return nil
	}
	p.published++
	return nil
}

// Stats reports published and dropped counts.
func (p *Publisher) Stats() (published, dropped uint64) {
	return p.published, p.dropped
}

func (p *Publisher) Close() error { return p.socket.Close() }
