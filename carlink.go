// Package carlink drives a CPC200-class USB screen-mirroring dongle: it
// claims the device, negotiates the stream, reassembles H.264 access
// units, optionally decodes them to YUV, and reconnects with backoff when
// the device disappears. The heavy lifting lives under internal/; this
// package is the embedding surface.
package carlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"carlink-go/internal/protocol"
	"carlink-go/internal/session"
	"carlink-go/internal/supervisor"
	"carlink-go/internal/transport"
	"carlink-go/internal/video"

	"github.com/rs/zerolog"
)

// Re-exported core types, so embedders need no internal imports.
type (
	Frame     = video.Frame
	Decoder   = video.Decoder
	Boundary  = video.Boundary
	State     = session.State
	Transport = transport.Transport
	Identity  = transport.Identity
)

const (
	Disconnected = session.Disconnected
	Connecting   = session.Connecting
	Handshaking  = session.Handshaking
	Streaming    = session.Streaming
	Closing      = session.Closing
	Faulted      = session.Faulted
)

// Config tunes a Client. The zero value streams 800x480@30 from the first
// matching USB device, headless.
type Config struct {
	Identity Identity // zero value takes the default vendor and product IDs

	Width  int
	Height int
	FPS    int

	// Open overrides how the transport is dialed, for simulators and
	// tests. Nil means USB.
	Open func(ctx context.Context) (Transport, error)

	// Decoder turns access units into frames. Nil runs headless: only
	// OnAccessUnit fires.
	Decoder Decoder

	// Boundary overrides frame boundary detection. Nil uses the
	// end-of-frame marker carried in video chunk headers.
	Boundary Boundary

	// Tap observes raw transfer bytes in both directions.
	Tap session.Tap

	TransferTimeout   time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger zerolog.Logger
}

// Callbacks deliver results. OnFrame and OnAccessUnit run on the decode
// worker goroutine; blocking there applies backpressure and drops frames
// rather than buffering them.
type Callbacks struct {
	OnFrame      func(*Frame)
	OnAccessUnit func(au []byte, pts uint64, keyframe bool)
	OnState      func(State)

	// OnFatal reports the fault that ended an attempt, before the
	// reconnect backoff starts.
	OnFatal func(error)
}

// Client supervises sessions against one dongle. Create with New, drive
// with Run.
type Client struct {
	cfg Config
	cb  Callbacks
	log zerolog.Logger

	mu       sync.Mutex
	sess     *session.Session
	version  string
	attempts int

	framesDelivered uint64
	framesDropped   uint64
	decodeFailures  uint64
	packets         uint64
	resyncs         uint64

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New builds a Client.
func New(cfg Config, cb Callbacks) *Client {
	if cfg.Identity == (Identity{}) {
		cfg.Identity = transport.DefaultIdentity()
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		cb:      cb,
		log:     cfg.Logger,
		closeCh: make(chan struct{}),
	}
}

// Run connects and streams until ctx is cancelled or Close is called,
// reconnecting with capped exponential backoff on faults. Returns nil on
// a requested shutdown.
func (c *Client) Run(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-cctx.Done():
		}
	}()

	err := supervisor.Run(cctx, c.attempt, supervisor.Config{
		InitialBackoff: c.cfg.InitialBackoff,
		MaxBackoff:     c.cfg.MaxBackoff,
	}, c.log)

	if errors.Is(err, context.Canceled) && (c.isClosed() || ctx.Err() != nil) {
		return nil
	}
	return err
}

// attempt runs one full session lifecycle: dial, handshake, stream,
// teardown. The pipeline escalates persistent decode failures into the
// session so the supervisor treats them like any other fault.
func (c *Client) attempt(ctx context.Context) (bool, error) {
	open := c.cfg.Open
	if open == nil {
		open = func(context.Context) (Transport, error) {
			return transport.Open(c.cfg.Identity, c.cfg.TransferTimeout, c.log)
		}
	}

	var sess *session.Session
	pipe := video.NewPipeline(c.cfg.Decoder, video.PipelineConfig{}, video.Callbacks{
		OnFrame:      c.cb.OnFrame,
		OnAccessUnit: c.cb.OnAccessUnit,
		OnFault:      func(err error) { sess.Fail(err) },
	}, c.log)
	reasm := video.NewReassembler(c.cfg.Boundary, pipe.Submit, c.log)

	sess = session.New(open, session.Config{
		Width:             c.cfg.Width,
		Height:            c.cfg.Height,
		FPS:               c.cfg.FPS,
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		InactivityTimeout: c.cfg.InactivityTimeout,
	}, session.Callbacks{
		OnState: c.cb.OnState,
		OnVideo: func(pkt protocol.Packet) {
			if err := reasm.Push(pkt); err != nil {
				c.log.Debug().Err(err).Msg("dropping unparseable video packet")
			}
		},
	}, c.log)
	if c.cfg.Tap != nil {
		sess.SetTap(c.cfg.Tap)
	}

	c.mu.Lock()
	c.sess = sess
	c.attempts++
	c.mu.Unlock()

	pctx, pcancel := context.WithCancel(context.Background())
	pipe.Start(pctx)

	go func() {
		select {
		case <-c.closeCh:
			sess.Close()
		case <-ctx.Done():
			sess.Close()
		case <-pctx.Done():
		}
	}()

	err := sess.Run(ctx)

	pcancel()
	pipe.Wait()

	stats := pipe.Stats()
	c.mu.Lock()
	c.framesDelivered += stats["frames_delivered_total"].(uint64)
	c.framesDropped += stats["frames_dropped_total"].(uint64)
	c.decodeFailures += stats["decode_failures_total"].(uint64)
	c.packets += sess.Packets()
	c.resyncs += sess.Resyncs()
	if v := sess.SoftwareVersion(); v != "" {
		c.version = v
	}
	c.sess = nil
	c.mu.Unlock()

	if err != nil && c.cb.OnFatal != nil {
		c.cb.OnFatal(err)
	}
	return sess.ReachedStreaming(), err
}

// Close requests a clean shutdown. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// State reports the live session's state, Disconnected between attempts.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Disconnected
	}
	return c.sess.State()
}

// SoftwareVersion returns the dongle firmware version once known.
func (c *Client) SoftwareVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		if v := c.sess.SoftwareVersion(); v != "" {
			return v
		}
	}
	return c.version
}

// SendBoxSettings pushes a settings blob to the dongle on the live
// session.
func (c *Client) SendBoxSettings(blob []byte) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return errors.New("no active session")
	}
	return sess.SendBoxSettings(blob)
}

// Stats snapshots cumulative counters across all attempts plus the live
// session's codec counters.
func (c *Client) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	packets, resyncs := c.packets, c.resyncs
	if c.sess != nil {
		packets += c.sess.Packets()
		resyncs += c.sess.Resyncs()
	}
	return map[string]any{
		"attempts":               c.attempts,
		"frames_delivered_total": c.framesDelivered,
		"frames_dropped_total":   c.framesDropped,
		"decode_failures_total":  c.decodeFailures,
		"packets_total":          packets,
		"codec_resyncs_total":    resyncs,
	}
}
