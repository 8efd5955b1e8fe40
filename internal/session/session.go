// Package session drives the dongle protocol state machine: open the
// transport, negotiate the stream, keep the heartbeat alive, dispatch video
// packets, and tear down cleanly on close or fault.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carlink-go/internal/protocol"
	"carlink-go/internal/transport"

	"github.com/rs/zerolog"
)

// Session-time failures, escalated as Faulted.
var (
	ErrHandshakeTimeout  = errors.New("handshake timeout")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrHeartbeatLost     = errors.New("heartbeat lost")
	ErrInactive          = errors.New("stream inactive")
)

// OpenFunc opens the transport for one connection attempt.
type OpenFunc func(ctx context.Context) (transport.Transport, error)

// Config tunes the session. Zero durations take the defaults matching the
// dongle firmware's expectations.
type Config struct {
	Width  int
	Height int
	FPS    int

	HandshakeTimeout  time.Duration // default 5s
	HeartbeatInterval time.Duration // default 2s
	InactivityTimeout time.Duration // no video for this long while streaming faults, default 5s
	InfoTimeout       time.Duration // default 3s
}

func (c *Config) setDefaults() {
	if c.Width <= 0 {
		c.Width = 800
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 5 * time.Second
	}
	if c.InfoTimeout <= 0 {
		c.InfoTimeout = 3 * time.Second
	}
}

// Callbacks notify the embedder. OnState fires on every transition, on the
// run-loop goroutine. OnVideo receives video packets in arrival order while
// Streaming.
type Callbacks struct {
	OnState func(State)
	OnVideo func(protocol.Packet)
}

// Tap observes raw bytes in both directions, for capture logging.
type Tap interface {
	In(p []byte)
	Out(p []byte)
}

// Session is one connection lifecycle. Create with New, drive with Run;
// a Session is not reusable across reconnects.
type Session struct {
	open OpenFunc
	cfg  Config
	cb   Callbacks
	log  zerolog.Logger
	tap  Tap

	tr      transport.Transport
	codec   protocol.Codec
	writeMu sync.Mutex

	state    atomic.Int32
	streamed atomic.Bool
	version  atomic.Value // string

	cmds      chan protocol.Packet
	faults    chan error
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New builds a session that will dial the transport through open.
func New(open OpenFunc, cfg Config, cb Callbacks, log zerolog.Logger) *Session {
	cfg.setDefaults()
	return &Session{
		open:    open,
		cfg:     cfg,
		cb:      cb,
		log:     log,
		cmds:    make(chan protocol.Packet, 4),
		faults:  make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

// SetTap installs a raw byte observer. Must be called before Run.
func (s *Session) SetTap(t Tap) { s.tap = t }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// ReachedStreaming reports whether this session ever reached Streaming,
// which the supervisor uses to reset its backoff.
func (s *Session) ReachedStreaming() bool { return s.streamed.Load() }

// SoftwareVersion returns the dongle firmware version once the one-shot
// device-info exchange has completed, else "".
func (s *Session) SoftwareVersion() string {
	if v, ok := s.version.Load().(string); ok {
		return v
	}
	return ""
}

// SendBoxSettings queues a settings blob for the dongle.
func (s *Session) SendBoxSettings(blob []byte) error {
	pkt := protocol.Packet{Type: protocol.TypeBoxSettings, Payload: blob}
	select {
	case s.cmds <- pkt:
		return nil
	default:
		return fmt.Errorf("command queue full")
	}
}

// Fail injects an external fault (e.g. repeated decode failures) into the
// run loop, driving the session to Faulted.
func (s *Session) Fail(err error) {
	select {
	case s.faults <- err:
	default:
	}
}

// Close requests an orderly teardown. Idempotent and non-blocking; Run
// returns nil after the close completes.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

// Resyncs reports codec resynchronization events for diagnostics.
func (s *Session) Resyncs() uint64 { return s.codec.Resyncs() }

// Packets reports packets parsed this session.
func (s *Session) Packets() uint64 { return s.codec.Packets() }

// Run executes the full lifecycle and blocks until teardown. It returns
// nil on user-requested close (including ctx cancellation) and the fault
// otherwise. Transport resources are always released on exit.
func (s *Session) Run(ctx context.Context) error {
	s.setState(Connecting)
	tr, err := s.open(ctx)
	if err != nil {
		s.setState(Faulted)
		return err
	}
	s.tr = tr
	defer tr.Close()

	// Cancelling sctx interrupts the in-flight read, so shutdown latency
	// is bounded by one transfer, not an indefinite wait.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := tr.Stream(sctx)

	s.setState(Handshaking)
	openPkt := protocol.Packet{Type: protocol.TypeOpen, Payload: protocol.OpenPayload{
		Width:     uint32(s.cfg.Width),
		Height:    uint32(s.cfg.Height),
		FPS:       uint32(s.cfg.FPS),
		Format:    protocol.FormatH264,
		MaxPacket: protocol.MaxPayload,
		Version:   1,
	}.Marshal()}
	if err := s.send(ctx, openPkt); err != nil {
		return s.fault(err)
	}

	handshake := time.NewTimer(s.cfg.HandshakeTimeout)
	defer handshake.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	inactivity := time.NewTimer(s.cfg.InactivityTimeout)
	defer inactivity.Stop()
	info := time.NewTimer(s.cfg.InfoTimeout)
	info.Stop()
	defer info.Stop()

	lastTraffic := time.Now()
	infoResent := false

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return nil

		case <-s.closeCh:
			s.teardown()
			return nil

		case err := <-s.faults:
			return s.fault(err)

		case rr, ok := <-stream:
			if !ok {
				return s.fault(fmt.Errorf("%w: read stream ended", transport.ErrDeviceGone))
			}
			if rr.Err != nil {
				return s.fault(rr.Err)
			}
			if s.tap != nil {
				s.tap.In(rr.Data)
			}
			lastTraffic = time.Now()
			s.codec.Feed(rr.Data)
			for {
				pkt, ok := s.codec.Next()
				if !ok {
					break
				}
				if err := s.handle(ctx, pkt, handshake, inactivity, info, &infoResent); err != nil {
					return s.fault(err)
				}
			}

		case <-handshake.C:
			if s.State() == Handshaking {
				return s.fault(ErrHandshakeTimeout)
			}

		case <-heartbeat.C:
			if s.State() != Streaming {
				continue
			}
			if time.Since(lastTraffic) >= 2*s.cfg.HeartbeatInterval {
				return s.fault(ErrHeartbeatLost)
			}
			if err := s.send(ctx, protocol.Packet{Type: protocol.TypeHeartbeat}); err != nil {
				return s.fault(err)
			}

		case <-inactivity.C:
			if s.State() == Streaming {
				return s.fault(ErrInactive)
			}
			resetTimer(inactivity, s.cfg.InactivityTimeout)

		case <-info.C:
			// One resend after one timeout, then give up quietly.
			if !infoResent {
				infoResent = true
				s.log.Debug().Msg("device info request timed out, resending once")
				if err := s.send(ctx, protocol.Packet{Type: protocol.TypeSoftwareVersion}); err != nil {
					return s.fault(err)
				}
				resetTimer(info, s.cfg.InfoTimeout)
			}

		case pkt := <-s.cmds:
			if err := s.send(ctx, pkt); err != nil {
				return s.fault(err)
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, pkt protocol.Packet, handshake, inactivity, info *time.Timer, infoResent *bool) error {
	switch pkt.Type {
	case protocol.TypePlugged:
		if s.State() != Handshaking {
			return nil
		}
		if len(pkt.Payload) > 0 {
			if _, err := protocol.ParseOpenPayload(pkt.Payload); err != nil {
				return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
			}
		}
		handshake.Stop()
		s.streamed.Store(true)
		s.setState(Streaming)
		resetTimer(inactivity, s.cfg.InactivityTimeout)
		// One-shot device info request, answered asynchronously.
		if err := s.send(ctx, protocol.Packet{Type: protocol.TypeSoftwareVersion}); err != nil {
			return err
		}
		*infoResent = false
		resetTimer(info, s.cfg.InfoTimeout)

	case protocol.TypeUnplugged:
		return fmt.Errorf("%w: device reported unplug", transport.ErrDeviceGone)

	case protocol.TypeVideoData:
		if s.State() != Streaming {
			return nil
		}
		resetTimer(inactivity, s.cfg.InactivityTimeout)
		if s.cb.OnVideo != nil {
			s.cb.OnVideo(pkt)
		}

	case protocol.TypeSoftwareVersion:
		info.Stop()
		v := string(pkt.Payload)
		s.version.Store(v)
		s.log.Info().Str("version", v).Msg("dongle software version")

	case protocol.TypeHeartbeat:
		// Liveness already refreshed by the read path.

	case protocol.TypeBoxSettings:
		s.log.Debug().Int("bytes", len(pkt.Payload)).Msg("box settings acknowledged")

	default:
		s.log.Debug().Stringer("type", pkt.Type).Int("bytes", len(pkt.Payload)).Msg("ignoring packet")
	}
	return nil
}

// send serializes outbound writes; the transport write path is not
// reentrant.
func (s *Session) send(ctx context.Context, pkt protocol.Packet) error {
	wire := protocol.Marshal(pkt)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.tap != nil {
		s.tap.Out(wire)
	}
	if _, err := s.tr.Write(ctx, wire); err != nil {
		return err
	}
	return nil
}

func (s *Session) teardown() {
	s.setState(Closing)
	s.codec.Reset()
	s.setState(Disconnected)
}

func (s *Session) fault(err error) error {
	s.log.Warn().Err(err).Msg("session faulted")
	s.setState(Faulted)
	return err
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.log.Debug().Stringer("state", st).Msg("session state")
	if s.cb.OnState != nil {
		s.cb.OnState(st)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
