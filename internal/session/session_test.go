package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"carlink-go/internal/protocol"
	"carlink-go/internal/simulator"
	"carlink-go/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stateRecorder collects state transitions thread-safely.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(st State) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSessionFullCycle(t *testing.T) {
	d := simulator.New(simulator.Config{Version: "fw-1.2.3"}, zerolog.Nop())

	rec := &stateRecorder{}
	var mu sync.Mutex
	var video int
	s := New(d.Opener(), Config{Width: 320, Height: 240, FPS: 60}, Callbacks{
		OnState: rec.record,
		OnVideo: func(protocol.Packet) {
			mu.Lock()
			video++
			mu.Unlock()
		},
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, func() bool { return s.State() == Streaming })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return video >= 3
	})
	waitFor(t, func() bool { return s.SoftwareVersion() == "fw-1.2.3" })
	assert.True(t, s.ReachedStreaming())

	s.Close()
	require.NoError(t, <-done)

	states := rec.snapshot()
	require.GreaterOrEqual(t, len(states), 5)
	assert.Equal(t, []State{Connecting, Handshaking, Streaming}, states[:3])
	assert.Equal(t, Disconnected, states[len(states)-1])
	assert.Equal(t, Closing, states[len(states)-2])
	assert.Greater(t, s.Packets(), uint64(0))
}

func TestSessionHandshakeTimeout(t *testing.T) {
	d := simulator.New(simulator.Config{MuteHandshake: true}, zerolog.Nop())

	s := New(d.Opener(), Config{HandshakeTimeout: 50 * time.Millisecond}, Callbacks{}, zerolog.Nop())
	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, Faulted, s.State())
	assert.False(t, s.ReachedStreaming())
}

func TestSessionHeartbeatLoss(t *testing.T) {
	// No video and no heartbeat acks: once streaming, inbound traffic stops
	// entirely and the liveness check trips after two silent intervals.
	d := simulator.New(simulator.Config{MuteHeartbeats: true, DisableVideo: true}, zerolog.Nop())

	s := New(d.Opener(), Config{
		HeartbeatInterval: 30 * time.Millisecond,
		InactivityTimeout: 10 * time.Second,
	}, Callbacks{}, zerolog.Nop())
	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrHeartbeatLost)
	assert.True(t, s.ReachedStreaming())
	assert.Equal(t, Faulted, s.State())
}

func TestSessionInactivityFault(t *testing.T) {
	d := simulator.New(simulator.Config{DisableVideo: true}, zerolog.Nop())

	// Heartbeat acks keep liveness green but carry no video, so the
	// inactivity watchdog is the one that trips.
	s := New(d.Opener(), Config{
		HeartbeatInterval: 10 * time.Millisecond,
		InactivityTimeout: 80 * time.Millisecond,
	}, Callbacks{}, zerolog.Nop())
	err := s.Run(context.Background())
	if !errors.Is(err, ErrInactive) && !errors.Is(err, ErrHeartbeatLost) {
		t.Fatalf("expected inactivity or heartbeat fault, got %v", err)
	}
}

func TestSessionOpenFailurePropagates(t *testing.T) {
	boom := errors.New("no such device")
	s := New(func(context.Context) (transport.Transport, error) {
		return nil, boom
	}, Config{}, Callbacks{}, zerolog.Nop())

	err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Faulted, s.State())
}

func TestSessionUnpluggedFaults(t *testing.T) {
	d := simulator.New(simulator.Config{DisableVideo: true}, zerolog.Nop())

	s := New(d.Opener(), Config{}, Callbacks{}, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, func() bool { return s.State() == Streaming })
	d.Unplug()

	select {
	case err := <-done:
		require.ErrorIs(t, err, transport.ErrDeviceGone)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not fault on unplug")
	}
}

func TestSessionInjectedFault(t *testing.T) {
	d := simulator.New(simulator.Config{DisableVideo: true}, zerolog.Nop())

	s := New(d.Opener(), Config{}, Callbacks{}, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, func() bool { return s.State() == Streaming })
	boom := errors.New("decoder gave up")
	s.Fail(boom)

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("injected fault not surfaced")
	}
}

func TestSessionTapSeesBothDirections(t *testing.T) {
	d := simulator.New(simulator.Config{DisableVideo: true}, zerolog.Nop())

	tap := &countingTap{}
	s := New(d.Opener(), Config{}, Callbacks{}, zerolog.Nop())
	s.SetTap(tap)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, func() bool { return s.State() == Streaming })
	waitFor(t, func() bool { return tap.in.Load() > 0 && tap.out.Load() > 0 })
	s.Close()
	<-done
}

type countingTap struct {
	in, out atomic.Uint64
}

func (t *countingTap) In(p []byte)  { t.in.Add(uint64(len(p))) }
func (t *countingTap) Out(p []byte) { t.out.Add(uint64(len(p))) }
