package carlink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	carlink "carlink-go"
	"carlink-go/internal/simulator"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestClientStreamsDecodedFrames(t *testing.T) {
	d := simulator.New(simulator.Config{}, zerolog.Nop())

	var mu sync.Mutex
	var frames []*carlink.Frame
	var states []carlink.State
	client := carlink.New(carlink.Config{
		Width: 320, Height: 240, FPS: 60,
		Open:    d.Opener(),
		Decoder: simulator.NewDecoder(),
		Logger:  zerolog.Nop(),
	}, carlink.Callbacks{
		OnFrame: func(f *carlink.Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
		OnState: func(st carlink.State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 5
	})
	waitFor(t, func() bool { return client.SoftwareVersion() != "" })

	client.Close()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq, "delivery must be gap-free and ordered")
		assert.Equal(t, 320, f.Width)
		assert.Equal(t, 240, f.Height)
	}
	assert.Contains(t, states, carlink.Streaming)
	assert.Equal(t, carlink.Disconnected, states[len(states)-1])

	stats := client.Stats()
	assert.GreaterOrEqual(t, stats["frames_delivered_total"].(uint64), uint64(5))
	assert.Equal(t, uint64(0), stats["decode_failures_total"].(uint64))
}

func TestClientHeadlessDeliversAccessUnits(t *testing.T) {
	d := simulator.New(simulator.Config{}, zerolog.Nop())

	var mu sync.Mutex
	var units int
	client := carlink.New(carlink.Config{
		Width: 320, Height: 240, FPS: 60,
		Open:   d.Opener(),
		Logger: zerolog.Nop(),
	}, carlink.Callbacks{
		OnAccessUnit: func(au []byte, _ uint64, _ bool) {
			seq, w, h, _, err := simulator.ParseSyntheticAccessUnit(au)
			require.NoError(t, err)
			require.Greater(t, seq, uint64(0))
			require.Equal(t, uint32(320), w)
			require.Equal(t, uint32(240), h)
			mu.Lock()
			units++
			mu.Unlock()
		},
	})

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return units >= 3
	})
	client.Close()
	require.NoError(t, <-done)
}

func TestClientReconnectsAfterUnplug(t *testing.T) {
	var mu sync.Mutex
	var dongles []*simulator.Dongle
	open := func(ctx context.Context) (carlink.Transport, error) {
		d := simulator.New(simulator.Config{DisableVideo: true}, zerolog.Nop())
		mu.Lock()
		dongles = append(dongles, d)
		mu.Unlock()
		return d, nil
	}

	var faults int
	client := carlink.New(carlink.Config{
		Open:           open,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}, carlink.Callbacks{
		OnFatal: func(error) {
			mu.Lock()
			faults++
			mu.Unlock()
		},
	})

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	waitFor(t, func() bool { return client.State() == carlink.Streaming })
	mu.Lock()
	dongles[0].Unplug()
	mu.Unlock()

	// A second attempt must reach streaming on a fresh transport.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dongles) >= 2
	})
	waitFor(t, func() bool { return client.State() == carlink.Streaming })

	client.Close()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, client.Stats()["attempts"].(int), 2)
	mu.Lock()
	assert.GreaterOrEqual(t, faults, 1)
	mu.Unlock()
}
