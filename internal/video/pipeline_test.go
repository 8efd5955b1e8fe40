package video

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDecoder fabricates one gray picture per access unit, timestamping
// output from an internal counter.
type stubDecoder struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) bool
}

func (d *stubDecoder) Decode(annexb []byte, pts uint64) (*Frame, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	if d.fail != nil && d.fail(call) {
		return nil, errors.New("bitstream rejected")
	}
	return &Frame{
		Width:    8,
		Height:   8,
		Y:        make([]byte, 64),
		Cb:       make([]byte, 16),
		Cr:       make([]byte, 16),
		InputTS:  pts,
		OutputTS: uint64(call),
	}, nil
}

func (d *stubDecoder) Close() error { return nil }

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

func TestPipelineOrderedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var frames []*Frame
	p := NewPipeline(&stubDecoder{}, PipelineConfig{}, Callbacks{
		OnFrame: func(f *Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
	}, zerolog.Nop())
	p.Start(ctx)

	const n = 10
	for i := 0; i < n; i++ {
		p.Submit([]byte{byte(i)}, uint64(i+1), false)
		// Pace submissions so the single-slot mailbox never overflows.
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(frames) == i+1
		})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, n)
	var lastOut uint64
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq, "sequence must be gap-free")
		assert.Equal(t, uint64(i+1), f.InputTS, "input order preserved")
		assert.GreaterOrEqual(t, f.OutputTS, lastOut, "output timestamps non-decreasing")
		lastOut = f.OutputTS
	}
}

func TestPipelineBackpressureDropsNewFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex
	p := NewPipeline(&stubDecoder{}, PipelineConfig{}, Callbacks{
		OnFrame: func(*Frame) {
			mu.Lock()
			delivered++
			mu.Unlock()
			entered <- struct{}{}
			<-release
		},
	}, zerolog.Nop())
	p.Start(ctx)

	p.Submit([]byte{1}, 1, false)
	<-entered // consumer now stalled inside the callback

	// One more unit fits the slot; everything beyond that is dropped.
	for i := 0; i < 20; i++ {
		p.Submit([]byte{byte(i)}, uint64(i+2), false)
	}
	waitFor(t, func() bool { return p.Stats()["frames_dropped_total"].(uint64) >= 19 })

	mu.Lock()
	assert.Equal(t, 1, delivered, "at most one frame in flight while consumer stalls")
	mu.Unlock()

	close(release)
	for range entered {
		mu.Lock()
		d := delivered
		mu.Unlock()
		if d >= 2 {
			break
		}
	}
	mu.Lock()
	assert.LessOrEqual(t, delivered, 2, "no unbounded queue behind a slow consumer")
	mu.Unlock()
}

func TestPipelineDecodeFailureThreshold(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	faults := make(chan error, 4)
	dec := &stubDecoder{fail: func(int) bool { return true }}
	p := NewPipeline(dec, PipelineConfig{FailureThreshold: 3}, Callbacks{
		OnFault: func(err error) { faults <- err },
	}, zerolog.Nop())
	p.Start(ctx)

	for i := 0; i < 3; i++ {
		p.Submit([]byte{0}, uint64(i), false)
		waitFor(t, func() bool {
			return p.Stats()["decode_failures_total"].(uint64) == uint64(i+1)
		})
	}

	select {
	case err := <-faults:
		require.ErrorIs(t, err, ErrDecodeFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("no fault escalated after threshold")
	}
}

func TestPipelineIsolatedFailureIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	faulted := false
	var mu sync.Mutex
	var delivered int
	dec := &stubDecoder{fail: func(call int) bool { return call == 1 }}
	p := NewPipeline(dec, PipelineConfig{FailureThreshold: 3}, Callbacks{
		OnFrame: func(*Frame) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
		OnFault: func(error) { faulted = true },
	}, zerolog.Nop())
	p.Start(ctx)

	for i := 0; i < 4; i++ {
		p.Submit([]byte{byte(i)}, uint64(i), false)
		waitFor(t, func() bool {
			s := p.Stats()
			return s["decode_failures_total"].(uint64)+s["frames_delivered_total"].(uint64) == uint64(i+1)
		})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, delivered)
	assert.False(t, faulted, "single decode failure must not escalate")
}

func TestPipelineWithoutDecoderDeliversAccessUnits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aus := make(chan []byte, 4)
	p := NewPipeline(nil, PipelineConfig{}, Callbacks{
		OnAccessUnit: func(au []byte, _ uint64, _ bool) {
			aus <- append([]byte(nil), au...)
		},
	}, zerolog.Nop())
	p.Start(ctx)

	p.Submit([]byte{0, 0, 0, 1, 0x65}, 7, true)
	select {
	case au := <-aus:
		assert.Equal(t, []byte{0, 0, 0, 1, 0x65}, au)
	case <-time.After(2 * time.Second):
		t.Fatal("access unit not delivered")
	}
}
