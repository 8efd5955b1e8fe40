package video

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// defaultFailureThreshold is how many consecutive decoder rejections are
// tolerated before the fault is escalated to the supervisor.
const defaultFailureThreshold = 3

// Callbacks are the pipeline's delivery hooks. OnFrame receives decoded
// pictures, OnAccessUnit the encoded units before decoding (for elementary
// stream sinks), OnFault an escalated decode failure. All run on the
// pipeline worker goroutine, so a slow consumer exerts backpressure on the
// pipeline, never on the session read loop.
type Callbacks struct {
	OnFrame      func(*Frame)
	OnAccessUnit func(au []byte, pts uint64, keyframe bool)
	OnFault      func(error)
}

type unit struct {
	data     []byte
	pts      uint64
	keyframe bool
}

// Pipeline hands completed access units to the decoder on a worker
// goroutine, fed by a single-slot mailbox. When the consumer has not
// finished with the previous frame by the time the next one is ready, the
// new frame is dropped: bounded memory over completeness.
type Pipeline struct {
	dec  Decoder
	cb   Callbacks
	cfg  PipelineConfig
	log  zerolog.Logger
	slot chan unit
	pool sync.Pool

	delivered   atomic.Uint64
	dropped     atomic.Uint64
	decodeFails atomic.Uint64

	wg      sync.WaitGroup
	started atomic.Bool
}

// PipelineConfig tunes the pipeline.
type PipelineConfig struct {
	// FailureThreshold is the consecutive decode-failure count that
	// escalates to OnFault. Zero means the default of 3.
	FailureThreshold int
}

// NewPipeline builds a pipeline. dec may be nil, in which case only
// OnAccessUnit deliveries happen (headless elementary-stream mode).
func NewPipeline(dec Decoder, cfg PipelineConfig, cb Callbacks, log zerolog.Logger) *Pipeline {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	return &Pipeline{
		dec:  dec,
		cb:   cb,
		cfg:  cfg,
		log:  log,
		slot: make(chan unit, 1),
		pool: sync.Pool{New: func() any { return []byte(nil) }},
	}
}

// Start launches the decode worker. Call once per session.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.worker(ctx)
}

// Wait blocks until the worker has exited after ctx cancellation.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Submit offers one access unit to the worker without blocking. If the
// single slot is still occupied the unit is dropped and counted; the read
// loop must keep draining the device regardless of decode latency.
func (p *Pipeline) Submit(au []byte, pts uint64, keyframe bool) {
	buf := p.pool.Get().([]byte)
	buf = append(buf[:0], au...)
	select {
	case p.slot <- unit{data: buf, pts: pts, keyframe: keyframe}:
	default:
		p.dropped.Add(1)
		p.pool.Put(buf[:0])
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	consecutive := 0
	var lastOut uint64
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.slot:
			if p.cb.OnAccessUnit != nil {
				p.cb.OnAccessUnit(u.data, u.pts, u.keyframe)
			}
			if p.dec == nil {
				p.delivered.Add(1)
				p.pool.Put(u.data[:0])
				continue
			}
			frame, err := p.dec.Decode(u.data, u.pts)
			p.pool.Put(u.data[:0])
			if err != nil {
				p.decodeFails.Add(1)
				consecutive++
				p.log.Debug().Err(err).Int("consecutive", consecutive).Msg("decoder rejected access unit")
				if consecutive >= p.cfg.FailureThreshold && p.cb.OnFault != nil {
					p.cb.OnFault(fmt.Errorf("%w: %d consecutive failures: %v", ErrDecodeFailed, consecutive, err))
					consecutive = 0
				}
				continue
			}
			consecutive = 0
			if frame == nil {
				// Decoder still buffering, no picture ready.
				continue
			}
			if frame.OutputTS < lastOut {
				frame.OutputTS = lastOut
			}
			lastOut = frame.OutputTS
			seq++
			frame.Seq = seq
			p.delivered.Add(1)
			if p.cb.OnFrame != nil {
				p.cb.OnFrame(frame)
			}
		}
	}
}

// Stats snapshots pipeline counters.
func (p *Pipeline) Stats() map[string]any {
	return map[string]any{
		"frames_delivered_total": p.delivered.Load(),
		"frames_dropped_total":   p.dropped.Load(),
		"decode_failures_total":  p.decodeFails.Load(),
	}
}
