package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// streamBufSize is the per-transfer buffer for the read pump. Matches the
// dongle's maximum packet payload plus header.
const streamBufSize = 16384

// streamDepth is how many URBs the pump keeps in flight.
const streamDepth = 4

// USB is the gousb-backed Transport. The handle is exclusively owned here;
// any transfer failure other than a timeout marks it gone, and all later
// calls fail with ErrDeviceGone without retry. Reconnection is the
// supervisor's job.
type USB struct {
	id      Identity
	timeout time.Duration
	log     zerolog.Logger

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	writeMu   sync.Mutex
	gone      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open enumerates USB devices, claims the identified interface (detaching a
// kernel driver first if one owns it), and resolves the bulk endpoints. It
// fails fast: no retries, no waiting for the device to appear.
func Open(id Identity, timeout time.Duration, log zerolog.Logger) (*USB, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	uctx := gousb.NewContext()

	dev, err := uctx.OpenDeviceWithVIDPID(gousb.ID(id.VendorID), gousb.ID(id.ProductID))
	if err != nil {
		_ = uctx.Close()
		return nil, openError(err)
	}
	if dev == nil {
		_ = uctx.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", ErrDeviceNotFound, id.VendorID, id.ProductID)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		_ = dev.Close()
		_ = uctx.Close()
		return nil, fmt.Errorf("%w: auto-detach: %v", ErrInitFailed, err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		_ = dev.Close()
		_ = uctx.Close()
		return nil, openError(err)
	}
	intf, err := cfg.Interface(id.Interface, 0)
	if err != nil {
		_ = cfg.Close()
		_ = dev.Close()
		_ = uctx.Close()
		return nil, openError(err)
	}
	in, err := intf.InEndpoint(int(id.EndpointIn & 0x0F))
	if err == nil {
		var outEp *gousb.OutEndpoint
		outEp, err = intf.OutEndpoint(int(id.EndpointOut & 0x0F))
		if err == nil {
			log.Info().Stringer("identity", id).Msg("usb device opened")
			return &USB{
				id:      id,
				timeout: timeout,
				log:     log,
				ctx:     uctx,
				dev:     dev,
				cfg:     cfg,
				intf:    intf,
				in:      in,
				out:     outEp,
			}, nil
		}
	}
	intf.Close()
	_ = cfg.Close()
	_ = dev.Close()
	_ = uctx.Close()
	return nil, fmt.Errorf("%w: endpoint: %v", ErrInitFailed, err)
}

// Identity returns the identity the device was opened with.
func (u *USB) Identity() Identity { return u.id }

// Read performs one blocking bulk-IN transfer. A zero-length result with a
// nil error is valid and distinct from ErrTimeout.
func (u *USB) Read(ctx context.Context, max int) ([]byte, error) {
	if u.gone.Load() {
		return nil, ErrDeviceGone
	}
	buf := make([]byte, max)
	tctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	n, err := u.in.ReadContext(tctx, buf)
	if err != nil {
		return nil, u.transferError("read", err, ctx)
	}
	return buf[:n], nil
}

// Write performs one bulk-OUT transfer. Writes are mutually exclusive; the
// underlying write path is not reentrant.
func (u *USB) Write(ctx context.Context, p []byte) (int, error) {
	if u.gone.Load() {
		return 0, ErrDeviceGone
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	tctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	n, err := u.out.WriteContext(tctx, p)
	if err != nil {
		return n, u.transferError("write", err, ctx)
	}
	return n, nil
}

// Control performs a control transfer on the default endpoint.
func (u *USB) Control(ctx context.Context, reqType, req uint8, val, idx uint16, data []byte) (int, error) {
	if u.gone.Load() {
		return 0, ErrDeviceGone
	}
	n, err := u.dev.Control(reqType, req, val, idx, data)
	if err != nil {
		return n, u.transferError("control", err, ctx)
	}
	return n, nil
}

// Stream runs the read pump on its own goroutine and delivers completions
// over a channel, never inline on a caller's stack frame. The pump prefers
// multi-URB streaming reads and falls back to plain bulk reads when the
// host controller refuses stream allocation.
func (u *USB) Stream(ctx context.Context) <-chan ReadResult {
	ch := make(chan ReadResult, streamDepth)
	go u.pump(ctx, ch)
	return ch
}

func (u *USB) pump(ctx context.Context, ch chan<- ReadResult) {
	defer close(ch)

	read := func(buf []byte) (int, error) { return u.in.ReadContext(ctx, buf) }
	if rs, err := u.in.NewStream(streamBufSize, streamDepth); err == nil {
		defer rs.Close()
		read = func(buf []byte) (int, error) { return rs.ReadContext(ctx, buf) }
	} else {
		u.log.Debug().Err(err).Msg("usb stream alloc failed, using plain bulk reads")
	}

	for {
		buf := make([]byte, streamBufSize)
		n, err := read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			mapped := u.transferError("stream", err, ctx)
			if errors.Is(mapped, ErrTimeout) {
				continue
			}
			select {
			case ch <- ReadResult{Err: mapped}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- ReadResult{Data: buf[:n]}:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the interface and every USB resource. Idempotent, and safe
// after the device has disappeared.
func (u *USB) Close() error {
	u.closeOnce.Do(func() {
		u.gone.Store(true)
		u.intf.Close()
		if err := u.cfg.Close(); err != nil && u.closeErr == nil {
			u.closeErr = err
		}
		if err := u.dev.Close(); err != nil && u.closeErr == nil {
			u.closeErr = err
		}
		if err := u.ctx.Close(); err != nil && u.closeErr == nil {
			u.closeErr = err
		}
		u.log.Debug().Stringer("identity", u.id).Msg("usb device closed")
	})
	return u.closeErr
}

// transferError maps a gousb failure onto the transport taxonomy. Timeouts
// stay recoverable; everything else invalidates the handle.
func (u *USB) transferError(op string, err error, ctx context.Context) error {
	switch {
	case errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice):
		u.gone.Store(true)
		return fmt.Errorf("%w: %s: %v", ErrDeviceGone, op, err)
	default:
		u.gone.Store(true)
		return fmt.Errorf("%w: %s: %v", ErrTransferFailed, op, err)
	}
}

// openError maps open-time gousb failures onto the open taxonomy.
func openError(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorAccess):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("%w: interface busy: %v", ErrAccessDenied, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
}
