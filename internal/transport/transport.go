// Package transport owns the USB connection to the dongle: discovery,
// interface claiming, bulk and control transfers, and a read pump that
// turns async completions into channel deliveries.
package transport

import (
	"context"
	"errors"
)

// Open-time failures.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrInitFailed     = errors.New("usb init failed")
)

// Transfer-time failures. ErrTimeout is recoverable; anything else
// invalidates the connection and later calls return ErrDeviceGone.
var (
	ErrTimeout        = errors.New("transfer timeout")
	ErrTransferFailed = errors.New("transfer failed")
	ErrDeviceGone     = errors.New("device gone")
)

// ReadResult is one bulk-IN completion delivered by Stream. A nil Err with
// empty Data is a valid zero-length transfer, distinct from a timeout.
type ReadResult struct {
	Data []byte
	Err  error
}

// Transport is a byte-oriented duplex channel to an opened device. Reads,
// writes, and control transfers may be used concurrently; the write path is
// internally serialized. None of the layers above ever hold the raw device
// handle.
type Transport interface {
	// Read performs one blocking bulk-IN transfer of up to max bytes.
	Read(ctx context.Context, max int) ([]byte, error)

	// Write performs one bulk-OUT transfer and returns bytes written.
	Write(ctx context.Context, p []byte) (int, error)

	// Control performs a control transfer on endpoint zero. Used only
	// during handshake for low-level parameter exchange.
	Control(ctx context.Context, reqType, req uint8, val, idx uint16, data []byte) (int, error)

	// Stream starts a dedicated read pump that keeps a bulk-IN transfer
	// perpetually in flight and delivers completions over the returned
	// channel. The channel closes after a fatal error or when ctx ends;
	// completions are never delivered inline on a caller's stack.
	Stream(ctx context.Context) <-chan ReadResult

	// Close releases the interface and handle. Idempotent, and safe to
	// call after the device has already disappeared.
	Close() error
}
