// Package capture logs raw USB traffic to disk for offline protocol
// analysis. Files start with an 8-byte magic, then repeat a fixed binary
// record header followed by a CBOR body holding direction and payload.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const Magic = "CLNKCAP1"

// Direction of a captured transfer, relative to the host.
const (
	DirIn  = uint8(0) // device to host
	DirOut = uint8(1) // host to device
)

// Record is one captured transfer.
type Record struct {
	Dir  uint8  `cbor:"d"`
	Data []byte `cbor:"p"`
}

// Writer appends capture records to a timestamped file. Implements the
// session's byte tap, so it can be installed directly on a session.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	err error

	records uint64
	bytes   uint64
}

// NewWriter creates outputDir/<timestamp>_<prefix>.clnkcap and writes the
// magic.
func NewWriter(outputDir, prefix string) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.clnkcap", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(Magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w}, nil
}

// In records a device-to-host transfer.
func (c *Writer) In(p []byte) { c.record(DirIn, p) }

// Out records a host-to-device transfer.
func (c *Writer) Out(p []byte) { c.record(DirOut, p) }

// record must never block the read path for long; writes are buffered and
// the first error sticks so later calls become no-ops.
func (c *Writer) record(dir uint8, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil || c.err != nil {
		return
	}
	body, err := cbor.Marshal(Record{Dir: dir, Data: p})
	if err != nil {
		c.err = err
		return
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))
	if _, err := c.w.Write(header[:]); err != nil {
		c.err = err
		return
	}
	if _, err := c.w.Write(body); err != nil {
		c.err = err
		return
	}
	c.records++
	c.bytes += uint64(len(p))
}

// Err returns the first write error, if any.
func (c *Writer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats reports record and raw byte counts.
func (c *Writer) Stats() (records, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records, c.bytes
}

// Close flushes and closes the file. Idempotent.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return c.err
	}
	if err := c.w.Flush(); err != nil && c.err == nil {
		c.err = err
	}
	if err := c.f.Close(); err != nil && c.err == nil {
		c.err = err
	}
	c.w = nil
	return c.err
}
