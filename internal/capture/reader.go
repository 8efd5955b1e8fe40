package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// maxRecordBody guards against walking garbage after a truncated write.
const maxRecordBody = 1 << 20

// Entry is one decoded capture record with its wall-clock timestamp.
type Entry struct {
	TS     uint64 // nanoseconds since the Unix epoch
	Record Record
}

// Reader iterates the records of a capture file.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// OpenReader validates the magic and positions at the first record.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != Magic {
		_ = f.Close()
		return nil, fmt.Errorf("not a capture file: magic %q", magic)
	}
	return &Reader{f: f, r: r}, nil
}

// Next returns the following record, io.EOF at the end. A truncated final
// record also surfaces as io.EOF so partially written captures stay
// readable.
func (r *Reader) Next() (Entry, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, err
	}
	ts := binary.LittleEndian.Uint64(header[:8])
	size := binary.LittleEndian.Uint32(header[8:12])
	if size > maxRecordBody {
		return Entry{}, fmt.Errorf("record body %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, err
	}
	var rec Record
	if err := cbor.Unmarshal(body, &rec); err != nil {
		return Entry{}, fmt.Errorf("decoding record: %w", err)
	}
	return Entry{TS: ts, Record: rec}, nil
}

func (r *Reader) Close() error { return r.f.Close() }
