// Package output writes decoded results to disk: raw Annex-B elementary
// streams for replay through standalone decoders, and planar I420 frames
// for pixel-level inspection.
package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"carlink-go/internal/video"
)

// ESWriter appends H.264 access units to a single .h264 file.
type ESWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer

	units uint64
	bytes uint64
}

// NewESWriter creates outputDir/<timestamp>_<prefix>.h264.
func NewESWriter(outputDir, prefix string) (*ESWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.h264", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &ESWriter{f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// WriteAccessUnit appends one Annex-B unit.
func (e *ESWriter) WriteAccessUnit(au []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return fmt.Errorf("elementary stream writer is closed")
	}
	if _, err := e.w.Write(au); err != nil {
		return err
	}
	e.units++
	e.bytes += uint64(len(au))
	return nil
}

// Stats reports unit and byte counts.
func (e *ESWriter) Stats() (units, bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.units, e.bytes
}

// Close flushes and closes. Idempotent.
func (e *ESWriter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return nil
	}
	if err := e.w.Flush(); err != nil {
		_ = e.f.Close()
		e.w = nil
		return err
	}
	err := e.f.Close()
	e.w = nil
	return err
}

// YUVWriter appends raw I420 frames to a .yuv file, playable with
// ffplay -f rawvideo -pixel_format yuv420p -video_size WxH.
type YUVWriter struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	frames uint64
}

// NewYUVWriter creates outputDir/<timestamp>_<prefix>_<width>x<height>.yuv.
func NewYUVWriter(outputDir, prefix string, width, height int) (*YUVWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%dx%d.yuv", timestamp, prefix, width, height))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &YUVWriter{f: f, w: bufio.NewWriterSize(f, 1024*1024)}, nil
}

// WriteFrame appends the three planes of one frame.
func (y *YUVWriter) WriteFrame(f *video.Frame) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.w == nil {
		return fmt.Errorf("yuv writer is closed")
	}
	for _, plane := range [][]byte{f.Y, f.Cb, f.Cr} {
		if _, err := y.w.Write(plane); err != nil {
			return err
		}
	}
	y.frames++
	return nil
}

// Frames reports how many frames were written.
func (y *YUVWriter) Frames() uint64 {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.frames
}

// Close flushes and closes. Idempotent.
func (y *YUVWriter) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.w == nil {
		return nil
	}
	if err := y.w.Flush(); err != nil {
		_ = y.f.Close()
		y.w = nil
		return err
	}
	err := y.f.Close()
	y.w = nil
	return err
}
