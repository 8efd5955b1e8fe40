// Command carlink-capture-dump prints the records of a USB capture file,
// parsing the packet stream per direction so captured traffic reads as
// protocol packets rather than raw hex.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"carlink-go/internal/capture"
	"carlink-go/internal/protocol"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to a .clnkcap capture file")
		limit = flag.Int("limit", 0, "Number of records to dump, 0 for all")
		raw   = flag.Bool("raw", false, "Hex-dump record payloads instead of parsing packets")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	r, err := capture.OpenReader(*path)
	if err != nil {
		log.Fatalf("open capture: %v", err)
	}
	defer r.Close()

	// One codec per direction; packets straddle record boundaries.
	var inCodec, outCodec protocol.Codec

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("read record: %v", err)
		}

		dir := "in "
		codec := &inCodec
		if entry.Record.Dir == capture.DirOut {
			dir = "out"
			codec = &outCodec
		}
		ts := time.Unix(0, int64(entry.TS)).Format(time.RFC3339Nano)
		fmt.Printf("record %d %s %s %d bytes\n", count, ts, dir, len(entry.Record.Data))

		if *raw {
			fmt.Println(hex.Dump(entry.Record.Data))
		} else {
			codec.Feed(entry.Record.Data)
			for {
				pkt, ok := codec.Next()
				if !ok {
					break
				}
				describe(dir, pkt)
			}
		}
		count++
	}
}

func describe(dir string, pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeVideoData:
		hdr, chunk, err := protocol.ParseVideoChunk(pkt.Payload)
		if err != nil {
			fmt.Printf("  %s %s: malformed video chunk: %v\n", dir, pkt.Type, err)
			return
		}
		fmt.Printf("  %s %s: %dx%d flags=0x%02x frame_len=%d chunk=%d bytes\n",
			dir, pkt.Type, hdr.Width, hdr.Height, hdr.Flags, hdr.FrameLength, len(chunk))
	case protocol.TypeOpen, protocol.TypePlugged:
		if cfg, err := protocol.ParseOpenPayload(pkt.Payload); err == nil {
			fmt.Printf("  %s %s: %dx%d@%d format=%d max_packet=%d\n",
				dir, pkt.Type, cfg.Width, cfg.Height, cfg.FPS, cfg.Format, cfg.MaxPacket)
			return
		}
		fmt.Printf("  %s %s: %d bytes\n", dir, pkt.Type, len(pkt.Payload))
	case protocol.TypeSoftwareVersion:
		if len(pkt.Payload) > 0 {
			fmt.Printf("  %s %s: %q\n", dir, pkt.Type, pkt.Payload)
			return
		}
		fmt.Printf("  %s %s: request\n", dir, pkt.Type)
	default:
		fmt.Printf("  %s %s: %d bytes\n", dir, pkt.Type, len(pkt.Payload))
	}
}
