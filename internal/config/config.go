package config

import "time"

// AppConfig carries the daemon's flag-driven settings.
type AppConfig struct {
	Port int // diagnostics HTTP port, 0 disables

	VendorID  uint
	ProductID uint

	Width  int
	Height int
	FPS    int

	Debug bool // use the simulated dongle instead of USB

	Decode          bool   // decode to YUV instead of dumping the elementary stream
	OutputDir       string
	DumpES          bool   // write the raw H.264 stream
	DumpYUV         bool   // write decoded frames
	Capture         bool   // log raw USB traffic
	PublishEndpoint string // ZeroMQ endpoint for decoded frames, "" disables

	TransferTimeout time.Duration
	StatsEvery      time.Duration

	BoxSettingsFile string // JSON settings blob pushed to the dongle after handshake
}
