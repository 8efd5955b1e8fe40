// Command carlinkd runs the dongle driver as a daemon: it claims the USB
// device (or a simulated one with -debug), streams video, writes the
// requested outputs, and serves diagnostics over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	carlink "carlink-go"
	"carlink-go/internal/capture"
	"carlink-go/internal/config"
	"carlink-go/internal/decode"
	"carlink-go/internal/output"
	"carlink-go/internal/publish"
	"carlink-go/internal/server"
	"carlink-go/internal/simulator"
	"carlink-go/internal/transport"
	"carlink-go/internal/video"

	"github.com/rs/zerolog"
)

func main() {
	var (
		port       = flag.Int("port", 8888, "HTTP port for diagnostics, 0 disables")
		vendorID   = flag.Uint("vendor-id", uint(transport.DefaultVendorID), "USB vendor ID")
		productID  = flag.Uint("product-id", uint(transport.DefaultProductID), "USB product ID")
		width      = flag.Int("width", 800, "Requested stream width")
		height     = flag.Int("height", 480, "Requested stream height")
		fps        = flag.Int("fps", 30, "Requested stream frame rate")
		debug      = flag.Bool("debug", false, "Run against a simulated dongle")
		doDecode   = flag.Bool("decode", false, "Decode to YUV (requires the openh264 build tag)")
		outputDir  = flag.String("output-dir", "output", "Directory for output files")
		dumpES     = flag.Bool("dump-es", false, "Write the raw H.264 elementary stream")
		dumpYUV    = flag.Bool("dump-yuv", false, "Write decoded frames as raw I420")
		doCapture  = flag.Bool("capture", false, "Log raw USB traffic for offline analysis")
		pubEP      = flag.String("publish", "", "ZeroMQ PUSH endpoint for decoded frames, e.g. tcp://*:5556")
		timeout    = flag.Duration("transfer-timeout", 5*time.Second, "USB transfer timeout")
		statsEvery = flag.Duration("stats-every", 30*time.Second, "Interval between stats log lines")
		boxFile    = flag.String("box-settings", "", "JSON settings blob pushed to the dongle after handshake")
		logLevel   = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg := config.AppConfig{
		Port:            *port,
		VendorID:        *vendorID,
		ProductID:       *productID,
		Width:           *width,
		Height:          *height,
		FPS:             *fps,
		Debug:           *debug,
		Decode:          *doDecode,
		OutputDir:       *outputDir,
		DumpES:          *dumpES,
		DumpYUV:         *dumpYUV,
		Capture:         *doCapture,
		PublishEndpoint: *pubEP,
		TransferTimeout: *timeout,
		StatsEvery:      *statsEvery,
		BoxSettingsFile: *boxFile,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientCfg := carlink.Config{
		Identity: carlink.Identity{
			VendorID:    uint16(cfg.VendorID),
			ProductID:   uint16(cfg.ProductID),
			Interface:   transport.DefaultInterface,
			EndpointIn:  transport.DefaultEndpointIn,
			EndpointOut: transport.DefaultEndpointOut,
		},
		Width:           cfg.Width,
		Height:          cfg.Height,
		FPS:             cfg.FPS,
		TransferTimeout: cfg.TransferTimeout,
		Logger:          log,
	}

	if cfg.Debug {
		dongle := simulator.New(simulator.Config{}, log)
		defer dongle.Close()
		clientCfg.Open = dongle.Opener()
		log.Info().Msg("running against the simulated dongle")
	}

	if cfg.Decode {
		var dec carlink.Decoder
		var err error
		if cfg.Debug {
			dec = simulator.NewDecoder()
		} else {
			dec, err = decode.New(cfg.Width, cfg.Height)
			if err != nil {
				log.Fatal().Err(err).Msg("decoder unavailable")
			}
		}
		defer dec.Close()
		clientCfg.Decoder = dec
	}

	if cfg.Capture {
		tap, err := capture.NewWriter(cfg.OutputDir, "usb")
		if err != nil {
			log.Fatal().Err(err).Msg("cannot start capture")
		}
		defer tap.Close()
		clientCfg.Tap = tap
	}

	var esWriter *output.ESWriter
	if cfg.DumpES {
		esWriter, err = output.NewESWriter(cfg.OutputDir, "stream")
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open elementary stream output")
		}
		defer esWriter.Close()
	}

	var yuvWriter *output.YUVWriter
	if cfg.DumpYUV {
		if !cfg.Decode {
			log.Fatal().Msg("-dump-yuv requires -decode")
		}
		yuvWriter, err = output.NewYUVWriter(cfg.OutputDir, "frames", cfg.Width, cfg.Height)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open yuv output")
		}
		defer yuvWriter.Close()
	}

	var publisher *publish.Publisher
	if cfg.PublishEndpoint != "" {
		publisher, err = publish.New(cfg.PublishEndpoint, log)
		if err != nil {
			log.Fatal().Err(err).Str("endpoint", cfg.PublishEndpoint).Msg("cannot bind publisher")
		}
		defer publisher.Close()
		log.Info().Str("endpoint", cfg.PublishEndpoint).Msg("publishing decoded frames")
	}

	events := make(chan any, 16)
	notify := func(event map[string]any) {
		select {
		case events <- event:
		default:
		}
	}

	var boxSettings []byte
	if cfg.BoxSettingsFile != "" {
		boxSettings, err = os.ReadFile(cfg.BoxSettingsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.BoxSettingsFile).Msg("cannot read box settings")
		}
	}

	var client *carlink.Client
	client = carlink.New(clientCfg, carlink.Callbacks{
		OnFrame: func(f *video.Frame) {
			if yuvWriter != nil {
				if err := yuvWriter.WriteFrame(f); err != nil {
					log.Warn().Err(err).Msg("yuv write failed")
				}
			}
			if publisher != nil {
				_ = publisher.Publish(ctx, f)
			}
		},
		OnAccessUnit: func(au []byte, _ uint64, _ bool) {
			if esWriter != nil {
				if err := esWriter.WriteAccessUnit(au); err != nil {
					log.Warn().Err(err).Msg("elementary stream write failed")
				}
			}
		},
		OnState: func(st carlink.State) {
			log.Info().Stringer("state", st).Msg("session state")
			notify(map[string]any{"type": "state", "state": st.String()})
			if st == carlink.Streaming && boxSettings != nil {
				if err := client.SendBoxSettings(boxSettings); err != nil {
					log.Warn().Err(err).Msg("box settings not sent")
				}
			}
		},
		OnFatal: func(err error) {
			notify(map[string]any{"type": "fault", "error": err.Error()})
		},
	})

	statusFn := func() map[string]any {
		payload := map[string]any{
			"state":   client.State().String(),
			"version": client.SoftwareVersion(),
			"metrics": client.Stats(),
		}
		if publisher != nil {
			published, dropped := publisher.Stats()
			payload["published_total"] = published
			payload["publish_dropped_total"] = dropped
		}
		return payload
	}

	if cfg.Port > 0 {
		go func() {
			if err := server.Run(ctx, cfg.Port, events, statusFn); err != nil {
				log.Warn().Err(err).Msg("diagnostics server stopped")
			}
		}()
		log.Info().Int("port", cfg.Port).Msg("diagnostics at /status, /healthz, /ws")
	}

	if cfg.StatsEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.StatsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					stats := client.Stats()
					log.Info().
						Interface("stats", stats).
						Str("state", client.State().String()).
						Msg("driver stats")
					notify(map[string]any{"type": "stats", "stats": stats})
				}
			}
		}()
	}

	if err := client.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("driver stopped")
	}
	log.Info().Msg("shut down cleanly")
}
