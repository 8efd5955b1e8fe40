// Package supervisor owns the reconnect policy. Sessions and transports
// never retry internally; every retry decision is made here so the policy
// stays centrally tunable and testable.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Config tunes the exponential backoff between connection attempts.
type Config struct {
	InitialBackoff time.Duration // default 1s
	MaxBackoff     time.Duration // default 30s
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// RunFunc executes one full connection attempt and blocks until it ends.
// healthy reports whether the attempt reached streaming (resets backoff);
// a nil error means a user-requested close and stops the supervisor.
type RunFunc func(ctx context.Context) (healthy bool, err error)

// Run drives attempts forever: tear down, wait, retry. Retries are
// unbounded — device re-insertion happens at arbitrary times — with delay
// doubling from InitialBackoff up to MaxBackoff, reset after any attempt
// that reached streaming.
func Run(ctx context.Context, run RunFunc, cfg Config, log zerolog.Logger) error {
	cfg.setDefaults()
	backoff := cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		healthy, err := run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if healthy {
			backoff = cfg.InitialBackoff
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("session ended, reconnecting after backoff")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
