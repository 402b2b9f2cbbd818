// Package reconnect drives the client's exponential-backoff reconnect
// loop using github.com/avast/retry-go/v4, the same retry library the
// example pack's Ollama model controller uses for transient RPC retries.
// Each Connect call is one reconnect cycle and gives up after MaxAttempts
// consecutive failed dials; the client starts a new cycle each time an
// established session ends (§4.10, §7).
package reconnect

import (
	"context"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/softkvm/softkvm/internal/logging"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
	jitterFraction     = 0.25
)

// Config tunes one reconnect cycle's backoff shape.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Connect retries dial until it succeeds, ctx is cancelled, or
// cfg.MaxAttempts is exhausted, using exponential backoff capped at
// cfg.MaxDelay with +/-25% jitter applied after the cap (§4.10, §8
// scenario S6).
func Connect[T any](ctx context.Context, cfg Config, dial func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	attempt := 0
	return retry.DoWithData(
		func() (T, error) {
			attempt++
			v, err := dial(ctx)
			if err != nil {
				logging.L().Warn("reconnect_attempt_failed", "attempt", attempt, "error", err)
			}
			return v, err
		},
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			return jitteredBackoff(n, cfg.BaseDelay, cfg.MaxDelay)
		}),
		retry.LastErrorOnly(true),
	)
}

// jitteredBackoff returns base*2^n capped at max, then applies +/-25%
// uniform jitter, matching the spec's documented reconnect shape (§4.10).
func jitteredBackoff(attempt uint, base, max time.Duration) time.Duration {
	d := base
	for i := uint(0); i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := float64(d) * jitterFraction * (2*rand.Float64() - 1)
	d = time.Duration(float64(d) + jitter)
	if d < 0 {
		d = base
	}
	return d
}
