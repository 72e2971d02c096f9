package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls exponential backoff between pipeline runs.
type ReconnectConfig struct {
	MaxRetries    int           // consecutive failures before giving up (default: 5)
	RetryDelay    time.Duration // first delay (default: 1s)
	MaxRetryDelay time.Duration // delay cap (default: 30s)
}

// DefaultReconnectConfig returns the default backoff settings.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState tracks consecutive failures. A run that reaches PLAYING
// resets it.
type ReconnectState struct {
	currentRetries atomic.Int32
	reconnects     atomic.Uint32
}

// Reset clears the consecutive failure count.
func (s *ReconnectState) Reset() {
	s.currentRetries.Store(0)
	slog.Debug("capture: reconnect state reset")
}

// Reconnects returns the total number of retries so far.
func (s *ReconnectState) Reconnects() uint32 { return s.reconnects.Load() }

// RunFunc runs one pipeline lifetime. It returns nil when ctx is cancelled
// and an error when the pipeline failed.
type RunFunc func(ctx context.Context) error

// RunWithReconnect calls run until it returns nil or ctx is done, waiting
// with exponential backoff between failures:
//
//	attempt 1: 1s, 2: 2s, 3: 4s, 4: 8s, 5: 16s, then give up
//
// Returns an error once MaxRetries consecutive failures are exceeded.
func RunWithReconnect(ctx context.Context, run RunFunc, cfg ReconnectConfig, state *ReconnectState) error {
	for {
		if ctx.Err() != nil {
			slog.Info("capture: context cancelled, stopping reconnection")
			return ctx.Err()
		}

		err := run(ctx)
		if err == nil {
			return nil
		}

		retries := int(state.currentRetries.Add(1))
		state.reconnects.Add(1)

		if retries > cfg.MaxRetries {
			return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(retries, cfg)
		slog.Warn("capture: retrying pipeline",
			"error", err,
			"attempt", retries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			slog.Info("capture: context cancelled during backoff")
			return ctx.Err()
		}
	}
}

// calculateBackoff returns min(RetryDelay * 2^(attempt-1), MaxRetryDelay).
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
