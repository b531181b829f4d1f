package ws

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MaxAttempts restarts a subscription after transport faults until the nth
// failure, which ends the stream. Other failures end it straight away. The
// count is kept by the returned handler, so use a fresh one per Subscribe.
func MaxAttempts(n int) ExceptionHandler {
	var (
		mu    sync.Mutex
		count int
	)

	return func(ctx context.Context, err error) error {
		if !IsTransport(err) {
			return err
		}

		mu.Lock()
		count++
		current := count
		mu.Unlock()

		if current >= n {
			return errors.Wrapf(err, "giving up after %d failures", current)
		}

		return nil
	}
}

// BackoffConfig shapes the delay between subscription restarts.
type BackoffConfig struct {
	MaxAttempts  int           // consecutive failures before giving up, 0 for no limit
	InitialDelay time.Duration // delay after the first failure
	MaxDelay     time.Duration // upper bound on the delay
	Multiplier   float64       // growth factor between consecutive failures
	AddJitter    bool          // add up to 25% to each delay
	// ResetAfter is how long a run has to last before the failure count
	// starts again from zero. Defaults to twice MaxDelay.
	ResetAfter time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Backoff waits before each restart after a transport fault, growing the
// delay while failures keep coming. Other failures end the stream.
func Backoff(cfg BackoffConfig) ExceptionHandler {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 2 * cfg.MaxDelay
	}

	var (
		mu       sync.Mutex
		failures int
		delay    time.Duration
		last     time.Time
		random   = rand.New(rand.NewSource(time.Now().UnixNano()))
	)

	return func(ctx context.Context, err error) error {
		if !IsTransport(err) {
			return err
		}

		mu.Lock()
		now := time.Now()
		if failures == 0 || now.Sub(last) > cfg.ResetAfter+delay {
			failures = 0
			delay = cfg.InitialDelay
		}
		failures++
		last = now

		if cfg.MaxAttempts > 0 && failures >= cfg.MaxAttempts {
			mu.Unlock()
			return errors.Wrapf(err, "giving up after %d consecutive failures", failures)
		}

		sleep := delay
		if cfg.AddJitter && delay >= 4 {
			sleep += time.Duration(random.Int63n(int64(delay / 4)))
		}

		next := time.Duration(float64(delay) * cfg.Multiplier)
		if next > cfg.MaxDelay || next <= 0 {
			next = cfg.MaxDelay
		}
		delay = next
		mu.Unlock()

		timer := time.NewTimer(sleep)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting to restart subscription")
		case <-timer.C:
			return nil
		}
	}
}
