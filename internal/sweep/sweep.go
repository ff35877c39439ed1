package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/projectchat/chatauth"
)

// Target is the part of the session manager the sweeper drives.
type Target interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper deletes expired refresh credentials on a schedule.
//
// Store unavailability is retried with exponential backoff inside one pass;
// every other error ends the pass. A failed pass never stops Run.
type Sweeper struct {
	target Target
	cfg    chatauth.SweepConfig
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the source of the sweep cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Sweeper over target. A zero InitialBackoff falls back to
// 500ms.
func New(target Target, cfg chatauth.SweepConfig, opts ...Option) *Sweeper {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	s := &Sweeper{
		target: target,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sweep")
	return s
}

func (s *Sweeper) backoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.InitialBackoff)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(s.cfg.MaxRetries, b)
}

// RunOnce performs a single pass and returns the number of deleted records.
// The cutoff is taken once, before the first attempt.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now()
	attempt := 0
	var deleted int

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		n, err := s.target.SweepExpired(ctx, cutoff)
		if err == nil {
			deleted = n
			return nil
		}
		if errors.Is(err, chatauth.ErrStoreUnavailable) {
			s.logger.Warn("sweep attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Run sweeps every Interval until ctx is done. With a zero Interval it performs
// one pass and returns its error.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		_, err := s.RunOnce(ctx)
		return err
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	started := time.Now()
	n, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("sweep failed", "error", err)
		return
	}
	s.logger.Debug("sweep complete", "deleted", n, "took", time.Since(started))
}
