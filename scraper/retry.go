package scraper

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/icsd-queryer/config"
)

// retryPolicy re-issues idempotent requests that failed transiently.
// Requests run one at a time, so the wait happens inline.
type retryPolicy struct {
	cfg     *config.Config
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	totalRetries int64
}

func newRetryPolicy(cfg *config.Config, metrics *Metrics) *retryPolicy {
	return &retryPolicy{
		cfg:     cfg,
		metrics: metrics,
		sleep:   sleepContext,
	}
}

// Do runs fn, retrying up to MaxRetries times while the error is transient.
func (rp *retryPolicy) Do(ctx context.Context, url string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt > rp.cfg.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := rp.backoff(attempt)
		atomic.AddInt64(&rp.totalRetries, 1)
		rp.metrics.incRetries()
		slog.Debug("retrying request",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if serr := rp.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func (rp *retryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rp.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	limit := rp.cfg.RetryBackoffMax
	if limit <= 0 {
		limit = math.MaxInt64
	}

	// Doubling stops at limit so large attempt counts cannot overflow.
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		if delay > limit/2 {
			delay = limit
			break
		}
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

func (rp *retryPolicy) TotalRetries() int {
	return int(atomic.LoadInt64(&rp.totalRetries))
}

func retryable(err error) bool {
	switch errorTypeLabel(err) {
	case "timeout", "connection", "rate_limited":
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
