package feeder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Sink accepts a fetched price sample, in cents. Implemented by the
// service layer so every accepted update also becomes an activity.
type Sink interface {
	SubmitPrice(ctx context.Context, cents uint64) error
}

// Options tune the feeder retry loop.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Feeder drives the authoritative price updates: fetch from the external
// source with bounded retries, then commit through the sink. On
// exhaustion the previous sample stays in place (stale-but-available).
type Feeder struct {
	fetcher PriceFetcher
	sink    Sink
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New constructs a Feeder.
func New(fetcher PriceFetcher, sink Sink, opts Options, logger zerolog.Logger) *Feeder {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 10 * time.Second
	}

	settings := gobreaker.Settings{Name: "price_feed"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &Feeder{
		fetcher: fetcher,
		sink:    sink,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger.With().Str("component", "feeder").Logger(),
	}
}

// ProcessTick runs one feed cycle for an aligned bucket.
func (f *Feeder) ProcessTick(ctx context.Context, bucket time.Time) error {
	price, err := f.fetchWithRetry(ctx)
	if err != nil {
		// Last valid sample stays in place; staleness is surfaced by
		// the oracle's validity check.
		f.logger.Error().Err(err).Time("bucket", bucket).Msg("price feed exhausted retries")
		return err
	}

	cents, err := ToCents(price)
	if err != nil {
		return fmt.Errorf("convert price: %w", err)
	}

	if err := f.sink.SubmitPrice(ctx, cents); err != nil {
		f.logger.Warn().Err(err).Uint64("cents", cents).Msg("price sample not accepted")
		return err
	}
	return nil
}

func (f *Feeder) fetchWithRetry(ctx context.Context) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		result, err := f.breaker.Execute(func() (any, error) {
			return f.fetcher.FetchPrice(ctx)
		})
		if err == nil {
			return result.(decimal.Decimal), nil
		}
		lastErr = err
		f.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", f.opts.MaxAttempts).
			Msg("price fetch failed")

		if attempt == f.opts.MaxAttempts {
			break
		}
		// Fixed backoff, cancellation-aware.
		timer := time.NewTimer(f.opts.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return decimal.Decimal{}, ctx.Err()
		case <-timer.C:
		}
	}
	return decimal.Decimal{}, fmt.Errorf("fetch price after %d attempts: %w", f.opts.MaxAttempts, lastErr)
}

// OracleReader is the oracle surface the monitor compares against.
type OracleReader interface {
	CurrentCents() uint64
}

// Reporter receives flagged discrepancies between the fed price and the
// external source. The monitor never mutates oracle state itself.
type Reporter interface {
	ReportDiscrepancy(ctx context.Context, oracleCents, feedCents uint64)
}

// Monitor is the independent checker: it polls on its own (shorter)
// cadence and only flags discrepancies.
type Monitor struct {
	fetcher      PriceFetcher
	oracle       OracleReader
	reporter     Reporter
	thresholdPct uint64
	logger       zerolog.Logger
}

// NewMonitor constructs the discrepancy monitor.
func NewMonitor(fetcher PriceFetcher, oracle OracleReader, reporter Reporter, thresholdPct uint64, logger zerolog.Logger) *Monitor {
	if thresholdPct == 0 {
		thresholdPct = 5
	}
	return &Monitor{
		fetcher:      fetcher,
		oracle:       oracle,
		reporter:     reporter,
		thresholdPct: thresholdPct,
		logger:       logger.With().Str("component", "price_monitor").Logger(),
	}
}

// ProcessTick runs one comparison cycle.
func (m *Monitor) ProcessTick(ctx context.Context, bucket time.Time) error {
	oracleCents := m.oracle.CurrentCents()
	if oracleCents == 0 {
		return nil
	}

	price, err := m.fetcher.FetchPrice(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Time("bucket", bucket).Msg("monitor fetch failed")
		return err
	}
	feedCents, err := ToCents(price)
	if err != nil {
		return err
	}

	var diff uint64
	if feedCents > oracleCents {
		diff = feedCents - oracleCents
	} else {
		diff = oracleCents - feedCents
	}
	if diff*100 < oracleCents*m.thresholdPct {
		return nil
	}

	m.logger.Warn().
		Uint64("oracle_cents", oracleCents).
		Uint64("feed_cents", feedCents).
		Msg("price discrepancy flagged")
	m.reporter.ReportDiscrepancy(ctx, oracleCents, feedCents)
	return nil
}
