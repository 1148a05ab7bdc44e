// Package scheduler drives candle collection. It runs one timer task per
// timeframe: each task sleeps until the next wall-clock candle boundary
// (plus a settlement delay for upstream finalization), then fetches the
// just-closed candle for every pair and appends the results to the store.
// Timeframe tasks are independent — a 1m fetch storm never delays the 1h
// task — and share a global in-flight bound so coinciding boundaries do
// not burst the upstream.
//
// Failure policy: a failed fetch for one pair at one boundary is counted
// and skipped; it is retried only at the next boundary. The single
// exception is a rate-limited key, which is reported back to the pool and
// retried once with a different key inside the same cycle.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"forexfeed/internal/keypool"
	"forexfeed/internal/metrics"
	"forexfeed/internal/model"
	"forexfeed/internal/quote"
	"forexfeed/internal/store"
)

// Fetcher is the upstream surface the scheduler consumes.
type Fetcher interface {
	FetchLatestClosed(ctx context.Context, pair model.Pair, tf model.Timeframe, key keypool.Key) (model.Candle, error)
	FetchHistory(ctx context.Context, pair model.Pair, tf model.Timeframe, key keypool.Key, outputsize int) ([]model.Candle, error)
}

// Config tunes scheduling; zero values fall back to the defaults below.
type Config struct {
	// SettlementDelay is how long past a boundary to wait before fetching,
	// tolerating upstream settlement latency.
	SettlementDelay time.Duration
	// CallTimeout bounds one upstream fetch.
	CallTimeout time.Duration
	// MaxConcurrent bounds in-flight fetches across all timeframes.
	MaxConcurrent int
	// PairSlice staggers pair launches within a cycle so twelve requests
	// do not hit the upstream at the same instant.
	PairSlice time.Duration
	// Limits gives the backfill its outputsize per timeframe.
	Limits map[model.Timeframe]int
	// BackfillRetryWait is the pause before retrying a failed backfill
	// fetch; BackfillPause is the gap between consecutive backfill calls.
	BackfillRetryWait time.Duration
	BackfillPause     time.Duration
}

const (
	DefaultSettlementDelay   = 5 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultMaxConcurrent     = 4
	DefaultPairSlice         = time.Second
	DefaultBackfillRetryWait = 10 * time.Second
	DefaultBackfillPause     = 200 * time.Millisecond
)

// Scheduler owns the per-timeframe timer tasks and the startup backfill.
type Scheduler struct {
	store   *store.Store
	pool    *keypool.Pool
	fetcher Fetcher
	met     *metrics.Metrics
	cfg     Config

	sem chan struct{} // global fetch concurrency bound

	// OnCandle, when set, is invoked for every candle accepted into the
	// store during live collection (not backfill). Used by the WS stream.
	OnCandle func(pair model.Pair, tf model.Timeframe, c model.Candle)

	now func() time.Time // injectable for tests
}

// New creates a scheduler. store, pool and fetcher are required.
func New(st *store.Store, pool *keypool.Pool, fetcher Fetcher, met *metrics.Metrics, cfg Config) *Scheduler {
	if cfg.SettlementDelay <= 0 {
		cfg.SettlementDelay = DefaultSettlementDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.PairSlice <= 0 {
		cfg.PairSlice = DefaultPairSlice
	}
	if cfg.Limits == nil {
		cfg.Limits = store.DefaultLimits
	}
	if cfg.BackfillRetryWait <= 0 {
		cfg.BackfillRetryWait = DefaultBackfillRetryWait
	}
	if cfg.BackfillPause <= 0 {
		cfg.BackfillPause = DefaultBackfillPause
	}
	return &Scheduler{
		store:   st,
		pool:    pool,
		fetcher: fetcher,
		met:     met,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		now:     time.Now,
	}
}

// Run starts one timer task per timeframe and blocks until ctx is
// cancelled. In-flight fetches are abandoned on shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tf := range model.Timeframes() {
		wg.Add(1)
		go func(tf model.Timeframe) {
			defer wg.Done()
			s.runTimeframe(ctx, tf)
		}(tf)
	}
	wg.Wait()
}

// runTimeframe is the Waiting -> Firing loop for one timeframe.
func (s *Scheduler) runTimeframe(ctx context.Context, tf model.Timeframe) {
	for {
		boundary := tf.NextBoundary(s.now())
		fireAt := boundary.Add(s.cfg.SettlementDelay)

		timer := time.NewTimer(fireAt.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, tf)
	}
}

// fire runs one firing cycle: fetch the just-closed candle for every pair
// in fixed order, staggered by PairSlice and bounded by the global
// semaphore. One pair's failure never blocks the others.
func (s *Scheduler) fire(ctx context.Context, tf model.Timeframe) {
	s.met.CyclesTotal.WithLabelValues(tf.Display()).Inc()

	var wg sync.WaitGroup
	for i, pair := range model.Pairs() {
		wg.Add(1)
		go func(i int, pair model.Pair) {
			defer wg.Done()

			if offset := time.Duration(i) * s.cfg.PairSlice; offset > 0 {
				slice := time.NewTimer(offset)
				select {
				case <-ctx.Done():
					slice.Stop()
					return
				case <-slice.C:
				}
			}

			select {
			case <-ctx.Done():
				return
			case s.sem <- struct{}{}:
			}
			defer func() { <-s.sem }()

			s.fetchPair(ctx, pair, tf)
		}(i, pair)
	}
	wg.Wait()

	st := s.pool.Stats()
	s.met.KeysInCooldown.Set(float64(st.InCooldown))
}

// fetchPair fetches one (pair, timeframe) with at most one extra attempt,
// taken only when the first key got rate-limited.
func (s *Scheduler) fetchPair(ctx context.Context, pair model.Pair, tf model.Timeframe) {
	for attempt := 0; attempt < 2; attempt++ {
		key, err := s.pool.Acquire()
		if err != nil {
			s.met.FetchesTotal.WithLabelValues(tf.Display(), metrics.OutcomeExhausted).Inc()
			s.met.CycleSkipped.WithLabelValues(tf.Display()).Inc()
			log.Printf("[scheduler] key pool exhausted, skipping %s/%s until next boundary", pair, tf.Display())
			return
		}

		cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		start := s.now()
		candle, err := s.fetcher.FetchLatestClosed(cctx, pair, tf, key)
		cancel()
		s.met.FetchDuration.Observe(time.Since(start).Seconds())

		var rl *quote.RateLimitError
		switch {
		case err == nil:
			s.pool.ReportSuccess(key.ID)
			s.met.FetchesTotal.WithLabelValues(tf.Display(), metrics.OutcomeOK).Inc()
			s.appendCandle(pair, tf, candle)
			return

		case errors.As(err, &rl):
			s.pool.ReportRateLimited(key.ID, rl.RetryAfter)
			s.met.FetchesTotal.WithLabelValues(tf.Display(), metrics.OutcomeRateLimited).Inc()
			log.Printf("[scheduler] %s rate limited on %s/%s, rotating key", key.ID, pair, tf.Display())
			continue // one retry with a different key

		case errors.Is(err, quote.ErrMalformed):
			s.pool.ReportError(key.ID)
			s.met.FetchesTotal.WithLabelValues(tf.Display(), metrics.OutcomeMalformed).Inc()
			log.Printf("[scheduler] malformed response for %s/%s: %v", pair, tf.Display(), err)
			return

		default:
			s.pool.ReportError(key.ID)
			s.met.FetchesTotal.WithLabelValues(tf.Display(), metrics.OutcomeTransient).Inc()
			log.Printf("[scheduler] fetch failed for %s/%s: %v", pair, tf.Display(), err)
			return
		}
	}
}

// appendCandle forwards a fetched candle to the store and classifies the
// outcome. Duplicate deliveries at a boundary are expected (rejected, not
// overwritten) and counted as stale.
func (s *Scheduler) appendCandle(pair model.Pair, tf model.Timeframe, c model.Candle) {
	err := s.store.Append(pair, tf, c)
	switch {
	case err == nil:
		s.met.CandlesAppended.WithLabelValues(tf.Display()).Inc()
		if s.OnCandle != nil {
			s.OnCandle(pair, tf, c)
		}
	case errors.Is(err, store.ErrNotNewer):
		s.met.AppendsRejected.WithLabelValues(metrics.RejectStale).Inc()
		log.Printf("[scheduler] stale candle for %s/%s: %v", pair, tf.Display(), err)
	default:
		s.met.AppendsRejected.WithLabelValues(metrics.RejectInvalid).Inc()
		log.Printf("[scheduler] rejected candle for %s/%s: %v", pair, tf.Display(), err)
	}
}

// Backfill seeds every series with up to its rolling-window size of
// history before live collection starts. Requests are serialized and
// paced; key exhaustion waits for a window to roll, other failures get a
// bounded number of retries before the series is left for live fills.
func (s *Scheduler) Backfill(ctx context.Context) error {
	log.Printf("[scheduler] backfilling %d series", len(model.Pairs())*len(model.Timeframes()))

	for _, pair := range model.Pairs() {
		for _, tf := range model.Timeframes() {
			if err := s.backfillSeries(ctx, pair, tf); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[scheduler] backfill gave up on %s/%s: %v", pair, tf.Display(), err)
			}
			if err := sleepCtx(ctx, s.cfg.BackfillPause); err != nil {
				return err
			}
		}
	}
	log.Printf("[scheduler] backfill complete")
	return nil
}

func (s *Scheduler) backfillSeries(ctx context.Context, pair model.Pair, tf model.Timeframe) error {
	size := s.cfg.Limits[tf]
	if size <= 0 {
		size = 100
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; {
		key, err := s.pool.Acquire()
		if err != nil {
			// All keys spent: wait for a minute window or cooldown to roll.
			if err := sleepCtx(ctx, s.cfg.BackfillRetryWait); err != nil {
				return err
			}
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		candles, err := s.fetcher.FetchHistory(cctx, pair, tf, key, size)
		cancel()

		var rl *quote.RateLimitError
		switch {
		case err == nil:
			s.pool.ReportSuccess(key.ID)
			accepted, err := s.store.Seed(pair, tf, candles)
			if err != nil {
				return err
			}
			s.met.BackfillCandles.Add(float64(accepted))
			log.Printf("[scheduler] backfilled %d candles for %s/%s", accepted, pair, tf.Display())
			return nil

		case errors.As(err, &rl):
			s.pool.ReportRateLimited(key.ID, rl.RetryAfter)
			continue // rotate to another key, does not consume an attempt

		default:
			s.pool.ReportError(key.ID)
			lastErr = err
			attempt++
			if err := sleepCtx(ctx, s.cfg.BackfillRetryWait); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
