package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"forexfeed/internal/keypool"
	"forexfeed/internal/metrics"
	"forexfeed/internal/model"
	"forexfeed/internal/quote"
	"forexfeed/internal/store"
)

// Prometheus collectors register globally, so the package shares one set.
var (
	metOnce sync.Once
	met     *metrics.Metrics
)

func testMetrics() *metrics.Metrics {
	metOnce.Do(func() { met = metrics.NewMetrics() })
	return met
}

// fakeFetcher scripts upstream behaviour per key.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []keypool.Key

	latest  func(key keypool.Key) (model.Candle, error)
	history func(key keypool.Key, outputsize int) ([]model.Candle, error)
}

func (f *fakeFetcher) FetchLatestClosed(_ context.Context, _ model.Pair, _ model.Timeframe, key keypool.Key) (model.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	return f.latest(key)
}

func (f *fakeFetcher) FetchHistory(_ context.Context, _ model.Pair, _ model.Timeframe, key keypool.Key, outputsize int) ([]model.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	return f.history(key, outputsize)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func closedCandle(tf model.Timeframe, now time.Time) model.Candle {
	return model.Candle{
		OpenTime: tf.LastClosedOpen(now),
		Open:     1.10, High: 1.12, Low: 1.09, Close: 1.11,
	}
}

func testConfig() Config {
	return Config{
		SettlementDelay:   time.Second,
		CallTimeout:       time.Second,
		MaxConcurrent:     4,
		PairSlice:         time.Microsecond,
		Limits:            map[model.Timeframe]int{model.TF1m: 5, model.TF5m: 5, model.TF15m: 5, model.TF1h: 5, model.TF4h: 5},
		BackfillRetryWait: time.Millisecond,
		BackfillPause:     time.Microsecond,
	}
}

func newPool(t *testing.T, n int) *keypool.Pool {
	t.Helper()
	secrets := make([]string, n)
	for i := range secrets {
		secrets[i] = "secret"
	}
	// High budgets so only explicit cooldowns matter in these tests.
	p, err := keypool.New(secrets, keypool.Config{MinuteLimit: 10000, DailyLimit: 100000})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFire_AppendsEveryPair(t *testing.T) {
	now := time.Now().UTC()
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{latest: func(keypool.Key) (model.Candle, error) {
		return closedCandle(model.TF1m, now), nil
	}}
	s := New(st, newPool(t, 3), fetch, testMetrics(), testConfig())

	var mu sync.Mutex
	delivered := 0
	s.OnCandle = func(model.Pair, model.Timeframe, model.Candle) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}

	s.fire(context.Background(), model.TF1m)

	for _, p := range model.Pairs() {
		if n := st.Len(p, model.TF1m); n != 1 {
			t.Fatalf("%s: len = %d, want 1", p, n)
		}
	}
	if delivered != len(model.Pairs()) {
		t.Fatalf("OnCandle fired %d times, want %d", delivered, len(model.Pairs()))
	}
}

func TestFire_DuplicateBoundaryRejectedNotOverwritten(t *testing.T) {
	now := time.Now().UTC()
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{latest: func(keypool.Key) (model.Candle, error) {
		return closedCandle(model.TF5m, now), nil
	}}
	s := New(st, newPool(t, 3), fetch, testMetrics(), testConfig())

	s.fire(context.Background(), model.TF5m)
	s.fire(context.Background(), model.TF5m) // double delivery of the same close

	for _, p := range model.Pairs() {
		if n := st.Len(p, model.TF5m); n != 1 {
			t.Fatalf("%s: len = %d after duplicate cycle, want 1", p, n)
		}
	}
}

func TestFetchPair_RetriesOnceWithDifferentKeyOnRateLimit(t *testing.T) {
	now := time.Now().UTC()
	st := store.New(store.DefaultLimits)

	var first keypool.Key
	var mu sync.Mutex
	fetch := &fakeFetcher{latest: func(key keypool.Key) (model.Candle, error) {
		mu.Lock()
		defer mu.Unlock()
		if first.ID == "" {
			first = key
			return model.Candle{}, &quote.RateLimitError{RetryAfter: time.Minute}
		}
		if key.ID == first.ID {
			return model.Candle{}, &quote.RateLimitError{RetryAfter: time.Minute}
		}
		return closedCandle(model.TF1m, now), nil
	}}
	pool := newPool(t, 2)
	s := New(st, pool, fetch, testMetrics(), testConfig())

	s.fetchPair(context.Background(), model.EURUSD, model.TF1m)

	if n := st.Len(model.EURUSD, model.TF1m); n != 1 {
		t.Fatalf("len = %d, want 1 (retry with second key should succeed)", n)
	}
	if got := fetch.callCount(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
	// The rate-limited key must now be in cooldown.
	if pool.Stats().InCooldown != 1 {
		t.Fatalf("keys_in_cooldown = %d, want 1", pool.Stats().InCooldown)
	}
}

func TestFetchPair_SingleRetryBound(t *testing.T) {
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{latest: func(keypool.Key) (model.Candle, error) {
		return model.Candle{}, &quote.RateLimitError{RetryAfter: time.Minute}
	}}
	s := New(st, newPool(t, 5), fetch, testMetrics(), testConfig())

	s.fetchPair(context.Background(), model.EURUSD, model.TF1m)

	// Two attempts max per pair per boundary, even with keys to spare.
	if got := fetch.callCount(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
}

func TestFetchPair_ExhaustedSkips(t *testing.T) {
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{latest: func(keypool.Key) (model.Candle, error) {
		t.Error("fetch must not be called when the pool is exhausted")
		return model.Candle{}, nil
	}}
	pool := newPool(t, 1)
	k, _ := pool.Acquire()
	pool.ReportRateLimited(k.ID, time.Hour)

	s := New(st, pool, fetch, testMetrics(), testConfig())
	s.fetchPair(context.Background(), model.EURUSD, model.TF1m)

	if n := st.Len(model.EURUSD, model.TF1m); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestFetchPair_TransientErrorNoRetry(t *testing.T) {
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{latest: func(keypool.Key) (model.Candle, error) {
		return model.Candle{}, quote.ErrUpstreamTransient
	}}
	pool := newPool(t, 3)
	s := New(st, pool, fetch, testMetrics(), testConfig())

	s.fetchPair(context.Background(), model.EURUSD, model.TF1m)

	if got := fetch.callCount(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no intra-cycle retry for transient errors)", got)
	}
	// Transient errors must not cool the key down.
	if pool.Stats().InCooldown != 0 {
		t.Fatalf("keys_in_cooldown = %d, want 0", pool.Stats().InCooldown)
	}
}

func TestBackfill_SeedsAllSeries(t *testing.T) {
	st := store.New(store.DefaultLimits)
	base := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	fetch := &fakeFetcher{history: func(_ keypool.Key, outputsize int) ([]model.Candle, error) {
		out := make([]model.Candle, outputsize)
		for i := range out {
			out[i] = model.Candle{
				OpenTime: base.Add(time.Duration(i) * time.Minute),
				Open:     1.10, High: 1.12, Low: 1.09, Close: 1.11,
			}
		}
		return out, nil
	}}
	s := New(st, newPool(t, 3), fetch, testMetrics(), testConfig())

	if err := s.Backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	for _, p := range model.Pairs() {
		for _, tf := range model.Timeframes() {
			if n := st.Len(p, tf); n != 5 {
				t.Fatalf("%s/%s: len = %d, want 5", p, tf.Display(), n)
			}
		}
	}
}

func TestBackfill_GivesUpAfterBoundedRetries(t *testing.T) {
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{history: func(keypool.Key, int) ([]model.Candle, error) {
		return nil, quote.ErrUpstreamTransient
	}}
	s := New(st, newPool(t, 3), fetch, testMetrics(), testConfig())

	// Must terminate despite every fetch failing.
	done := make(chan error, 1)
	go func() { done <- s.Backfill(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("backfill returned %v, want nil (per-series failures are logged, not fatal)", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("backfill did not terminate")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	st := store.New(store.DefaultLimits)
	fetch := &fakeFetcher{latest: func(keypool.Key) (model.Candle, error) {
		return model.Candle{}, quote.ErrUpstreamTransient
	}}
	s := New(st, newPool(t, 1), fetch, testMetrics(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
