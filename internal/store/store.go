// Package store keeps the in-memory rolling history of closed candles,
// one bounded series per (pair, timeframe). Series are fixed-capacity
// rings: an accepted append past capacity evicts the oldest candle.
// Appends must be strictly newer than the series tail, so a duplicate
// close event is always rejected and never overwrites.
package store

import (
	"errors"
	"fmt"
	"sync"

	"forexfeed/internal/model"
)

var (
	// ErrNotNewer rejects a candle whose open time is not strictly after
	// the series' last stored open time (duplicate or stale delivery).
	ErrNotNewer = errors.New("store: candle open time not after series tail")

	// ErrUnknownSeries rejects operations on a pair/timeframe that was not
	// created at startup.
	ErrUnknownSeries = errors.New("store: unknown pair/timeframe")
)

// series is one rolling window. buf is a fixed-size ring: start is the
// index of the oldest candle, n the current length.
type series struct {
	mu    sync.Mutex
	buf   []model.Candle
	start int
	n     int
}

func (s *series) last() (model.Candle, bool) {
	if s.n == 0 {
		return model.Candle{}, false
	}
	return s.buf[(s.start+s.n-1)%len(s.buf)], true
}

// push appends c, evicting the oldest entry when full. Caller holds s.mu
// and has already validated ordering.
func (s *series) push(c model.Candle) {
	if s.n == len(s.buf) {
		s.buf[s.start] = c
		s.start = (s.start + 1) % len(s.buf)
		return
	}
	s.buf[(s.start+s.n)%len(s.buf)] = c
	s.n++
}

func (s *series) snapshot() []model.Candle {
	out := make([]model.Candle, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}

// Store owns all candle series. The index is built once at construction
// (12 pairs x 5 timeframes) and never changes, so lookups are lock-free;
// each series carries its own mutex and appends to different series never
// contend.
type Store struct {
	series map[model.Pair]map[model.Timeframe]*series
}

// DefaultLimits is the per-timeframe rolling window size: short intervals
// keep more candles than long ones.
var DefaultLimits = map[model.Timeframe]int{
	model.TF1m:  500,
	model.TF5m:  300,
	model.TF15m: 200,
	model.TF1h:  120,
	model.TF4h:  100,
}

// New creates the store with every series preallocated (possibly empty).
// Timeframes missing from limits fall back to 100.
func New(limits map[model.Timeframe]int) *Store {
	st := &Store{series: make(map[model.Pair]map[model.Timeframe]*series, len(model.Pairs()))}
	for _, p := range model.Pairs() {
		st.series[p] = make(map[model.Timeframe]*series, len(model.Timeframes()))
		for _, tf := range model.Timeframes() {
			limit := limits[tf]
			if limit <= 0 {
				limit = 100
			}
			st.series[p][tf] = &series{buf: make([]model.Candle, limit)}
		}
	}
	return st
}

// Append stores one closed candle. It returns nil on accept; ErrNotNewer
// when the open time does not advance the series; a validation error when
// the OHLC values are implausible. Rejected candles leave the series
// untouched.
func (st *Store) Append(pair model.Pair, tf model.Timeframe, c model.Candle) error {
	s, err := st.get(pair, tf)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("store: invalid candle for %s/%s: %w", pair, tf, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tail, ok := s.last(); ok && !c.OpenTime.After(tail.OpenTime) {
		return fmt.Errorf("%w: %s/%s open=%s tail=%s",
			ErrNotNewer, pair, tf, c.OpenTime.UTC(), tail.OpenTime.UTC())
	}
	s.push(c)
	return nil
}

// Seed appends a chronological batch through the same validation path,
// skipping entries that fail it. Used by the startup backfill. Returns
// the number of candles accepted.
func (st *Store) Seed(pair model.Pair, tf model.Timeframe, candles []model.Candle) (int, error) {
	s, err := st.get(pair, tf)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	accepted := 0
	for _, c := range candles {
		if c.Validate() != nil {
			continue
		}
		if tail, ok := s.last(); ok && !c.OpenTime.After(tail.OpenTime) {
			continue
		}
		s.push(c)
		accepted++
	}
	return accepted, nil
}

// Snapshot returns a copy of the series, oldest first. The copy is
// consistent: it never observes a half-applied append or eviction.
func (st *Store) Snapshot(pair model.Pair, tf model.Timeframe) ([]model.Candle, error) {
	s, err := st.get(pair, tf)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// SnapshotAll returns snapshots for every timeframe of one pair. Each
// timeframe key is present even when its series is still empty.
func (st *Store) SnapshotAll(pair model.Pair) (map[model.Timeframe][]model.Candle, error) {
	byTF, ok := st.series[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, pair)
	}
	out := make(map[model.Timeframe][]model.Candle, len(byTF))
	for tf, s := range byTF {
		s.mu.Lock()
		out[tf] = s.snapshot()
		s.mu.Unlock()
	}
	return out, nil
}

// Len returns the current length of one series (0 for unknown series).
func (st *Store) Len(pair model.Pair, tf model.Timeframe) int {
	s, err := st.get(pair, tf)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Lens returns the length of every series, for the stats endpoint.
func (st *Store) Lens() map[model.Pair]map[model.Timeframe]int {
	out := make(map[model.Pair]map[model.Timeframe]int, len(st.series))
	for p, byTF := range st.series {
		out[p] = make(map[model.Timeframe]int, len(byTF))
		for tf, s := range byTF {
			s.mu.Lock()
			out[p][tf] = s.n
			s.mu.Unlock()
		}
	}
	return out
}

func (st *Store) get(pair model.Pair, tf model.Timeframe) (*series, error) {
	byTF, ok := st.series[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, pair)
	}
	s, ok := byTF[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSeries, pair, tf)
	}
	return s, nil
}
