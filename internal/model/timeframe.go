package model

import "time"

// Timeframe is one of the five candle intervals maintained by the feed.
// The value is the upstream interval code; Display returns the short code
// used in API responses.
type Timeframe string

const (
	TF1m  Timeframe = "1min"
	TF5m  Timeframe = "5min"
	TF15m Timeframe = "15min"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
)

// allTimeframes is ordered shortest first; the scheduler fetches in this
// priority order so short intervals get keys before long ones in a cycle.
var allTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h}

var tfDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
}

var tfDisplay = map[Timeframe]string{
	TF1m:  "1m",
	TF5m:  "5m",
	TF15m: "15m",
	TF1h:  "1h",
	TF4h:  "4h",
}

// Timeframes returns all timeframes, shortest first.
// Callers must not mutate the returned slice.
func Timeframes() []Timeframe {
	return allTimeframes
}

// Duration returns the interval length.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// Display returns the short code used in API responses ("1m", "4h", ...).
func (tf Timeframe) Display() string {
	return tfDisplay[tf]
}

// Truncate aligns t down to the start of its bucket for this timeframe.
// Alignment is against the Unix epoch in UTC, so 4h buckets start at
// 00:00, 04:00, 08:00, ... UTC regardless of process start time.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	sec := int64(tf.Duration() / time.Second)
	ts := t.Unix()
	return time.Unix(ts-ts%sec, 0).UTC()
}

// NextBoundary returns the first candle-close instant strictly after t.
func (tf Timeframe) NextBoundary(t time.Time) time.Time {
	return tf.Truncate(t).Add(tf.Duration())
}

// LastClosedOpen returns the open time of the most recently closed candle
// as of t. A candle opening at o closes at o+d, so at time t the latest
// closed candle opened at truncate(t) - d.
func (tf Timeframe) LastClosedOpen(t time.Time) time.Time {
	return tf.Truncate(t).Add(-tf.Duration())
}
