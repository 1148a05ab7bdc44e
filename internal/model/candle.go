package model

import (
	"fmt"
	"math"
	"time"
)

// Candle represents one fully closed OHLC interval for a single pair.
// OpenTime marks the start of the interval (UTC). Candles are immutable
// once stored; a still-forming interval must never become a Candle.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume,omitempty"`
}

// Validate checks basic OHLC sanity: finite positive prices, high is the
// maximum and low the minimum of the interval.
func (c Candle) Validate() error {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("non-finite or non-positive price %v", v)
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("invalid volume %v", c.Volume)
	}
	if c.High < c.Low {
		return fmt.Errorf("high %v below low %v", c.High, c.Low)
	}
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("high %v below open/close", c.High)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("low %v above open/close", c.Low)
	}
	if c.OpenTime.IsZero() {
		return fmt.Errorf("zero open time")
	}
	return nil
}
