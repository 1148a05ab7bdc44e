// cmd/quotesim — Demo upstream quote server.
// Serves a time_series endpoint shaped like the real provider so the
// feeder can run without real API keys (point QUOTE_BASE_URL at it).
// Prices are a random walk per symbol; per-key minute rate limits are
// simulated and reported the way the real upstream does (HTTP 200 with
// an error object, code 429).
//
// Config (env vars):
//
//	QUOTESIM_ADDR          — listen address (default: ":9100")
//	QUOTESIM_MINUTE_LIMIT  — per-key requests per minute (default: "8")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// row mirrors one upstream time_series value (numbers as strings).
type row struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
}

var intervals = map[string]time.Duration{
	"1min":  time.Minute,
	"5min":  5 * time.Minute,
	"15min": 15 * time.Minute,
	"1h":    time.Hour,
	"4h":    4 * time.Hour,
}

// keyLimiter tracks per-key request counts in the current minute window.
type keyLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
	window time.Time
}

func newKeyLimiter(limit int) *keyLimiter {
	return &keyLimiter{limit: limit, counts: make(map[string]int)}
}

func (kl *keyLimiter) allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	now := time.Now()
	if now.Sub(kl.window) >= time.Minute {
		kl.counts = make(map[string]int)
		kl.window = now
	}
	kl.counts[key]++
	return kl.counts[key] <= kl.limit
}

// walker produces a deterministic-ish random walk per symbol so candles
// look plausible across requests.
type walker struct {
	mu    sync.Mutex
	price map[string]float64
}

func (w *walker) candles(symbol string, d time.Duration, n int) []row {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.price[symbol]
	if !ok {
		p = 1.0 + rand.Float64()
		if strings.HasPrefix(symbol, "XAU") {
			p = 2000 + rand.Float64()*100
		}
		w.price[symbol] = p
	}

	// Newest first, like the real upstream. The head entry is the
	// still-forming bucket; the feeder is expected to discard it.
	sec := int64(d / time.Second)
	bucket := time.Now().Unix()
	bucket -= bucket % sec

	out := make([]row, 0, n)
	for i := 0; i < n; i++ {
		open := p * (1 + (rand.Float64()-0.5)*0.001)
		close := open * (1 + (rand.Float64()-0.5)*0.001)
		high := open
		if close > high {
			high = close
		}
		high *= 1 + rand.Float64()*0.0005
		low := open
		if close < low {
			low = close
		}
		low *= 1 - rand.Float64()*0.0005

		ts := time.Unix(bucket-int64(i)*sec, 0).UTC()
		out = append(out, row{
			Datetime: ts.Format("2006-01-02 15:04:05"),
			Open:     fmt.Sprintf("%.5f", open),
			High:     fmt.Sprintf("%.5f", high),
			Low:      fmt.Sprintf("%.5f", low),
			Close:    fmt.Sprintf("%.5f", close),
		})
	}
	return out
}

func main() {
	addr := getEnv("QUOTESIM_ADDR", ":9100")
	limit, _ := strconv.Atoi(getEnv("QUOTESIM_MINUTE_LIMIT", "8"))
	if limit <= 0 {
		limit = 8
	}

	limiter := newKeyLimiter(limit)
	wk := &walker{price: make(map[string]float64)}

	mux := http.NewServeMux()
	mux.HandleFunc("/time_series", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key := q.Get("apikey")
		if key == "" {
			writeJSON(w, map[string]any{"code": 401, "message": "missing apikey", "status": "error"})
			return
		}
		if !limiter.allow(key) {
			writeJSON(w, map[string]any{
				"code":    429,
				"message": "You have run out of API credits for the current minute",
				"status":  "error",
			})
			return
		}

		d, ok := intervals[q.Get("interval")]
		if !ok {
			writeJSON(w, map[string]any{"code": 400, "message": "bad interval", "status": "error"})
			return
		}
		n, err := strconv.Atoi(q.Get("outputsize"))
		if err != nil || n <= 0 {
			n = 1
		}
		// Exactly outputsize rows, newest first; the head row is the
		// still-forming bucket, same as the real provider.
		values := wk.candles(q.Get("symbol"), d, n)
		writeJSON(w, map[string]any{"status": "ok", "values": values})
	})

	log.Printf("[quotesim] listening on %s (per-key limit %d/min)", addr, limit)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[quotesim] server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
