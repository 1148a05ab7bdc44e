package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feed service.
type Metrics struct {
	FetchesTotal  *prometheus.CounterVec // labels: timeframe, outcome
	FetchDuration prometheus.Histogram

	CandlesAppended *prometheus.CounterVec // labels: timeframe
	AppendsRejected *prometheus.CounterVec // labels: reason

	CyclesTotal  *prometheus.CounterVec // labels: timeframe
	CycleSkipped *prometheus.CounterVec // labels: timeframe (key exhaustion)

	KeysLoaded     prometheus.Gauge
	KeysInCooldown prometheus.Gauge

	BackfillCandles prometheus.Counter

	StreamClients prometheus.Gauge
}

// Fetch outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeTransient   = "transient"
	OutcomeMalformed   = "malformed"
	OutcomeExhausted   = "exhausted"
)

// Append rejection reason label values.
const (
	RejectStale   = "stale"
	RejectInvalid = "invalid"
)

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_fetches_total",
			Help: "Upstream fetches by timeframe and outcome",
		}, []string{"timeframe", "outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feeder_fetch_duration_seconds",
			Help:    "Upstream fetch latency",
			Buckets: prometheus.DefBuckets,
		}),

		CandlesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_candles_appended_total",
			Help: "Closed candles accepted into the store (by timeframe)",
		}, []string{"timeframe"}),
		AppendsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_appends_rejected_total",
			Help: "Candles rejected by store validation (by reason)",
		}, []string{"reason"}),

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_cycles_total",
			Help: "Firing cycles executed per timeframe",
		}, []string{"timeframe"}),
		CycleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_cycle_pairs_skipped_total",
			Help: "Pair fetches skipped due to key pool exhaustion",
		}, []string{"timeframe"}),

		KeysLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feeder_keys_loaded",
			Help: "Number of upstream API keys loaded",
		}),
		KeysInCooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feeder_keys_in_cooldown",
			Help: "Keys currently unusable (cooldown or spent budget)",
		}),

		BackfillCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeder_backfill_candles_total",
			Help: "Candles loaded by the startup backfill",
		}),

		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feeder_stream_clients",
			Help: "Connected WebSocket stream clients",
		}),
	}

	prometheus.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.CandlesAppended,
		m.AppendsRejected,
		m.CyclesTotal,
		m.CycleSkipped,
		m.KeysLoaded,
		m.KeysInCooldown,
		m.BackfillCandles,
		m.StreamClients,
	)

	return m
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
