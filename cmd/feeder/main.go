// cmd/feeder — closed-candle market data feed.
//
// Polls the upstream quote provider at every candle boundary for 12
// currency/metal pairs across 5 timeframes, keeps a rolling in-memory
// history per series, and serves it over HTTP:
//
//	GET /market-data?pair=EURUSD
//	GET /market-data/all
//	GET /health
//	GET /stats
//	GET /ws        (stream of newly closed candles)
//
// Configuration is environment-driven (see config package); an optional
// .env file next to the binary is loaded first.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"forexfeed/config"
	"forexfeed/internal/api"
	"forexfeed/internal/keypool"
	"forexfeed/internal/logger"
	"forexfeed/internal/metrics"
	"forexfeed/internal/model"
	"forexfeed/internal/quote"
	"forexfeed/internal/scheduler"
	"forexfeed/internal/stats"
	"forexfeed/internal/store"
	"forexfeed/internal/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[feeder] starting...")

	// Optional env file; real deployments set env vars directly.
	if err := godotenv.Load(); err == nil {
		log.Println("[feeder] loaded .env")
	}

	cfg := config.Load() // fatal if no API keys
	logger.Init("feeder", logger.ParseLevel(cfg.LogLevel))

	met := metrics.NewMetrics()

	pool, err := keypool.New(cfg.QuoteAPIKeys, keypool.Config{
		MinuteLimit:     cfg.KeyMinuteLimit,
		DailyLimit:      cfg.KeyDailyLimit,
		DefaultCooldown: cfg.KeyCooldown,
	})
	if err != nil {
		log.Fatalf("[feeder] key pool: %v", err)
	}
	met.KeysLoaded.Set(float64(pool.Len()))
	slog.Info("key pool ready", "component", "keypool", "keys", pool.Len())

	st := store.New(cfg.RollingLimits)
	slog.Info("store ready", "component", "store",
		"pairs", len(model.Pairs()), "timeframes", len(model.Timeframes()))

	client := quote.New(quote.Config{
		BaseURL:        cfg.QuoteBaseURL,
		Timeout:        cfg.CallTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
		Burst:          cfg.RequestBurst,
	})
	slog.Info("quote client ready", "component", "quote", "base_url", cfg.QuoteBaseURL)

	hub := stream.NewHub()
	hub.OnClientCount = func(n int) { met.StreamClients.Set(float64(n)) }

	sched := scheduler.New(st, pool, client, met, scheduler.Config{
		SettlementDelay: cfg.SettlementDelay,
		CallTimeout:     cfg.CallTimeout,
		MaxConcurrent:   cfg.MaxConcurrent,
		PairSlice:       cfg.PairSlice,
		Limits:          cfg.RollingLimits,
	})
	sched.OnCandle = hub.Broadcast

	collector := stats.New(pool, st)
	apiServer := api.NewServer(cfg.ListenAddr, st, collector, hub)
	metricsServer := metrics.NewServer(cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Serve (empty) data and health immediately; backfill fills it in.
	apiServer.Start()
	metricsServer.Start()

	if err := sched.Backfill(ctx); err != nil {
		log.Printf("[feeder] backfill interrupted: %v", err)
	} else {
		apiServer.SetInitialized()
	}

	go sched.Run(ctx)
	log.Println("[feeder] scheduler running")

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[feeder] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiServer.Stop(shutdownCtx)
	metricsServer.Stop(shutdownCtx)
	log.Println("[feeder] bye")
}
