// Package api exposes the read endpoints backed by the in-memory store:
// market data snapshots, service health, key/storage stats and the
// WebSocket candle stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"forexfeed/internal/model"
	"forexfeed/internal/stats"
	"forexfeed/internal/store"
	"forexfeed/internal/stream"
)

// Server serves the REST API.
type Server struct {
	store *store.Store
	stats *stats.Collector
	hub   *stream.Hub

	// initialized flips to true once the startup backfill has finished.
	initialized atomic.Bool

	srv *http.Server
}

// NewServer builds the API server. hub may be nil to disable /ws.
func NewServer(addr string, st *store.Store, collector *stats.Collector, hub *stream.Hub) *Server {
	s := &Server{store: st, stats: collector, hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/market-data", s.handleMarketData)
	mux.HandleFunc("/market-data/all", s.handleMarketDataAll)
	mux.HandleFunc("/stats", s.handleStats)
	if hub != nil {
		mux.HandleFunc("/ws", hub.Handler())
	}

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// SetInitialized marks the startup backfill as complete.
func (s *Server) SetInitialized() {
	s.initialized.Store(true)
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// Handler returns the underlying handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"initialized": s.initialized.Load(),
	})
}

// pairPayload is the per-pair response body: every timeframe key is
// present even when its series is still empty.
type pairPayload struct {
	Pair       string                    `json:"pair"`
	Timestamp  string                    `json:"timestamp"`
	Timeframes map[string][]model.Candle `json:"timeframes"`
}

func (s *Server) pairData(pair model.Pair) (pairPayload, error) {
	all, err := s.store.SnapshotAll(pair)
	if err != nil {
		return pairPayload{}, err
	}
	timeframes := make(map[string][]model.Candle, len(all))
	for tf, candles := range all {
		timeframes[tf.Display()] = candles
	}
	return pairPayload{
		Pair:       string(pair),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Timeframes: timeframes,
	}, nil
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	raw := strings.ToUpper(r.URL.Query().Get("pair"))
	if !model.ValidPair(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid pair: %q", raw),
		})
		return
	}

	payload, err := s.pairData(model.Pair(raw))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMarketDataAll(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]pairPayload, len(model.Pairs()))
	for _, pair := range model.Pairs() {
		payload, err := s.pairData(pair)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out[string(pair)] = payload
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}
