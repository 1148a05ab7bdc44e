// Package stats aggregates key pool usage and store occupancy for the
// /stats endpoint. Read-only: it never mutates the components it observes.
package stats

import (
	"time"

	"forexfeed/internal/keypool"
	"forexfeed/internal/model"
	"forexfeed/internal/store"
)

// Collector polls the pool and store on demand.
type Collector struct {
	pool      *keypool.Pool
	store     *store.Store
	startedAt time.Time
}

// Snapshot is one consistent-enough view for the stats endpoint. Series
// lengths and key counters are each internally consistent; they are not
// taken under one global lock.
type Snapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	Uptime    string                    `json:"uptime"`
	APIKeys   keypool.Stats             `json:"api_keys"`
	Storage   map[string]map[string]int `json:"storage"` // pair -> timeframe code -> series length
}

// New creates a collector over the given components.
func New(pool *keypool.Pool, st *store.Store) *Collector {
	return &Collector{pool: pool, store: st, startedAt: time.Now()}
}

// Snapshot gathers current stats.
func (c *Collector) Snapshot() Snapshot {
	storage := make(map[string]map[string]int, len(model.Pairs()))
	for pair, byTF := range c.store.Lens() {
		m := make(map[string]int, len(byTF))
		for tf, n := range byTF {
			m[tf.Display()] = n
		}
		storage[string(pair)] = m
	}

	return Snapshot{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.startedAt).Round(time.Second).String(),
		APIKeys:   c.pool.Stats(),
		Storage:   storage,
	}
}
