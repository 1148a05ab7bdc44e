// Package keypool rotates upstream API credentials across requests so the
// aggregate throughput scales with the number of loaded keys. Keys are
// selected round-robin by recency among keys not in cooldown; a key that
// gets rate-limited (or exhausts its per-minute/daily budget) is excluded
// until its cooldown or window expires. Expiry is lazy — checked on the
// next Acquire, no background timer.
package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is returned by Acquire when every loaded key is in cooldown.
var ErrExhausted = errors.New("keypool: all keys in cooldown")

// Defaults match the upstream plan limits of the original feed provider.
const (
	DefaultMinuteLimit = 8
	DefaultDailyLimit  = 800
	DefaultCooldown    = time.Minute
)

// Key is the handle returned by Acquire. ID is stable ("key_1", "key_2",
// ...) and is what callers pass back to the report methods; Secret is the
// raw credential sent upstream.
type Key struct {
	ID     string
	Secret string
}

// keyState is the pool-owned mutable record for one credential.
// Only the pool mutates key state.
type keyState struct {
	id     string
	secret string

	usageTotal     uint64
	usedToday      int
	usedThisMinute int
	minuteStart    time.Time
	lastUsedAt     time.Time
	cooldownUntil  time.Time
	errorsTotal    uint64
}

// Config tunes pool behaviour; zero values fall back to the defaults above.
type Config struct {
	MinuteLimit     int           // requests per key per rolling minute
	DailyLimit      int           // requests per key per UTC day
	DefaultCooldown time.Duration // cooldown when upstream omits retry-after
}

// Pool owns the full set of upstream credentials. All operations are
// guarded by a single mutex; key counts are small so contention is cheap.
type Pool struct {
	mu   sync.Mutex
	keys []*keyState

	minuteLimit     int
	dailyLimit      int
	defaultCooldown time.Duration

	now func() time.Time // injectable for tests
}

// New builds a pool from raw secrets in load order. An empty secret list
// is a configuration error: the service cannot fetch anything without keys.
func New(secrets []string, cfg Config) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, errors.New("keypool: no API keys loaded")
	}
	if cfg.MinuteLimit <= 0 {
		cfg.MinuteLimit = DefaultMinuteLimit
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}

	p := &Pool{
		minuteLimit:     cfg.MinuteLimit,
		dailyLimit:      cfg.DailyLimit,
		defaultCooldown: cfg.DefaultCooldown,
		now:             time.Now,
	}
	for i, s := range secrets {
		p.keys = append(p.keys, &keyState{
			id:     fmt.Sprintf("key_%d", i+1),
			secret: s,
		})
	}
	return p, nil
}

// Acquire selects the least recently used key that is not in cooldown and
// has budget left in its minute and daily windows, marks it used, and
// returns it. Returns ErrExhausted iff no key is currently usable.
func (p *Pool) Acquire() (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var pick *keyState
	for _, k := range p.keys {
		p.rollWindows(k, now)
		if !p.usable(k, now) {
			continue
		}
		if pick == nil || k.lastUsedAt.Before(pick.lastUsedAt) {
			pick = k
		}
	}
	if pick == nil {
		return Key{}, ErrExhausted
	}

	pick.usageTotal++
	pick.usedToday++
	pick.usedThisMinute++
	if pick.minuteStart.IsZero() {
		pick.minuteStart = now
	}
	pick.lastUsedAt = now
	return Key{ID: pick.id, Secret: pick.secret}, nil
}

// ReportRateLimited puts the key into cooldown for retryAfter, or the
// pool's default cooldown when the upstream did not specify one.
func (p *Pool) ReportRateLimited(id string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = p.defaultCooldown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if k := p.find(id); k != nil {
		k.cooldownUntil = p.now().Add(retryAfter)
	}
}

// ReportSuccess records a completed request. Bookkeeping only.
func (p *Pool) ReportSuccess(id string) {}

// ReportError records a transient failure on the key. Transient errors do
// not trigger cooldown; only explicit rate-limit responses do.
func (p *Pool) ReportError(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k := p.find(id); k != nil {
		k.errorsTotal++
	}
}

// KeyStats is a read-only snapshot of one key's counters.
type KeyStats struct {
	ID             string        `json:"id"`
	UsageTotal     uint64        `json:"usage_total"`
	UsedToday      int           `json:"requests_today"`
	UsedThisMinute int           `json:"requests_this_minute"`
	ErrorsTotal    uint64        `json:"errors_total"`
	InCooldown     bool          `json:"in_cooldown"`
	CooldownFor    time.Duration `json:"-"`
}

// Stats is a consistent snapshot of the whole pool.
type Stats struct {
	TotalKeys  int        `json:"total_keys"`
	InCooldown int        `json:"keys_in_cooldown"`
	Keys       []KeyStats `json:"keys"`
}

// Stats returns per-key usage and cooldown counts. A key past its budget
// in the current minute or day counts as in cooldown, matching what
// Acquire would decide.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := Stats{TotalKeys: len(p.keys)}
	for _, k := range p.keys {
		p.rollWindows(k, now)
		ks := KeyStats{
			ID:             k.id,
			UsageTotal:     k.usageTotal,
			UsedToday:      k.usedToday,
			UsedThisMinute: k.usedThisMinute,
			ErrorsTotal:    k.errorsTotal,
			InCooldown:     !p.usable(k, now),
		}
		if now.Before(k.cooldownUntil) {
			ks.CooldownFor = k.cooldownUntil.Sub(now)
		}
		if ks.InCooldown {
			st.InCooldown++
		}
		st.Keys = append(st.Keys, ks)
	}
	return st
}

// Len returns the number of loaded keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// usable reports whether k may serve a request right now.
// Caller holds p.mu and has already rolled windows.
func (p *Pool) usable(k *keyState, now time.Time) bool {
	if now.Before(k.cooldownUntil) {
		return false
	}
	if k.usedThisMinute >= p.minuteLimit {
		return false
	}
	if k.usedToday >= p.dailyLimit {
		return false
	}
	return true
}

// rollWindows lazily resets the per-minute window and the daily counter
// at 00:00 UTC. Caller holds p.mu.
func (p *Pool) rollWindows(k *keyState, now time.Time) {
	if !k.minuteStart.IsZero() && now.Sub(k.minuteStart) >= time.Minute {
		k.usedThisMinute = 0
		k.minuteStart = now
	}
	if !k.lastUsedAt.IsZero() {
		lastDay := k.lastUsedAt.UTC().Truncate(24 * time.Hour)
		today := now.UTC().Truncate(24 * time.Hour)
		if lastDay.Before(today) {
			k.usedToday = 0
		}
	}
}

// find returns the key record for id, or nil. Caller holds p.mu.
func (p *Pool) find(id string) *keyState {
	for _, k := range p.keys {
		if k.id == id {
			return k
		}
	}
	return nil
}
