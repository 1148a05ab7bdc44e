package keypool

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests advance time manually.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func newPool(t *testing.T, secrets []string, cfg Config) (*Pool, *fakeClock) {
	t.Helper()
	p, err := New(secrets, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := newClock()
	p.now = clk.now
	return p, clk
}

func TestNew_NoKeysIsFatal(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for empty key list")
	}
}

func TestAcquire_RoundRobin(t *testing.T) {
	secrets := []string{"s1", "s2", "s3", "s4"}
	p, clk := newPool(t, secrets, Config{})

	// K consecutive acquires must use all K keys once before any repeat.
	seen := make(map[string]bool)
	for i := range secrets {
		clk.advance(time.Millisecond)
		k, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if seen[k.ID] {
			t.Fatalf("key %s repeated before all keys used", k.ID)
		}
		seen[k.ID] = true
		p.ReportSuccess(k.ID)
	}
	if len(seen) != len(secrets) {
		t.Fatalf("used %d distinct keys, want %d", len(seen), len(secrets))
	}
}

func TestAcquire_SkipsCooldown(t *testing.T) {
	p, clk := newPool(t, []string{"s1", "s2"}, Config{})

	k1, _ := p.Acquire()
	p.ReportRateLimited(k1.ID, 30*time.Second)

	for i := 0; i < 5; i++ {
		clk.advance(time.Second)
		k, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if k.ID == k1.ID {
			t.Fatalf("acquire returned key %s while in cooldown", k1.ID)
		}
	}
}

func TestAcquire_ExhaustedThenRecovers(t *testing.T) {
	p, clk := newPool(t, []string{"only"}, Config{})

	k, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.ReportRateLimited(k.ID, 60*time.Second)

	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted during cooldown, got %v", err)
	}
	clk.advance(59 * time.Second)
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted at 59s, got %v", err)
	}

	clk.advance(2 * time.Second)
	got, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire after cooldown: %v", err)
	}
	if got.ID != k.ID {
		t.Fatalf("expected %s back after cooldown, got %s", k.ID, got.ID)
	}
}

func TestAcquire_DefaultCooldown(t *testing.T) {
	p, clk := newPool(t, []string{"only"}, Config{DefaultCooldown: 10 * time.Second})

	k, _ := p.Acquire()
	p.ReportRateLimited(k.ID, 0) // upstream gave no retry-after

	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatal("expected ErrExhausted under default cooldown")
	}
	clk.advance(11 * time.Second)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("acquire after default cooldown: %v", err)
	}
}

func TestAcquire_MinuteBudget(t *testing.T) {
	p, clk := newPool(t, []string{"only"}, Config{MinuteLimit: 3})

	for i := 0; i < 3; i++ {
		clk.advance(time.Second)
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatal("expected ErrExhausted once minute budget is spent")
	}

	// Window rolls a minute after the first use.
	clk.advance(time.Minute)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("acquire after window roll: %v", err)
	}
}

func TestAcquire_DailyBudgetResetsAtMidnightUTC(t *testing.T) {
	p, clk := newPool(t, []string{"only"}, Config{MinuteLimit: 1000, DailyLimit: 2})

	p.Acquire()
	clk.advance(time.Second)
	p.Acquire()
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatal("expected ErrExhausted once daily budget is spent")
	}

	// Jump past 00:00 UTC.
	clk.t = time.Date(2025, 3, 15, 0, 0, 1, 0, time.UTC)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("acquire after UTC midnight: %v", err)
	}
}

func TestReportError_NoCooldown(t *testing.T) {
	p, clk := newPool(t, []string{"only"}, Config{})

	k, _ := p.Acquire()
	p.ReportError(k.ID)

	clk.advance(time.Second)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("transient error must not trigger cooldown: %v", err)
	}

	st := p.Stats()
	if st.Keys[0].ErrorsTotal != 1 {
		t.Fatalf("errors_total = %d, want 1", st.Keys[0].ErrorsTotal)
	}
}

func TestStats(t *testing.T) {
	p, clk := newPool(t, []string{"s1", "s2", "s3"}, Config{})

	k1, _ := p.Acquire()
	clk.advance(time.Second)
	p.Acquire()
	p.ReportRateLimited(k1.ID, time.Minute)

	st := p.Stats()
	if st.TotalKeys != 3 {
		t.Fatalf("total_keys = %d, want 3", st.TotalKeys)
	}
	if st.InCooldown != 1 {
		t.Fatalf("keys_in_cooldown = %d, want 1", st.InCooldown)
	}
	var used uint64
	for _, ks := range st.Keys {
		used += ks.UsageTotal
	}
	if used != 2 {
		t.Fatalf("cumulative usage = %d, want 2", used)
	}
}
