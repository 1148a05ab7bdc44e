package model

// Pair identifies one of the fixed currency/metal pairs served by the feed.
// The set is defined at process start and is not extensible at runtime.
type Pair string

const (
	EURUSD Pair = "EURUSD"
	GBPUSD Pair = "GBPUSD"
	USDJPY Pair = "USDJPY"
	USDCHF Pair = "USDCHF"
	USDCAD Pair = "USDCAD"
	AUDUSD Pair = "AUDUSD"
	EURJPY Pair = "EURJPY"
	GBPJPY Pair = "GBPJPY"
	AUDJPY Pair = "AUDJPY"
	EURCHF Pair = "EURCHF"
	XAUUSD Pair = "XAUUSD"
	NZDUSD Pair = "NZDUSD"
)

// allPairs is the fixed deterministic fetch order.
var allPairs = []Pair{
	EURUSD, GBPUSD, USDJPY, USDCHF, USDCAD, AUDUSD,
	EURJPY, GBPJPY, AUDJPY, EURCHF, XAUUSD, NZDUSD,
}

// Pairs returns all configured pairs in fetch order.
// Callers must not mutate the returned slice.
func Pairs() []Pair {
	return allPairs
}

// ValidPair reports whether s names a configured pair.
func ValidPair(s string) bool {
	for _, p := range allPairs {
		if string(p) == s {
			return true
		}
	}
	return false
}

// Symbol returns the upstream wire format, e.g. EURUSD -> "EUR/USD",
// XAUUSD -> "XAU/USD".
func (p Pair) Symbol() string {
	s := string(p)
	if len(s) != 6 {
		return s
	}
	return s[:3] + "/" + s[3:]
}
