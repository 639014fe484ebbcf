package cache

import (
	"fmt"
	"log/slog"
	"time"

	"market_feed/internal/domain"

	"github.com/shopspring/decimal"
)

// Status classifies the age of a cached price.
type Status int

const (
	StatusAbsent Status = iota
	StatusFresh
	StatusStale    // older than WarnAfter, still usable
	StatusUnusable // older than MaxAge
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusUnusable:
		return "unusable"
	default:
		return "absent"
	}
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusAbsent; st <= StatusUnusable; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown price status %q", b)
}

// Policy is a read-side staleness rule. Different callers may hold different
// policies against the same cache.
type Policy struct {
	WarnAfter time.Duration
	MaxAge    time.Duration
}

// DefaultPolicy warns after 30s and refuses prices older than 5m.
var DefaultPolicy = Policy{WarnAfter: 30 * time.Second, MaxAge: 5 * time.Minute}

// Classify maps an age onto the policy.
func (p Policy) Classify(age time.Duration) Status {
	switch {
	case p.MaxAge > 0 && age > p.MaxAge:
		return StatusUnusable
	case p.WarnAfter > 0 && age > p.WarnAfter:
		return StatusStale
	default:
		return StatusFresh
	}
}

// Quote is a cached price evaluated against a policy.
type Quote struct {
	Key        domain.InstrumentKey `json:"key"`
	Price      decimal.Decimal      `json:"price"`
	Age        time.Duration        `json:"age"`
	Status     Status               `json:"status"`
	InsertedAt time.Time            `json:"inserted_at"`
}

// Usable reports whether the caller may act on this price.
func (q Quote) Usable() bool {
	return q.Status == StatusFresh || q.Status == StatusStale
}

// Lookup reads key and classifies it against p. Stale prices are returned
// with a warning log; unusable prices are returned too so the caller can
// decide how to escalate.
func (c *PriceCache) Lookup(key domain.InstrumentKey, p Policy) Quote {
	e, ok := c.Get(key)
	if !ok {
		return Quote{Key: key, Status: StatusAbsent}
	}
	age := c.age(e)
	q := Quote{Key: key, Price: e.Price, Age: age, Status: p.Classify(age), InsertedAt: e.InsertedAt}

	switch q.Status {
	case StatusStale:
		slog.Warn("Using stale cached price",
			slog.String("key", string(key)),
			slog.Duration("age", age),
			slog.String("price", e.Price.String()),
		)
	case StatusUnusable:
		slog.Warn("Cached price past max age",
			slog.String("key", string(key)),
			slog.Duration("age", age),
		)
	}
	return q
}
