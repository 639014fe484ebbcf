// Package cache holds the last known price of every instrument.
//
// Entries are overwritten in place and never expire. Staleness is a read-side
// decision: callers compare Freshness against their own Policy.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market_feed/internal/domain"

	"github.com/shopspring/decimal"
)

// Entry is the cached state of one instrument.
type Entry struct {
	Price        decimal.Decimal `json:"price"`
	ExchangeTime time.Time       `json:"exchange_ts"`
	InsertedAt   time.Time       `json:"inserted_at"`
}

// InstrumentAge pairs a key with the age of its cached price.
type InstrumentAge struct {
	Key domain.InstrumentKey `json:"key"`
	Age time.Duration        `json:"age"`
}

// PriceCache is a concurrent last-write-wins store keyed by instrument.
// Writes come from the feed read loop; any number of goroutines may read.
type PriceCache struct {
	entries sync.Map // domain.InstrumentKey -> *Entry
	size    atomic.Int64
	writes  atomic.Uint64
	now     func() time.Time
}

// Option configures a PriceCache.
type Option func(*PriceCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *PriceCache {
	c := &PriceCache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put overwrites the entry for key and returns what was stored.
// InsertedAt never moves backwards for a key, even if the clock does.
func (c *PriceCache) Put(key domain.InstrumentKey, price decimal.Decimal, exchangeTs time.Time) Entry {
	next := &Entry{Price: price, ExchangeTime: exchangeTs, InsertedAt: c.now()}
	c.writes.Add(1)

	for {
		prev, loaded := c.entries.LoadOrStore(key, next)
		if !loaded {
			c.size.Add(1)
			return *next
		}
		old := prev.(*Entry)
		if next.InsertedAt.Before(old.InsertedAt) {
			next.InsertedAt = old.InsertedAt
		}
		if c.entries.CompareAndSwap(key, old, next) {
			return *next
		}
	}
}

// Get returns the last price for key, or false if it was never set.
func (c *PriceCache) Get(key domain.InstrumentKey) (Entry, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return Entry{}, false
	}
	return *v.(*Entry), true
}

// Freshness returns the time since key was last written, or false if absent.
func (c *PriceCache) Freshness(key domain.InstrumentKey) (time.Duration, bool) {
	e, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	return c.age(e), true
}

func (c *PriceCache) age(e Entry) time.Duration {
	age := c.now().Sub(e.InsertedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Forget drops key. Only used for memory hygiene after an unsubscribe.
func (c *PriceCache) Forget(key domain.InstrumentKey) {
	if _, loaded := c.entries.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len returns the number of instruments with a cached price.
func (c *PriceCache) Len() int {
	return int(c.size.Load())
}

// Writes returns the total number of Put calls.
func (c *PriceCache) Writes() uint64 {
	return c.writes.Load()
}

// Consume lets the cache be registered as a tick consumer.
func (c *PriceCache) Consume(_ context.Context, tick domain.Tick) error {
	c.Put(tick.Key, tick.LastPrice, tick.ExchangeTime)
	return nil
}

// Oldest returns up to n instruments ordered from stalest to freshest.
// It ranges over the map without blocking writers.
func (c *PriceCache) Oldest(n int) []InstrumentAge {
	if n <= 0 {
		return nil
	}
	ages := make([]InstrumentAge, 0, c.Len())
	c.entries.Range(func(k, v any) bool {
		ages = append(ages, InstrumentAge{
			Key: k.(domain.InstrumentKey),
			Age: c.age(*v.(*Entry)),
		})
		return true
	})
	sort.Slice(ages, func(i, j int) bool {
		if ages[i].Age == ages[j].Age {
			return ages[i].Key < ages[j].Key
		}
		return ages[i].Age > ages[j].Age
	})
	if len(ages) > n {
		ages = ages[:n]
	}
	return ages
}

// CountOlderThan returns how many cached prices are older than d.
func (c *PriceCache) CountOlderThan(d time.Duration) int {
	n := 0
	c.entries.Range(func(_, v any) bool {
		if c.age(*v.(*Entry)) > d {
			n++
		}
		return true
	})
	return n
}
