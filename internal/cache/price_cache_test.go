package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"market_feed/internal/domain"

	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 9, 9, 15, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestPriceCache_LastWriteWins(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	t1 := clock.Now()
	t2 := t1.Add(time.Second)
	c.Put("A", decimal.NewFromInt(100), t1)
	clock.Advance(time.Second)
	c.Put("A", decimal.RequireFromString("101.5"), t2)

	e, ok := c.Get("A")
	if !ok {
		t.Fatal("A should be cached")
	}
	if !e.Price.Equal(decimal.RequireFromString("101.5")) {
		t.Errorf("Expected 101.5, got %s", e.Price)
	}
	if !e.ExchangeTime.Equal(t2) {
		t.Errorf("Expected exchange time %v, got %v", t2, e.ExchangeTime)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}
	if c.Writes() != 2 {
		t.Errorf("Expected 2 writes, got %d", c.Writes())
	}
}

func TestPriceCache_Absent(t *testing.T) {
	c := New()

	if _, ok := c.Get("missing"); ok {
		t.Error("Get should report absent")
	}
	if _, ok := c.Freshness("missing"); ok {
		t.Error("Freshness should report absent")
	}
	if q := c.Lookup("missing", DefaultPolicy); q.Status != StatusAbsent || q.Usable() {
		t.Errorf("unexpected lookup %+v", q)
	}
}

func TestPriceCache_Freshness(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.Put("A", decimal.NewFromInt(100), clock.Now())
	clock.Advance(2 * time.Second)

	age, ok := c.Freshness("A")
	if !ok || age != 2*time.Second {
		t.Errorf("Freshness = %v, %v; want 2s, true", age, ok)
	}

	c.Put("A", decimal.NewFromInt(101), clock.Now())
	if age, _ := c.Freshness("A"); age != 0 {
		t.Errorf("Freshness after write = %v, want 0", age)
	}
}

func TestPriceCache_InsertTimeMonotonic(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	first := c.Put("A", decimal.NewFromInt(1), clock.Now())
	clock.Advance(-5 * time.Second) // wall clock stepped back
	second := c.Put("A", decimal.NewFromInt(2), clock.Now())

	if second.InsertedAt.Before(first.InsertedAt) {
		t.Errorf("InsertedAt moved backwards: %v -> %v", first.InsertedAt, second.InsertedAt)
	}
	if e, _ := c.Get("A"); !e.Price.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected latest price 2, got %s", e.Price)
	}
}

func TestPriceCache_Forget(t *testing.T) {
	c := New()
	c.Put("A", decimal.NewFromInt(1), time.Now())
	c.Forget("A")
	c.Forget("A")

	if c.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", c.Len())
	}
}

func TestPriceCache_Oldest(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.Put("A", decimal.NewFromInt(1), clock.Now())
	clock.Advance(10 * time.Second)
	c.Put("B", decimal.NewFromInt(2), clock.Now())
	clock.Advance(10 * time.Second)
	c.Put("C", decimal.NewFromInt(3), clock.Now())

	got := c.Oldest(2)
	if len(got) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(got))
	}
	if got[0].Key != "A" || got[0].Age != 20*time.Second {
		t.Errorf("unexpected first sample %+v", got[0])
	}
	if got[1].Key != "B" || got[1].Age != 10*time.Second {
		t.Errorf("unexpected second sample %+v", got[1])
	}
	if c.Oldest(0) != nil {
		t.Error("Oldest(0) should be nil")
	}
	if n := c.CountOlderThan(5 * time.Second); n != 2 {
		t.Errorf("CountOlderThan = %d, want 2", n)
	}
}

func TestPriceCache_Consume(t *testing.T) {
	c := New()
	tick := domain.Tick{Key: "NSE_FO|1", LastPrice: decimal.NewFromInt(42), ExchangeTime: time.Now()}

	if err := c.Consume(context.Background(), tick); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if e, ok := c.Get("NSE_FO|1"); !ok || !e.Price.Equal(decimal.NewFromInt(42)) {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestPriceCache_ConcurrentReadersAndWriter(t *testing.T) {
	c := New()
	keys := make([]domain.InstrumentKey, 50)
	for i := range keys {
		keys[i] = domain.InstrumentKey(fmt.Sprintf("NSE_FO|%d", i))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 2000; n++ {
			c.Put(keys[n%len(keys)], decimal.NewFromInt(int64(n)), time.Now())
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 2000; n++ {
				c.Get(keys[n%len(keys)])
				c.Oldest(5)
			}
		}()
	}
	wg.Wait()

	if c.Len() != len(keys) {
		t.Errorf("Expected %d entries, got %d", len(keys), c.Len())
	}
}
