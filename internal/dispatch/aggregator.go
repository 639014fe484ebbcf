package dispatch

import (
	"context"
	"sort"
	"sync"

	"market_feed/internal/domain"
)

// Aggregator keeps the latest tick and a tick count per instrument.
// It is registered as a consumer and read by the health endpoints.
type Aggregator struct {
	mu     sync.RWMutex
	latest map[domain.InstrumentKey]domain.Tick
	counts map[domain.InstrumentKey]uint64
	total  uint64
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latest: make(map[domain.InstrumentKey]domain.Tick),
		counts: make(map[domain.InstrumentKey]uint64),
	}
}

// Consume records tick.
func (a *Aggregator) Consume(_ context.Context, tick domain.Tick) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest[tick.Key] = tick
	a.counts[tick.Key]++
	a.total++
	return nil
}

// Latest returns the last tick seen for key.
func (a *Aggregator) Latest(key domain.InstrumentKey) (domain.Tick, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.latest[key]
	return t, ok
}

// Count returns how many ticks were seen for key.
func (a *Aggregator) Count(key domain.InstrumentKey) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counts[key]
}

// Len returns the number of instruments seen.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.latest)
}

// Total returns the number of ticks seen across all instruments.
func (a *Aggregator) Total() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.total
}

// All returns the latest tick of every instrument sorted by key.
func (a *Aggregator) All() []domain.Tick {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]domain.Tick, 0, len(a.latest))
	for _, t := range a.latest {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}
