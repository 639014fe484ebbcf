// Package health builds a read-only view of the feed pipeline.
//
// Snapshot never touches the socket and never blocks the read loop: feed
// counters are atomics, the cache is ranged without locks, and the
// coordinator and dispatcher only hold their mutexes long enough to copy
// counters.
package health

import (
	"time"

	"market_feed/internal/cache"
	"market_feed/internal/dispatch"
	"market_feed/internal/domain"
	"market_feed/internal/feed"
	"market_feed/internal/infra"
	"market_feed/internal/subscription"
)

// Overall status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

const defaultSampleSize = 20

// FeedSource exposes connection counters.
type FeedSource interface {
	Stats() feed.Stats
}

// SubscriptionSource exposes batch counters and permanent gaps.
type SubscriptionSource interface {
	Stats() subscription.Stats
	Gaps() []domain.SubscriptionGap
}

// DispatchSource exposes per-consumer counters.
type DispatchSource interface {
	Stats() []dispatch.ConsumerStats
}

// TickSource exposes the per-instrument tick history kept by the aggregator.
type TickSource interface {
	Latest(key domain.InstrumentKey) (domain.Tick, bool)
	Count(key domain.InstrumentKey) uint64
	Len() int
	Total() uint64
	All() []domain.Tick
}

// Config selects the staleness policy used to classify the sample.
type Config struct {
	Policy     cache.Policy
	SampleSize int
}

// Freshness is the age of one cached price.
type Freshness struct {
	Key        domain.InstrumentKey `json:"key"`
	AgeSeconds float64              `json:"age_seconds"`
	Status     cache.Status         `json:"status"`
}

// CacheStats summarises the price cache.
type CacheStats struct {
	Instruments int         `json:"instruments"`
	Writes      uint64      `json:"writes"`
	Stale       int         `json:"stale"`
	Unusable    int         `json:"unusable"`
	Stalest     []Freshness `json:"stalest"`
}

// TickStats counts ticks delivered to the aggregator.
type TickStats struct {
	Instruments int    `json:"instruments"`
	Total       uint64 `json:"total"`
}

// Snapshot is the full health view served on /health.
type Snapshot struct {
	Status       string                   `json:"status"`
	Connection   feed.Stats               `json:"connection"`
	Cache        CacheStats               `json:"cache"`
	Subscription subscription.Stats       `json:"subscription"`
	Gaps         []domain.SubscriptionGap `json:"gaps"`
	Ticks        TickStats                `json:"ticks"`
	Consumers    []dispatch.ConsumerStats `json:"consumers"`
	Pipeline     infra.MetricsSnapshot    `json:"pipeline"`
	At           time.Time                `json:"at"`
}

// Connected reports whether the feed is in steady state.
func (s Snapshot) Connected() bool {
	return s.Connection.State == domain.StateConnected
}

// Reporter assembles snapshots from the pipeline components.
type Reporter struct {
	cfg      Config
	feed     FeedSource
	subs     SubscriptionSource
	dispatch DispatchSource
	cache    *cache.PriceCache
	metrics  *infra.Metrics
	ticks    TickSource
	now      func() time.Time
}

// NewReporter wires a Reporter. subs, disp and metrics may be nil.
func NewReporter(cfg Config, fs FeedSource, subs SubscriptionSource, disp DispatchSource, c *cache.PriceCache, metrics *infra.Metrics) *Reporter {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = defaultSampleSize
	}
	if cfg.Policy == (cache.Policy{}) {
		cfg.Policy = cache.DefaultPolicy
	}
	return &Reporter{
		cfg:      cfg,
		feed:     fs,
		subs:     subs,
		dispatch: disp,
		cache:    c,
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithTicks adds the aggregator view to snapshots and the /ticks route.
func (r *Reporter) WithTicks(src TickSource) *Reporter {
	r.ticks = src
	return r
}

// Snapshot collects the current view.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Connection: r.feed.Stats(),
		At:         r.now(),
	}

	if r.cache != nil {
		s.Cache = r.cacheStats()
	}
	if r.subs != nil {
		s.Subscription = r.subs.Stats()
		s.Gaps = r.subs.Gaps()
	}
	if s.Gaps == nil {
		s.Gaps = []domain.SubscriptionGap{}
	}
	if r.dispatch != nil {
		s.Consumers = r.dispatch.Stats()
	}
	if r.ticks != nil {
		s.Ticks = TickStats{Instruments: r.ticks.Len(), Total: r.ticks.Total()}
	}
	if r.metrics != nil {
		s.Pipeline = r.metrics.Snapshot()
	}

	s.Status = classify(s)
	return s
}

func (r *Reporter) cacheStats() CacheStats {
	p := r.cfg.Policy
	cs := CacheStats{
		Instruments: r.cache.Len(),
		Writes:      r.cache.Writes(),
		Stalest:     []Freshness{},
	}
	if p.MaxAge > 0 {
		cs.Unusable = r.cache.CountOlderThan(p.MaxAge)
	}
	if p.WarnAfter > 0 {
		cs.Stale = r.cache.CountOlderThan(p.WarnAfter) - cs.Unusable
	}

	for _, a := range r.cache.Oldest(r.cfg.SampleSize) {
		cs.Stalest = append(cs.Stalest, Freshness{
			Key:        a.Key,
			AgeSeconds: a.Age.Seconds(),
			Status:     p.Classify(a.Age),
		})
	}
	return cs
}

// classify derives the overall status. Anything short of CONNECTED is down;
// a connected feed with gaps or stale prices is degraded.
func classify(s Snapshot) string {
	if !s.Connected() {
		return StatusDown
	}
	if len(s.Gaps) > 0 || s.Cache.Stale > 0 || s.Cache.Unusable > 0 {
		return StatusDegraded
	}
	for _, c := range s.Consumers {
		if c.Dropped > 0 {
			return StatusDegraded
		}
	}
	return StatusOK
}
