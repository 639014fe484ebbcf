// Package mirror publishes the last traded price of every instrument to Redis
// so processes outside the feed can read it.
package mirror

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"market_feed/internal/domain"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces the per-instrument hashes.
const KeyPrefix = "ltp:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // hashes expire if the feed stops writing
}

// Mirror is a tick consumer writing one hash per instrument.
type Mirror struct {
	client redis.Cmdable
	closer func() error
	ttl    time.Duration
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.NewNetworkError("redis ping", err)
	}
	return &Mirror{client: client, closer: client.Close, ttl: opts.TTL}, nil
}

// NewWithClient wraps an existing client, e.g. a cluster or ring client.
func NewWithClient(client redis.Cmdable, ttl time.Duration) *Mirror {
	return &Mirror{client: client, ttl: ttl}
}

// Key returns the hash name for an instrument.
func Key(k domain.InstrumentKey) string {
	return KeyPrefix + string(k)
}

// Fields flattens a tick into hash fields. Timestamps are unix milliseconds.
func Fields(t domain.Tick) map[string]any {
	f := map[string]any{
		"ltp":         t.LastPrice.String(),
		"ltq":         strconv.FormatInt(t.LastQty, 10),
		"exchange_ts": strconv.FormatInt(t.ExchangeTime.UnixMilli(), 10),
		"inserted_ts": strconv.FormatInt(t.ReceivedAt.UnixMilli(), 10),
	}
	if !t.Bid.Price.IsZero() {
		f["bid"] = t.Bid.Price.String()
	}
	if !t.Ask.Price.IsZero() {
		f["ask"] = t.Ask.Price.String()
	}
	if t.Volume > 0 {
		f["volume"] = strconv.FormatInt(t.Volume, 10)
	}
	return f
}

// Consume writes the tick hash and refreshes its expiry in one round trip.
func (m *Mirror) Consume(ctx context.Context, tick domain.Tick) error {
	key := Key(tick.Key)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, Fields(tick))
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}

// Close closes the client if New created it.
func (m *Mirror) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}
