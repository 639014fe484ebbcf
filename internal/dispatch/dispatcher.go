// Package dispatch fans decoded ticks out to registered consumers.
//
// Every consumer owns a bounded queue and a worker goroutine, so a slow or
// failing consumer never stalls the feed read loop or its siblings. Ticks
// reach each consumer in the order Dispatch was called.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"market_feed/internal/domain"
	"market_feed/internal/infra"
)

const (
	defaultQueueSize = 1024
	defaultTimeout   = 2 * time.Second
)

// Config bounds per-consumer resources.
type Config struct {
	QueueSize       int
	ConsumerTimeout time.Duration
}

// ConsumerStats is a per-consumer counter snapshot.
type ConsumerStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

type worker struct {
	name     string
	consumer domain.TickConsumer
	queue    chan domain.Tick
	done     chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Dispatcher is the handler registry.
type Dispatcher struct {
	cfg     Config
	metrics *infra.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	workers []*worker
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Dispatcher. metrics may be nil.
func New(cfg Config, metrics *infra.Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ConsumerTimeout <= 0 {
		cfg.ConsumerTimeout = defaultTimeout
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("module", "dispatch")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register attaches a named consumer and starts its worker.
func (d *Dispatcher) Register(name string, c domain.TickConsumer) error {
	if c == nil {
		return fmt.Errorf("register %q: nil consumer", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrStopped
	}
	for _, w := range d.workers {
		if w.name == name {
			return fmt.Errorf("register %q: duplicate consumer name", name)
		}
	}

	w := &worker{
		name:     name,
		consumer: c,
		queue:    make(chan domain.Tick, d.cfg.QueueSize),
		done:     make(chan struct{}),
	}
	d.workers = append(d.workers, w)
	go d.run(w)

	d.logger.Info("Consumer registered", slog.String("consumer", name), slog.Int("queue", d.cfg.QueueSize))
	return nil
}

// Dispatch hands tick to every consumer queue without blocking.
// A full queue drops the tick for that consumer only; the drop is logged
// and counted.
func (d *Dispatcher) Dispatch(tick domain.Tick) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	for _, w := range d.workers {
		select {
		case w.queue <- tick:
			d.metrics.RecordDispatched()
		default:
			w.dropped.Add(1)
			d.metrics.RecordDropped()
			d.logger.Warn("Tick dropped",
				slog.String("consumer", w.name),
				slog.Any("error", domain.ErrQueueFull),
				slog.String("key", string(tick.Key)),
				slog.Time("tick_ts", tick.ExchangeTime),
			)
		}
	}
}

func (d *Dispatcher) run(w *worker) {
	defer close(w.done)
	for tick := range w.queue {
		if err := d.deliver(w, tick); err != nil {
			w.failed.Add(1)
			d.metrics.RecordConsumerError()
			d.logger.Error("Consumer failed",
				slog.String("consumer", w.name),
				slog.String("key", string(tick.Key)),
				slog.Time("tick_ts", tick.ExchangeTime),
				slog.Any("error", err),
			)
			continue
		}
		w.delivered.Add(1)
	}
}

// deliver runs one consumer call under a deadline and converts panics and
// timeouts into a ConsumerError.
func (d *Dispatcher) deliver(w *worker, tick domain.Tick) (err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.ConsumerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &domain.ConsumerError{
				Consumer: w.name, Key: tick.Key, TickTime: tick.ExchangeTime,
				Err: fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if cerr := w.consumer.Consume(ctx, tick); cerr != nil {
		return &domain.ConsumerError{Consumer: w.name, Key: tick.Key, TickTime: tick.ExchangeTime, Err: cerr}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.ConsumerError{Consumer: w.name, Key: tick.Key, TickTime: tick.ExchangeTime, Err: ctx.Err()}
	}
	return nil
}

// Stats returns per-consumer counters in registration order.
func (d *Dispatcher) Stats() []ConsumerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ConsumerStats, len(d.workers))
	for i, w := range d.workers {
		out[i] = ConsumerStats{
			Name:      w.name,
			Delivered: w.delivered.Load(),
			Failed:    w.failed.Load(),
			Dropped:   w.dropped.Load(),
			Queued:    len(w.queue),
		}
	}
	return out
}

// Close stops accepting ticks and waits for queued ticks to drain until ctx
// expires. In-flight consumer calls are cancelled on expiry.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	workers := d.workers
	for _, w := range workers {
		close(w.queue)
	}
	d.mu.Unlock()

	defer d.cancel()
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			d.cancel()
			remaining := 0
			for _, rw := range workers {
				remaining += len(rw.queue)
			}
			d.logger.Warn("Dispatch drain timed out", slog.Int("undelivered", remaining))
			return fmt.Errorf("drain dispatch: %w", ctx.Err())
		}
	}
	d.logger.Info("Dispatcher drained", slog.Int("consumers", len(workers)))
	return nil
}
