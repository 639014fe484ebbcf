package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"market_feed/internal/domain"
	"market_feed/internal/infra"

	"github.com/shopspring/decimal"
)

type recorder struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (r *recorder) Consume(_ context.Context, t domain.Tick) error {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []domain.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Tick(nil), r.ticks...)
}

func makeTick(key string, price int64) domain.Tick {
	return domain.Tick{
		Key:          domain.InstrumentKey(key),
		LastPrice:    decimal.NewFromInt(price),
		ExchangeTime: time.Unix(price, 0),
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestDispatcher_ConsumerIsolation(t *testing.T) {
	metrics := infra.NewMetrics()
	d := New(Config{QueueSize: 256, ConsumerTimeout: time.Second}, metrics)

	good := &recorder{}
	failing := domain.ConsumerFunc(func(context.Context, domain.Tick) error {
		return errors.New("store unavailable")
	})
	panicking := domain.ConsumerFunc(func(context.Context, domain.Tick) error {
		panic("boom")
	})

	if err := d.Register("failing", failing); err != nil {
		t.Fatal(err)
	}
	if err := d.Register("panicking", panicking); err != nil {
		t.Fatal(err)
	}
	if err := d.Register("good", good); err != nil {
		t.Fatal(err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		d.Dispatch(makeTick("A", int64(i)))
	}
	closeDispatcher(t, d)

	got := good.snapshot()
	if len(got) != n {
		t.Fatalf("Expected %d ticks, got %d", n, len(got))
	}
	for i, tick := range got {
		if !tick.LastPrice.Equal(decimal.NewFromInt(int64(i))) {
			t.Fatalf("tick %d out of order: %s", i, tick.LastPrice)
		}
	}

	stats := d.Stats()
	if stats[0].Failed != n || stats[1].Failed != n || stats[2].Delivered != n {
		t.Errorf("unexpected stats %+v", stats)
	}
	if s := metrics.Snapshot(); s.ConsumerErrors != 2*n || s.TicksDispatched != 3*n {
		t.Errorf("unexpected metrics %+v", s)
	}
}

func TestDispatcher_PerInstrumentOrder(t *testing.T) {
	d := New(Config{QueueSize: 1024}, nil)
	rec := &recorder{}
	if err := d.Register("rec", rec); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 300; i++ {
		d.Dispatch(makeTick(fmt.Sprintf("K%d", i%3), int64(i)))
	}
	closeDispatcher(t, d)

	last := map[domain.InstrumentKey]int64{}
	for _, tick := range rec.snapshot() {
		p := tick.LastPrice.IntPart()
		if prev, ok := last[tick.Key]; ok && p <= prev {
			t.Fatalf("%s: %d delivered after %d", tick.Key, p, prev)
		}
		last[tick.Key] = p
	}
}

func TestDispatcher_SlowConsumerTimesOut(t *testing.T) {
	d := New(Config{QueueSize: 8, ConsumerTimeout: 20 * time.Millisecond}, nil)

	slow := domain.ConsumerFunc(func(ctx context.Context, _ domain.Tick) error {
		<-ctx.Done()
		return ctx.Err()
	})
	fast := &recorder{}
	_ = d.Register("slow", slow)
	_ = d.Register("fast", fast)

	d.Dispatch(makeTick("A", 1))
	d.Dispatch(makeTick("A", 2))

	deadline := time.Now().Add(2 * time.Second)
	for len(fast.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(fast.snapshot()) != 2 {
		t.Fatal("fast consumer was blocked by slow consumer")
	}

	closeDispatcher(t, d)
	if s := d.Stats()[0]; s.Failed != 2 {
		t.Errorf("Expected 2 timeouts, got %+v", s)
	}
}

func TestDispatcher_QueueFullIsCounted(t *testing.T) {
	metrics := infra.NewMetrics()
	d := New(Config{QueueSize: 1, ConsumerTimeout: time.Second}, metrics)

	release := make(chan struct{})
	blocking := domain.ConsumerFunc(func(context.Context, domain.Tick) error {
		<-release
		return nil
	})
	_ = d.Register("blocking", blocking)

	for i := 0; i < 10; i++ {
		d.Dispatch(makeTick("A", int64(i)))
	}
	close(release)
	closeDispatcher(t, d)

	s := d.Stats()[0]
	if s.Dropped == 0 {
		t.Fatal("Expected drops with a full queue")
	}
	if s.Delivered+s.Dropped != 10 {
		t.Errorf("delivered %d + dropped %d != 10", s.Delivered, s.Dropped)
	}
	if metrics.Snapshot().TicksDropped != s.Dropped {
		t.Errorf("metrics drop count mismatch")
	}
}

func TestDispatcher_Register(t *testing.T) {
	d := New(Config{}, nil)
	if err := d.Register("a", &recorder{}); err != nil {
		t.Fatal(err)
	}
	if err := d.Register("a", &recorder{}); err == nil {
		t.Error("duplicate name should fail")
	}
	if err := d.Register("nil", nil); err == nil {
		t.Error("nil consumer should fail")
	}
	closeDispatcher(t, d)
	if err := d.Register("late", &recorder{}); !errors.Is(err, domain.ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	d.Dispatch(makeTick("A", 1)) // no panic after close
}

func TestDispatcher_CloseTimeout(t *testing.T) {
	d := New(Config{QueueSize: 4, ConsumerTimeout: time.Minute}, nil)
	stuck := domain.ConsumerFunc(func(ctx context.Context, _ domain.Tick) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_ = d.Register("stuck", stuck)
	d.Dispatch(makeTick("A", 1))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected drain timeout, got %v", err)
	}
}
