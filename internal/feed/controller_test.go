package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"market_feed/internal/cache"
	"market_feed/internal/dispatch"
	"market_feed/internal/domain"
	"market_feed/internal/feed/sim"
	"market_feed/internal/feed/wire"
	"market_feed/internal/infra"
	"market_feed/internal/subscription"

	"github.com/shopspring/decimal"
)

const testToken = "secret-token"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	srv     *sim.Server
	wsURL   string
	baseURL string
	clock   *clock
	cache   *cache.PriceCache
	agg     *dispatch.Aggregator
	coord   *subscription.Coordinator
	metrics *infra.Metrics
	ctrl    *Controller
}

func newHarness(t *testing.T, universe int, mutate func(h *harness, c *Config)) *harness {
	t.Helper()
	srv := sim.NewServer(testToken)

	var handler http.Handler
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/feed"
	handler = srv.Handler(wsURL)

	h := &harness{
		srv:     srv,
		wsURL:   wsURL,
		baseURL: hs.URL,
		clock:   &clock{now: time.Date(2024, 9, 9, 10, 0, 0, 0, time.UTC)},
		agg:     dispatch.NewAggregator(),
		metrics: infra.NewMetrics(),
	}
	h.cache = cache.New(cache.WithClock(h.clock.Now))

	writer := NewWriter()
	h.coord = subscription.New(subscription.Config{BatchSize: 50, Mode: domain.ModeFull, RetryDelay: 20 * time.Millisecond}, writer)
	h.coord.SetUniverse(testKeys(universe))

	disp := dispatch.New(dispatch.Config{QueueSize: 1024, ConsumerTimeout: time.Second}, h.metrics)
	if err := disp.Register("aggregator", h.agg); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		URL:              wsURL,
		AccessToken:      testToken,
		ConnectTimeout:   2 * time.Second,
		AuthTimeout:      2 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
		PingInterval:     time.Second,
		AckSweep:         50 * time.Millisecond,
		Backoff:          Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, Jitter: 0.5},
	}
	if mutate != nil {
		mutate(h, &cfg)
	}
	h.ctrl = NewController(cfg, Deps{
		Writer:     writer,
		Subscriber: h.coord,
		Cache:      h.cache,
		Dispatcher: disp,
		Metrics:    h.metrics,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.ctrl.Stop(ctx)
		h.coord.Wait()
		srv.DropAll()
		hs.Close()
	})
	return h
}

func testKeys(n int) []domain.InstrumentKey {
	keys := make([]domain.InstrumentKey, n)
	for i := range keys {
		keys[i] = domain.InstrumentKey(fmt.Sprintf("NSE_FO|%d", 40000+i))
	}
	if n > 0 {
		keys[0] = "A"
	}
	return keys
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func priceTick(key string, price string) domain.Tick {
	p := decimal.RequireFromString(price)
	return domain.Tick{
		Key:          domain.InstrumentKey(key),
		LastPrice:    p,
		Bid:          domain.Quote{Price: p, Qty: 1},
		Ask:          domain.Quote{Price: p, Qty: 1},
		ExchangeTime: time.Now().Truncate(time.Millisecond),
	}
}

func TestController_EndToEndReconnect(t *testing.T) {
	h := newHarness(t, 120, nil)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "connected with full universe", func() bool {
		return h.ctrl.State() == domain.StateConnected && len(h.srv.Subscribed()) == 120
	})
	cmds := h.srv.Commands()
	if len(cmds) != 3 {
		t.Fatalf("Expected 3 subscribe batches, got %d", len(cmds))
	}
	for i, want := range []int{50, 50, 20} {
		if got := len(cmds[i].Data.InstrumentKeys); got != want {
			t.Errorf("batch %d: %d keys, want %d", i, got, want)
		}
	}
	waitFor(t, "batches acked", func() bool { return h.coord.Stats().Acked == 3 })

	// T=0: tick for A at 100.0
	h.srv.Publish(priceTick("A", "100.0"))
	waitFor(t, "first tick cached", func() bool {
		_, ok := h.cache.Get("A")
		return ok
	})

	// T=1: socket drops
	h.clock.Advance(time.Second)
	h.srv.DropAll()

	// T=2: still disconnected or reconnecting; cached price survives
	h.clock.Advance(time.Second)
	e, ok := h.cache.Get("A")
	if !ok || !e.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("cached price lost during outage: %+v", e)
	}
	if age, _ := h.cache.Freshness("A"); age != 2*time.Second {
		t.Errorf("freshness = %v, want 2s", age)
	}

	// T=3: reconnects and resubscribes the whole universe
	h.clock.Advance(time.Second)
	waitFor(t, "second session", func() bool { return h.ctrl.Stats().Sessions == 2 })
	waitFor(t, "resubscribed", func() bool { return len(h.srv.Commands()) == 6 && len(h.srv.Subscribed()) == 120 })

	resent := map[string]bool{}
	for _, cmd := range h.srv.Commands()[3:] {
		for _, k := range cmd.Data.InstrumentKeys {
			resent[k] = true
		}
	}
	if len(resent) != 120 {
		t.Errorf("resubscribe covered %d keys, want 120", len(resent))
	}

	h.srv.Publish(priceTick("A", "101.5"))
	waitFor(t, "second tick cached", func() bool {
		e, _ := h.cache.Get("A")
		return e.Price.Equal(decimal.RequireFromString("101.5"))
	})
	if age, _ := h.cache.Freshness("A"); age != 0 {
		t.Errorf("freshness after new tick = %v, want 0", age)
	}
	waitFor(t, "aggregator saw both ticks", func() bool { return h.agg.Count("A") == 2 })

	s := h.ctrl.Stats()
	if s.NetworkErrors < 1 || s.ReconnectAttempts != 0 || s.ConsecutiveErrors != 0 {
		t.Errorf("unexpected stats after reconnect %+v", s)
	}
	if s.MarketInfo == nil || !s.MarketInfo.IsOpen("NSE_FO") {
		t.Errorf("market info not recorded: %+v", s.MarketInfo)
	}
}

func TestController_DecodeResilience(t *testing.T) {
	h := newHarness(t, 3, nil)
	_ = h.ctrl.Start(context.Background())
	waitFor(t, "subscribed", func() bool { return len(h.srv.Subscribed()) == 3 })

	h.srv.SendRaw([]byte{0x12, 0x7f, 0x01})
	h.srv.Publish(priceTick("A", "42.5"))

	waitFor(t, "valid tick after malformed frame", func() bool {
		e, ok := h.cache.Get("A")
		return ok && e.Price.Equal(decimal.RequireFromString("42.5"))
	})
	if n := h.metrics.Snapshot().DecodeErrors; n != 1 {
		t.Errorf("Expected 1 decode error, got %d", n)
	}
	if s := h.ctrl.Stats(); s.Sessions != 1 || s.State != domain.StateConnected {
		t.Errorf("malformed frame must not drop the connection: %+v", s)
	}
}

func TestController_GreeksOnlyUpdateKeepsCachedPrice(t *testing.T) {
	h := newHarness(t, 3, nil)
	_ = h.ctrl.Start(context.Background())
	waitFor(t, "subscribed", func() bool { return len(h.srv.Subscribed()) == 3 })

	h.srv.Publish(priceTick("A", "100.0"))
	waitFor(t, "A cached", func() bool { _, ok := h.cache.Get("A"); return ok })

	greeks := domain.Tick{Key: "A", Greeks: domain.Greeks{Delta: 0.5}, HasGreeks: true}
	h.srv.SendRaw(wire.NewFrameBuilder(wire.LiveFeed).OptionGreeks(greeks).Bytes())
	// Frames are handled in order, so once this tick is cached the greeks
	// frame has been applied.
	h.srv.Publish(priceTick("NSE_FO|40001", "7.5"))
	waitFor(t, "marker cached", func() bool { _, ok := h.cache.Get("NSE_FO|40001"); return ok })

	if e, _ := h.cache.Get("A"); !e.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("cached price for A = %s, want 100", e.Price)
	}
	waitFor(t, "marker aggregated", func() bool { return h.agg.Count("NSE_FO|40001") == 1 })
	if n := h.agg.Count("A"); n != 1 {
		t.Errorf("aggregator saw %d ticks for A, want 1", n)
	}
}

func TestController_AuthRejected(t *testing.T) {
	h := newHarness(t, 3, func(_ *harness, c *Config) { c.AccessToken = "wrong" })
	_ = h.ctrl.Start(context.Background())

	waitFor(t, "repeated auth failures", func() bool { return h.ctrl.Stats().AuthFailures >= 3 })
	s := h.ctrl.Stats()
	if s.Sessions != 0 {
		t.Errorf("rejected credential must never reach CONNECTED: %+v", s)
	}
	if !strings.Contains(s.LastError, "auth rejected (status 401)") {
		t.Errorf("last error = %q", s.LastError)
	}
	if h.srv.Connects() != 0 {
		t.Errorf("server accepted %d connections", h.srv.Connects())
	}
}

func TestController_AuthorizeURL(t *testing.T) {
	h := newHarness(t, 2, func(h *harness, c *Config) {
		c.URL = "ws://127.0.0.1:1/unused"
		c.AuthorizeURL = h.baseURL + "/authorize"
	})

	_ = h.ctrl.Start(context.Background())
	waitFor(t, "connected through authorized URL", func() bool {
		return h.ctrl.State() == domain.StateConnected
	})
}

func TestController_HeartbeatMissed(t *testing.T) {
	h := newHarness(t, 1, func(_ *harness, c *Config) {
		c.HeartbeatTimeout = 100 * time.Millisecond
		c.PingInterval = time.Hour
	})
	_ = h.ctrl.Start(context.Background())

	waitFor(t, "reconnect after silence", func() bool { return h.ctrl.Stats().Sessions >= 2 })
	if !strings.Contains(h.ctrl.Stats().LastError, domain.ErrHeartbeatMissed.Error()) {
		t.Errorf("last error = %q", h.ctrl.Stats().LastError)
	}
}

func TestController_RejectedBatchBecomesGap(t *testing.T) {
	h := newHarness(t, 60, nil)
	h.srv.RejectNext("A", 2)
	_ = h.ctrl.Start(context.Background())

	waitFor(t, "gap recorded", func() bool { return len(h.coord.Gaps()) > 0 })
	gaps := h.coord.Gaps()
	if len(gaps) != 50 {
		t.Errorf("Expected the 50 keys of the rejected batch as gaps, got %d", len(gaps))
	}
	if h.ctrl.State() != domain.StateConnected {
		t.Errorf("batch failures must not block CONNECTED, state %s", h.ctrl.State())
	}
}

func TestController_StartStop(t *testing.T) {
	h := newHarness(t, 1, nil)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	waitFor(t, "connected", func() bool { return h.ctrl.State() == domain.StateConnected })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.ctrl.State() != domain.StateStopped {
		t.Errorf("state = %s", h.ctrl.State())
	}
	select {
	case <-h.ctrl.Done():
	default:
		t.Error("connection loop still running after Stop")
	}
	if err := h.ctrl.writer.Send(context.Background(), []byte("{}")); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("send after stop = %v", err)
	}
}

// failingDialer records targets and always fails.
type failingDialer struct {
	mu      sync.Mutex
	targets []Target
}

func (d *failingDialer) Dial(_ context.Context, t Target) (Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, t)
	d.mu.Unlock()
	return nil, domain.NewNetworkError("dial", errors.New("connection refused"))
}

func (d *failingDialer) snapshot() []Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Target(nil), d.targets...)
}

func TestController_BackoffAndDNSProbe(t *testing.T) {
	dialer := &failingDialer{}
	prober := NewProberWith([]NamedResolver{
		{Name: "system", Resolver: &fakeResolver{err: errors.New("server misbehaving")}},
		{Name: "8.8.8.8:53", Resolver: &fakeResolver{addrs: []string{"203.0.113.9"}}},
	}, time.Second)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	ctrl := NewController(Config{
		URL:           "wss://feed.example.com/v3",
		AccessToken:   "t",
		Backoff:       Backoff{Base: time.Second, Max: 8 * time.Second, Jitter: 0.5},
		DNSProbeEvery: 3,
	}, Deps{Dialer: dialer, Prober: prober}, WithSleep(sleep), WithRand(func() float64 { return 0 }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = ctrl.Start(ctx)
	waitFor(t, "six attempts", func() bool { return len(dialer.snapshot()) >= 6 })
	cancel()
	<-ctrl.Done()

	mu.Lock()
	got := append([]time.Duration(nil), delays[:5]...)
	mu.Unlock()
	want := []time.Duration{1, 2, 4, 8, 8}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Errorf("delay %d = %v, want %v", i+1, got[i], want[i]*time.Second)
		}
	}

	targets := dialer.snapshot()
	for i := 0; i < 3; i++ {
		if len(targets[i].Hint) != 0 {
			t.Errorf("attempt %d used a hint before any probe", i+1)
		}
	}
	if h := targets[3].Hint; len(h) != 1 || h["feed.example.com"] != "203.0.113.9" {
		t.Errorf("attempt 4 hint = %+v", h)
	}
	if auth := targets[0].Header.Get("Authorization"); auth != "Bearer t" {
		t.Errorf("Authorization header = %q", auth)
	}

	s := ctrl.Stats()
	if s.LastProbe == nil || s.LastProbe.Resolver != "8.8.8.8:53" {
		t.Errorf("probe not recorded: %+v", s.LastProbe)
	}
	if s.ReconnectAttempts < 5 || s.NetworkErrors < 5 || s.ConsecutiveErrors != int64(s.NetworkErrors) {
		t.Errorf("unexpected stats %+v", s)
	}
}

// The system resolver cannot see any of the hosts; only the fallback can.
// The authorize call, and the redirect host it hands out, must both go
// through the fallback answer.
func TestController_FallbackDNSCoversAuthorize(t *testing.T) {
	srv := sim.NewServer(testToken)
	var handler http.Handler
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	port := hs.Listener.Addr().(*net.TCPAddr).Port
	handler = srv.Handler(fmt.Sprintf("ws://stream.feed.invalid:%d/feed", port))

	prober := NewProberWith([]NamedResolver{
		{Name: "system", Resolver: &fakeResolver{err: errors.New("no such host")}},
		{Name: "1.1.1.1:53", Resolver: &fakeResolver{addrs: []string{"127.0.0.1"}}},
	}, time.Second)

	ctrl := NewController(Config{
		URL:            fmt.Sprintf("ws://feed.invalid:%d/unused", port),
		AuthorizeURL:   fmt.Sprintf("http://api.feed.invalid:%d/authorize", port),
		AccessToken:    testToken,
		ConnectTimeout: time.Second,
		AuthTimeout:    time.Second,
		Backoff:        Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		DNSProbeEvery:  1,
	}, Deps{Prober: prober})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Stop(ctx)
		srv.DropAll()
		hs.Close()
	})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected through fallback DNS", func() bool {
		return ctrl.State() == domain.StateConnected
	})

	s := ctrl.Stats()
	if s.LastProbe == nil || s.LastProbe.Host != "stream.feed.invalid" || s.LastProbe.Resolver != "1.1.1.1:53" {
		t.Errorf("probe for the dialed host not recorded: %+v", s.LastProbe)
	}
	if srv.Connects() != 1 {
		t.Errorf("server saw %d connections, want 1", srv.Connects())
	}
}
