package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"market_feed/internal/domain"
	"market_feed/internal/feed/sim"
	"market_feed/internal/infra/storage"

	"github.com/shopspring/decimal"
)

const testToken = "bootstrap-token"

func TestParseUniverse(t *testing.T) {
	in := `
# index options
NSE_FO|60965
NSE_FO|60966

  NSE_FO|60965
NSE_INDEX|Nifty 50
`
	keys, err := ParseUniverse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.InstrumentKey{"NSE_FO|60965", "NSE_FO|60966", "NSE_INDEX|Nifty 50"}
	if !slices.Equal(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}
}

func TestDiffUniverse(t *testing.T) {
	tests := []struct {
		name       string
		prev, next []domain.InstrumentKey
		want       []domain.InstrumentKey
	}{
		{name: "unchanged", prev: []domain.InstrumentKey{"a", "b"}, next: []domain.InstrumentKey{"b", "a"}},
		{name: "removed", prev: []domain.InstrumentKey{"a", "b", "c"}, next: []domain.InstrumentKey{"b"}, want: []domain.InstrumentKey{"a", "c"}},
		{name: "added only", prev: []domain.InstrumentKey{"a"}, next: []domain.InstrumentKey{"a", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := diffUniverse(tt.prev, tt.next); !slices.Equal(got, tt.want) {
				t.Errorf("diff = %v, want %v", got, tt.want)
			}
		})
	}
}

type simEnv struct {
	srv   *sim.Server
	wsURL string
	dir   string
}

func startSim(t *testing.T) *simEnv {
	t.Helper()
	srv := sim.NewServer(testToken)
	var handler http.Handler
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/feed"
	handler = srv.Handler(wsURL)
	t.Cleanup(func() {
		srv.DropAll()
		hs.Close()
	})
	return &simEnv{srv: srv, wsURL: wsURL, dir: t.TempDir()}
}

func (e *simEnv) writeConfig(t *testing.T, universe string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
feed:
  url: %s
  access_token: %s
subscription:
  batch_size: 2
  pace_interval: 1ms
reconnect:
  base_delay: 10ms
  max_delay: 50ms
%s
dispatch:
  drain_timeout: 2s
storage:
  enabled: true
  path: %s
journal:
  enabled: true
  path: %s
logging:
  level: warn
  dir: %s
`, e.wsURL, testToken, universe,
		filepath.Join(e.dir, "ticks.db"),
		filepath.Join(e.dir, "live_prices.jsonl"),
		filepath.Join(e.dir, "logs"))

	path := filepath.Join(e.dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return path
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

func TestBootstrap_RunAndShutdown(t *testing.T) {
	t.Setenv("FEED_ACCESS_TOKEN", "")
	t.Setenv("FEED_URL", "")
	env := startSim(t)
	path := env.writeConfig(t, `
universe:
  keys: ["NSE_FO|1", "NSE_FO|2", "NSE_FO|3"]
`)

	b := NewBootstrap(path)
	if err := b.LoadConfig(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	waitFor(t, "three subscribed keys", func() bool { return len(env.srv.Subscribed()) == 3 })
	waitFor(t, "CONNECTED", func() bool { return b.Controller.State() == domain.StateConnected })

	env.srv.Publish(domain.Tick{
		Key:          "NSE_FO|2",
		LastPrice:    decimal.RequireFromString("250.25"),
		ExchangeTime: time.Now(),
	})
	waitFor(t, "tick in aggregator", func() bool { return b.Aggregator.Count("NSE_FO|2") == 1 })

	if e, ok := b.Cache.Get("NSE_FO|2"); !ok || !e.Price.Equal(decimal.RequireFromString("250.25")) {
		t.Errorf("cache entry = %+v, %v", e, ok)
	}
	if snap := b.Reporter.Snapshot(); snap.Status != "ok" {
		t.Errorf("health status = %s", snap.Status)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := b.Controller.State(); got != domain.StateStopped {
		t.Errorf("state after shutdown = %s", got)
	}

	// The storage consumer was drained before the database closed.
	store, err := storage.NewStorage(filepath.Join(env.dir, "ticks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if n, _ := store.CountTicks(context.Background(), "NSE_FO|2"); n != 1 {
		t.Errorf("stored ticks = %d, want 1", n)
	}
	if data, _ := os.ReadFile(filepath.Join(env.dir, "live_prices.jsonl")); !strings.Contains(string(data), "250.25") {
		t.Errorf("journal missing tick: %s", data)
	}
}

func TestBootstrap_UniverseFromDB(t *testing.T) {
	t.Setenv("FEED_ACCESS_TOKEN", "")
	t.Setenv("FEED_URL", "")
	env := startSim(t)
	path := env.writeConfig(t, `
universe:
  from_db: true
`)

	b := NewBootstrap(path)
	if err := b.LoadConfig(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Initialize(ctx); !errors.Is(err, domain.ErrEmptyUniverse) {
		t.Fatalf("Initialize on empty table = %v, want ErrEmptyUniverse", err)
	}

	if _, err := b.Storage.ImportKeys(ctx, []domain.InstrumentKey{"NSE_FO|1", "NSE_FO|2", "NSE_FO|3"}); err != nil {
		t.Fatal(err)
	}
	b.Close()
	b = NewBootstrap(path)
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()
	waitFor(t, "three subscribed keys", func() bool { return len(env.srv.Subscribed()) == 3 })

	env.srv.Publish(domain.Tick{Key: "NSE_FO|1", LastPrice: decimal.NewFromInt(10), ExchangeTime: time.Now()})
	waitFor(t, "cached NSE_FO|1", func() bool { _, ok := b.Cache.Get("NSE_FO|1"); return ok })

	// Deactivate one key and add another.
	if err := b.Storage.SetActive(ctx, "NSE_FO|1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Storage.ImportKeys(ctx, []domain.InstrumentKey{"NSE_FO|4"}); err != nil {
		t.Fatal(err)
	}
	if err := b.RefreshUniverse(ctx); err != nil {
		t.Fatalf("RefreshUniverse failed: %v", err)
	}

	waitFor(t, "refreshed subscription", func() bool {
		return slices.Equal(env.srv.Subscribed(), []domain.InstrumentKey{"NSE_FO|2", "NSE_FO|3", "NSE_FO|4"})
	})
	if _, ok := b.Cache.Get("NSE_FO|1"); ok {
		t.Error("removed instrument should be forgotten by the cache")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
