package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"market_feed/internal/cache"
	"market_feed/internal/dispatch"
	"market_feed/internal/domain"
	"market_feed/internal/feed"
	"market_feed/internal/health"
	"market_feed/internal/infra"
	"market_feed/internal/infra/journal"
	"market_feed/internal/infra/mirror"
	"market_feed/internal/infra/storage"
	"market_feed/internal/subscription"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config      *infra.Config
	Metrics     *infra.Metrics
	Cache       *cache.PriceCache
	Aggregator  *dispatch.Aggregator
	Dispatcher  *dispatch.Dispatcher
	Coordinator *subscription.Coordinator
	Controller  *feed.Controller
	Reporter    *health.Reporter
	Health      *health.Server
	Storage     *storage.Storage

	universe domain.UniverseSource
	closers  []func() error
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// LoadConfig loads configuration and installs the logger. It is separate from
// Initialize so CLI subcommands can reuse it without starting the feed.
func (b *Bootstrap) LoadConfig() error {
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))
	return nil
}

// OpenStorage opens the SQLite store if enabled.
func (b *Bootstrap) OpenStorage() error {
	if b.Storage != nil || !b.Config.Storage.Enabled {
		return nil
	}
	store, err := storage.NewStorage(b.Config.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	b.closers = append(b.closers, store.Close)
	slog.Info("✅ Database initialized", slog.String("path", b.Config.Storage.Path))
	return nil
}

// Initialize builds the pipeline. Nothing connects until Run.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping market feed...")

	if b.Config == nil {
		if err := b.LoadConfig(); err != nil {
			return err
		}
	}
	cfg := b.Config

	if err := b.OpenStorage(); err != nil {
		return err
	}

	// 1. Universe
	source, err := b.universeSource()
	if err != nil {
		return err
	}
	b.universe = source
	keys, err := source.InstrumentKeys(ctx)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	if len(keys) == 0 {
		return domain.ErrEmptyUniverse
	}

	// 2. Cache + dispatcher with consumers
	b.Metrics = infra.NewMetrics()
	b.Cache = cache.New()
	b.Aggregator = dispatch.NewAggregator()
	b.Dispatcher = dispatch.New(dispatch.Config{
		QueueSize:       cfg.Dispatch.QueueSize,
		ConsumerTimeout: cfg.Dispatch.ConsumerTimeout,
	}, b.Metrics)

	if err := b.registerConsumers(ctx); err != nil {
		return err
	}

	// 3. Subscription coordinator on the single writer path
	writer := feed.NewWriter()
	b.Coordinator = subscription.New(subscription.Config{
		BatchSize:    cfg.Subscription.BatchSize,
		Mode:         cfg.Feed.Mode,
		PaceInterval: cfg.Subscription.PaceInterval,
		AckTimeout:   cfg.Subscription.AckTimeout,
		RetryDelay:   cfg.Subscription.RetryDelay,
	}, writer)
	b.Coordinator.SetUniverse(keys)
	slog.Info("✅ Universe loaded", slog.Int("instruments", len(b.Coordinator.Universe())))

	// 4. Controller
	b.Controller = feed.NewController(feed.Config{
		URL:              cfg.Feed.URL,
		AuthorizeURL:     cfg.Feed.AuthorizeURL,
		AccessToken:      cfg.Feed.AccessToken,
		ConnectTimeout:   cfg.Feed.ConnectTimeout,
		AuthTimeout:      cfg.Feed.AuthTimeout,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
		PingInterval:     cfg.Feed.PingInterval,
		AckSweep:         cfg.Subscription.AckTimeout / 2,
		Backoff: feed.Backoff{
			Base:   cfg.Reconnect.BaseDelay,
			Max:    cfg.Reconnect.MaxDelay,
			Jitter: cfg.Reconnect.Jitter,
		},
		DNSProbeEvery: cfg.Reconnect.DNSProbeEvery,
	}, feed.Deps{
		Writer:     writer,
		Subscriber: b.Coordinator,
		Cache:      b.Cache,
		Dispatcher: b.Dispatcher,
		Prober:     feed.NewProber(cfg.Reconnect.FallbackResolvers, 0),
		Metrics:    b.Metrics,
	})

	// 5. Health
	policy := cache.Policy{WarnAfter: cfg.Cache.WarnAfter, MaxAge: cfg.Cache.MaxAge}
	b.Reporter = health.NewReporter(health.Config{
		Policy:     policy,
		SampleSize: cfg.Cache.HealthSample,
	}, b.Controller, b.Coordinator, b.Dispatcher, b.Cache, b.Metrics).WithTicks(b.Aggregator)
	if cfg.HTTP.Listen != "" {
		b.Health = health.NewServer(cfg.HTTP.Listen, b.Reporter, b.Cache, policy)
	}

	slog.Info("✅ Pipeline ready")
	return nil
}

func (b *Bootstrap) universeSource() (domain.UniverseSource, error) {
	cfg := b.Config
	switch {
	case cfg.Universe.FromDB:
		return b.Storage, nil
	case cfg.Universe.File != "":
		keys, err := ReadUniverseFile(cfg.Universe.File)
		if err != nil {
			return nil, err
		}
		return staticUniverse(keys), nil
	default:
		return staticUniverse(cfg.InstrumentKeys()), nil
	}
}

func (b *Bootstrap) registerConsumers(ctx context.Context) error {
	cfg := b.Config

	if err := b.Dispatcher.Register("aggregator", b.Aggregator); err != nil {
		return err
	}

	if b.Storage != nil {
		if err := b.Dispatcher.Register("storage", b.Storage); err != nil {
			return err
		}
	}

	if cfg.Journal.Enabled {
		j, err := journal.New(journal.Options{
			Path:       cfg.Journal.Path,
			SampleRate: cfg.Journal.SampleRate,
			MaxSizeMB:  cfg.Journal.MaxSizeMB,
			MaxBackups: cfg.Journal.MaxBackups,
		})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		b.closers = append(b.closers, j.Close)
		if err := b.Dispatcher.Register("journal", j); err != nil {
			return err
		}
	}

	if cfg.Redis.Enabled {
		m, err := mirror.New(ctx, mirror.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			// The mirror is optional; the feed runs without it.
			slog.Warn("Redis mirror disabled", slog.Any("error", err))
		} else {
			b.closers = append(b.closers, m.Close)
			if err := b.Dispatcher.Register("redis", m); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run starts the feed and blocks until ctx is cancelled, then shuts down.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.Controller.Start(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "✅ Feed controller started")

	if b.Health != nil {
		go func() {
			if err := b.Health.Serve(ctx); err != nil {
				slog.Error("Health server failed", slog.Any("error", err))
			}
		}()
	}

	if b.Config.Universe.FromDB && b.Config.Universe.RefreshInterval > 0 {
		go b.refreshLoop(ctx, b.Config.Universe.RefreshInterval)
	}

	slog.InfoContext(ctx, "✨ Market feed fully operational. Press Ctrl+C to exit.")
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	return b.Shutdown()
}

// refreshLoop reloads the universe periodically and applies the difference.
func (b *Bootstrap) refreshLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.RefreshUniverse(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Universe refresh failed", slog.Any("error", err))
			}
		}
	}
}

// RefreshUniverse reloads the universe source. Removed keys are unsubscribed
// and forgotten by the cache; new keys are subscribed if the feed is up.
func (b *Bootstrap) RefreshUniverse(ctx context.Context) error {
	next, err := b.universe.InstrumentKeys(ctx)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		return domain.ErrEmptyUniverse
	}

	removed := diffUniverse(b.Coordinator.Universe(), next)
	if len(removed) > 0 {
		if err := b.Coordinator.Unsubscribe(ctx, removed); err != nil {
			slog.Warn("Unsubscribe failed", slog.Int("keys", len(removed)), slog.Any("error", err))
		}
		for _, k := range removed {
			b.Cache.Forget(k)
		}
	}

	b.Coordinator.SetUniverse(next)
	if b.Controller.State() != domain.StateConnected {
		// The next session resubscribes the whole universe.
		return nil
	}
	return b.Coordinator.SubscribeAll(ctx)
}

// Shutdown stops the feed, drains consumers and closes resources.
func (b *Bootstrap) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.Config.Dispatch.DrainTimeout)
	defer cancel()

	var errs []error
	if b.Controller != nil {
		if err := b.Controller.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Coordinator != nil {
		b.Coordinator.Wait()
	}
	errs = append(errs, b.Close())
	return errors.Join(errs...)
}

// Close releases storage, journal and redis handles.
func (b *Bootstrap) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
