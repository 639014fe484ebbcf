package infra

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"market_feed/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		URL              string        `yaml:"url"`
		AuthorizeURL     string        `yaml:"authorize_url"`
		AccessToken      string        `yaml:"access_token"`
		Mode             string        `yaml:"mode"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`
		AuthTimeout      time.Duration `yaml:"auth_timeout"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
	} `yaml:"feed"`

	Reconnect struct {
		BaseDelay         time.Duration `yaml:"base_delay"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		Jitter            float64       `yaml:"jitter"`
		DNSProbeEvery     int           `yaml:"dns_probe_every"`
		FallbackResolvers []string      `yaml:"fallback_resolvers"`
	} `yaml:"reconnect"`

	Subscription struct {
		BatchSize    int           `yaml:"batch_size"`
		PaceInterval time.Duration `yaml:"pace_interval"`
		AckTimeout   time.Duration `yaml:"ack_timeout"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
	} `yaml:"subscription"`

	Universe struct {
		Keys            []string      `yaml:"keys"`
		File            string        `yaml:"file"`
		FromDB          bool          `yaml:"from_db"`
		RefreshInterval time.Duration `yaml:"refresh_interval"` // 0 disables reloading from_db
	} `yaml:"universe"`

	Cache struct {
		WarnAfter    time.Duration `yaml:"warn_after"`
		MaxAge       time.Duration `yaml:"max_age"`
		HealthSample int           `yaml:"health_sample"`
	} `yaml:"cache"`

	Dispatch struct {
		QueueSize       int           `yaml:"queue_size"`
		ConsumerTimeout time.Duration `yaml:"consumer_timeout"`
		DrainTimeout    time.Duration `yaml:"drain_timeout"`
	} `yaml:"dispatch"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Journal struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path"`
		SampleRate int    `yaml:"sample_rate"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"journal"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes YAML, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Feed.Mode == "" {
		c.Feed.Mode = domain.ModeFull
	}
	setDuration(&c.Feed.ConnectTimeout, 10*time.Second)
	setDuration(&c.Feed.AuthTimeout, 10*time.Second)
	setDuration(&c.Feed.HeartbeatTimeout, 60*time.Second)
	setDuration(&c.Feed.PingInterval, 30*time.Second)

	setDuration(&c.Reconnect.BaseDelay, 1*time.Second)
	setDuration(&c.Reconnect.MaxDelay, 60*time.Second)
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = 0.5
	}
	if c.Reconnect.DNSProbeEvery == 0 {
		c.Reconnect.DNSProbeEvery = 3
	}
	for i, r := range c.Reconnect.FallbackResolvers {
		if _, _, err := net.SplitHostPort(r); err != nil {
			c.Reconnect.FallbackResolvers[i] = net.JoinHostPort(r, "53")
		}
	}

	if c.Subscription.BatchSize == 0 {
		c.Subscription.BatchSize = 50
	}
	setDuration(&c.Subscription.PaceInterval, 500*time.Millisecond)
	setDuration(&c.Subscription.AckTimeout, 5*time.Second)
	setDuration(&c.Subscription.RetryDelay, 2*time.Second)

	setDuration(&c.Cache.WarnAfter, 30*time.Second)
	setDuration(&c.Cache.MaxAge, 5*time.Minute)
	if c.Cache.HealthSample == 0 {
		c.Cache.HealthSample = 20
	}

	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 4096
	}
	setDuration(&c.Dispatch.ConsumerTimeout, 2*time.Second)
	setDuration(&c.Dispatch.DrainTimeout, 5*time.Second)

	if c.Storage.Path == "" {
		c.Storage.Path = "data/ticks.db"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "logs/live_prices.jsonl"
	}
	if c.Journal.SampleRate == 0 {
		c.Journal.SampleRate = 1
	}
	if c.Journal.MaxSizeMB == 0 {
		c.Journal.MaxSizeMB = 50
	}
	if c.Journal.MaxBackups == 0 {
		c.Journal.MaxBackups = 3
	}
	setDuration(&c.Redis.TTL, 10*time.Minute)
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Feed.URL == "" || (!hasPrefix(c.Feed.URL, "ws://") && !hasPrefix(c.Feed.URL, "wss://")) {
		return &domain.ConfigError{Field: "feed.url", Err: fmt.Errorf("invalid feed WS URL: %q", c.Feed.URL)}
	}
	if c.Feed.AuthorizeURL != "" && !hasPrefix(c.Feed.AuthorizeURL, "http://") && !hasPrefix(c.Feed.AuthorizeURL, "https://") {
		return &domain.ConfigError{Field: "feed.authorize_url", Err: fmt.Errorf("invalid authorize URL: %q", c.Feed.AuthorizeURL)}
	}
	if strings.TrimSpace(c.Feed.AccessToken) == "" {
		return &domain.ConfigError{Field: "feed.access_token", Err: errors.New("access token is required (set FEED_ACCESS_TOKEN)")}
	}
	if !domain.ValidMode(c.Feed.Mode) {
		return &domain.ConfigError{Field: "feed.mode", Err: fmt.Errorf("unknown mode %q", c.Feed.Mode)}
	}

	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return &domain.ConfigError{Field: "reconnect.max_delay", Err: errors.New("must be >= base_delay")}
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return &domain.ConfigError{Field: "reconnect.jitter", Err: errors.New("must be within [0, 1]")}
	}
	if c.Reconnect.DNSProbeEvery < 0 {
		return &domain.ConfigError{Field: "reconnect.dns_probe_every", Err: errors.New("must not be negative")}
	}

	if c.Subscription.BatchSize < 1 {
		return &domain.ConfigError{Field: "subscription.batch_size", Err: errors.New("must be positive")}
	}
	if c.Cache.MaxAge < c.Cache.WarnAfter {
		return &domain.ConfigError{Field: "cache.max_age", Err: errors.New("must be >= warn_after")}
	}
	if c.Dispatch.QueueSize < 1 {
		return &domain.ConfigError{Field: "dispatch.queue_size", Err: errors.New("must be positive")}
	}
	if c.Universe.FromDB && !c.Storage.Enabled {
		return &domain.ConfigError{Field: "universe.from_db", Err: errors.New("requires storage.enabled")}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return &domain.ConfigError{Field: "redis.addr", Err: errors.New("required when redis is enabled")}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if token := os.Getenv("FEED_ACCESS_TOKEN"); token != "" {
		cfg.Feed.AccessToken = token
	}
	if url := os.Getenv("FEED_URL"); url != "" {
		cfg.Feed.URL = url
	}
	if pass := os.Getenv("FEED_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if level := os.Getenv("FEED_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// InstrumentKeys converts the configured universe into domain keys.
func (c *Config) InstrumentKeys() []domain.InstrumentKey {
	keys := make([]domain.InstrumentKey, 0, len(c.Universe.Keys))
	for _, k := range c.Universe.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, domain.InstrumentKey(k))
		}
	}
	return keys
}
