// Package feed runs the market data connection: connect, authenticate,
// subscribe, read, and reconnect with backoff until stopped.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"market_feed/internal/cache"
	"market_feed/internal/domain"
	"market_feed/internal/feed/wire"
	"market_feed/internal/infra"

	"github.com/gorilla/websocket"
)

// Subscriber is the subscription side the controller drives.
type Subscriber interface {
	Resubscribe(ctx context.Context) error
	HandleAck(ctx context.Context, ack wire.Ack)
	ExpirePending() int
}

// Dispatcher receives every decoded tick.
type Dispatcher interface {
	Dispatch(tick domain.Tick)
	Close(ctx context.Context) error
}

// Config holds connection and reconnect settings.
type Config struct {
	URL              string
	AuthorizeURL     string
	AccessToken      string
	ConnectTimeout   time.Duration
	AuthTimeout      time.Duration
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	AckSweep         time.Duration
	Backoff          Backoff
	DNSProbeEvery    int
}

// Deps are the collaborators of a Controller. Metrics may be nil.
type Deps struct {
	Dialer     Dialer
	Writer     *Writer
	Subscriber Subscriber
	Cache      *cache.PriceCache
	Dispatcher Dispatcher
	Prober     *Prober
	Metrics    *infra.Metrics
}

// Option customizes a Controller, mostly for tests.
type Option func(*Controller)

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithRand replaces the jitter source.
func WithRand(rnd func() float64) Option {
	return func(c *Controller) { c.rand = rnd }
}

// WithClock replaces time.Now for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Stats is a lock-free snapshot of the controller counters.
type Stats struct {
	State             domain.ConnectionState `json:"state"`
	ReconnectAttempts int64                  `json:"reconnect_attempts"`
	ConsecutiveErrors int64                  `json:"consecutive_errors"`
	NetworkErrors     uint64                 `json:"network_errors"`
	AuthFailures      uint64                 `json:"auth_failures"`
	Sessions          uint64                 `json:"sessions"`
	LastError         string                 `json:"last_error,omitempty"`
	LastErrorAt       time.Time              `json:"last_error_at"`
	ConnectedSince    time.Time              `json:"connected_since"`
	MarketInfo        *domain.MarketInfo     `json:"market_info,omitempty"`
	LastProbe         *ProbeResult           `json:"last_dns_probe,omitempty"`
}

type failure struct {
	msg string
	at  time.Time
}

// Controller owns the connection state machine. One goroutine runs the whole
// connect/read cycle; state is only written from that goroutine and from
// Stop after it has exited.
type Controller struct {
	cfg        Config
	dialer     Dialer
	writer     *Writer
	subs       Subscriber
	cache      *cache.PriceCache
	dispatcher Dispatcher
	prober     *Prober
	authorizer *Authorizer
	metrics    *infra.Metrics
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	// Owned by the connection loop goroutine.
	hint         Hint
	redirectHost string

	state          atomic.Int32
	attempts       atomic.Int64
	consecutive    atomic.Int64
	networkErrors  atomic.Uint64
	authFailures   atomic.Uint64
	sessions       atomic.Uint64
	connectedSince atomic.Int64
	lastFailure    atomic.Pointer[failure]
	marketInfo     atomic.Pointer[domain.MarketInfo]
	lastProbe      atomic.Pointer[ProbeResult]

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewController wires a Controller. It does not connect until Start.
func NewController(cfg Config, deps Deps, opts ...Option) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.AckSweep <= 0 {
		cfg.AckSweep = time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = cfg.Backoff.Base
	}
	if deps.Dialer == nil {
		deps.Dialer = &WebsocketDialer{HandshakeTimeout: cfg.ConnectTimeout}
	}
	if deps.Writer == nil {
		deps.Writer = NewWriter()
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.NewMetrics()
	}

	c := &Controller{
		cfg:        cfg,
		dialer:     deps.Dialer,
		writer:     deps.Writer,
		subs:       deps.Subscriber,
		cache:      deps.Cache,
		dispatcher: deps.Dispatcher,
		prober:     deps.Prober,
		metrics:    deps.Metrics,
		logger:     slog.Default().With(slog.String("module", "feed")),
		now:        time.Now,
		sleep:      sleepCtx,
		done:       make(chan struct{}),
	}
	if cfg.AuthorizeURL != "" {
		c.authorizer = NewAuthorizer(cfg.AuthorizeURL, cfg.AccessToken, cfg.ConnectTimeout)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (c *Controller) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Controller) transition(from, to domain.ConnectionState) bool {
	if !domain.CanTransition(from, to) {
		return false
	}
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.logger.Debug("State change", slog.String("from", from.String()), slog.String("to", to.String()))
	return true
}

// Start moves DISCONNECTED → CONNECTING and runs the connection loop in the
// background until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	if !c.transition(domain.StateDisconnected, domain.StateConnecting) {
		return fmt.Errorf("start from state %s", c.State())
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	c.logger.Info("Feed controller started", slog.String("url", c.cfg.URL))
	return nil
}

// Stop cancels reconnects, closes the socket, drains dispatch within ctx, and
// moves to STOPPED. It is safe to call more than once.
func (c *Controller) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			c.writer.detach()
			select {
			case <-c.done:
			case <-ctx.Done():
				c.logger.Warn("Connection loop did not exit before shutdown deadline")
			}
		}
		if c.dispatcher != nil {
			err = c.dispatcher.Close(ctx)
		}
		c.metrics.SetConnected(false)
		c.state.Store(int32(domain.StateStopped))
		c.logger.Info("Feed controller stopped")
	})
	return err
}

// Done is closed when the connection loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Feed loop panic recovered", slog.Any("panic", r))
		}
	}()

	for {
		err := c.session(ctx)
		c.metrics.SetConnected(false)
		if ctx.Err() != nil {
			return
		}

		cur := c.State()
		if !c.transition(cur, domain.StateReconnecting) {
			return
		}
		c.recordFailure(err)

		attempt := int(c.attempts.Add(1))
		delay := c.cfg.Backoff.Delay(attempt, c.rand)
		c.logger.Warn("Feed connection lost, reconnecting",
			slog.Any("error", err),
			slog.String("from", cur.String()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		if c.prober != nil && c.cfg.DNSProbeEvery > 0 && attempt%c.cfg.DNSProbeEvery == 0 {
			c.hint = c.probe(ctx)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return
		}
		if !c.transition(domain.StateReconnecting, domain.StateConnecting) {
			return
		}
	}
}

func (c *Controller) recordFailure(err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	c.consecutive.Add(1)

	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		c.authFailures.Add(1)
		c.logger.Error("Feed credential rejected; retrying with the same token",
			slog.Any("error", err),
			slog.Uint64("auth_failures", c.authFailures.Load()),
		)
	} else {
		c.networkErrors.Add(1)
	}
	c.lastFailure.Store(&failure{msg: err.Error(), at: c.now()})
}

// probe resolves every host a connection attempt touches: the authorize
// endpoint, the configured feed URL and the last redirect host. The result
// for the feed host is kept for health.
func (c *Controller) probe(ctx context.Context) Hint {
	var hint Hint
	for _, host := range c.dialHosts() {
		res := c.probeHost(ctx, host)
		if host == c.feedHost() {
			c.lastProbe.Store(&res)
		}
		if res.OK() {
			hint = hint.With(host, res.Addr)
		}
	}
	return hint
}

func (c *Controller) probeHost(ctx context.Context, host string) ProbeResult {
	res := c.prober.Probe(ctx, host)
	if !res.OK() {
		c.logger.Warn("DNS probe failed on all resolvers", slog.String("host", host), slog.String("error", res.Err))
		return res
	}
	c.logger.Info("DNS probe", slog.String("host", host), slog.String("addr", res.Addr), slog.String("resolver", res.Resolver))
	return res
}

// feedHost is the host the socket is dialed on.
func (c *Controller) feedHost() string {
	if c.redirectHost != "" {
		return c.redirectHost
	}
	return hostOf(c.cfg.URL)
}

func (c *Controller) dialHosts() []string {
	var hosts []string
	for _, h := range []string{hostOf(c.cfg.AuthorizeURL), hostOf(c.cfg.URL), c.redirectHost} {
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// session runs one connection from dial to disconnect.
func (c *Controller) session(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.writer.detach()

	if !c.transition(domain.StateConnecting, domain.StateAuthenticating) {
		return domain.ErrStopped
	}
	mt, first, err := c.authenticate(conn)
	if err != nil {
		return err
	}

	if !c.transition(domain.StateAuthenticating, domain.StateSubscribing) {
		return domain.ErrStopped
	}
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.handleMessage(sessCtx, mt, first)
	if c.subs != nil {
		if err := c.subs.Resubscribe(sessCtx); err != nil {
			return domain.NewNetworkError("subscribe", err)
		}
	}

	if !c.transition(domain.StateSubscribing, domain.StateConnected) {
		return domain.ErrStopped
	}
	c.onConnected()

	go c.maintain(sessCtx)
	return c.readLoop(sessCtx, conn)
}

func (c *Controller) connect(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target := Target{
		URL:    c.cfg.URL,
		Header: http.Header{},
		Hint:   c.hint,
	}
	if c.authorizer != nil {
		u, err := c.authorizer.Authorize(dialCtx, c.hint)
		if err != nil {
			return nil, err
		}
		target.URL = u
		c.redirectHost = hostOf(u)

		// While fallback DNS is in use, a redirect to a new host is resolved
		// the same way before dialing.
		if h := c.redirectHost; len(c.hint) > 0 && h != "" && c.hint[h] == "" && c.prober != nil {
			res := c.probeHost(dialCtx, h)
			c.lastProbe.Store(&res)
			if res.OK() {
				c.hint = c.hint.With(h, res.Addr)
				target.Hint = c.hint
			}
		}
	}
	target.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	target.Header.Set("Accept", "*/*")

	conn, err := c.dialer.Dial(dialCtx, target)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return nil, domain.NewNetworkError("connect", fmt.Errorf("timed out after %s: %w", c.cfg.ConnectTimeout, err))
		}
		return nil, err
	}
	c.writer.attach(conn)
	return conn, nil
}

// authenticate waits for the first server message. The feed only starts
// streaming once the credential is accepted; a close or silence within
// AuthTimeout counts as a rejection.
func (c *Controller) authenticate(conn Conn) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout)); err != nil {
		return 0, nil, domain.NewNetworkError("auth", err)
	}
	mt, payload, err := conn.ReadMessage()
	if err == nil {
		return mt, payload, nil
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return 0, nil, &domain.AuthError{Err: domain.ErrAuthTimeout}
	case websocket.IsCloseError(err, websocket.ClosePolicyViolation):
		return 0, nil, &domain.AuthError{Err: err}
	default:
		return 0, nil, domain.NewNetworkError("auth", err)
	}
}

func (c *Controller) onConnected() {
	n := c.sessions.Add(1)
	c.attempts.Store(0)
	c.consecutive.Store(0)
	c.connectedSince.Store(c.now().UnixNano())
	c.metrics.SetConnected(true)
	if n > 1 {
		c.logger.Info("Feed reconnected", slog.Uint64("session", n))
	} else {
		c.logger.Info("Feed connected")
	}
}

// maintain pings the server and settles subscription batches that saw no
// rejection in time.
func (c *Controller) maintain(ctx context.Context) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	sweep := time.NewTicker(c.cfg.AckSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.writer.Ping(); err != nil {
				c.logger.Debug("Ping failed", slog.Any("error", err))
			}
		case <-sweep.C:
			if c.subs != nil {
				c.subs.ExpirePending()
			}
		}
	}
}

func (c *Controller) readLoop(ctx context.Context, conn Conn) error {
	hb := c.cfg.HeartbeatTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hb))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(hb)); err != nil {
			return domain.NewNetworkError("read", err)
		}
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return domain.NewNetworkError("read", domain.ErrHeartbeatMissed)
			}
			return domain.NewNetworkError("read", err)
		}
		c.handleMessage(ctx, mt, payload)
	}
}

// handleMessage routes one inbound message. Nothing here returns an error:
// bad frames are counted and dropped.
func (c *Controller) handleMessage(ctx context.Context, messageType int, payload []byte) {
	start := time.Now()

	if messageType == websocket.TextMessage || wire.IsControl(payload) {
		ack, err := wire.DecodeAck(payload)
		if err != nil {
			c.metrics.RecordDecodeError()
			c.logger.Debug("Dropping control message", slog.Any("error", err))
			return
		}
		c.metrics.RecordControl()
		if c.subs != nil {
			c.subs.HandleAck(ctx, ack)
		}
		return
	}

	frame, err := wire.DecodeFrame(payload, c.now())
	if err != nil {
		c.metrics.RecordDecodeError()
		c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
		return
	}

	if frame.MarketInfo != nil {
		c.marketInfo.Store(frame.MarketInfo)
		c.logger.Info("Market status", slog.Any("segments", frame.MarketInfo.Segments))
	}
	if frame.Skipped > 0 {
		c.logger.Debug("Skipped feeds without a last price", slog.Int("count", frame.Skipped))
	}
	for _, tick := range frame.Ticks {
		if c.cache != nil {
			c.cache.Put(tick.Key, tick.LastPrice, tick.ExchangeTime)
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(tick)
		}
	}
	c.metrics.RecordTicks(len(frame.Ticks))
	c.metrics.RecordFrame(time.Since(start).Nanoseconds())
}

// Stats returns the current counters. It only performs atomic loads.
func (c *Controller) Stats() Stats {
	s := Stats{
		State:             c.State(),
		ReconnectAttempts: c.attempts.Load(),
		ConsecutiveErrors: c.consecutive.Load(),
		NetworkErrors:     c.networkErrors.Load(),
		AuthFailures:      c.authFailures.Load(),
		Sessions:          c.sessions.Load(),
		MarketInfo:        c.marketInfo.Load(),
		LastProbe:         c.lastProbe.Load(),
	}
	if f := c.lastFailure.Load(); f != nil {
		s.LastError, s.LastErrorAt = f.msg, f.at
	}
	if s.State == domain.StateConnected {
		if ns := c.connectedSince.Load(); ns > 0 {
			s.ConnectedSince = time.Unix(0, ns)
		}
	}
	return s
}
