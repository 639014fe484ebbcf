// Package subscription keeps the server-side subscription set in line with
// the instrument universe.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market_feed/internal/domain"
	"market_feed/internal/feed/wire"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultBatchSize is the server's per-command instrument limit.
	DefaultBatchSize = 50
	defaultAck       = 5 * time.Second
	defaultRetry     = 2 * time.Second
	maxAttempts      = 2
)

// Sender writes one control payload to the live connection. Implementations
// serialize concurrent calls.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// Config controls batching and acknowledgment handling. A zero PaceInterval
// sends batches back to back.
type Config struct {
	BatchSize    int
	Mode         string
	PaceInterval time.Duration
	AckTimeout   time.Duration
	RetryDelay   time.Duration
}

// Stats is a counter snapshot for health reporting.
type Stats struct {
	Universe int    `json:"universe"`
	Pending  int    `json:"pending"`
	Acked    int    `json:"acked"`
	Gaps     int    `json:"gaps"`
	Sent     uint64 `json:"batches_sent"`
	Rejected uint64 `json:"batches_rejected"`
	Retried  uint64 `json:"batches_retried"`
	Stale    uint64 `json:"stale_acks"`
}

// Coordinator owns the instrument universe and the batches issued for it.
type Coordinator struct {
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	logger  *slog.Logger

	newID func() string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	universe []domain.InstrumentKey
	members  map[domain.InstrumentKey]struct{}
	batches  map[string]*domain.SubscriptionBatch
	active   map[domain.InstrumentKey]string // key -> PENDING/ACKED batch id
	gaps     map[domain.InstrumentKey]domain.SubscriptionGap
	epoch    uint64 // bumped whenever tracking is reset

	retries sync.WaitGroup

	sent     atomic.Uint64
	rejected atomic.Uint64
	retried  atomic.Uint64
	stale    atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep replaces the retry delay wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// WithIDs replaces the batch id generator.
func WithIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// New creates a Coordinator that sends through sender.
func New(cfg Config, sender Sender, opts ...Option) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeFull
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAck
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetry
	}

	limit := rate.Inf
	if cfg.PaceInterval > 0 {
		limit = rate.Every(cfg.PaceInterval)
	}

	c := &Coordinator{
		cfg:     cfg,
		sender:  sender,
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default().With(slog.String("module", "subscription")),
		newID:   uuid.NewString,
		now:     time.Now,
		sleep:   sleepCtx,
		batches: make(map[string]*domain.SubscriptionBatch),
		active:  make(map[domain.InstrumentKey]string),
		gaps:    make(map[domain.InstrumentKey]domain.SubscriptionGap),
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

// SetUniverse replaces the target instrument set. keys is copied; duplicates
// and empty keys are dropped, first occurrence order is kept. Recorded gaps
// are cleared so the next SubscribeAll retries them.
func (c *Coordinator) SetUniverse(keys []domain.InstrumentKey) {
	owned := make([]domain.InstrumentKey, 0, len(keys))
	seen := make(map[domain.InstrumentKey]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		owned = append(owned, k)
	}

	c.mu.Lock()
	c.universe = owned
	c.members = seen
	c.gaps = make(map[domain.InstrumentKey]domain.SubscriptionGap)
	c.mu.Unlock()

	c.logger.Info("Universe set", slog.Int("instruments", len(owned)))
}

// Universe returns a copy of the current universe.
func (c *Coordinator) Universe() []domain.InstrumentKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.InstrumentKey(nil), c.universe...)
}

// SubscribeAll sends every universe key that is neither in a live batch nor
// recorded as a gap. It returns after the last batch is written; acks are
// handled asynchronously through HandleAck.
func (c *Coordinator) SubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	missing := make([]domain.InstrumentKey, 0, len(c.universe))
	for _, k := range c.universe {
		if _, ok := c.active[k]; ok {
			continue
		}
		if _, ok := c.gaps[k]; ok {
			continue
		}
		missing = append(missing, k)
	}
	epoch := c.epoch
	c.mu.Unlock()

	return c.sendAll(ctx, missing, 1, epoch)
}

// Resubscribe forgets every batch and re-sends the entire universe. Used after
// a fresh connection: the server keeps no subscriptions across sockets.
func (c *Coordinator) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.batches = make(map[string]*domain.SubscriptionBatch)
	c.active = make(map[domain.InstrumentKey]string)
	keys := append([]domain.InstrumentKey(nil), c.universe...)
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Info("Resubscribing full universe", slog.Int("instruments", len(keys)))
	return c.sendAll(ctx, keys, 1, epoch)
}

// Split cuts keys into consecutive batches of at most size keys.
func Split(keys []domain.InstrumentKey, size int) [][]domain.InstrumentKey {
	if size <= 0 || len(keys) == 0 {
		return nil
	}
	out := make([][]domain.InstrumentKey, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end:end])
	}
	return out
}

func (c *Coordinator) sendAll(ctx context.Context, keys []domain.InstrumentKey, attempt int, epoch uint64) error {
	chunks := Split(keys, c.cfg.BatchSize)
	for i, chunk := range chunks {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.send(ctx, chunk, attempt, epoch); err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, len(chunks), err)
		}
	}
	if len(chunks) > 0 {
		c.logger.Info("Subscription batches sent",
			slog.Int("batches", len(chunks)),
			slog.Int("instruments", len(keys)),
			slog.Int("attempt", attempt),
		)
	}
	return nil
}

// send registers a PENDING batch for the keys that are still wanted and not
// already live, then writes it. A failed write rolls the batch back so the
// keys are picked up by the next SubscribeAll.
func (c *Coordinator) send(ctx context.Context, keys []domain.InstrumentKey, attempt int, epoch uint64) (*domain.SubscriptionBatch, error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return nil, nil
	}
	keys = c.retainedLocked(keys)
	if len(keys) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	b := &domain.SubscriptionBatch{
		ID:      c.newID(),
		Keys:    keys,
		Mode:    c.cfg.Mode,
		Attempt: attempt,
		Status:  domain.BatchPending,
		SentAt:  c.now(),
	}
	payload, err := wire.EncodeCommand(wire.NewCommand(b.ID, wire.MethodSub, b.Mode, b.Keys))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.batches[b.ID] = b
	for _, k := range b.Keys {
		c.active[k] = b.ID
	}
	c.mu.Unlock()

	if err := c.sender.Send(ctx, payload); err != nil {
		c.mu.Lock()
		c.dropLocked(b)
		c.mu.Unlock()
		return nil, err
	}
	c.sent.Add(1)
	c.logger.Debug("Batch sent", slog.String("batch", b.ID), slog.Int("keys", len(b.Keys)), slog.Int("attempt", attempt))
	return b, nil
}

func (c *Coordinator) dropLocked(b *domain.SubscriptionBatch) {
	delete(c.batches, b.ID)
	for _, k := range b.Keys {
		if c.active[k] == b.ID {
			delete(c.active, k)
		}
	}
}

// HandleAck applies a server response. Acks for unknown or already settled
// batches (superseded by a retry or a resubscribe) are ignored. A rejection
// schedules one retry on ctx; a rejected retry becomes a gap.
func (c *Coordinator) HandleAck(ctx context.Context, ack wire.Ack) {
	c.mu.Lock()
	b, ok := c.batches[ack.GUID]
	if !ok || b.Status != domain.BatchPending {
		c.mu.Unlock()
		c.stale.Add(1)
		c.logger.Debug("Ignoring stale ack", slog.String("batch", ack.GUID), slog.String("status", ack.Status))
		return
	}

	if ack.Accepted() {
		b.Status = domain.BatchAcked
		for _, k := range b.Keys {
			delete(c.gaps, k)
		}
		c.mu.Unlock()
		return
	}

	b.Status = domain.BatchFailed
	b.Reason = ack.Message
	if b.Reason == "" {
		b.Reason = ack.Status
	}
	c.dropLocked(b)
	keys := c.retainedLocked(b.Keys)
	epoch := c.epoch
	retry := b.Attempt < maxAttempts
	if !retry {
		at := c.now()
		for _, k := range keys {
			c.gaps[k] = domain.SubscriptionGap{Key: k, Reason: b.Reason, FailedAt: at}
		}
	}
	c.mu.Unlock()

	c.rejected.Add(1)
	err := &domain.SubscriptionError{BatchID: b.ID, Keys: len(b.Keys), Reason: b.Reason}
	if !retry {
		c.logger.Error("Subscription batch failed twice, recording gap",
			slog.Any("error", err), slog.Int("gaps", len(keys)))
		return
	}
	c.logger.Warn("Subscription batch rejected, retrying", slog.Any("error", err))

	c.retries.Add(1)
	go func() {
		defer c.retries.Done()
		if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
			return
		}
		if len(keys) == 0 {
			return
		}
		c.retried.Add(1)
		if _, err := c.send(ctx, keys, b.Attempt+1, epoch); err != nil {
			c.logger.Warn("Subscription retry not sent", slog.Any("error", err))
		}
	}()
}

// retainedLocked filters keys to those still in the universe and not already
// covered by another live batch.
func (c *Coordinator) retainedLocked(keys []domain.InstrumentKey) []domain.InstrumentKey {
	out := make([]domain.InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := c.members[k]; !ok {
			continue
		}
		if _, live := c.active[k]; live {
			continue
		}
		out = append(out, k)
	}
	return out
}

// ExpirePending marks batches that saw no rejection within the ack timeout
// as ACKED. It returns how many were settled.
func (c *Coordinator) ExpirePending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.AckTimeout)
	n := 0
	for _, b := range c.batches {
		if b.Status == domain.BatchPending && !b.SentAt.After(cutoff) {
			b.Status = domain.BatchAcked
			for _, k := range b.Keys {
				delete(c.gaps, k)
			}
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("Batches acknowledged by timeout", slog.Int("batches", n))
	}
	return n
}

// Unsubscribe removes keys from the universe and sends unsub commands for
// them in batches. Keys are dropped locally even if the send fails.
func (c *Coordinator) Unsubscribe(ctx context.Context, keys []domain.InstrumentKey) error {
	drop := make(map[domain.InstrumentKey]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	c.mu.Lock()
	kept := c.universe[:0:0]
	var removed []domain.InstrumentKey
	for _, k := range c.universe {
		if _, ok := drop[k]; ok {
			removed = append(removed, k)
			continue
		}
		kept = append(kept, k)
	}
	c.universe = kept
	for _, k := range removed {
		delete(c.members, k)
		if id, ok := c.active[k]; ok {
			if b := c.batches[id]; b != nil {
				b.Keys = without(b.Keys, k)
				if len(b.Keys) == 0 {
					delete(c.batches, id)
				}
			}
			delete(c.active, k)
		}
		delete(c.gaps, k)
	}
	c.mu.Unlock()

	for _, chunk := range Split(removed, c.cfg.BatchSize) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		payload, err := wire.EncodeCommand(wire.NewCommand(c.newID(), wire.MethodUnsub, "", chunk))
		if err != nil {
			return err
		}
		if err := c.sender.Send(ctx, payload); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	}
	if len(removed) > 0 {
		c.logger.Info("Instruments unsubscribed", slog.Int("instruments", len(removed)))
	}
	return nil
}

func without(keys []domain.InstrumentKey, k domain.InstrumentKey) []domain.InstrumentKey {
	out := keys[:0:0]
	for _, x := range keys {
		if x != k {
			out = append(out, x)
		}
	}
	return out
}

// Gaps returns instruments whose subscription failed twice, ordered by key.
func (c *Coordinator) Gaps() []domain.SubscriptionGap {
	c.mu.Lock()
	out := make([]domain.SubscriptionGap, 0, len(c.gaps))
	for _, g := range c.gaps {
		out = append(out, g)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats returns a counter snapshot.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Sent:     c.sent.Load(),
		Rejected: c.rejected.Load(),
		Retried:  c.retried.Load(),
		Stale:    c.stale.Load(),
	}
	c.mu.Lock()
	s.Universe = len(c.universe)
	s.Gaps = len(c.gaps)
	for _, b := range c.batches {
		switch b.Status {
		case domain.BatchPending:
			s.Pending++
		case domain.BatchAcked:
			s.Acked++
		}
	}
	c.mu.Unlock()
	return s
}

// Wait blocks until scheduled retries have finished or been cancelled.
func (c *Coordinator) Wait() {
	c.retries.Wait()
}
