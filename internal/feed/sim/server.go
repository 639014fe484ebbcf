// Package sim is a local stand-in for the market data feed. It speaks the
// same wire formats and is used for development runs and tests.
package sim

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market_feed/internal/domain"
	"market_feed/internal/feed/wire"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[domain.InstrumentKey]struct{}
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Server accepts feed connections and answers subscription commands.
type Server struct {
	token    string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	commands []wire.Command
	reject   map[domain.InstrumentKey]int
	segments map[string]string

	connects atomic.Uint64
}

// NewServer creates a Server that requires "Bearer <token>".
func NewServer(token string) *Server {
	return &Server{
		token:    token,
		logger:   slog.Default().With(slog.String("module", "sim")),
		sessions: make(map[*session]struct{}),
		reject:   make(map[domain.InstrumentKey]int),
		segments: map[string]string{"NSE_FO": "NORMAL_OPEN", "NSE_EQ": "NORMAL_OPEN"},
	}
}

// Handler returns the mux: the feed socket at /feed and the authorize
// endpoint at /authorize. wsURL is what /authorize hands out.
func (s *Server) Handler(wsURL string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/feed", s)
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, `{"status":"error"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"authorizedRedirectUri": wsURL},
		})
	})
	return mux
}

// ServeHTTP upgrades one feed connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", slog.Any("error", err))
		return
	}

	sess := &session{conn: conn, subs: make(map[domain.InstrumentKey]struct{})}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	info := wire.NewFrameBuilder(wire.MarketInfoFeed).MarketInfo(s.segments).ServerTime(time.Now()).Bytes()
	s.mu.Unlock()
	s.connects.Add(1)

	if err := sess.write(websocket.BinaryMessage, info); err != nil {
		s.remove(sess)
		return
	}
	s.serve(sess)
}

func (s *Server) serve(sess *session) {
	defer s.remove(sess)
	for {
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := wire.DecodeCommand(msg)
		if err != nil {
			continue
		}
		ack := s.apply(sess, cmd)
		if b, err := wire.EncodeAck(ack); err == nil {
			_ = sess.write(websocket.TextMessage, b)
		}
	}
}

func (s *Server) apply(sess *session, cmd wire.Command) wire.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	ack := wire.Ack{GUID: cmd.GUID, Method: cmd.Method, Status: wire.StatusSuccess}
	for _, k := range cmd.Data.InstrumentKeys {
		key := domain.InstrumentKey(k)
		if n := s.reject[key]; n > 0 && cmd.Method == wire.MethodSub {
			s.reject[key] = n - 1
			ack.Status = "failed"
			ack.Message = "invalid instrument key: " + k
			return ack
		}
	}
	for _, k := range cmd.Data.InstrumentKeys {
		key := domain.InstrumentKey(k)
		switch cmd.Method {
		case wire.MethodSub:
			sess.subs[key] = struct{}{}
		case wire.MethodUnsub:
			delete(sess.subs, key)
		}
	}
	return ack
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	sess.conn.Close()
}

// RejectNext makes the next n subscribe commands containing key fail.
func (s *Server) RejectNext(key domain.InstrumentKey, n int) {
	s.mu.Lock()
	s.reject[key] = n
	s.mu.Unlock()
}

// Publish sends one live frame per session carrying the ticks that session
// subscribed to. It returns the number of sessions written to.
func (s *Server) Publish(ticks ...domain.Tick) int {
	type out struct {
		sess  *session
		frame []byte
	}
	var outs []out

	s.mu.Lock()
	for sess := range s.sessions {
		b := wire.NewFrameBuilder(wire.LiveFeed).ServerTime(time.Now())
		n := 0
		for _, t := range ticks {
			if _, ok := sess.subs[t.Key]; ok {
				b.Full(t)
				n++
			}
		}
		if n > 0 {
			outs = append(outs, out{sess, b.Bytes()})
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, o := range outs {
		if o.sess.write(websocket.BinaryMessage, o.frame) == nil {
			sent++
		}
	}
	return sent
}

// SendRaw writes payload as a binary message to every session.
func (s *Server) SendRaw(payload []byte) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.write(websocket.BinaryMessage, payload)
	}
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
		delete(s.sessions, sess)
	}
}

// Commands returns every command received, in order.
func (s *Server) Commands() []wire.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Command(nil), s.commands...)
}

// Subscribed returns the keys subscribed across open sessions, sorted.
func (s *Server) Subscribed() []domain.InstrumentKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[domain.InstrumentKey]struct{})
	for sess := range s.sessions {
		for k := range sess.subs {
			set[k] = struct{}{}
		}
	}
	out := make([]domain.InstrumentKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connects returns how many connections were accepted in total.
func (s *Server) Connects() uint64 {
	return s.connects.Load()
}

// Run publishes a random walk for every subscribed key each interval until
// ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	prices := make(map[domain.InstrumentKey]float64)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			keys := s.Subscribed()
			ticks := make([]domain.Tick, 0, len(keys))
			for _, k := range keys {
				p, ok := prices[k]
				if !ok {
					p = 50 + rand.Float64()*200
				}
				p *= 1 + (rand.Float64()-0.5)*0.002
				prices[k] = p
				ticks = append(ticks, randomTick(k, p, now))
			}
			if len(ticks) > 0 {
				s.Publish(ticks...)
			}
		}
	}
}

func randomTick(key domain.InstrumentKey, price float64, at time.Time) domain.Tick {
	px := decimal.NewFromFloat(price).Round(2)
	half := decimal.RequireFromString("0.05")
	return domain.Tick{
		Key:          key,
		LastPrice:    px,
		LastQty:      int64(1 + rand.Intn(10)*25),
		Volume:       int64(rand.Intn(1_000_000)),
		Bid:          domain.Quote{Price: px.Sub(half), Qty: int64(rand.Intn(500) + 1)},
		Ask:          domain.Quote{Price: px.Add(half), Qty: int64(rand.Intn(500) + 1)},
		ExchangeTime: at,
	}
}
