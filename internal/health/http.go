package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"market_feed/internal/cache"
	"market_feed/internal/domain"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /health, /price, /ticks and /metrics.
type Server struct {
	reporter *Reporter
	cache    *cache.PriceCache
	policy   cache.Policy
	registry *prometheus.Registry
	srv      *http.Server
	logger   *slog.Logger
}

// NewServer builds the handlers. listen may be empty when only Handler is used.
func NewServer(listen string, r *Reporter, c *cache.PriceCache, policy cache.Policy) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(r),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		reporter: r,
		cache:    c,
		policy:   policy,
		registry: reg,
		logger:   slog.Default().With("module", "health"),
	}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /price", s.handlePrice)
	mux.HandleFunc("GET /ticks", s.handleTicks)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return domain.NewFatalNetworkError("listen", err)
	}
	s.logger.Info("Health server listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Health server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.reporter.Snapshot()
	code := http.StatusOK
	if !snap.Connected() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, snap)
}

// handlePrice serves the degraded-mode lookup. max_age tightens the server
// policy for a single request, e.g. /price?key=NSE_FO|60965&max_age=10s.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}

	policy := s.policy
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid max_age"})
			return
		}
		policy.MaxAge = d
		if policy.WarnAfter > d {
			policy.WarnAfter = d
		}
	}

	q := s.cache.Lookup(domain.InstrumentKey(key), policy)
	code := http.StatusOK
	switch q.Status {
	case cache.StatusAbsent:
		code = http.StatusNotFound
	case cache.StatusUnusable:
		code = http.StatusConflict
	}
	s.writeJSON(w, code, q)
}

// TickView is the /ticks?key= response.
type TickView struct {
	Tick  domain.Tick `json:"tick"`
	Count uint64      `json:"count"`
}

// TicksView is the /ticks response.
type TicksView struct {
	Total uint64        `json:"total"`
	Ticks []domain.Tick `json:"ticks"`
}

// handleTicks serves the last full tick per instrument. With key it returns
// that instrument's tick and count.
func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	src := s.reporter.ticks
	if src == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "tick aggregation disabled"})
		return
	}

	if key := domain.InstrumentKey(r.URL.Query().Get("key")); key != "" {
		t, ok := src.Latest(key)
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ticks for " + string(key)})
			return
		}
		s.writeJSON(w, http.StatusOK, TickView{Tick: t, Count: src.Count(key)})
		return
	}
	s.writeJSON(w, http.StatusOK, TicksView{Total: src.Total(), Ticks: src.All()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", slog.Any("error", err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
