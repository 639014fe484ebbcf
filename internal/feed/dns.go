package feed

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Resolver looks up host addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NamedResolver pairs a Resolver with the name used in logs and health.
type NamedResolver struct {
	Name     string
	Resolver Resolver
}

// ProbeResult is the outcome of one DNS health probe.
type ProbeResult struct {
	Host     string    `json:"host"`
	Addr     string    `json:"addr,omitempty"`
	Resolver string    `json:"resolver,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// OK reports whether any resolver answered.
func (r ProbeResult) OK() bool {
	return r.Addr != ""
}

// Prober resolves the feed host with the system resolver first and then an
// ordered list of fallbacks.
type Prober struct {
	resolvers []NamedResolver
	timeout   time.Duration
}

// NewProber builds a prober over the system resolver plus one pure-Go
// resolver per fallback address ("8.8.8.8:53").
func NewProber(fallbacks []string, timeout time.Duration) *Prober {
	rs := []NamedResolver{{Name: "system", Resolver: net.DefaultResolver}}
	for _, addr := range fallbacks {
		rs = append(rs, NamedResolver{Name: addr, Resolver: fallbackResolver(addr, timeout)})
	}
	return NewProberWith(rs, timeout)
}

// NewProberWith uses the given resolvers in order.
func NewProberWith(resolvers []NamedResolver, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{resolvers: resolvers, timeout: timeout}
}

func fallbackResolver(addr string, timeout time.Duration) *net.Resolver {
	d := net.Dialer{Timeout: timeout}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
	}
}

// Probe resolves host. The first resolver that returns an address wins.
func (p *Prober) Probe(ctx context.Context, host string) ProbeResult {
	res := ProbeResult{Host: host, At: time.Now()}
	if ip := net.ParseIP(host); ip != nil {
		res.Addr, res.Resolver = host, "literal"
		return res
	}

	var errs []error
	for _, r := range p.resolvers {
		lctx, cancel := context.WithTimeout(ctx, p.timeout)
		addrs, err := r.Resolver.LookupHost(lctx, host)
		cancel()
		if err == nil && len(addrs) > 0 {
			res.Addr, res.Resolver = addrs[0], r.Name
			if r.Name != "system" {
				slog.Warn("System DNS failed, using fallback resolver",
					slog.String("host", host),
					slog.String("resolver", r.Name),
					slog.String("addr", res.Addr),
				)
			}
			return res
		}
		if err == nil {
			err = errors.New(r.Name + ": no addresses")
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no resolvers configured"))
	}
	res.Err = errors.Join(errs...).Error()
	return res
}
