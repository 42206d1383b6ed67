// Package edge is the HTTP cache tier that runs in front of the origin.
//
// GET responses are cached whole, keyed by normalized URL, and served until
// their max age elapses. There is no purge path: origin writes become
// visible at the edge once the cached response expires, so the staleness
// window equals the configured TTL. Other methods pass straight through.
package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/dinecache/pkg/logging"
	"github.com/Sternrassler/dinecache/pkg/origin"
)

// X-Cache values.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

var (
	edgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dinecache_edge_requests_total",
		Help: "Edge requests by cache result (hit, miss, uncacheable, bypass, error)",
	}, []string{"result"})

	edgePopulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dinecache_edge_populations_total",
		Help: "Background edge store writes by outcome (stored, error, dropped)",
	}, []string{"outcome"})
)

// Config controls the proxy.
type Config struct {
	// TTL is how long a response is served from the edge
	TTL time.Duration

	// MaxBodySize is the largest body kept, in bytes
	MaxBodySize int64

	// MaxPending bounds concurrent background populations
	MaxPending int

	// PopulateTimeout bounds one background store write
	PopulateTimeout time.Duration
}

// DefaultConfig returns the edge defaults: five minutes, 1 MiB bodies.
func DefaultConfig() Config {
	return Config{
		TTL:             300 * time.Second,
		MaxBodySize:     1 << 20,
		MaxPending:      64,
		PopulateTimeout: 5 * time.Second,
	}
}

// Proxy is a cache-aside http.Handler over an origin.
type Proxy struct {
	origin *origin.Client
	store  Store
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	group  errgroup.Group
	closed atomic.Bool
}

// New creates a proxy. Zero config fields take their defaults.
func New(client *origin.Client, store Store, cfg Config) *Proxy {
	if client == nil || store == nil {
		panic("edge proxy requires an origin client and a store")
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.PopulateTimeout <= 0 {
		cfg.PopulateTimeout = def.PopulateTimeout
	}

	p := &Proxy{
		origin: client,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.NewLogger("edge"),
	}
	p.group.SetLimit(cfg.MaxPending)
	return p
}

// SetClock replaces the clock used to stamp entries (for testing).
func (p *Proxy) SetClock(now func() time.Time) {
	p.now = now
}

// Store returns the edge store.
func (p *Proxy) Store() Store { return p.store }

// Config returns the effective configuration.
func (p *Proxy) Config() Config { return p.cfg }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		p.bypass(w, r)
		return
	}

	key := NormalizeKey(r)
	if entry, ok := p.store.Get(r.Context(), key); ok {
		edgeRequests.WithLabelValues("hit").Inc()
		p.logger.Debug().Str("path", r.URL.Path).Msg("Edge cache hit")
		writeEntry(w, r, entry, CacheHit)
		return
	}

	p.logger.Debug().Str("path", r.URL.Path).Msg("Edge cache miss, fetching from origin")
	resp, err := p.origin.Forward(r.Context(), r)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	if !ShouldStore(resp.StatusCode, resp.Header, max(resp.ContentLength, 0), p.cfg.MaxBodySize) {
		edgeRequests.WithLabelValues("uncacheable").Inc()
		stream(w, resp, CacheMiss)
		return
	}

	entry, err := ResponseToEntry(resp, p.now(), p.cfg.TTL, p.cfg.MaxBodySize)
	if errors.Is(err, ErrBodyTooLarge) {
		edgeRequests.WithLabelValues("uncacheable").Inc()
		stream(w, resp, CacheMiss)
		return
	}
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	edgeRequests.WithLabelValues("miss").Inc()
	entry.Header.Add("Cache-Control", SharedMaxAge(p.cfg.TTL))
	p.populate(r.Context(), key, entry.Clone())
	writeEntry(w, r, entry, CacheMiss)
}

// populate writes entry on the background pool. The write is detached from
// the request so a departed client does not cancel it.
func (p *Proxy) populate(parent context.Context, key string, entry *Entry) {
	if p.closed.Load() {
		edgePopulations.WithLabelValues("dropped").Inc()
		return
	}

	ctx := context.WithoutCancel(parent)
	started := p.group.TryGo(func() error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.PopulateTimeout)
		defer cancel()

		if err := p.store.Set(ctx, key, entry); err != nil {
			edgePopulations.WithLabelValues("error").Inc()
			p.logger.Warn().Err(err).Str("key", key).Msg("Failed to populate edge cache")
			return nil
		}
		edgePopulations.WithLabelValues("stored").Inc()
		return nil
	})
	if !started {
		edgePopulations.WithLabelValues("dropped").Inc()
		p.logger.Debug().Str("key", key).Msg("Population pool full, not caching")
	}
}

// Wait blocks until in-flight populations finish.
func (p *Proxy) Wait() {
	_ = p.group.Wait()
}

// Close stops scheduling populations and waits for those in flight.
func (p *Proxy) Close() error {
	p.closed.Store(true)
	return p.group.Wait()
}

func (p *Proxy) bypass(w http.ResponseWriter, r *http.Request) {
	resp, err := p.origin.Forward(r.Context(), r)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	edgeRequests.WithLabelValues("bypass").Inc()
	stream(w, resp, CacheBypass)
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	edgeRequests.WithLabelValues("error").Inc()

	status := http.StatusBadGateway
	var oe *origin.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &oe) && oe.StatusCode != 0:
		status = oe.StatusCode
	}

	p.logger.Warn().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Origin forward failed")
	http.Error(w, http.StatusText(status), status)
}

func writeEntry(w http.ResponseWriter, r *http.Request, entry *Entry, result string) {
	h := w.Header()
	copyHeader(h, entry.Header)
	h.Set("X-Cache", result)

	if result == CacheHit && entry.NotModified(r) {
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(entry.StatusCode)
	w.Write(entry.Body)
}

func stream(w http.ResponseWriter, resp *http.Response, result string) {
	defer resp.Body.Close()
	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.Header().Set("X-Cache", result)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// NormalizeKey returns the absolute URL identifying r in the edge store:
// lower-case scheme and host without a default port, a cleaned path that
// keeps its trailing slash, and the query sorted by parameter name.
func NormalizeKey(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if r.URL.Scheme != "" {
		scheme = strings.ToLower(r.URL.Scheme)
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	p := r.URL.EscapedPath()
	if p == "" {
		p = "/"
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}

	key := scheme + "://" + host + cleaned
	if q := sortedQuery(r.URL.RawQuery); q != "" {
		key += "?" + q
	}
	return key
}

func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	return values.Encode()
}
