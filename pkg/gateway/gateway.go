// Package gateway is the enforcement proxy: it authenticates the caller,
// evaluates the presented mandate, and only then forwards the request to
// its target. Decisions are made before execution, so a denied agent's
// request never reaches the upstream at all.
//
// The gateway fails closed. A missing mandate, an unknown caller, or an
// unreadable policy denies the request; the one sanctioned relaxation is
// degraded mode, where a fresh-enough cached policy substitutes for an
// unreachable policy store and the response says so in its headers.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/garudex-labs/caracal/pkg/api"
	"github.com/garudex-labs/caracal/pkg/auth"
	"github.com/garudex-labs/caracal/pkg/authority"
	"github.com/garudex-labs/caracal/pkg/cache"
	"github.com/garudex-labs/caracal/pkg/compat"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/policy"
)

// Request headers read by the gateway.
const (
	HeaderTargetURL     = "X-Caracal-Target-URL"
	HeaderMandate       = "X-Caracal-Mandate"
	HeaderEstimatedCost = "X-Caracal-Estimated-Cost"
	HeaderNonce         = "X-Caracal-Nonce"
	HeaderTimestamp     = "X-Caracal-Timestamp"

	// HeaderAction and HeaderResource let SDKs name the logical action and
	// resource for scope matching. Absent, the gateway derives them from
	// the HTTP method and the target URL.
	HeaderAction   = "X-Caracal-Action"
	HeaderResource = "X-Caracal-Resource"
)

// Response headers set by the gateway.
const (
	HeaderDecision     = "X-Caracal-Decision"
	HeaderDegradedMode = "X-Caracal-Degraded-Mode"
	HeaderCacheAge     = "X-Caracal-Cache-Age"
	HeaderCacheWarning = "X-Caracal-Cache-Warning"
)

const (
	// DefaultReplayWindow bounds how old a timestamped request may be and
	// how long nonces are remembered.
	DefaultReplayWindow = 300 * time.Second

	// DefaultUpstreamTimeout bounds one forwarded request.
	DefaultUpstreamTimeout = 30 * time.Second

	// DefaultCurrency prices estimated costs that carry no currency.
	DefaultCurrency = "USD"
)

// Publisher is the slice of the bus producer the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// PolicySource loads the caller's active policy. The policy store
// satisfies it; the indirection exists so deployments can interpose a
// remote policy service without touching the decision path.
type PolicySource interface {
	Active(ctx context.Context, principalID string) (*policy.Policy, error)
}

// Server decides and forwards. Construct with NewServer, then serve
// Handler() or call Start.
type Server struct {
	mandates  *mandate.Store
	policies  PolicySource
	evaluator *authority.Evaluator
	keys      mandate.PublicKeyLookup
	cache     *cache.PolicyCache
	charges   *metering.Store
	publisher Publisher
	nonces    NonceStore
	chain     auth.Chain
	limiter   auth.LimiterStore
	limit     auth.Limit
	ipLimiter *api.GlobalRateLimiter
	legacy    *compat.Handler

	proxy           *httputil.ReverseProxy
	upstreamTimeout time.Duration
	replayWindow    time.Duration

	components map[string]func(context.Context) error
	statsFns   map[string]func(context.Context) any

	logger *slog.Logger
	clock  func() time.Time

	degradedRequests atomic.Int64
	decisions        atomic.Int64
	denials          atomic.Int64
}

// NewServer wires the decision path. The mandate store, policy store,
// evaluator and key lookup are required; cache, charges, publisher, nonces
// and limiter are optional and disable their feature when nil.
func NewServer(mandates *mandate.Store, policies PolicySource, evaluator *authority.Evaluator, keys mandate.PublicKeyLookup, chain auth.Chain, logger *slog.Logger) *Server {
	s := &Server{
		mandates:        mandates,
		policies:        policies,
		evaluator:       evaluator,
		keys:            keys,
		chain:           chain,
		upstreamTimeout: DefaultUpstreamTimeout,
		replayWindow:    DefaultReplayWindow,
		components:      make(map[string]func(context.Context) error),
		statsFns:        make(map[string]func(context.Context) any),
		logger:          logger.With(slog.String("component", "gateway")),
		clock:           time.Now,
	}
	s.proxy = &httputil.ReverseProxy{
		Director:       s.director,
		ModifyResponse: s.modifyResponse,
		ErrorHandler:   s.upstreamError,
	}
	return s
}

// WithCache enables degraded-mode fallback.
func (s *Server) WithCache(c *cache.PolicyCache) *Server {
	s.cache = c
	return s
}

// WithCharges enables provisional holds for estimated costs.
func (s *Server) WithCharges(c *metering.Store) *Server {
	s.charges = c
	return s
}

// WithPublisher enables decision and metering events.
func (s *Server) WithPublisher(p Publisher) *Server {
	s.publisher = p
	return s
}

// WithNonces enables replay protection for timestamped requests.
func (s *Server) WithNonces(n NonceStore) *Server {
	s.nonces = n
	return s
}

// WithRateLimit throttles callers through the given store.
func (s *Server) WithRateLimit(store auth.LimiterStore, limit auth.Limit) *Server {
	s.limiter = store
	s.limit = limit
	return s
}

// WithIPRateLimit sheds per-IP floods before authentication runs. The
// per-principal limit only engages after a successful signature check,
// so this is the layer that keeps credential stuffing off the chain.
func (s *Server) WithIPRateLimit(rl *api.GlobalRateLimiter) *Server {
	s.ipLimiter = rl
	return s
}

// WithCompat mounts the maintained v0.2 budget routes alongside the
// decision path. The proxy itself always enforces authority; the legacy
// routes only add answers for callers still speaking the old protocol.
func (s *Server) WithCompat(h *compat.Handler) *Server {
	s.legacy = h
	return s
}

// WithUpstreamTimeout overrides the forwarding deadline.
func (s *Server) WithUpstreamTimeout(d time.Duration) *Server {
	if d > 0 {
		s.upstreamTimeout = d
	}
	return s
}

// WithReplayWindow overrides the replay window.
func (s *Server) WithReplayWindow(d time.Duration) *Server {
	if d > 0 {
		s.replayWindow = d
	}
	return s
}

// WithComponent registers a health check shown under /health.
func (s *Server) WithComponent(name string, check func(context.Context) error) *Server {
	s.components[name] = check
	return s
}

// WithStatsSource registers an extra section of the /stats document.
func (s *Server) WithStatsSource(name string, fn func(context.Context) any) *Server {
	s.statsFns[name] = fn
	return s
}

// WithClock overrides clock for testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler assembles the middleware stack around the proxy. Correlation ids
// are attached first so even rejections carry one.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.legacy != nil {
		s.legacy.Register(mux)
	}
	mux.HandleFunc("/", s.handleProxy)

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(s.limiter, s.limit)(h)
	h = auth.Middleware(s.chain)(h)
	h = api.CorrelationMiddleware(h)
	if s.ipLimiter != nil {
		h = s.ipLimiter.Middleware(h)
	}
	return h
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	s.logger.Info("gateway listening", slog.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
