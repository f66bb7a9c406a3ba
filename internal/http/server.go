// Package http exposes the ledger tools, the surface registry, chart
// rendering and WAV framing over HTTP.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"genspese/internal/cache"
	"genspese/internal/core"
	applog "genspese/internal/log"
	"genspese/internal/middleware/ratelimit"
	"genspese/internal/middleware/security"
	"genspese/internal/middleware/trace"
	"genspese/internal/surface"
)

const (
	maxToolBody     = 1 << 20
	maxSurfaceBody  = 4 << 20
	maxAudioBody    = 16 << 20
	audioQueueDepth = 16

	pngCacheSize = 64
	pngCacheTTL  = 10 * time.Minute
)

// ToolCaller runs agent tool calls.
type ToolCaller interface {
	Names() []string
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// LedgerReader is the read side of the ledger.
type LedgerReader interface {
	Snapshot() core.LedgerSnapshot
}

// ReadinessChecker reports whether the persistence backend is usable.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies are injected by main.
type Dependencies struct {
	Ledger   LedgerReader
	Registry *surface.Registry
	Tools    ToolCaller
	// Backend may be nil for a pure in-memory setup.
	Backend ReadinessChecker
	// Metrics adds backend specific lines to /metrics; may be nil.
	Metrics func(ctx context.Context) map[string]int64

	CaptureSampleRate  int
	RateLimitPerMinute int
	Logger             *applog.Logger
}

type Server struct {
	http.Server

	ledger    LedgerReader
	registry  *surface.Registry
	tools     ToolCaller
	backend   ReadinessChecker
	extraMets func(ctx context.Context) map[string]int64
	logger    *applog.Logger

	captureRate int

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware

	// rendered chart PNGs keyed by options and data
	pngCache *cache.LRUCache[[]byte]

	stream *streamHub

	appMetrics appMetrics

	shutdownOnce sync.Once
}

type appMetrics struct {
	uptime     time.Time
	toolCalls  int64
	toolErrors int64
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	captureRate := deps.CaptureSampleRate
	if captureRate == 0 {
		captureRate = 16000
	}

	s := &Server{
		ledger:           deps.Ledger,
		registry:         deps.Registry,
		tools:            deps.Tools,
		backend:          deps.Backend,
		extraMets:        deps.Metrics,
		logger:           logger,
		captureRate:      captureRate,
		rateLimiter:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.RateLimitPerMinute}),
		securityDetector: security.NewDetector(),
		traceMiddleware:  trace.NewMiddleware(),
		pngCache:         cache.NewLRUCache[[]byte](pngCacheSize, pngCacheTTL),
		appMetrics:       appMetrics{uptime: time.Now()},
	}
	if deps.Registry != nil {
		s.stream = newStreamHub(deps.Registry, logger.Slog())
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /tools/{name}", s.handleCallTool)

	mux.HandleFunc("GET /surfaces", s.handleSurfaceSnapshot)
	mux.HandleFunc("DELETE /surfaces", s.handleClearAllSurfaces)
	mux.HandleFunc("GET /surfaces/stream", s.handleSurfaceStream)
	mux.HandleFunc("GET /surfaces/{slot}", s.handleGetSurface)
	mux.HandleFunc("PUT /surfaces/{slot}", s.handleSetSurface)
	mux.HandleFunc("DELETE /surfaces/{slot}", s.handleClearSurface)
	mux.HandleFunc("PUT /surfaces/dialog", s.handleSetDialog)
	mux.HandleFunc("DELETE /surfaces/categories", s.handleClearCategorySlots)
	mux.HandleFunc("PUT /surfaces/categories/{subId}", s.handleSetCategorySlot)
	mux.HandleFunc("DELETE /surfaces/categories/{subId}", s.handleClearCategorySlot)

	mux.HandleFunc("GET /chart", s.handleChartData)
	mux.HandleFunc("GET /chart.png", s.handleChartPNG)

	mux.HandleFunc("POST /audio/wav", s.handleAudioWAV)
}

// middleware wraps h outermost first: tracing, logging, security headers,
// scanner detection and rate limiting.
func (s *Server) middleware(h http.Handler) http.Handler {
	h = s.rateLimiter.Middleware(s.securityDetector.ExtractClientIP, s.onRateLimited)(h)
	h = s.detectSuspicious(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(security.NoStore(h))
	h = applog.AccessLog(s.securityDetector.ExtractClientIP)(h)
	h = applog.RequestIDMiddleware(trace.FromRequest)(h)
	h = applog.Middleware(s.logger)(h)
	return s.traceMiddleware.Middleware(h)
}

func (s *Server) detectSuspicious(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.securityDetector.DetectSuspiciousRequest(r) {
			applog.FromContext(r.Context()).WithComponent(applog.ComponentSecurity).WarnContext(r.Context(), "Suspicious request",
				applog.NewFields().
					WithClientIP(s.securityDetector.ExtractClientIP(r)).
					WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.UserAgent()).ToSlice()...)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}

// Caches returns the server caches for a cache.Manager.
func (s *Server) Caches() []cache.Cleaner {
	return []cache.Cleaner{s.pngCache}
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.stream != nil {
			s.stream.Close()
		}
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) countToolCall(failed bool) {
	atomic.AddInt64(&s.appMetrics.toolCalls, 1)
	if failed {
		atomic.AddInt64(&s.appMetrics.toolErrors, 1)
	}
}
