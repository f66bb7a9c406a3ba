package http

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	applog "genspese/internal/log"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.backend.Ping(ctx); err != nil {
			applog.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", applog.NewFields().WithError(err).ToSlice()...)
			writeError(w, http.StatusServiceUnavailable, "backend unavailable")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

// handleMetrics writes one "name value" line per counter.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rl := s.rateLimiter.GetMetrics()
	sec := s.securityDetector.GetMetrics()
	tr := s.traceMiddleware.GetMetrics()
	pngStats := s.pngCache.Stats()

	counters := map[string]int64{
		"uptime_seconds":              int64(time.Since(s.appMetrics.uptime).Seconds()),
		"http_requests_total":         tr.TotalRequests,
		"http_server_errors_total":    tr.ServerErrors,
		"http_avg_response_ms":        tr.AverageResponseTime.Milliseconds(),
		"rate_limited_requests_total": rl.LimitedRequests,
		"rate_limit_clients":          rl.ClientCount,
		"suspicious_requests_total":   sec.SuspiciousRequests,
		"spoofed_forwarding_total":    sec.SpoofedForwarding,
		"tool_calls_total":            atomic.LoadInt64(&s.appMetrics.toolCalls),
		"tool_errors_total":           atomic.LoadInt64(&s.appMetrics.toolErrors),
		"chart_cache_hits_total":      pngStats.Hits,
		"chart_cache_misses_total":    pngStats.Misses,
		"chart_cache_entries":         int64(s.pngCache.Size()),
	}
	if s.ledger != nil {
		counters["ledger_expenses"] = int64(s.ledger.Snapshot().ExpenseCount())
	}
	if s.stream != nil {
		clients, dropped := s.stream.stats()
		counters["surface_stream_clients"] = int64(clients)
		counters["surface_stream_dropped_total"] = dropped
	}
	if s.extraMets != nil {
		for k, v := range s.extraMets(r.Context()) {
			counters[k] = v
		}
	}

	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, name := range names {
		fmt.Fprintf(w, "genspese_%s %d\n", name, counters[name])
	}
}
