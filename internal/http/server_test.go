package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/audio"
	"genspese/internal/imagegen"
	"genspese/internal/ledger"
	applog "genspese/internal/log"
	"genspese/internal/surface"
	"genspese/internal/tools"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, backend ReadinessChecker) (*Server, *ledger.Ledger, *surface.Registry) {
	t.Helper()
	l := ledger.New()
	reg := surface.NewRegistry(surface.WithDialogDebounce(time.Hour))
	adapter := tools.NewAdapter(l, imagegen.Fallback{}, tools.WithSurfaces(reg))
	s := NewServer(":0", Dependencies{
		Ledger:   l,
		Registry: reg,
		Tools:    adapter,
		Backend:  backend,
		Logger:   applog.New(applog.Config{Output: io.Discard}),
	})
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s, l, reg
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := true
	s, _, _ := newTestServer(t, pingerFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("database is closed")
	}))

	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
	healthy = false
	if rec := do(t, s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing backend = %d", rec.Code)
	}
}

func TestResponsesCarryTraceAndSecurityHeaders(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/healthz", "")

	if got := rec.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("X-Request-ID = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestToolRoutes(t *testing.T) {
	s, l, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/tools", "")
	var list struct {
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(list.Tools) != 7 {
		t.Fatalf("tools = %v", list.Tools)
	}

	rec = do(t, s, http.MethodPost, "/tools/addCategory", `{"name":"Food & Drink","color":"#4CAF50"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("addCategory = %d: %s", rec.Code, rec.Body)
	}
	var cat tools.AddCategoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cat); err != nil || !cat.Success {
		t.Fatalf("addCategory body %s (%v)", rec.Body, err)
	}

	rec = do(t, s, http.MethodPost, "/tools/addExpense", `{"title":"Coffee","amount":"5,00","categoryId":"`+cat.CategoryID+`"}`)
	var exp tools.AddExpenseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &exp); err != nil || !exp.Success {
		t.Fatalf("addExpense body %s (%v)", rec.Body, err)
	}
	if exp.Total != 5 {
		t.Errorf("total = %v, want 5", exp.Total)
	}
	if got := l.Snapshot().ExpenseCount(); got != 1 {
		t.Errorf("ledger expenses = %d, want 1", got)
	}

	t.Run("empty body is treated as no arguments", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/tools/getAllExpenses", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("domain errors stay 200", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/tools/addExpense", `{"title":"Tea"}`)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"error"`) {
			t.Fatalf("got %d %s", rec.Code, rec.Body)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		if rec := do(t, s, http.MethodPost, "/tools/deleteEverything", "{}"); rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		if rec := do(t, s, http.MethodPost, "/tools/addCategory", "{"); rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestSurfaceRoutes(t *testing.T) {
	s, _, reg := newTestServer(t, nil)

	if rec := do(t, s, http.MethodPut, "/surfaces/total", `{"value":12.5}`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT total = %d: %s", rec.Code, rec.Body)
	}
	rec := do(t, s, http.MethodGet, "/surfaces/total", "")
	if rec.Code != http.StatusOK || rec.Body.String() != `{"value":12.5}` {
		t.Fatalf("GET total = %d %q", rec.Code, rec.Body)
	}

	if rec := do(t, s, http.MethodPut, "/surfaces/categories/c1", `{"name":"Food"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT category slot = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPut, "/surfaces/categories/c2", `{"name":"Fuel"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT category slot = %d", rec.Code)
	}
	do(t, s, http.MethodDelete, "/surfaces/categories/c1", "")
	if got := reg.Snapshot().Categories; len(got) != 1 || got["c2"] == nil {
		t.Fatalf("categories = %v", got)
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"unknown slot", http.MethodPut, "/surfaces/sidebar", `{}`, http.StatusNotFound},
		{"keyed slot via generic setter", http.MethodPut, "/surfaces/categories", `{}`, http.StatusBadRequest},
		{"invalid JSON", http.MethodPut, "/surfaces/chart", `not json`, http.StatusBadRequest},
		{"empty slot", http.MethodGet, "/surfaces/background", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, s, tt.method, tt.target, tt.body); rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.target, rec.Code, tt.want)
			}
		})
	}

	if rec := do(t, s, http.MethodDelete, "/surfaces", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /surfaces = %d", rec.Code)
	}
	snap := reg.Snapshot()
	if snap.Total != nil || len(snap.Categories) != 0 {
		t.Fatalf("surfaces not cleared: %+v", snap)
	}
}

func TestDialogDebounceReported(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	var resp struct {
		Accepted bool `json:"accepted"`
	}
	rec := do(t, s, http.MethodPut, "/surfaces/dialog", `{"text":"Added coffee"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.Accepted {
		t.Fatalf("first dialog: %s (%v)", rec.Body, err)
	}
	rec = do(t, s, http.MethodPut, "/surfaces/dialog", `{"text":"Added tea"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Accepted {
		t.Fatalf("second dialog should be debounced: %s (%v)", rec.Body, err)
	}

	do(t, s, http.MethodDelete, "/surfaces/dialog", "")
	rec = do(t, s, http.MethodPut, "/surfaces/dialog", `{"text":"Added tea"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.Accepted {
		t.Fatalf("dialog after clear: %s (%v)", rec.Body, err)
	}
}

func TestSurfaceStream(t *testing.T) {
	s, _, reg := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/surfaces/stream", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return ""
		}
	}

	if ev := next(); ev != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", ev)
	}
	if err := reg.Set(surface.Total, json.RawMessage(`{"value":1}`)); err != nil {
		t.Fatal(err)
	}
	if ev := next(); ev != "change" {
		t.Fatalf("second event = %q, want change", ev)
	}
}

func TestChartRoutes(t *testing.T) {
	s, l, _ := newTestServer(t, nil)

	if rec := do(t, s, http.MethodGet, "/chart.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("empty ledger chart = %d", rec.Code)
	}

	food := l.AddCategory("Food", "#4CAF50")
	fuel := l.AddCategory("Fuel", "#FF9800")
	l.AddExpense("Coffee", decimal.RequireFromString("5"), food.ID)
	l.AddExpense("Diesel", decimal.RequireFromString("60"), fuel.ID)

	rec := do(t, s, http.MethodGet, "/chart", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":65`) {
		t.Fatalf("chart data = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodGet, "/chart.png?kind=bar&width=400&height=300", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("chart png = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Fatal("body is not a PNG")
	}
	do(t, s, http.MethodGet, "/chart.png?kind=bar&width=400&height=300", "")
	if hits := s.pngCache.Stats().Hits; hits != 1 {
		t.Errorf("cache hits = %d, want 1", hits)
	}

	for _, q := range []string{"kind=radar", "width=0", "height=abc", "width=99999"} {
		if rec := do(t, s, http.MethodGet, "/chart.png?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", q, rec.Code)
		}
	}
}

func TestAudioWAV(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	le := binary.LittleEndian

	pcm := strings.Repeat("\x01\x00", 5000)
	rec := do(t, s, http.MethodPost, "/audio/wav", pcm)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	out := rec.Body.Bytes()
	if len(out) != audio.HeaderSize+len(pcm) || string(out[:4]) != "RIFF" {
		t.Fatalf("body = %d bytes, magic %q", len(out), out[:4])
	}
	if rate := le.Uint32(out[24:]); rate != audio.PlaybackSampleRate {
		t.Errorf("sample rate = %d", rate)
	}
	if n := le.Uint32(out[40:]); n != uint32(len(pcm)) {
		t.Errorf("data size = %d", n)
	}
	if string(out[audio.HeaderSize:]) != pcm {
		t.Error("streamed samples differ from upload")
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(out)) {
		t.Errorf("Content-Length = %s", got)
	}

	rec = do(t, s, http.MethodPost, "/audio/wav?source=capture", pcm)
	if rate := le.Uint32(rec.Body.Bytes()[24:]); rate != audio.DefaultCaptureSampleRate {
		t.Errorf("capture sample rate = %d", rate)
	}

	if rec := do(t, s, http.MethodPost, "/audio/wav", "\x01\x00\x02"); rec.Code != http.StatusBadRequest {
		t.Errorf("odd PCM length = %d, want 400", rec.Code)
	}
}

func TestAudioWAV_UnknownLength(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/audio/wav", io.NopCloser(strings.NewReader(body)))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		s.Handler.ServeHTTP(rec, req)
		return rec
	}

	pcm := strings.Repeat("\x02\x00", 3000)
	rec := send(pcm)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	out := rec.Body.Bytes()
	if n := binary.LittleEndian.Uint32(out[40:]); n != uint32(len(pcm)) || string(out[audio.HeaderSize:]) != pcm {
		t.Errorf("data size = %d, body %d bytes", n, len(out))
	}

	if rec := send("\x01\x00\x02"); rec.Code != http.StatusBadRequest {
		t.Errorf("odd PCM length = %d, want 400", rec.Code)
	}
}

func TestAudioWAV_DeclaredTooLarge(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/audio/wav", strings.NewReader(""))
	req.ContentLength = maxAudioBody + 2
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandlerLogFields(t *testing.T) {
	var buf bytes.Buffer
	l := ledger.New()
	reg := surface.NewRegistry(surface.WithDialogDebounce(time.Hour))
	s := NewServer(":0", Dependencies{
		Ledger:   l,
		Registry: reg,
		Tools:    tools.NewAdapter(l, imagegen.Fallback{}, tools.WithSurfaces(reg)),
		Logger:   applog.New(applog.Config{Level: slog.LevelDebug, Output: &buf}),
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	do(t, s, http.MethodPut, "/surfaces/total", `{"value":1}`)
	do(t, s, http.MethodPost, "/audio/wav", strings.Repeat("\x00", 48000))

	out := buf.String()
	for _, want := range []string{
		`msg="Surface updated"`, "slot=total", "operation=publish",
		`msg="Audio encoded"`, "component=audio", "operation=encode", "seconds=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestMetrics(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/tools/getAllExpenses", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	for _, want := range []string{"genspese_tool_calls_total 1", "genspese_ledger_expenses 0", "genspese_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRateLimit(t *testing.T) {
	l := ledger.New()
	s := NewServer(":0", Dependencies{
		Ledger:             l,
		RateLimitPerMinute: 2,
		Logger:             applog.New(applog.Config{Output: io.Discard}),
	})
	defer s.Shutdown(context.Background())

	for i := 0; i < 2; i++ {
		if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}
