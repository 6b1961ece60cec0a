package forward

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"streamgate/internal/config"
	"streamgate/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newGateway assembles an Echo instance with the forwarding engine mounted
// pre-router, the way the server wires it in production.
func newGateway(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	if cfg.Upstream.ConnectTimeoutMs == 0 {
		cfg.Upstream.ConnectTimeoutMs = 1000
	}
	if cfg.Upstream.TotalTimeoutMs == 0 {
		cfg.Upstream.TotalTimeoutMs = 5000
	}
	if cfg.Upstream.IdleConnections == 0 {
		cfg.Upstream.IdleConnections = 4
	}

	table, err := routing.NewTable(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	fw := NewForwarder(table, testLogger(), nil)

	e := echo.New()
	e.Pre(fw.Middleware())
	return e
}

// Scenario: rule /api/v1/auth -> auth service with rewrite to /auth; the
// upstream echoes the request body and the client must receive it verbatim.
func TestForward_RewriteAndEchoBody(t *testing.T) {
	var gotPath, gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api/v1/auth", TargetBaseURL: upstream.URL, RewriteTo: "/auth"},
		},
	})

	payload := `{"email":"a@b.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if gotPath != "/auth/register" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/auth/register")
	}
	if gotContentType != "application/json" {
		t.Errorf("upstream Content-Type = %q, want %q", gotContentType, "application/json")
	}
	if rec.Body.String() != payload {
		t.Errorf("client body = %q, want upstream echo %q", rec.Body.String(), payload)
	}
}

// Streaming fidelity: the byte sequence the upstream reads must equal the
// byte sequence the client sent, for a body large enough to cross any
// internal buffer boundary.
func TestForward_StreamingFidelity(t *testing.T) {
	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	var received []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/upload", TargetBaseURL: upstream.URL},
		},
	})

	req := httptest.NewRequest(http.MethodPut, "/upload/blob", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("upstream received %d bytes, want %d identical bytes", len(received), len(payload))
	}
}

func TestForward_GETNoBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: upstream.URL},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/things?limit=5", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"ok":true}`)
	}
}

func TestForward_QueryStringPreserved(t *testing.T) {
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: upstream.URL},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=x&page=2", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotQuery != "q=x&page=2" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "q=x&page=2")
	}
}

func TestForward_XForwardedHeadersAdded(t *testing.T) {
	var gotFor, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFor = r.Header.Get("X-Forwarded-For")
		gotHost = r.Header.Get("X-Forwarded-Host")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: upstream.URL},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/x", http.NoBody)
	req.Host = "gw.example.com"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotFor == "" {
		t.Error("X-Forwarded-For not set on upstream request")
	}
	if gotHost != "gw.example.com" {
		t.Errorf("X-Forwarded-Host = %q, want %q", gotHost, "gw.example.com")
	}
}

// Mutual exclusion: when a rule matches, the request is forwarded even if a
// local route is registered on the same path; the local handler, and its
// body parsing, must never run.
func TestForward_RuleShadowsLocalRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from upstream"))
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: upstream.URL},
		},
	})

	localRan := false
	e.POST("/api/echo", func(c echo.Context) error {
		localRan = true
		var v map[string]string
		if err := c.Bind(&v); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, v)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(`{"a":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if localRan {
		t.Error("local handler ran for a request claimed by a forwarding rule")
	}
	if rec.Body.String() != "from upstream" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "from upstream")
	}
}

// Scenario: no rule matches, a local handler parses the JSON body normally.
func TestLocal_JSONBindingWorks(t *testing.T) {
	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: "http://unused.invalid"},
		},
	})

	e.POST("/health/report", func(c echo.Context) error {
		var v struct {
			Status string `json:"status"`
		}
		if err := c.Bind(&v); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"got": v.Status})
	})

	req := httptest.NewRequest(http.MethodPost, "/health/report", strings.NewReader(`{"status":"green"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["got"] != "green" {
		t.Errorf("body.got = %q, want %q", body["got"], "green")
	}
}

func TestForward_NoRuleNoLocalRoute404(t *testing.T) {
	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: "http://unused.invalid"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/nowhere", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// Scenario: the upstream never responds; the client gets a 504 once the
// per-route total timeout expires, and the outbound request is canceled.
func TestForward_UpstreamTimeout(t *testing.T) {
	upstreamCanceled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(upstreamCanceled)
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: upstream.URL, TotalTimeoutMs: 200},
		},
	})

	start := time.Now()
	req := httptest.NewRequest(http.MethodGet, "/api/slow", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timed out after %v, want ~200ms", elapsed)
	}

	select {
	case <-upstreamCanceled:
	case <-time.After(2 * time.Second):
		t.Error("outbound request was not canceled after timeout")
	}
}

// Scenario: the client disconnects after sending half the body; the pending
// outbound request must be canceled within a bounded grace period.
func TestForward_ClientAbortCancelsUpstream(t *testing.T) {
	upstreamStarted := make(chan struct{})
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(upstreamStarted)
		// Draining the body blocks until the client feeds more bytes or the
		// inbound leg collapses; either way the handler must return.
		_, _ = io.Copy(io.Discard, r.Body)
		close(upstreamDone)
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/upload", TargetBaseURL: upstream.URL},
		},
	})
	gw := httptest.NewServer(e)
	defer gw.Close()

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.URL+"/upload/big", pr)
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := http.DefaultClient.Do(req) //nolint:bodyclose // request is aborted
		errc <- err
	}()

	// Send half the body, wait for the upstream to be engaged, then abort.
	if _, err := pw.Write(bytes.Repeat([]byte("x"), 32*1024)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-upstreamStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the request")
	}
	cancel()
	_ = pw.CloseWithError(context.Canceled)

	if err := <-errc; err == nil {
		t.Error("client Do() expected error after abort, got nil")
	}

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Error("outbound request not canceled after client abort")
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	// A closed port: connection refused.
	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: "http://127.0.0.1:1"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/x", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message in 502 body")
	}
}

func TestForward_BreakerOpensAfterFailures(t *testing.T) {
	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: "http://127.0.0.1:1"},
		},
		Breaker: config.BreakerConfig{Enabled: true, MinRequests: 2, OpenTimeoutMs: 60_000},
	})

	var last int
	for range 6 {
		req := httptest.NewRequest(http.MethodGet, "/api/x", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		last = rec.Code
	}

	if last != http.StatusServiceUnavailable {
		t.Errorf("status after repeated failures = %d, want %d (breaker open)", last, http.StatusServiceUnavailable)
	}
}

func TestForward_UpstreamResponseHeadersRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream-Version", "7")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tea"))
	}))
	defer upstream.Close()

	e := newGateway(t, &config.Config{
		Routes: []config.RouteConfig{
			{MatchPrefix: "/api", TargetBaseURL: upstream.URL},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/brew", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if got := rec.Header().Get("X-Upstream-Version"); got != "7" {
		t.Errorf("X-Upstream-Version = %q, want %q", got, "7")
	}
	if rec.Body.String() != "tea" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "tea")
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		base, p, want string
	}{
		{"", "/x", "/x"},
		{"/", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.base, tt.p); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.base, tt.p, got, tt.want)
		}
	}
}
