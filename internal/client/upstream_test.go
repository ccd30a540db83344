package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"transit-gateway/internal/config"
	"transit-gateway/internal/model"
	"transit-gateway/internal/router"
)

func newTestClient(t *testing.T) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{Client: config.ClientConfig{IdleConnections: 10}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, nil)
}

func newTestTarget(t *testing.T, baseURL string) *router.Target {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatal(err)
	}
	return &router.Target{
		ID:         "test",
		Prefix:     "/",
		BaseURL:    u,
		Timeout:    5 * time.Second,
		RetryDelay: 5 * time.Millisecond,
	}
}

func newTestRequest(method, path string) *model.GatewayRequest {
	return &model.GatewayRequest{
		Ctx:    context.Background(),
		Method: method,
		Path:   path,
		Query:  url.Values{},
		Header: http.Header{},
	}
}

func TestCall_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/items")
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit query = %q, want %q", r.URL.Query().Get("limit"), "5")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	gr := newTestRequest(http.MethodGet, "/items")
	gr.Query.Set("limit", "5")

	res, err := c.Call(newTestTarget(t, srv.URL), gr)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if string(res.Body) != `{"items":[]}` {
		t.Errorf("Body = %q, want %q", res.Body, `{"items":[]}`)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestCall_UpstreamStatusRelayedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Retries = 3

	res, err := c.Call(target, newTestRequest(http.MethodGet, "/x"))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d (relayed verbatim)", res.StatusCode, http.StatusInternalServerError)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (HTTP responses are never retried)", got)
	}
}

func TestCall_RedirectRelayedNotFollowed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/old" {
			w.Header().Set("Location", "/new")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t)

	res, err := c.Call(newTestTarget(t, srv.URL), newTestRequest(http.MethodGet, "/old"))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d (3xx relayed, not followed)", res.StatusCode, http.StatusFound)
	}
	if loc := res.Header.Get("Location"); loc != "/new" {
		t.Errorf("Location = %q, want %q", loc, "/new")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (redirect must not be followed)", got)
	}
}

func TestCall_RetryBound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Reset the connection so the client sees a transport error.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Retries = 2

	_, err := c.Call(target, newTestRequest(http.MethodGet, "/x"))
	if err == nil {
		t.Fatal("Call() expected error, got nil")
	}

	var ue *model.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want *model.UpstreamError", err)
	}
	if ue.Kind != model.KindUpstreamConnection {
		t.Errorf("Kind = %q, want %q", ue.Kind, model.KindUpstreamConnection)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (retries=2 means at most 3 attempts)", got)
	}
	if ue.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ue.Attempts)
	}
}

func TestCall_RecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Retries = 2

	res, err := c.Call(target, newTestRequest(http.MethodGet, "/x"))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(res.Body) != "recovered" {
		t.Errorf("Body = %q, want %q", res.Body, "recovered")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestCall_PostNotRetriedByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Retries = 3

	_, err := c.Call(target, newTestRequest(http.MethodPost, "/x"))
	if err == nil {
		t.Fatal("Call() expected error, got nil")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (POST not retried without retry_unsafe)", got)
	}
}

func TestCall_PostRetriedWhenUnsafeEnabled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Retries = 1
	target.RetryUnsafe = true

	_, err := c.Call(target, newTestRequest(http.MethodPost, "/x"))
	if err == nil {
		t.Fatal("Call() expected error, got nil")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (retry_unsafe allows POST retries)", got)
	}
}

func TestCall_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Timeout = 50 * time.Millisecond
	target.Retries = 1

	_, err := c.Call(target, newTestRequest(http.MethodGet, "/x"))
	if err == nil {
		t.Fatal("Call() expected timeout error, got nil")
	}

	var ue *model.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want *model.UpstreamError", err)
	}
	if ue.Kind != model.KindUpstreamTimeout {
		t.Errorf("Kind = %q, want %q", ue.Kind, model.KindUpstreamTimeout)
	}
	if ue.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (timeouts are retried for GET)", ue.Attempts)
	}
	if ue.StatusCode() != http.StatusGatewayTimeout {
		t.Errorf("StatusCode() = %d, want %d", ue.StatusCode(), http.StatusGatewayTimeout)
	}
}

func TestCall_ConnectionRefused(t *testing.T) {
	// A closed listener port: connection refused without retry delay noise.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, addr)

	_, err := c.Call(target, newTestRequest(http.MethodGet, "/x"))
	if err == nil {
		t.Fatal("Call() expected connection error, got nil")
	}

	var ue *model.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want *model.UpstreamError", err)
	}
	if ue.Kind != model.KindUpstreamConnection {
		t.Errorf("Kind = %q, want %q", ue.Kind, model.KindUpstreamConnection)
	}
	if ue.StatusCode() != http.StatusBadGateway {
		t.Errorf("StatusCode() = %d, want %d", ue.StatusCode(), http.StatusBadGateway)
	}
}

func TestCall_CancellationStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL)
	target.Retries = 10
	target.RetryDelay = 50 * time.Millisecond

	gr := newTestRequest(http.MethodGet, "/x")
	gr.Ctx = ctx

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Call(target, gr)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Call() expected error after cancellation, got nil")
	}
	// 10 retries at 50ms each would take ~500ms; cancellation must cut that short.
	if elapsed > 300*time.Millisecond {
		t.Errorf("Call() took %v after cancellation, retry loop leaked", elapsed)
	}
	if got := calls.Load(); got > 2 {
		t.Errorf("upstream calls = %d, want <= 2 after early cancellation", got)
	}
}

func TestCallAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("async"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	ch := c.CallAsync(newTestTarget(t, srv.URL), newTestRequest(http.MethodGet, "/x"))

	select {
	case out := <-ch:
		if out.Err != nil {
			t.Fatalf("CallAsync() error = %v", out.Err)
		}
		if string(out.Result.Body) != "async" {
			t.Errorf("Body = %q, want %q", out.Result.Body, "async")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CallAsync() did not deliver an outcome")
	}
}

func TestCall_BasePathJoined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/base/items" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/base/items")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t)
	target := newTestTarget(t, srv.URL+"/base/")

	if _, err := c.Call(target, newTestRequest(http.MethodGet, "/items")); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"deadline exceeded", context.DeadlineExceeded, model.KindUpstreamTimeout},
		{"wrapped deadline", errors.Join(errors.New("upstream request"), context.DeadlineExceeded), model.KindUpstreamTimeout},
		{"malformed response", errors.New(`net/http: malformed HTTP response "x"`), model.KindUpstreamProtocol},
		{"plain failure", errors.New("connection refused"), model.KindUpstreamConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
