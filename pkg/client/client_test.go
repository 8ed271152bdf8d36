package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/v1/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/v1/stop", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/v1/reload", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session: not running"}`))
	})
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"session":"main","running":true,"engine_pid":4242,` +
			`"tunnel_valid":true,"chain":{"state":"running","layers":{},"uptime_sec":12.5,` +
			`"bytes_up":100,"bytes_down":200}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStartStopAgainstFakeServer(t *testing.T) {
	srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL + "/v1"})
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		t.Fatalf("server not reachable")
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestErrorResponseSurfaced(t *testing.T) {
	srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL + "/v1"})
	err := c.Reload(context.Background())
	if err == nil {
		t.Fatalf("expected API error")
	}
	if got := err.Error(); got != "API error: session: not running" {
		t.Fatalf("error = %q", got)
	}
}

func TestStatusDecoded(t *testing.T) {
	srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL + "/v1"})
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Session != "main" || !st.Running || st.EnginePID != 4242 {
		t.Fatalf("status payload: %+v", st)
	}
	if st.Chain.State != "running" || st.Chain.BytesDown != 200 {
		t.Fatalf("chain payload: %+v", st.Chain)
	}
}

func TestUnreachableServer(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1"})
	if c.IsReachable(context.Background()) {
		t.Fatalf("closed port reported reachable")
	}
}
