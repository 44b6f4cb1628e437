package pprof

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "jobsched/pkg/logx"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{Addr: "0.0.0.0:1"}, true},
		{"loopback", Config{Enabled: true}, true},
		{"public no token", Config{Enabled: true, Addr: ":6060"}, false},
		{"public token", Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "s"}, true},
		{"public insecure", Config{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true}, true},
		{"bad addr", Config{Enabled: true, Addr: "nope"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{"": DefaultPrefix, "dbg": "/dbg/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q)=%q want %q", in, got, want)
		}
	}
}

func TestHandlerHealthAndAuth(t *testing.T) {
	healthErr := error(nil)
	s := New(Config{Enabled: true, Token: "secret", Prefix: "/dbg"}, logx.Nop(), func() error { return healthErr })
	h := s.handler()

	get := func(path, auth string) (int, string) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		body, _ := io.ReadAll(rec.Body)
		return rec.Code, string(body)
	}

	if code, _ := get("/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d", code)
	}
	if code, body := get("/healthz", "secret"); code != http.StatusOK || body != "ok" {
		t.Fatalf("code=%d body=%q", code, body)
	}
	if code, _ := get("/healthz?token=secret", ""); code != http.StatusOK {
		t.Fatalf("query token: code=%d", code)
	}
	healthErr = errors.New("scheduler stopped")
	if code, _ := get("/healthz", "secret"); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: code=%d", code)
	}
	if code, _ := get("/dbg/", "secret"); code != http.StatusOK {
		t.Fatalf("index: code=%d", code)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
