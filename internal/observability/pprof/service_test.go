package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dripbot/pkg/logx"
)

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not come up")
	return ""
}

func get(t *testing.T, url string, header map[string]string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Start(ctx)
	addr := waitForAddr(t, s)

	if code := get(t, "http://"+addr+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("index = %d, want 200", code)
	}

	s.Stop(context.Background())
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after stop = %q, want empty", got)
	}
}

func TestApplyTogglesServer(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Start(ctx)
	if got := s.Addr(); got != "" {
		t.Fatalf("disabled server bound %q", got)
	}

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitForAddr(t, s)
	if code := get(t, "http://"+addr+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}

	s.Apply(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after disable = %q, want empty", got)
	}
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, logx.Nop())
	ts := httptest.NewServer(s.handler(Config{Token: "sekret"}))
	defer ts.Close()

	if code := get(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200 without token", code)
	}
	if code := get(t, ts.URL+"/debug/pprof/", nil); code != http.StatusUnauthorized {
		t.Fatalf("index without token = %d, want 401", code)
	}
	if code := get(t, ts.URL+"/debug/pprof/?token=nope", nil); code != http.StatusUnauthorized {
		t.Fatalf("index with bad token = %d, want 401", code)
	}
	if code := get(t, ts.URL+"/debug/pprof/?token=sekret", nil); code != http.StatusOK {
		t.Fatalf("index with query token = %d, want 200", code)
	}
	hdr := map[string]string{"Authorization": "Bearer sekret"}
	if code := get(t, ts.URL+"/debug/pprof/", hdr); code != http.StatusOK {
		t.Fatalf("index with bearer token = %d, want 200", code)
	}
}

func TestCustomPrefix(t *testing.T) {
	s := New(Config{}, logx.Nop())
	ts := httptest.NewServer(s.handler(Config{Prefix: "/ops/prof"}))
	defer ts.Close()

	if code := get(t, ts.URL+"/ops/prof/", nil); code != http.StatusOK {
		t.Fatalf("prefixed index = %d, want 200", code)
	}
	if code := get(t, ts.URL+"/ops/prof/cmdline", nil); code != http.StatusOK {
		t.Fatalf("cmdline = %d, want 200", code)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.serve(ctx); err == nil {
		t.Fatal("expected serve to refuse a non-loopback bind without token")
	}
}

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.0.0.5:6060", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := isLoopback(tc.addr); got != tc.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "/debug/pprof/"},
		{"/ops/prof", "/ops/prof/"},
		{"ops/prof/", "/ops/prof/"},
		{"  /x  ", "/x/"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
