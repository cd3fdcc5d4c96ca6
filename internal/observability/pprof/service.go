// Package pprof serves the net/http/pprof endpoints behind a small guarded
// HTTP server.
//
// The server is optional and hot-reloadable: Apply starts, stops or restarts
// it to match the supplied config. Binding to a non-loopback address requires
// a token or an explicit insecure opt-in.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/pkg/logx"
)

// Config controls the debug HTTP server.
type Config struct {
	Enabled bool
	Addr    string
	Prefix  string

	// A token gates every profiling route; AllowInsecure instead skips the
	// loopback-only check.
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:6060"

type Service struct {
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor // non-nil while running
	srv  *http.Server      // current listener's server, cleared when it exits
	addr string
}

// Addr returns the bound listen address, or "" while the server is down.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "pprof"))}
}

// Start brings the server up if the config enables it. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A broken debug server must never take the bot down.
		rtsup.WithCancelOnError(false),
	)
	sup.GoRestart("serve", s.serve,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.sup = sup
}

// Stop shuts the server down, waiting at most until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.addr = ""
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("pprof stopped")
}

// Apply reconciles the running server with cfg, restarting it when a
// server-level setting changed. Called from the config reload path, which
// is single-threaded.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case serverChanged(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func serverChanged(a, b Config) bool {
	if a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure {
		return true
	}
	if normalizePrefix(a.Prefix) != normalizePrefix(b.Prefix) {
		return true
	}
	return a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !isLoopback(addr) && cur.Token == "" {
		if !cur.AllowInsecure {
			s.log.Error("refusing non-loopback bind without token; set pprof.token or pprof.allow_insecure",
				logx.String("addr", addr))
			return errors.New("pprof: insecure bind refused")
		}
		s.log.Warn("serving pprof without auth on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("pprof: listen %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	// Stop() performs the graceful shutdown; this is the bounded fallback for
	// supervisor cancellation.
	unhook := context.AfterFunc(ctx, func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})
	defer unhook()

	s.log.Info("pprof listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", normalizePrefix(cur.Prefix)),
		logx.Bool("token_set", cur.Token != ""),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.addr = ""
	}
	s.mu.Unlock()

	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return context.Canceled
	}
	return err
}

func (s *Service) handler(cur Config) http.Handler {
	prefix := normalizePrefix(cur.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	auth := authWrapper(cur.Token)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(prefix, auth(indexAt(prefix)))
	mux.Handle(base+"/cmdline", auth(http.HandlerFunc(hpprof.Cmdline)))
	mux.Handle(base+"/profile", auth(http.HandlerFunc(hpprof.Profile)))
	mux.Handle(base+"/symbol", auth(http.HandlerFunc(hpprof.Symbol)))
	mux.Handle(base+"/trace", auth(http.HandlerFunc(hpprof.Trace)))
	if base != "" {
		mux.Handle(base, http.RedirectHandler(prefix, http.StatusPermanentRedirect))
	}
	return mux
}

func authWrapper(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return func(h http.Handler) http.Handler { return h }
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("token") == tok || bearerToken(r) == tok {
				h.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func bearerToken(r *http.Request) string {
	const scheme = "Bearer "
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, scheme) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(ah, scheme))
}

// net/http/pprof routes relative to /debug/pprof/. Rewriting the request
// path keeps custom prefixes working without forking that package.
func indexAt(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	if p[len(p)-1] != '/' {
		p += "/"
	}
	return p
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		// Empty host binds every interface.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
