// Package diag is the optional diagnostics HTTP server: liveness, JSON
// status endpoints registered by the app, and net/http/pprof.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/runtime/supervisor"
	logx "jobloop/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("diagnostics refused to start: non-loopback addr requires token or allow_insecure")

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg Config
	log logx.Logger
	mux *http.ServeMux

	mu   sync.Mutex
	ln   net.Listener
	addr string
	sup  *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{cfg: cfg, log: log.With(logx.String("comp", "diag")), mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /healthz", s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	if cfg.Pprof {
		s.mux.HandleFunc("/debug/pprof/", s.withAuth(hpprof.Index))
		s.mux.HandleFunc("/debug/pprof/cmdline", s.withAuth(hpprof.Cmdline))
		s.mux.HandleFunc("/debug/pprof/profile", s.withAuth(hpprof.Profile))
		s.mux.HandleFunc("/debug/pprof/symbol", s.withAuth(hpprof.Symbol))
		s.mux.HandleFunc("/debug/pprof/trace", s.withAuth(hpprof.Trace))
	}
	return s
}

// JSONFunc produces a response body and status code.
type JSONFunc func(r *http.Request) (any, int)

// HandleJSON registers fn under pattern (net/http mux syntax). Auth applies.
func (s *Server) HandleJSON(pattern string, fn JSONFunc) {
	s.mux.HandleFunc(pattern, s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		body, code := fn(r)
		if code == 0 {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			s.log.Debug("write response failed", logx.String("path", r.URL.Path), logx.Err(err))
		}
	}))
}

// ErrorBody is the JSON shape of failed requests.
type ErrorBody struct {
	Error string `json:"error"`
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and serves in the background until Stop or ctx
// is done. Bind errors are returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	// Safety: prevent accidental public exposure without auth.
	if !isLoopbackAddr(addr) {
		switch {
		case s.cfg.Token == "" && !s.cfg.AllowInsecure:
			return errors.WithDetailf(ErrInsecureBind, "addr %s", addr)
		case s.cfg.Token == "":
			s.log.Warn("diagnostics running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "diagnostics listen %s", addr)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// diagnostics are optional; never take the app down.
		supervisor.WithCancelOnError(false),
	)

	// Self-heal: after an unexpected exit the server re-listens on the same address.
	s.sup.GoRestart("diag.http", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("diagnostics started",
		logx.String("addr", s.addr),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr is the bound address ("" before Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) serveOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	addr := s.addr
	s.mu.Unlock()

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diagnostics server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down and waits for it, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)
	s.log.Info("diagnostics stopped")
	return err
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// IsLoopbackAddr reports whether a host:port address binds only to loopback.
func IsLoopbackAddr(addr string) bool { return isLoopbackAddr(addr) }

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
