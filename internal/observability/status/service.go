// Package status serves a small local HTTP API with the current readout,
// recent history windows and optional pprof endpoints.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"netpulse/internal/history"
	rtsup "netpulse/internal/runtime/supervisor"
	"netpulse/internal/storage"
	"netpulse/internal/widget"
	logx "netpulse/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultAddr    = "127.0.0.1:9109"
	pprofPrefix    = "/debug/pprof/"
	defaultRecent  = 60
	maxRecentQuery = 1000
)

// Config controls the optional status server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources are the read-only views the endpoints render. Nil members make the
// matching endpoint answer 404.
type Sources struct {
	Widget interface {
		Readout() widget.Readout
		Stats() widget.Stats
	}
	History interface {
		Recent(ctx context.Context, n int) ([]storage.Window, error)
		Summary(ctx context.Context, since time.Time) (history.Summary, error)
	}
	Speedtests    func(ctx context.Context, n int) ([]storage.SpeedtestRecord, error)
	Runtime       func() rtsup.Snapshot
	EventsDropped func() uint64 // bus deliveries lost to slow subscribers
}

// maxServeRestarts bounds how often a failing listener (port taken, bad
// address) is retried before the status server gives up.
const maxServeRestarts = 8

type runtimeView struct {
	rtsup.Snapshot
	EventsDropped uint64 `json:"events_dropped"`
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	src     Sources
	started time.Time

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log, started: time.Now()}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the server under a restart loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "status"))),
		// status is optional; never take the app down with it.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("status.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithMaxRestarts(maxServeRestarts),
	)
}

// Stop shuts the server down and waits for the serve loop up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	_ = sup.Wait(ctx)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()
	s.log.Info("status server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(cur.Token) == "" && !isLoopbackAddr(addr) {
		s.log.Error("status server refused to start: non-loopback addr requires token", logx.String("addr", addr))
		// Not retryable until the config changes.
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("status listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cfg. Exposed for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/readout", wrap(s.handleReadout))
	mux.HandleFunc("/history", wrap(s.handleHistory))
	mux.HandleFunc("/speedtests", wrap(s.handleSpeedtests))
	mux.HandleFunc("/runtime", wrap(s.handleRuntime))

	if cfg.Pprof {
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleReadout(w http.ResponseWriter, r *http.Request) {
	if s.src.Widget == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readout": s.src.Widget.Readout(),
		"text":    s.src.Widget.Readout().String(),
		"stats":   s.src.Widget.Stats(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// handleHistory serves ?n=<windows>&since=<duration>.
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.src.History == nil {
		http.NotFound(w, r)
		return
	}
	n, err := queryInt(r, "n", defaultRecent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	since := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = time.ParseDuration(v); err != nil || since <= 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}
	windows, err := s.src.History.Recent(r.Context(), n)
	if err != nil {
		s.log.Warn("history read failed", logx.Err(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	sum, err := s.src.History.Summary(r.Context(), time.Now().Add(-since))
	if err != nil {
		s.log.Warn("history summary failed", logx.Err(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": windows, "summary": sum})
}

func (s *Service) handleSpeedtests(w http.ResponseWriter, r *http.Request) {
	if s.src.Speedtests == nil {
		http.NotFound(w, r)
		return
	}
	n, err := queryInt(r, "n", 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.src.Speedtests(r.Context(), n)
	if err != nil {
		s.log.Warn("speedtest history read failed", logx.Err(err))
		http.Error(w, "speedtests unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speedtests": runs})
}

func (s *Service) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if s.src.Runtime == nil {
		http.NotFound(w, r)
		return
	}
	v := runtimeView{Snapshot: s.src.Runtime()}
	if s.src.EventsDropped != nil {
		v.EventsDropped = s.src.EventsDropped()
	}
	writeJSON(w, http.StatusOK, v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return min(n, maxRecentQuery), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

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
	return ip != nil && ip.IsLoopback()
}
