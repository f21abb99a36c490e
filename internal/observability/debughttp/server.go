// Package debughttp serves an optional operator endpoint: liveness, per-job status, recent
// journal records, daemon runtime stats and net/http/pprof.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"asyncinterval/internal/runtime/supervisor"
	"asyncinterval/internal/storage"
	"asyncinterval/pkg/interval"
	logx "asyncinterval/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	readTimeout     = 10 * time.Second
	writeTimeout    = 60 * time.Second // pprof profile/trace stream for up to 30s by default
	idleTimeout     = time.Minute
	shutdownTimeout = 2 * time.Second

	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

var ErrInsecureBind = errors.New("debughttp: non-loopback addr requires token or allow_insecure")

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// Source is what the server reports on. Journal may return nil when storage is disabled.
type Source interface {
	Status() []interval.Status
	Journal() storage.Store
	Runtime() Runtime
}

// Runtime is the daemon's internal health: its goroutine supervisor and event bus.
type Runtime struct {
	Supervisor supervisor.Snapshot `json:"supervisor"`
	BusDropped uint64              `json:"bus_dropped"`
	// Debug is this server's own supervisor; filled in by the handler.
	Debug *supervisor.Snapshot `json:"debug_supervisor,omitempty"`
}

type Service struct {
	src Source
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	sup  *supervisor.Supervisor
	addr string
	// ready is closed once the listener of the current generation is bound (or failed).
	ready chan struct{}
}

func New(src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{src: src, log: log}
}

// Addr returns the bound listen address, or "" when the server is not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the current server generation has bound its listener or given up.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.ready
}

// Reconfigure applies cfg, starting, stopping or restarting the server as needed. It is
// safe to call on every config reload.
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

// Start runs the server under its own supervisor until Stop or until ctx is done.
// It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	// The debug endpoint is optional; its failures never take the daemon down.
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "debughttp.supervisor"))),
		supervisor.WithCancelOnError(false),
	)
	s.ready = make(chan struct{})
	cfg, ready := s.cfg, s.ready
	var once sync.Once
	markReady := func() { once.Do(func() { close(ready) }) }

	s.sup.GoRestart("debughttp.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg, markReady)
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
		supervisor.WithPublishFirstError(true),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("debug server stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("debug server stopped")
}

func (s *Service) serveOnce(ctx context.Context, cfg Config, markReady func()) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			markReady()
			s.log.Error("debug server refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
			// Retrying cannot fix this; wait for a reconfigure.
			<-ctx.Done()
			return nil
		}
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		markReady()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.routes(token),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	markReady()
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", token != ""))

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(s.handleStatus))
	mux.HandleFunc("/journal", wrap(s.handleJournal))
	mux.HandleFunc("/runtime", wrap(s.handleRuntime))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

type jobStatus struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Runs         uint64    `json:"runs"`
	Successes    uint64    `json:"successes"`
	Failures     uint64    `json:"failures"`
	Timeouts     uint64    `json:"timeouts"`
	LastStarted  time.Time `json:"last_started,omitzero"`
	LastFinished time.Time `json:"last_finished,omitzero"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	NextRun      time.Time `json:"next_run,omitzero"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	sts := s.src.Status()
	out := make([]jobStatus, 0, len(sts))
	for _, st := range sts {
		js := jobStatus{
			Name:         st.Name,
			State:        st.State.String(),
			Runs:         st.Runs,
			Successes:    st.Successes,
			Failures:     st.Failures,
			Timeouts:     st.Timeouts,
			LastStarted:  st.LastStarted,
			LastFinished: st.LastFinished,
			LastError:    st.LastError,
			NextRun:      st.NextRun,
		}
		if !st.LastFinished.IsZero() {
			js.LastOutcome = st.LastOutcome.String()
		}
		out = append(out, js)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleRuntime(w http.ResponseWriter, r *http.Request) {
	rt := s.src.Runtime()
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		snap := sup.Snapshot()
		rt.Debug = &snap
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Service) handleJournal(w http.ResponseWriter, r *http.Request) {
	store := s.src.Journal()
	if store == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxJournalLimit)
	}
	recs, err := store.Recent(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
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
		// All interfaces.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
