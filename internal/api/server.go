package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"coda-helper/go-backend/internal/config"
	"coda-helper/go-backend/internal/merge"
	"coda-helper/go-backend/internal/platform/metrics"
	"coda-helper/go-backend/internal/platform/ratelimiter"
	"coda-helper/go-backend/internal/storage"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	mergePollInterval      = 50 * time.Millisecond
)

var ErrMergeInProgress = errors.New("merge already in progress")

// Merger runs one merge. A fresh one is built per request so settings
// changes and a missing token surface as request errors.
type Merger interface {
	Merge(ctx context.Context) (merge.Result, error)
}

type Options struct {
	Addr            string
	Environment     string
	APIKey          string
	RateLimitWindow time.Duration
	NewMerger       func() (Merger, error)
	Runs            *storage.RunStore
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	// Now is the clock used for rate limiting; time.Now when nil.
	Now func() time.Time
	// ShutdownTimeout bounds how long open connections may drain. A running
	// merge is always waited for.
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer  *http.Server
	environment string
	apiKey      string
	newMerger   func() (Merger, error)
	runs        *storage.RunStore
	metrics     *metrics.Metrics
	limiter     *ratelimiter.MapLimiter
	merging     atomic.Bool
	logger      *slog.Logger
	accessLog   *slog.Logger
	now         func() time.Time

	shutdownTimeout time.Duration
}

func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = config.DefaultListenAddr
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = config.DefaultRateLimitWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Runs == nil {
		opts.Runs = storage.NewRunStore()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	mux := http.NewServeMux()
	s := &Server{
		environment: opts.Environment,
		apiKey:      opts.APIKey,
		newMerger:   opts.NewMerger,
		runs:        opts.Runs,
		metrics:     opts.Metrics,
		limiter:     ratelimiter.PerWindow(opts.RateLimitWindow),
		logger:      opts.Logger.With("component", "api"),
		accessLog:   opts.Logger.With("logger", "http.access"),
		now:         opts.Now,

		shutdownTimeout: opts.ShutdownTimeout,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.apiKey == "" {
		s.logger.Warn("API_KEY is not set; every /coda request will be rejected")
	}

	mux.HandleFunc("/healthz", s.route("/healthz", s.handleHealth))
	mux.HandleFunc("/probe", s.route("/probe", s.handleProbe))
	mux.HandleFunc("/coda/merge", s.route("/coda/merge", s.handleMerge))
	mux.HandleFunc("/coda/merges", s.route("/coda/merges", s.handleRuns))
	if s.metrics != nil {
		mux.HandleFunc("/metrics", s.route("/metrics", s.metrics.Handler().ServeHTTP))
	}
	return s
}

// Handler exposes the full middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down. Connections get
// ShutdownTimeout to drain, but a merge in flight is allowed to finish.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	select {
	case <-ctx.Done():
		_ = ln.Close()
		return nil
	default:
	}
	s.logger.Info("listening", "addr", ln.Addr().String(), "environment", s.environment)

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := s.shutdownContext()
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// shutdownContext expires once shutdownTimeout has passed and no merge is
// running, so Shutdown never abandons a merge halfway through its writes.
func (s *Server) shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.merging.Load() {
			s.logger.Info("waiting for running merge before shutdown")
		}
		tick := time.NewTicker(mergePollInterval)
		defer tick.Stop()
		for s.merging.Load() {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
		}
		cancel()
	}()
	return ctx, cancel
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": s.environment})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type detailBody struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailBody{Detail: detail})
}

type errorBody struct {
	ErrorMessage string `json:"error_message"`
	ErrorData    any    `json:"error_data"`
	ErrorCode    int    `json:"error_code"`
}

func writeError(w http.ResponseWriter, status int, err error, data any) {
	writeJSON(w, status, errorBody{ErrorMessage: err.Error(), ErrorData: data, ErrorCode: status})
}
