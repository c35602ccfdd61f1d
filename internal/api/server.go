// Package api serves the read-only HTTP view of snapshots, the transcript and
// the MIB, plus a live transcript stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/otel"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

// Config wires the server to its data sources. Engines is required; the
// other sources are optional and their endpoints answer NOT_CONFIGURED when
// unset.
type Config struct {
	Addr    string
	Service string

	Engines      SnapshotSource
	System       SnapshotSource
	Poller       Poller
	Transcript   *transcript.Log
	Registry     *mib.Registry
	Metrics      *metrics.Collector
	Reachability *metrics.ReachabilityTracker

	Tracer *otel.Tracer
	Logger *events.EventLogger
}

type Server struct {
	cfg Config
	log *events.EventLogger

	server            *http.Server
	listener          net.Listener
	mu                sync.Mutex
	running           bool
	rateLimiter       *rateLimiter
	rateLimiterConfig *RateLimiterConfig
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engines == nil {
		return nil, errors.New("api: engine snapshot source is required")
	}
	if cfg.Service == "" {
		cfg.Service = "snmpwatch"
	}
	if cfg.Registry == nil {
		reg, err := mib.Default()
		if err != nil {
			return nil, err
		}
		cfg.Registry = reg
	}
	s := &Server{
		cfg:               cfg,
		log:               cfg.Logger,
		rateLimiterConfig: DefaultRateLimiterConfig(),
	}
	if s.log == nil {
		s.log = events.NoopEventLogger()
	}
	return s, nil
}

// SetRateLimiterConfig configures the rate limiter.
// Must be called before Start() for changes to take effect.
func (s *Server) SetRateLimiterConfig(config *RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimiterConfig = config
	s.rateLimiter = nil
}

// Handler returns the routed handler with tracing and rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/engines", s.rateLimitMiddleware(http.HandlerFunc(s.handleEngines)))
	mux.Handle("GET /api/engines/{id}", s.rateLimitMiddleware(http.HandlerFunc(s.handleEngine)))
	mux.Handle("GET /api/summary", s.rateLimitMiddleware(http.HandlerFunc(s.handleSummary)))
	mux.Handle("GET /api/system", s.rateLimitMiddleware(http.HandlerFunc(s.handleSystem)))
	mux.Handle("GET /api/reachability", s.rateLimitMiddleware(http.HandlerFunc(s.handleReachability)))
	mux.Handle("GET /api/snmp/messages", s.rateLimitMiddleware(http.HandlerFunc(s.handleMessages)))
	mux.Handle("GET /api/snmp/mib", s.rateLimitMiddleware(http.HandlerFunc(s.handleMIB)))
	mux.Handle("GET /api/snmp/stream", s.rateLimitMiddleware(http.HandlerFunc(s.handleStream)))
	mux.Handle("POST /api/poll", s.rateLimitMiddleware(http.HandlerFunc(s.handlePoll)))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("/", s.handleNotFound)

	return otel.Middleware(s.cfg.Tracer)(mux)
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Protect against slowloris attacks
	}
	s.running = true
	s.log.LogAPIStarted(listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Logger().Error("api_serve_failed", "error", err.Error())
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.rateLimiter == nil {
			s.rateLimiter = newRateLimiter(s.rateLimiterConfig)
		}
		rl := s.rateLimiter
		s.mu.Unlock()

		if !rl.allowKey(clientKey(r)) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartTestServer starts a server on a random loopback port.
func StartTestServer(cfg Config) (*Server, func(), error) {
	cfg.Addr = "127.0.0.1:0"
	server, err := NewServer(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := server.Start(); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
