// Package server exposes a remote.Store over HTTP so that devices can sync
// against it with httpremote.
//
// Routes:
//
//	GET  /v1/features/{featureID}/observations  load every document (JSON)
//	GET  /v1/features/{featureID}/changes       snapshot plus live changes (WebSocket, CBOR frames)
//	POST /v1/mutations                          apply a batch of mutations (JSON)
//	GET  /health                                liveness
//	GET  /metrics                               Prometheus metrics
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/wire"
	"github.com/openfield/fieldsync/internal/logging"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on. Default: ":8080"
	Addr string

	// Registry serves /metrics and receives the server's own metrics.
	// Default: the global Prometheus registry
	Registry *prometheus.Registry

	// WriteTimeout bounds each changefeed frame write. Default: 10s
	WriteTimeout time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves a remote.Store.
type Server struct {
	store    remote.Store
	config   *Config
	logger   zerolog.Logger
	router   *mux.Router
	listener net.Listener
	server   *http.Server

	requests *prometheus.CounterVec
	streams  prometheus.Gauge

	conns   map[*websocket.Conn]struct{}
	connsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server for store.
func New(store remote.Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  store,
		config: config,
		logger: logging.Component(config.Logger, "server"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_server_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_server_streams",
			Help: "Open changefeed connections.",
		}),
		conns:  make(map[*websocket.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	if config.Registry != nil {
		gatherer, registerer = config.Registry, config.Registry
	}
	registerer.MustRegister(s.requests, s.streams)

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc(wire.ObservationsPath, s.handleLoad).Methods(http.MethodGet)
	r.HandleFunc(wire.ChangesPath, s.handleChanges).Methods(http.MethodGet)
	r.HandleFunc(wire.MutationsPath, s.handleApply).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the HTTP handler, for mounting without Start.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	// No write timeout: changefeed connections are long-lived.
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

// Stop closes open changefeeds and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping server")
	s.cancel()

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.connsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// StreamCount returns the number of open changefeed connections.
func (s *Server) StreamCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) addConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	s.streams.Inc()
}

func (s *Server) removeConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	s.connsMu.Unlock()
	if ok {
		s.streams.Dec()
	}
}

// instrument counts requests by route template and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
