package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openbatch/ft-sender/internal/health"
	"github.com/openbatch/ft-sender/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler is a custom handler type that returns data or an error
type APIHandler func(w http.ResponseWriter, r *http.Request) (interface{}, error)

type Server struct {
	config     *Config
	queue      *queue.Queue
	health     *health.Checker
	httpServer *http.Server
	ctx        context.Context
	log        *slog.Logger
}

type Config struct {
	ListenAddr   string
	ListenPort   int
	MetricsPort  int
	ProbesPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ID           string
}

func NewServer(config *Config, q *queue.Queue, checker *health.Checker) *Server {
	return &Server{
		config: config,
		queue:  q,
		health: checker,
		log:    slog.With("pod", config.ID, "component", "web-server"),
		httpServer: &http.Server{
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

func (s *Server) StartProbesAndMetrics() {
	// Expose Prometheus metrics
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		slog.Info("Serving metrics", "port", s.config.MetricsPort)

		addr := fmt.Sprintf(":%d", s.config.MetricsPort)
		slog.Error("Prometheus HTTP listener failed", "error",
			http.ListenAndServe(addr, nil))
	}()

	// Expose health probes
	go func() {
		http.Handle("/health", WithMethod(
			WithJSONResponse(s.HealthHandler),
			http.MethodGet,
		))

		http.Handle("/ready", WithMethod(
			WithJSONResponse(s.ReadinessHandler),
			http.MethodGet,
		))

		slog.Info("Serving health probes", "port", s.config.ProbesPort)

		addr := fmt.Sprintf(":%d", s.config.ProbesPort)
		slog.Error("Health checks HTTP listener failed", "error",
			http.ListenAndServe(addr, nil))
	}()
}

// Routes builds the client-facing mux. The order of middleware calls
// is up to bottom: WithRequestID is called first, then WithMethod and
// so on.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/transfer", WithRequestID(WithMethod(
		WithJSONResponse(s.TransferHandler),
		http.MethodPost,
	)))

	mux.HandleFunc("/transfers", WithRequestID(WithMethod(
		WithJSONResponse(s.TransfersHandler),
		http.MethodPost,
	)))

	mux.HandleFunc("/items", WithMethod(
		WithJSONResponse(s.ItemsHandler),
		http.MethodGet,
	))

	mux.HandleFunc("/items/{id}", WithMethod(
		WithJSONResponse(s.ItemHandler),
		http.MethodGet,
	))

	mux.HandleFunc("/items/{id}/unstall", WithRequestID(WithMethod(
		WithJSONResponse(s.UnstallHandler),
		http.MethodPost,
	)))

	mux.HandleFunc("/unstall", WithRequestID(WithMethod(
		WithJSONResponse(s.UnstallManyHandler),
		http.MethodPost,
	)))

	mux.HandleFunc("/unstall/all", WithRequestID(WithMethod(
		WithJSONResponse(s.UnstallAllHandler),
		http.MethodPost,
	)))

	mux.HandleFunc("/stats", WithMethod(
		WithJSONResponse(s.StatsHandler),
		http.MethodGet,
	))

	return mux
}

func (s *Server) Start(ctx context.Context, stop <-chan os.Signal) {
	s.StartProbesAndMetrics()

	s.httpServer.Handler = http.TimeoutHandler(s.Routes(),
		s.config.WriteTimeout, "Timeout")

	go s.run(ctx)

	<-stop

	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}

func (s *Server) run(ctx context.Context) {
	s.ctx = ctx

	slog.Info("Starting server", "port", s.config.ListenPort)

	// Use ListenConfig to create a listener with context support
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.ListenPort))
	if err != nil {
		slog.Error("Error creating listener", "error", err)
		return
	}
	defer listener.Close()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		slog.Error("Could not start server", "error", err.Error())
	}
}
