// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/execution"
	"github.com/atlas-desktop/fx-trader/internal/learning"
	"github.com/atlas-desktop/fx-trader/internal/orchestrator"
	"github.com/atlas-desktop/fx-trader/internal/regime"
	"github.com/atlas-desktop/fx-trader/internal/signals"
	"github.com/atlas-desktop/fx-trader/internal/sizing"
	"github.com/atlas-desktop/fx-trader/internal/strategy"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// DefaultServerConfig listens on :8080.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

type riskSource interface {
	Snapshot() sizing.RiskSnapshot
}

type regimeSource interface {
	Current() regime.RegimeState
}

type pipelineSource interface {
	Running() bool
	Stats() map[string]orchestrator.StageStats
	Queues() orchestrator.QueueStats
}

type killSwitch interface {
	ActivateKillSwitch()
	DeactivateKillSwitch()
	IsKillSwitchActive() bool
	GetMetrics() execution.ExecutorMetrics
}

type weightSource interface {
	Weights() map[string]float64
	Last() (signals.Decision, bool)
}

type rankedSource interface {
	Ranked() ([]strategy.BacktestResult, time.Time)
}

type reportSource interface {
	Last() (learning.Report, bool)
	History() []learning.Actions
}

type accountSource interface {
	AccountInfo(ctx context.Context) (types.AccountInfo, error)
	Positions(ctx context.Context, symbol string) ([]types.Position, error)
}

// Deps are the components the API reads from. Nil fields answer 503.
type Deps struct {
	Risk       riskSource
	Regime     regimeSource
	Pipeline   pipelineSource
	Executor   killSwitch
	Signals    weightSource
	Strategies rankedSource
	Feedback   reportSource
	Account    accountSource
	Gatherer   prometheus.Gatherer
	Symbol     string
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	deps       Deps
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the server. hub may be nil to disable /ws.
func NewServer(logger *zap.Logger, config ServerConfig, deps Deps, hub *Hub) *Server {
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		deps:   deps,
		hub:    hub,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/regime", s.handleRegime).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/pipeline", s.handlePipeline).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution", s.handleExecution).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution/kill-switch", s.handleKillSwitch).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/signals", s.handleSignals).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/feedback", s.handleFeedback).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/account", s.handleAccount).Methods(http.MethodGet)

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", s.config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.CloseAll()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := s.deps.Pipeline != nil && s.deps.Pipeline.Running()
	killed := s.deps.Executor != nil && s.deps.Executor.IsKillSwitchActive()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"running":    running,
		"killSwitch": killed,
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		unavailable(w, "risk state")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Risk.Snapshot())
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	if s.deps.Regime == nil {
		unavailable(w, "regime gate")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Regime.Current())
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.deps.Pipeline.Running(),
		"stages":  s.deps.Pipeline.Stats(),
		"queues":  s.deps.Pipeline.Queues(),
	})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		unavailable(w, "executor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"killSwitch": s.deps.Executor.IsKillSwitchActive(),
		"metrics":    s.deps.Executor.GetMetrics(),
	})
}

type killSwitchRequest struct {
	Active *bool  `json:"active"`
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		unavailable(w, "executor")
		return
	}
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"active\": true|false}")
		return
	}

	if *req.Active {
		s.deps.Executor.ActivateKillSwitch()
	} else {
		s.deps.Executor.DeactivateKillSwitch()
	}
	s.logger.Warn("Kill switch changed via API",
		zap.Bool("active", *req.Active),
		zap.String("reason", req.Reason),
		zap.String("remote", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"killSwitch": s.deps.Executor.IsKillSwitchActive()})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		unavailable(w, "signal aggregator")
		return
	}
	resp := map[string]any{"weights": s.deps.Signals.Weights()}
	if last, ok := s.deps.Signals.Last(); ok {
		resp["last"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Strategies == nil {
		unavailable(w, "strategy portfolio")
		return
	}
	ranked, at := s.deps.Strategies.Ranked()
	writeJSON(w, http.StatusOK, map[string]any{
		"updatedAt":  at,
		"count":      len(ranked),
		"strategies": ranked,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feedback == nil {
		unavailable(w, "feedback monitor")
		return
	}
	report, ok := s.deps.Feedback.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no feedback report yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":  report,
		"history": s.deps.Feedback.History(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.deps.Account == nil {
		unavailable(w, "venue")
		return
	}
	info, err := s.deps.Account.AccountInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	positions, err := s.deps.Account.Positions(r.Context(), s.deps.Symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":   info,
		"positions": positions,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(conn)
}
