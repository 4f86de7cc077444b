// Package api serves health, status, Prometheus metrics and read-only
// queries over engine state. Writes go through the engine's own callers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chainguard/internal/alerts"
	"chainguard/internal/config"
	"chainguard/internal/engine"
	"chainguard/internal/errs"
	"chainguard/internal/ledger"
	"chainguard/internal/metrics"
	"chainguard/internal/model"
)

// Engine is the read surface the server needs.
type Engine interface {
	Status() engine.Status
	GetLatestAnalysis(contract model.Address) (model.AnalysisResult, error)
	GetContractAnalyses(contract model.Address) []model.AnalysisResult
	GetContractStats(contract model.Address) ledger.Stats
	GetReport(id uint64) (model.ThreatReport, error)
	GetContractReports(contract model.Address) []model.ThreatReport
	GetContractThreatLevel(contract model.Address) int
	HasActiveThreat(contract model.Address) bool
	GetReputationScore(contract model.Address) (model.ReputationScore, error)
	GetReputationPercentage(contract model.Address) (uint64, error)
	GetReputationCategory(contract model.Address) (string, error)
	GetScoreHistory(contract model.Address) []model.ScoreSnapshot
	GetAlert(id uint64) (model.SecurityAlert, error)
	GetContractAlerts(contract model.Address, activeOnly bool) []model.SecurityAlert
	GetUserAlerts(user model.Address) []model.SecurityAlert
	HasCriticalAlerts(contract model.Address) bool
	GetContractAlertStats(contract model.Address) alerts.ContractStats
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Recorder
	engine  Engine
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Engine     engine.Status `json:"engine"`
	Ingest     ingestStatus  `json:"ingest"`
	Events     eventsStatus  `json:"events"`
	API        apiStatus     `json:"api"`
}

type ingestStatus struct {
	Kafka bool `json:"kafka"`
	REST  bool `json:"rest"`
}

type eventsStatus struct {
	Log   bool `json:"log"`
	Kafka bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func New(cfg *config.Manager, rec *metrics.Recorder, eng Engine, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, metrics: rec, engine: eng, logger: logger, version: version}
}

func Start(ctx context.Context, cfg *config.Manager, rec *metrics.Recorder, eng Engine, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := New(cfg, rec, eng, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/contracts/{address}", func(r chi.Router) {
		r.Get("/analyses", s.handleAnalyses)
		r.Get("/analyses/latest", s.handleLatestAnalysis)
		r.Get("/reports", s.handleContractReports)
		r.Get("/threat", s.handleThreat)
		r.Get("/reputation", s.handleReputation)
		r.Get("/reputation/history", s.handleScoreHistory)
		r.Get("/alerts", s.handleContractAlerts)
	})
	r.Get("/reports/{id}", s.handleReport)
	r.Get("/alerts/{id}", s.handleAlert)
	r.Get("/users/{address}/alerts", s.handleUserAlerts)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Engine:     s.engine.Status(),
		Ingest:     ingestStatus{Kafka: cfg.Ingest.Kafka.Enabled, REST: cfg.Ingest.REST.Enabled},
		Events:     eventsStatus{Log: cfg.Events.Log, Kafka: cfg.Events.Kafka.Enabled},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	})
}

func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	list := s.engine.GetContractAnalyses(contract)
	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": list,
		"count":    len(list),
		"stats":    s.engine.GetContractStats(contract),
	})
}

func (s *Server) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	res, err := s.engine.GetLatestAnalysis(contract)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContractReports(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	list := s.engine.GetContractReports(contract)
	writeJSON(w, http.StatusOK, map[string]any{"reports": list, "count": len(list)})
}

func (s *Server) handleThreat(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threat_level":    s.engine.GetContractThreatLevel(contract),
		"active_threat":   s.engine.HasActiveThreat(contract),
		"critical_alerts": s.engine.HasCriticalAlerts(contract),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	score, err := s.engine.GetReputationScore(contract)
	if err != nil {
		writeError(w, err)
		return
	}
	pct, _ := s.engine.GetReputationPercentage(contract)
	category, _ := s.engine.GetReputationCategory(contract)
	writeJSON(w, http.StatusOK, map[string]any{
		"score":      score,
		"percentage": pct,
		"category":   category,
	})
}

func (s *Server) handleScoreHistory(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	list := s.engine.GetScoreHistory(contract)
	writeJSON(w, http.StatusOK, map[string]any{"history": list, "count": len(list)})
}

func (s *Server) handleContractAlerts(w http.ResponseWriter, r *http.Request) {
	contract, ok := addressParam(w, r)
	if !ok {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list := s.engine.GetContractAlerts(contract, activeOnly)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
		"stats":  s.engine.GetContractAlertStats(contract),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	report, err := s.engine.GetReport(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	a, err := s.engine.GetAlert(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUserAlerts(w http.ResponseWriter, r *http.Request) {
	user, ok := addressParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := s.engine.GetUserAlerts(user)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func addressParam(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	addr, err := model.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return model.Address{}, false
	}
	return addr, true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, errs.Validation("invalid id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

var statusByKind = map[string]int{
	"validation":    http.StatusBadRequest,
	"authorization": http.StatusForbidden,
	"state":         http.StatusConflict,
	"not_found":     http.StatusNotFound,
	"rate_limit":    http.StatusTooManyRequests,
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.Kind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
