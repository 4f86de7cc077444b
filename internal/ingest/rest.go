package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chainguard/internal/config"
)

type RESTServer struct {
	handler *Handler
	source  Source
	logger  *slog.Logger
}

type submitResult struct {
	ID           uint64 `json:"id,omitempty"`
	LevelChanged bool   `json:"level_changed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StartREST serves POST /analyses for pipelines that cannot reach Kafka.
// Every submission acts as the configured ingest.rest.analyzer.
func StartREST(ctx context.Context, cfg *config.Manager, h *Handler, logger *slog.Logger) (*http.Server, error) {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil, nil
	}
	src, err := NewSource("rest", current.Analyzer)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr, "analyzer", src.Analyzer.Hex())
	}
	s := &RESTServer{handler: h, source: src, logger: logger}
	httpServer := &http.Server{Addr: current.Addr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer, nil
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/analyses", s.handleAnalyses)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// handleAnalyses accepts one submission object or an array of them and
// reports a result per submission.
func (s *RESTServer) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var items []json.RawMessage
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &items); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		items = []json.RawMessage{trim}
	}

	accepted, failed := 0, 0
	results := make([]submitResult, 0, len(items))
	for _, item := range items {
		receipt, err := s.handler.Handle(r.Context(), s.source, item)
		if err != nil {
			failed++
			results = append(results, submitResult{Error: err.Error()})
			continue
		}
		accepted++
		results = append(results, submitResult{ID: receipt.Result.ID, LevelChanged: receipt.LevelChanged})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"failed":   failed,
		"results":  results,
	})
}
