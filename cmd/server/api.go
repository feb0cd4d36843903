package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/optimizer"
	"strategy-validation-lab/internal/pipeline"
	"strategy-validation-lab/internal/storage"
)

// serveAPI serves the JSON API for starting and inspecting optimization runs
// and validation pipelines.
func (s *Server) serveAPI(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/optimizations", s.handleStartOptimization)
	mux.HandleFunc("GET /api/optimizations/{id}", s.handleGetOptimization)
	mux.HandleFunc("GET /api/optimizations/{id}/results", s.handleGetResults)
	mux.HandleFunc("POST /api/optimizations/{id}/cancel", s.handleCancelOptimization)

	mux.HandleFunc("POST /api/pipelines", s.handleStartPipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/pause", s.pipelineAction(s.machine.PausePipeline))
	mux.HandleFunc("POST /api/pipelines/{id}/resume", s.pipelineAction(s.machine.ResumePipeline))
	mux.HandleFunc("POST /api/pipelines/{id}/cancel", s.pipelineAction(s.machine.CancelPipeline))
	mux.HandleFunc("POST /api/pipelines/{id}/skip", s.pipelineAction(s.machine.SkipStage))

	mux.HandleFunc("PUT /api/universe", s.handleUpsertUniverse)

	return s.serve(ctx, s.cfg.HTTPAddr, mux)
}

// startOptimizationRequest is the body for POST /api/optimizations and, with
// Rules, for POST /api/pipelines.
type startOptimizationRequest struct {
	Config domain.OptimizationConfig `json:"config"`
	Space  domain.ParameterSpace     `json:"space"`
	Rules  domain.ProgressionRules   `json:"rules"`
}

func (s *Server) handleStartOptimization(w http.ResponseWriter, r *http.Request) {
	var req startOptimizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := s.orchestrator.StartOptimization(r.Context(), req.Config, req.Space)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetOptimization(w http.ResponseWriter, r *http.Request) {
	run, err := s.stores.runs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.stores.results.GetByRunID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCancelOptimization(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.CancelOptimization(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	var req startOptimizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p, err := s.machine.StartPipeline(r.Context(), req.Config, req.Space, req.Rules)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.stores.pipelines.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// pipelineAction adapts a machine transition into a handler.
func (s *Server) pipelineAction(fn func(ctx context.Context, pipelineID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), r.PathValue("id")); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleUpsertUniverse(w http.ResponseWriter, r *http.Request) {
	var assets []domain.Asset
	if err := json.NewDecoder(r.Body).Decode(&assets); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	for _, a := range assets {
		if err := s.stores.universe.Upsert(r.Context(), a); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(assets)})
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Workers int    `json:"workers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "running",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Workers: s.cfg.Workers,
	})
}

// writeDomainError maps known sentinel errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, optimizer.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, optimizer.ErrNotCancellable),
		errors.Is(err, pipeline.ErrNotCancellable),
		errors.Is(err, pipeline.ErrNotPausable),
		errors.Is(err, pipeline.ErrNotResumable),
		errors.Is(err, pipeline.ErrNotSkippable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
