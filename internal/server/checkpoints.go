package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
)

// ResolvedCheckpoints is the response of the per-task resolve endpoint.
type ResolvedCheckpoints struct {
	TaskID           string                 `json:"task_id"`
	PipelinePosition checkpoint.Position    `json:"pipeline_position"`
	Checkpoints      []*checkpoint.Instance `json:"checkpoints"`
}

func (s *Server) handleResolveCheckpoints(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	position := checkpoint.Position(r.URL.Query().Get("pipeline_position"))
	if !position.Valid() {
		writeError(w, http.StatusUnprocessableEntity,
			"pipeline_position must be one of after_retrieval, after_generation, post_generation")
		return
	}
	instances, err := s.study.ResolveCheckpoints(r.Context(), taskID, position)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if instances == nil {
		instances = []*checkpoint.Instance{}
	}
	writeJSON(w, http.StatusOK, ResolvedCheckpoints{
		TaskID:           taskID,
		PipelinePosition: position,
		Checkpoints:      instances,
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.engine.GetInstance(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleSubmitCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.engine.Submit(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "instanceID"), req.Data)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleSkipCheckpoint(w http.ResponseWriter, r *http.Request) {
	inst, err := s.engine.Skip(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRetryCheckpoint(w http.ResponseWriter, r *http.Request) {
	inst, err := s.engine.Retry(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleTimeoutCheckpoint(w http.ResponseWriter, r *http.Request) {
	inst, err := s.engine.Timeout(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
