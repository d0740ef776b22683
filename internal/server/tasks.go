package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finrisklabs/finrisk/internal/retrieval"
	"github.com/finrisklabs/finrisk/internal/study"
)

// QueryResponse reports a completed retrieval stage.
type QueryResponse struct {
	Status               string           `json:"status"`
	TaskID               string           `json:"task_id"`
	RetrievedNodes       []retrieval.Node `json:"retrieved_nodes"`
	RetrievalCompletedAt *time.Time       `json:"retrieval_completed_at"`
}

// SelectNodesResponse reports the stored node selection.
type SelectNodesResponse struct {
	TaskID          string   `json:"task_id"`
	SelectedNodeIDs []string `json:"selected_node_ids"`
	RejectedNodeIDs []string `json:"rejected_node_ids"`
}

// GenerateResponse reports a completed generation stage.
type GenerateResponse struct {
	TaskID                string     `json:"task_id"`
	Summary               string     `json:"summary"`
	UsedNodeIDs           []string   `json:"used_node_ids"`
	GenerationCompletedAt *time.Time `json:"generation_completed_at"`
}

// EditSummaryResponse reports the recorded edit.
type EditSummaryResponse struct {
	TaskID                string     `json:"task_id"`
	EditedSummary         string     `json:"edited_summary"`
	CharactersEdited      int        `json:"characters_edited"`
	HallucinationsFlagged int        `json:"hallucinations_flagged"`
	EditCompletedAt       *time.Time `json:"edit_completed_at"`
}

// CompleteTaskResponse reports task completion.
type CompleteTaskResponse struct {
	TaskID            string     `json:"task_id"`
	CompletedAt       *time.Time `json:"completed_at"`
	TimeOnTaskSeconds int        `json:"time_on_task_seconds"`
}

func (s *Server) handleRunQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.study.RunQuery(r.Context(), chi.URLParam(r, "taskID"), req.Query)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Status:               "completed",
		TaskID:               task.ID,
		RetrievedNodes:       task.RetrievedNodes,
		RetrievalCompletedAt: task.RetrievalCompletedAt,
	})
}

func (s *Server) handleSelectNodes(w http.ResponseWriter, r *http.Request) {
	var sel study.NodeSelection
	if err := decodeJSON(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.study.SelectNodes(r.Context(), chi.URLParam(r, "taskID"), sel)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SelectNodesResponse{
		TaskID:          task.ID,
		SelectedNodeIDs: orEmpty(task.SelectedNodeIDs),
		RejectedNodeIDs: orEmpty(task.RejectedNodeIDs),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SelectedNodeIDs []string `json:"selected_node_ids"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.study.Generate(r.Context(), chi.URLParam(r, "taskID"), req.SelectedNodeIDs)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{
		TaskID:                task.ID,
		Summary:               task.GeneratedSummary,
		UsedNodeIDs:           orEmpty(task.SelectedNodeIDs),
		GenerationCompletedAt: task.GenerationCompletedAt,
	})
}

func (s *Server) handleEditSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EditedText   string              `json:"edited_text"`
		FlaggedSpans []study.FlaggedSpan `json:"flagged_spans"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.study.EditSummary(r.Context(), chi.URLParam(r, "taskID"), req.EditedText, req.FlaggedSpans)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EditSummaryResponse{
		TaskID:                task.ID,
		EditedSummary:         task.EditedSummary,
		CharactersEdited:      task.CharactersEdited,
		HallucinationsFlagged: len(task.FlaggedSpans),
		EditCompletedAt:       task.EditCompletedAt,
	})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.study.CompleteTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteTaskResponse{
		TaskID:            task.ID,
		CompletedAt:       task.CompletedAt,
		TimeOnTaskSeconds: task.TimeOnTaskSeconds,
	})
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
