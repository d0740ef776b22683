package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
)

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	defs, err := s.engine.ListDefinitions(r.Context(), checkpoint.DefinitionFilter{
		EnabledOnly: !includeDisabled,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if defs == nil {
		defs = []*checkpoint.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var in checkpoint.DefinitionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.engine.CreateDefinition(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDefinition(r.Context(), chi.URLParam(r, "definitionID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}
	patch, err := decodeDefinitionPatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.engine.UpdateDefinition(r.Context(), chi.URLParam(r, "definitionID"), *patch)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// decodeDefinitionPatch decodes a partial update. A JSON null cannot be
// told apart from an absent key once unmarshaled, so the raw message is
// inspected to turn an explicit "timeout_seconds": null into ClearTimeout.
func decodeDefinitionPatch(body []byte) (*checkpoint.DefinitionPatch, error) {
	var patch checkpoint.DefinitionPatch
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if v, ok := raw["timeout_seconds"]; ok && string(v) == "null" {
		patch.ClearTimeout = true
	}
	return &patch, nil
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.DeleteDefinition(r.Context(), chi.URLParam(r, "definitionID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleToggleDefinition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	d, err := s.engine.SetDefinitionEnabled(r.Context(), chi.URLParam(r, "definitionID"), *req.Enabled)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
