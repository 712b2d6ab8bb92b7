// Package handlers provides HTTP handlers for the ward API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/engine"
)

// DefaultOverrideHold is how long the hold-to-override gesture must be
// sustained when the client does not specify its own duration.
const DefaultOverrideHold = 1500 * time.Millisecond

// EngineHandler exposes the context engine over HTTP.
type EngineHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewEngineHandler creates a new handler
func NewEngineHandler(eng *engine.Engine, logger *zap.Logger) *EngineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineHandler{engine: eng, logger: logger}
}

// Routes returns the handler routes
func (h *EngineHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/mode", h.SetMode)
	r.Post("/mode/lock", h.ToggleLock)
	r.Post("/mode/override", h.Override)
	r.Get("/state", h.State)
	r.Get("/tools", h.Tools)
	r.Post("/tools/{id}/usage", h.ToolUsage)
	r.Get("/patients/recent", h.RecentPatients)
	r.Post("/patients/select", h.SelectPatient)
	r.Delete("/patients/select", h.ClearPatient)
	r.Post("/context/diagnosis", h.SetDiagnosis)
	r.Get("/audit", h.Audit)
	return r
}

// SetModeRequest is the request body for a mode change
type SetModeRequest struct {
	Mode mode.Mode `json:"mode"`
}

// SetMode handles POST /mode
func (h *EngineHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, span := otel.Tracer("engine-handler").Start(ctx, "set_mode")
	defer span.End()

	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		h.jsonError(w, "mode is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("mode", string(req.Mode)))

	if !h.engine.SetMode(req.Mode) {
		h.jsonError(w, "mode change rejected", http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.engine.Snapshot())
}

// ToggleLock handles POST /mode/lock
func (h *EngineHandler) ToggleLock(w http.ResponseWriter, r *http.Request) {
	locked := h.engine.ToggleLock(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

// OverrideRequest is the request body for a hold-to-override
type OverrideRequest struct {
	Mode   mode.Mode `json:"mode"`
	HoldMS int64     `json:"holdMs,omitempty"`
}

// Override handles POST /mode/override. The transition applies after the
// hold duration elapses; a subsequent lock toggle cancels it.
func (h *EngineHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		h.jsonError(w, "mode is required", http.StatusBadRequest)
		return
	}

	hold := DefaultOverrideHold
	if req.HoldMS > 0 {
		hold = time.Duration(req.HoldMS) * time.Millisecond
	}

	if h.engine.RequestOverride(req.Mode, hold) == nil {
		h.jsonError(w, "override rejected", http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int64{"holdMs": hold.Milliseconds()})
}

// State handles GET /state
func (h *EngineHandler) State(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// Tools handles GET /tools
func (h *EngineHandler) Tools(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.SortedTools(r.Context()))
}

// ToolUsage handles POST /tools/{id}/usage
func (h *EngineHandler) ToolUsage(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "id")
	if !h.engine.RecordToolUsage(r.Context(), toolID) {
		h.jsonError(w, "unknown tool", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecentPatients handles GET /patients/recent
func (h *EngineHandler) RecentPatients(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.RecentPatients(r.Context()))
}

// SelectPatientRequest is the request body for patient selection
type SelectPatientRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SelectPatient handles POST /patients/select
func (h *EngineHandler) SelectPatient(w http.ResponseWriter, r *http.Request) {
	var req SelectPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		h.jsonError(w, "id is required", http.StatusBadRequest)
		return
	}

	h.engine.SelectPatient(r.Context(), req.ID, req.Name)
	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// ClearPatient handles DELETE /patients/select
func (h *EngineHandler) ClearPatient(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearPatient()
	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// DiagnosisRequest is the request body for the working diagnosis
type DiagnosisRequest struct {
	Diagnosis string `json:"diagnosis"`
}

// SetDiagnosis handles POST /context/diagnosis
func (h *EngineHandler) SetDiagnosis(w http.ResponseWriter, r *http.Request) {
	var req DiagnosisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.engine.SetSuspectedDiagnosis(req.Diagnosis)
	w.WriteHeader(http.StatusNoContent)
}

// Audit handles GET /audit
func (h *EngineHandler) Audit(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.AuditEntries(r.Context()))
}

func (h *EngineHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *EngineHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
