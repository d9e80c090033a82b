package adapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"priceintel/internal/handler/http/respond"
)

var errNotFound = errors.New("adapter not found")

type ListHandler struct{ Svc Service }

func (h ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	list, err := h.Svc.ListAdapters(r.Context())
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]DTO, 0, len(list))
	for _, a := range list {
		out = append(out, toDTO(a))
	}
	respond.JSON(w, http.StatusOK, out)
}

type GetHandler struct{ Svc Service }

func (h GetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a, err := h.Svc.GetAdapter(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	if a == nil {
		respond.SafeError(w, http.StatusNotFound, errNotFound)
		return
	}
	respond.JSON(w, http.StatusOK, toDTO(a))
}

// ToggleEnabledHandler handles PUT /adapters/{id}/enabled.
type ToggleEnabledHandler struct{ Svc Service }

func (h ToggleEnabledHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Svc.ToggleAdapterEnabled(r.Context(), r.PathValue("id"), req.Enabled); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TogglePausedHandler handles PUT /adapters/{id}/paused.
type TogglePausedHandler struct{ Svc Service }

func (h TogglePausedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool   `json:"paused"`
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Svc.ToggleAdapterIngestionPaused(r.Context(), r.PathValue("id"), req.Paused, req.By, req.Reason); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetFailuresHandler handles POST /adapters/{id}/reset-failures.
type ResetFailuresHandler struct{ Svc Service }

func (h ResetFailuresHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.ResetAdapterFailures(r.Context(), r.PathValue("id")); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateScheduleHandler handles PUT /adapters/{id}/schedule.
type UpdateScheduleHandler struct{ Svc Service }

func (h UpdateScheduleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cron string `json:"cron"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Svc.UpdateAdapterSchedule(r.Context(), r.PathValue("id"), req.Cron); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerCycleHandler handles POST /adapters/{id}/run-now (§4.F "Run Now").
type TriggerCycleHandler struct{ Svc Service }

func (h TriggerCycleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.Svc.TriggerAdapterCycle(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.SafeError(w, http.StatusConflict, err)
		return
	}
	respond.JSON(w, http.StatusAccepted, toCycleDTO(cycle))
}

// CancelCycleHandler handles POST /cycles/{id}/cancel.
type CancelCycleHandler struct{ Svc Service }

func (h CancelCycleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.CancelAdapterCycle(r.Context(), r.PathValue("id")); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
