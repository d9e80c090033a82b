package admin

import (
	"encoding/json"
	"net/http"

	"priceintel/internal/handler/http/auth"
	"priceintel/internal/handler/http/respond"
	adminUC "priceintel/internal/usecase/admin"
)

type StatusHandler struct{ Svc Service }

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, err := h.Svc.GetScraperStatus(r.Context())
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	respond.JSON(w, http.StatusOK, toStatusDTO(status))
}

// SchedulerHandler handles PUT /admin/scraper/scheduler-enabled (§6).
type SchedulerHandler struct{ Svc Service }

func (h SchedulerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	by := auth.UserFromContext(r.Context())
	if err := h.Svc.EnableScraperScheduler(r.Context(), req.Enabled, by); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdapterLevelSchedulingHandler handles PUT
// /admin/scraper/adapter-level-scheduling (§6).
type AdapterLevelSchedulingHandler struct{ Svc Service }

func (h AdapterLevelSchedulingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	by := auth.UserFromContext(r.Context())
	if err := h.Svc.ToggleAdapterLevelScheduling(r.Context(), req.Enabled, by); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EmergencyStopHandler handles POST /admin/scraper/emergency-stop (§4.F,
// §6): requires the caller to echo the literal confirmation code.
type EmergencyStopHandler struct{ Svc Service }

func (h EmergencyStopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirmation string `json:"confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	by := auth.UserFromContext(r.Context())
	result, err := h.Svc.EmergencyStopScraper(r.Context(), req.Confirmation, by)
	if err != nil {
		code := http.StatusInternalServerError
		if err == adminUC.ErrBadConfirmation {
			code = http.StatusBadRequest
		}
		respond.SafeError(w, code, err)
		return
	}
	respond.JSON(w, http.StatusOK, result)
}
