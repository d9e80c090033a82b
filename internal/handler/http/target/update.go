package target

import (
	"encoding/json"
	"net/http"

	"priceintel/internal/domain/entity"
	"priceintel/internal/handler/http/respond"
)

type UpdateHandler struct{ Svc Service }

func (h UpdateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		URL      string `json:"url"`
		Priority *int   `json:"priority"`
		Enabled  *bool  `json:"enabled"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}

	existing, err := h.Svc.GetTarget(r.Context(), id)
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	if existing == nil {
		respond.SafeError(w, http.StatusNotFound, errNotFound)
		return
	}

	if req.URL != "" {
		existing.URL = req.URL
	}
	if req.Priority != nil {
		existing.Priority = *req.Priority
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.Status != "" {
		existing.Status = entity.TargetStatus(req.Status)
	}

	if err := h.Svc.UpdateTarget(r.Context(), existing); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type DeleteHandler struct{ Svc Service }

func (h DeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Svc.DeleteTarget(r.Context(), id); err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
