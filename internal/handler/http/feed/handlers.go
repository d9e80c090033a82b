package feed

import (
	"errors"
	"net/http"

	"priceintel/internal/handler/http/respond"
)

var errNotFound = errors.New("feed run not found")

type GetHandler struct{ Svc Service }

func (h GetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	run, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		respond.SafeError(w, http.StatusNotFound, errNotFound)
		return
	}
	respond.JSON(w, http.StatusOK, toDTO(run))
}

// ListRunningHandler handles GET /feed-runs/running: every currently-RUNNING
// run across all feeds, the same set the emergency-stop operation aborts.
type ListRunningHandler struct{ Svc Service }

func (h ListRunningHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Svc.ListRunning(r.Context())
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]DTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toDTO(run))
	}
	respond.JSON(w, http.StatusOK, out)
}
