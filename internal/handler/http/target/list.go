package target

import (
	"net/http"
	"strconv"

	"priceintel/internal/handler/http/respond"
)

type ListHandler struct{ Svc Service }

func (h ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := h.Svc.ListTargets(r.Context(), q.Get("adapter_id"), limit, offset)
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]DTO, 0, len(list))
	for _, t := range list {
		out = append(out, toDTO(t))
	}
	respond.JSON(w, http.StatusOK, out)
}

type GetHandler struct{ Svc Service }

func (h GetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := h.Svc.GetTarget(r.Context(), id)
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	if t == nil {
		respond.SafeError(w, http.StatusNotFound, errNotFound)
		return
	}
	respond.JSON(w, http.StatusOK, toDTO(t))
}
