package target

import (
	"encoding/json"
	"errors"
	"net/http"

	"priceintel/internal/domain/entity"
	"priceintel/internal/handler/http/pathutil"
	"priceintel/internal/handler/http/respond"
)

var errNotFound = errors.New("target not found")

func idFromPath(r *http.Request) (string, error) {
	return pathutil.ExtractStringID(r.URL.Path, "/targets/")
}

type CreateHandler struct{ Svc Service }

func (h CreateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL       string `json:"url"`
		SourceID  int64  `json:"source_id"`
		AdapterID string `json:"adapter_id"`
		Priority  int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.Svc.CreateTarget(r.Context(), &entity.ScrapeTarget{
		URL: req.URL, SourceID: req.SourceID, AdapterID: req.AdapterID, Priority: req.Priority,
	})
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, entity.ErrAlreadyExists) {
			code = http.StatusConflict
		}
		respond.SafeError(w, code, err)
		return
	}
	respond.JSON(w, http.StatusCreated, toDTO(created))
}
