package source

import (
	"encoding/json"
	"errors"
	"net/http"

	"priceintel/internal/handler/http/respond"
	srcUC "priceintel/internal/usecase/source"
)

type CreateHandler struct{ Svc srcUC.Service }

func (h CreateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		RetailerRef string `json:"retailer_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.RetailerRef == "" {
		respond.SafeError(w, http.StatusBadRequest, errors.New("name and retailer_ref required"))
		return
	}
	created, err := h.Svc.Create(r.Context(), srcUC.CreateInput{Name: req.Name, RetailerRef: req.RetailerRef})
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	respond.JSON(w, http.StatusCreated, toDTO(created))
}
