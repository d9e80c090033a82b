package source

import (
	"encoding/json"
	"errors"
	"net/http"

	"priceintel/internal/handler/http/pathutil"
	"priceintel/internal/handler/http/respond"
	srcUC "priceintel/internal/usecase/source"
)

type UpdateHandler struct{ Svc srcUC.Service }

func (h UpdateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := pathutil.ExtractID(r.URL.Path, "/sources/")
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Name            string `json:"name"`
		ScrapeEnabled   *bool  `json:"scrape_enabled"`
		RobotsCompliant *bool  `json:"robots_compliant"`
		TosApproverID   string `json:"tos_approver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}

	err = h.Svc.Update(r.Context(), srcUC.UpdateInput{
		ID: id, Name: req.Name, ScrapeEnabled: req.ScrapeEnabled,
		RobotsCompliant: req.RobotsCompliant, TosApproverID: req.TosApproverID,
	})
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, srcUC.ErrSourceNotFound) {
			code = http.StatusNotFound
		}
		respond.SafeError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
