package target

import (
	"net/http"

	"priceintel/internal/handler/http/respond"
)

// BulkCreateHandler accepts a multipart/form-data upload (field "file") or a
// raw text/csv body and imports rows via Service.BulkCreateTargets (§6).
type BulkCreateHandler struct{ Svc Service }

func (h BulkCreateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body = r.Body
	if ct := r.Header.Get("Content-Type"); len(ct) >= 9 && ct[:9] == "multipart" {
		file, _, err := r.FormFile("file")
		if err != nil {
			respond.SafeError(w, http.StatusBadRequest, err)
			return
		}
		defer file.Close()
		body = file
	}

	result, err := h.Svc.BulkCreateTargets(r.Context(), body)
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	respond.JSON(w, http.StatusOK, result)
}
