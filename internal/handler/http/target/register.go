package target

import (
	"net/http"

	"priceintel/internal/handler/http/auth"
)

// Register wires the scrape-target admin surface (§6): listing/fetching a
// single target stays viewer-accessible, all mutations require the admin
// role.
func Register(mux *http.ServeMux, svc Service) {
	mux.Handle("GET    /targets", ListHandler{svc})
	mux.Handle("GET    /targets/", GetHandler{svc})
	mux.Handle("POST   /targets", auth.Authz(CreateHandler{svc}))
	mux.Handle("PUT    /targets/", auth.Authz(UpdateHandler{svc}))
	mux.Handle("DELETE /targets/", auth.Authz(DeleteHandler{svc}))
	mux.Handle("POST   /targets/bulk", auth.Authz(BulkCreateHandler{svc}))
}
