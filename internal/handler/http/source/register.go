package source

import (
	"net/http"

	"priceintel/internal/handler/http/auth"
	srcUC "priceintel/internal/usecase/source"
)

// Register wires the source admin surface: listing is viewer-accessible,
// create/update require the admin role (enforced by auth.Authz).
func Register(mux *http.ServeMux, svc srcUC.Service) {
	mux.Handle("GET    /sources", ListHandler{svc})
	mux.Handle("POST   /sources", auth.Authz(CreateHandler{svc}))
	mux.Handle("PUT    /sources/", auth.Authz(UpdateHandler{svc}))
}
