package feed

import "net/http"

// Register wires the read-only feed-run surface; no role restriction beyond
// the base Authz pass since it exposes no mutation.
func Register(mux *http.ServeMux, svc Service) {
	mux.Handle("GET /feed-runs/running", ListRunningHandler{svc})
	mux.Handle("GET /feed-runs/{id}", GetHandler{svc})
}
