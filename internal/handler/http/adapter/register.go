package adapter

import (
	"net/http"

	"priceintel/internal/handler/http/auth"
)

// Register wires the scrape-adapter admin surface (§6): status reads stay
// viewer-accessible, every toggle/trigger/cancel requires the admin role.
func Register(mux *http.ServeMux, svc Service) {
	mux.Handle("GET  /adapters", ListHandler{svc})
	mux.Handle("GET  /adapters/{id}", GetHandler{svc})
	mux.Handle("PUT  /adapters/{id}/enabled", auth.Authz(ToggleEnabledHandler{svc}))
	mux.Handle("PUT  /adapters/{id}/paused", auth.Authz(TogglePausedHandler{svc}))
	mux.Handle("POST /adapters/{id}/reset-failures", auth.Authz(ResetFailuresHandler{svc}))
	mux.Handle("PUT  /adapters/{id}/schedule", auth.Authz(UpdateScheduleHandler{svc}))
	mux.Handle("POST /adapters/{id}/run-now", auth.Authz(TriggerCycleHandler{svc}))
	mux.Handle("POST /cycles/{id}/cancel", auth.Authz(CancelCycleHandler{svc}))
}
