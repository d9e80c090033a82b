package admin

import (
	"net/http"

	"priceintel/internal/handler/http/auth"
)

// Register wires the global scraper control surface (§6): status reads stay
// viewer-accessible, every flag flip and the emergency stop require the
// admin role.
func Register(mux *http.ServeMux, svc Service) {
	mux.Handle("GET  /admin/scraper/status", StatusHandler{svc})
	mux.Handle("PUT  /admin/scraper/scheduler-enabled", auth.Authz(SchedulerHandler{svc}))
	mux.Handle("PUT  /admin/scraper/adapter-level-scheduling", auth.Authz(AdapterLevelSchedulingHandler{svc}))
	mux.Handle("POST /admin/scraper/emergency-stop", auth.Authz(EmergencyStopHandler{svc}))
}
