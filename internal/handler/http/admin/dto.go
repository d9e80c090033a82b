package admin

import (
	"context"

	adminUC "priceintel/internal/usecase/admin"
)

// Service is the subset of admin.Service the global-flag/emergency-stop
// handlers call.
type Service interface {
	GetScraperStatus(ctx context.Context) (*adminUC.ScraperStatus, error)
	EnableScraperScheduler(ctx context.Context, enabled bool, by string) error
	ToggleAdapterLevelScheduling(ctx context.Context, enabled bool, by string) error
	EmergencyStopScraper(ctx context.Context, code, by string) (*adminUC.EmergencyStopResult, error)
}

type statusDTO struct {
	SchedulerEnabled              bool `json:"scheduler_enabled"`
	AdapterLevelSchedulingEnabled bool `json:"adapter_level_scheduling_enabled"`
	RunningCycles                 int  `json:"running_cycles"`
	RunningFeedRuns                int  `json:"running_feed_runs"`
}

func toStatusDTO(s *adminUC.ScraperStatus) statusDTO {
	return statusDTO{
		SchedulerEnabled:              s.SchedulerEnabled,
		AdapterLevelSchedulingEnabled: s.AdapterLevelSchedulingEnabled,
		RunningCycles:                 s.RunningCycles,
		RunningFeedRuns:               s.RunningFeedRuns,
	}
}
