package adapter

import (
	"context"
	"time"

	"priceintel/internal/domain/entity"
)

// Service is the subset of admin.Service the adapter handlers call.
type Service interface {
	ListAdapters(ctx context.Context) ([]*entity.ScrapeAdapter, error)
	GetAdapter(ctx context.Context, id string) (*entity.ScrapeAdapter, error)
	ToggleAdapterEnabled(ctx context.Context, adapterID string, enabled bool) error
	ToggleAdapterIngestionPaused(ctx context.Context, adapterID string, paused bool, by, reason string) error
	ResetAdapterFailures(ctx context.Context, adapterID string) error
	UpdateAdapterSchedule(ctx context.Context, adapterID, cron string) error
	TriggerAdapterCycle(ctx context.Context, adapterID string) (*entity.ScrapeCycle, error)
	CancelAdapterCycle(ctx context.Context, cycleID string) error
}

// DTO is the wire representation of a ScrapeAdapter.
type DTO struct {
	ID                       string     `json:"id"`
	Enabled                  bool       `json:"enabled"`
	IngestionPaused          bool       `json:"ingestion_paused"`
	IngestionPausedReason    string     `json:"ingestion_paused_reason,omitempty"`
	Schedule                 string     `json:"schedule"`
	CurrentCycleID           *string    `json:"current_cycle_id,omitempty"`
	ConsecutiveFailedBatches int        `json:"consecutive_failed_batches"`
	DisabledAt               *time.Time `json:"disabled_at,omitempty"`
	DisabledReason           string     `json:"disabled_reason,omitempty"`
	AdapterLevelSchedulingOn bool       `json:"adapter_level_scheduling_on"`
}

func toDTO(a *entity.ScrapeAdapter) DTO {
	return DTO{
		ID: a.ID, Enabled: a.Enabled, IngestionPaused: a.IngestionPaused,
		IngestionPausedReason: a.IngestionPausedReason, Schedule: a.Schedule,
		CurrentCycleID: a.CurrentCycleID, ConsecutiveFailedBatches: a.ConsecutiveFailedBatches,
		DisabledAt: a.DisabledAt, DisabledReason: string(a.DisabledReason),
		AdapterLevelSchedulingOn: a.AdapterLevelSchedulingOn,
	}
}

type cycleDTO struct {
	ID         string     `json:"id"`
	AdapterID  string     `json:"adapter_id"`
	Status     string     `json:"status"`
	Total      int        `json:"total_targets"`
	Completed  int        `json:"targets_completed"`
	Failed     int        `json:"targets_failed"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func toCycleDTO(c *entity.ScrapeCycle) cycleDTO {
	return cycleDTO{
		ID: c.ID, AdapterID: c.AdapterID, Status: string(c.Status),
		Total: c.TotalTargets, Completed: c.TargetsCompleted, Failed: c.TargetsFailed,
		StartedAt: c.StartedAt, FinishedAt: c.FinishedAt,
	}
}
