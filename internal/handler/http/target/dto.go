package target

import (
	"context"
	"io"
	"time"

	"priceintel/internal/domain/entity"
	adminUC "priceintel/internal/usecase/admin"
)

// Service is the subset of admin.Service the target handlers call.
type Service interface {
	ListTargets(ctx context.Context, adapterID string, limit, offset int) ([]*entity.ScrapeTarget, error)
	GetTarget(ctx context.Context, id string) (*entity.ScrapeTarget, error)
	CreateTarget(ctx context.Context, t *entity.ScrapeTarget) (*entity.ScrapeTarget, error)
	UpdateTarget(ctx context.Context, t *entity.ScrapeTarget) error
	DeleteTarget(ctx context.Context, id string) error
	BulkCreateTargets(ctx context.Context, r io.Reader) (*adminUC.BulkResult, error)
}

// DTO is the wire representation of a ScrapeTarget.
type DTO struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	CanonicalURL   string     `json:"canonical_url"`
	SourceID       int64      `json:"source_id"`
	AdapterID      string     `json:"adapter_id"`
	Priority       int        `json:"priority"`
	Enabled        bool       `json:"enabled"`
	Status         string     `json:"status"`
	LastStatus     string     `json:"last_status"`
	LastScrapedAt  *time.Time `json:"last_scraped_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toDTO(t *entity.ScrapeTarget) DTO {
	return DTO{
		ID: t.ID, URL: t.URL, CanonicalURL: t.CanonicalURL, SourceID: t.SourceID,
		AdapterID: t.AdapterID, Priority: t.Priority, Enabled: t.Enabled,
		Status: string(t.Status), LastStatus: string(t.LastStatus),
		LastScrapedAt: t.LastScrapedAt, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}
