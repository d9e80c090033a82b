package source

import (
	"time"

	"priceintel/internal/domain/entity"
)

type DTO struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	RetailerRef     string     `json:"retailer_ref"`
	ScrapeEnabled   bool       `json:"scrape_enabled"`
	RobotsCompliant bool       `json:"robots_compliant"`
	TosApprovedAt   *time.Time `json:"tos_approved_at,omitempty"`
	TosApproverID   string     `json:"tos_approver_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toDTO(s *entity.Source) DTO {
	return DTO{
		ID: s.ID, Name: s.Name, RetailerRef: s.RetailerRef,
		ScrapeEnabled: s.ScrapeEnabled, RobotsCompliant: s.RobotsCompliant,
		TosApprovedAt: s.TosApprovedAt, TosApproverID: s.TosApproverID,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}
