package feed

import (
	"context"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

// Service is the read-only feed-run surface; it is satisfied directly by
// repository.FeedRunRepository, the same way internal/handler/http/source
// talks to its repository without an intervening usecase layer.
type Service interface {
	Get(ctx context.Context, id string) (*entity.AffiliateFeedRun, error)
	ListRunning(ctx context.Context) ([]*entity.AffiliateFeedRun, error)
}

var _ Service = repository.FeedRunRepository(nil)

// DTO is the wire representation of an AffiliateFeedRun.
type DTO struct {
	ID             string     `json:"id"`
	FeedID         int64      `json:"feed_id"`
	SourceID       int64      `json:"source_id"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	FailureKind    string     `json:"failure_kind,omitempty"`
	FailureCode    string     `json:"failure_code,omitempty"`
	FailureMessage string     `json:"failure_message,omitempty"`
	IsPartial      bool       `json:"is_partial"`
}

func toDTO(r *entity.AffiliateFeedRun) DTO {
	return DTO{
		ID: r.ID, FeedID: r.FeedID, SourceID: r.SourceID, Trigger: string(r.Trigger),
		Status: string(r.Status), StartedAt: r.StartedAt, FinishedAt: r.FinishedAt,
		FailureKind: string(r.FailureKind), FailureCode: r.FailureCode,
		FailureMessage: r.FailureMessage, IsPartial: r.IsPartial,
	}
}
