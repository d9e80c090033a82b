// Package source provides use cases for managing retailer Source records:
// the origin each AffiliateFeed/ScrapeAdapter pulls prices from.
package source

import (
	"context"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

// CreateInput represents the input parameters for registering a new source.
type CreateInput struct {
	Name        string
	RetailerRef string
}

// UpdateInput represents the input parameters for updating an existing
// source. Empty string fields and nil bool fields are left unchanged.
type UpdateInput struct {
	ID              int64
	Name            string
	ScrapeEnabled   *bool
	RobotsCompliant *bool
	TosApproverID   string
}

// Service provides source management use cases, delegating persistence to
// the repository and enforcing the §3 scrapeEnabled invariant via
// entity.Source.Validate.
type Service struct {
	Repo repository.SourceRepository
}

func (s *Service) List(ctx context.Context) ([]*entity.Source, error) {
	sources, err := s.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*entity.Source, error) {
	src, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	if src == nil {
		return nil, ErrSourceNotFound
	}
	return src, nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.Source, error) {
	if in.Name == "" {
		return nil, &entity.ValidationError{Field: "name", Message: "is required"}
	}
	if in.RetailerRef == "" {
		return nil, &entity.ValidationError{Field: "retailerRef", Message: "is required"}
	}

	src := &entity.Source{
		Name:        in.Name,
		RetailerRef: in.RetailerRef,
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	created, err := s.Repo.Create(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	return created, nil
}

// Update applies a partial patch and, when turning scrapeEnabled on,
// requires an already-recorded or newly-supplied ToS approver (§3).
func (s *Service) Update(ctx context.Context, in UpdateInput) error {
	if in.ID <= 0 {
		return &entity.ValidationError{Field: "id", Message: "must be positive"}
	}

	src, err := s.Repo.Get(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if src == nil {
		return ErrSourceNotFound
	}

	if in.Name != "" {
		src.Name = in.Name
	}
	if in.RobotsCompliant != nil {
		src.RobotsCompliant = *in.RobotsCompliant
	}
	if in.TosApproverID != "" {
		src.TosApproverID = in.TosApproverID
		now := time.Now()
		src.TosApprovedAt = &now
	}
	if in.ScrapeEnabled != nil {
		src.ScrapeEnabled = *in.ScrapeEnabled
	}

	if err := src.Validate(); err != nil {
		return err
	}

	if err := s.Repo.Update(ctx, src); err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return nil
}
