package entity

import (
	"fmt"
	"time"
)

// Source represents a single retailer-facing data origin: the thing an
// AffiliateFeed or a ScrapeAdapter pulls prices for.
type Source struct {
	ID               int64
	Name             string
	RetailerRef      string
	ScrapeEnabled    bool
	RobotsCompliant  bool
	TosApprovedAt    *time.Time
	TosApproverID    string
	AdapterID        string
	FeedHashMemo     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate enforces the invariant from §3: a source may only be marked
// scrapeEnabled when it is robots-compliant and has a recorded ToS approver.
func (s *Source) Validate() error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if s.ScrapeEnabled {
		if !s.RobotsCompliant {
			return &ValidationError{Field: "robots_compliant", Message: "scrapeEnabled requires robotsCompliant=true"}
		}
		if s.TosApproverID == "" || s.TosApprovedAt == nil {
			return &ValidationError{Field: "tos_approver_id", Message: "scrapeEnabled requires a recorded ToS approver"}
		}
	}
	return nil
}

// String implements fmt.Stringer for log-friendly identification.
func (s *Source) String() string {
	return fmt.Sprintf("Source{id=%d name=%q retailer=%q}", s.ID, s.Name, s.RetailerRef)
}
