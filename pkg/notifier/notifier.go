// Package notifier contains the core domain types for the pagewatch service.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies one of the monitored domains.
type SourceType string

const (
	// SourceRegistration is the NYSC registration portal and its mirrors.
	SourceRegistration SourceType = "nysc"
	// SourceRepoIssues is a GitHub repository issue list.
	SourceRepoIssues SourceType = "github"
	// SourceJobBoard is a job-board listing page.
	SourceJobBoard SourceType = "job_site"
)

// Sources lists every source type in scheduling order.
var Sources = []SourceType{SourceRegistration, SourceRepoIssues, SourceJobBoard}

// ParseSourceType maps a wire name onto a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(strings.TrimSpace(strings.ToLower(s))) {
	case SourceRegistration:
		return SourceRegistration, nil
	case SourceRepoIssues:
		return SourceRepoIssues, nil
	case SourceJobBoard:
		return SourceJobBoard, nil
	}
	return "", fmt.Errorf("%w: unknown tracking type %q", ErrInvalid, s)
}

func (s SourceType) String() string {
	return string(s)
}

// IssueCounts are the open and closed issue totals of a repository.
type IssueCounts struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// State is the last observed state of a target. Which fields are meaningful
// depends on the source type:
//
//	nysc      Status (nil until the first active registration window is seen)
//	github    Open, Closed
//	job_site  Count
type State struct {
	Status *string `json:"status,omitempty"`
	Open   int     `json:"open,omitempty"`
	Closed int     `json:"closed,omitempty"`
	Count  int     `json:"count,omitempty"`
}

// Issues returns the repo-issues view of the state.
func (s State) Issues() IssueCounts {
	return IssueCounts{Open: s.Open, Closed: s.Closed}
}

// StatusText returns the stored status, or "" when never observed.
func (s State) StatusText() string {
	if s.Status == nil {
		return ""
	}
	return *s.Status
}

// Equal reports whether two states hold the same observation.
func (s State) Equal(o State) bool {
	if (s.Status == nil) != (o.Status == nil) {
		return false
	}
	if s.Status != nil && *s.Status != *o.Status {
		return false
	}
	return s.Open == o.Open && s.Closed == o.Closed && s.Count == o.Count
}

// Target is one tracked subscription.
type Target struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ID        string     `json:"id"`
	Source    SourceType `json:"source"`
	OwnerID   string     `json:"owner_id"`
	Email     string     `json:"email"`
	URL       string     `json:"url,omitempty"` // Empty for nysc; the mirrors are configuration
	State     State      `json:"state"`
}

// Message is one notification event addressed to one or more subscribers.
type Message struct {
	Source  SourceType
	To      []string
	Subject string
	Body    string
	// Unsubscribe appends a per-recipient unsubscribe reference when set.
	Unsubscribe bool
}
