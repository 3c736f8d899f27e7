package domain

import (
	"time"
)

type Status int

const (
	StatusActive Status = iota
	StatusDeleted
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeleted:
		return "deleted"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

type Paste struct {
	ID          int64     `json:"-"`
	Slug        string    `json:"slug"`
	Content     string    `json:"content"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatorAddr string    `json:"-"`
	VisitCount  int       `json:"visitCount"`
	Deleted     bool      `json:"-"`
}

// IsActive reports whether the paste is visible at now. A paste whose
// ExpiresAt equals now is already expired.
func (p *Paste) IsActive(now time.Time) bool {
	return !p.Deleted && now.Before(p.ExpiresAt)
}

// Status derives the lifecycle state from the deleted flag and the expiry
// time. Expiry is reported first since purge only looks at time.
func (p *Paste) Status(now time.Time) Status {
	if !now.Before(p.ExpiresAt) {
		return StatusExpired
	}
	if p.Deleted {
		return StatusDeleted
	}
	return StatusActive
}

type ViewResult struct {
	Slug       string    `json:"slug"`
	Content    string    `json:"content"`
	Language   string    `json:"language"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	VisitCount int       `json:"visitCount"`
	CanDelete  bool      `json:"canDelete"`
}

func NewViewResult(p *Paste, viewerAddr string) *ViewResult {
	return &ViewResult{
		Slug:       p.Slug,
		Content:    p.Content,
		Language:   p.Language,
		CreatedAt:  p.CreatedAt,
		ExpiresAt:  p.ExpiresAt,
		VisitCount: p.VisitCount,
		CanDelete:  p.CreatorAddr == viewerAddr,
	}
}

type CreateParams struct {
	Content     string
	Language    string
	Expiration  string
	CreatorAddr string
	// RemoteIP is the raw client address handed to the human verifier.
	// CreatorAddr may be a pseudonym of it.
	RemoteIP          string
	VerificationToken string
}
