// Package domain defines the types and interfaces for the investigations service
package domain

import "time"

// Status tracks an investigation's lifecycle
type Status string

// Lifecycle states in progression order
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// rank positions a status on the open to closed progression
func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusInProgress:
		return 1
	case StatusResolved:
		return 2
	case StatusClosed:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status
func (s Status) Valid() bool { return s.rank() >= 0 }

// CanTransitionTo reports whether moving to next is allowed.
// Transitions only move toward closed; staying put is allowed
func (s Status) CanTransitionTo(next Status) bool {
	return s.Valid() && next.Valid() && next.rank() >= s.rank()
}

// Severity ranks the impact of an investigation
type Severity string

// Impact levels
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether v is a known severity
func (v Severity) Valid() bool {
	switch v {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// MaxTextLen bounds every free-text field, enforced on every mutation
const MaxTextLen = 2000

// Investigation is one incident record
type Investigation struct {
	ID             string
	Title          string
	Description    string
	Status         Status
	Severity       Severity
	Priority       string
	Component      string
	Service        string
	RootCause      string
	Remediation    string
	LessonsLearned string
	DetectedAt     *time.Time
	StartedAt      *time.Time
	ResolvedAt     *time.Time
	Tags           []string
	CreatedBy      string
	AssignedTo     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Patch carries partial updates; nil fields are left unchanged
type Patch struct {
	Title          *string
	Description    *string
	Status         *Status
	Severity       *Severity
	Priority       *string
	Component      *string
	Service        *string
	RootCause      *string
	Remediation    *string
	LessonsLearned *string
	DetectedAt     *time.Time
	StartedAt      *time.Time
	ResolvedAt     *time.Time
	Tags           []string
	SetTags        bool
	AssignedTo     *string
}

// Valid sort columns for list queries
const (
	SortCreatedAt = "created_at"
	SortUpdatedAt = "updated_at"
	SortSeverity  = "severity"
	SortStatus    = "status"
)

// Filter narrows investigation list queries
type Filter struct {
	Status    Status
	Severity  Severity
	Search    string // case-insensitive substring on title and description
	Page      int
	PageSize  int
	SortBy    string // one of the Sort* columns
	SortOrder string // asc or desc
}

// Annotation is one threaded note on an investigation
type Annotation struct {
	ID              string
	InvestigationID string
	ParentID        string // empty for top level notes
	Author          string
	Text            string
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

// Relation associates two investigations
type Relation struct {
	InvestigationID string
	RelatedID       string
	CreatedAt       time.Time
}
