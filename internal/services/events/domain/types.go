// Package domain defines the types and interfaces for the events service
package domain

import "time"

// Source identifies where a signal came from
type Source string

// Known sources
const (
	SourceGit     Source = "git"
	SourceCI      Source = "ci"
	SourceLogs    Source = "logs"
	SourceMetrics Source = "metrics"
	SourceTraces  Source = "traces"
	SourceManual  Source = "manual"
)

// Valid reports whether s is a known source
func (s Source) Valid() bool {
	switch s {
	case SourceGit, SourceCI, SourceLogs, SourceMetrics, SourceTraces, SourceManual:
		return true
	}
	return false
}

// Severity ranks the impact of a signal
type Severity string

// Severity levels ordered from most to least severe
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether v is a known severity
func (v Severity) Valid() bool {
	switch v {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Event is the normalized representation of any inbound signal
type Event struct {
	ID         string
	Source     Source
	SourceID   string // foreign identifier such as a commit hash or build id, unique per source when set
	EventType  string
	Severity   Severity
	OccurredAt time.Time
	IngestedAt time.Time
	Payload    map[string]any
	Tags       []string
	DeletedAt  *time.Time
}

// HasTag reports whether the event carries tag exactly
func (e Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Patch carries partial updates for an event; nil fields are left unchanged
type Patch struct {
	EventType  *string
	Severity   *Severity
	OccurredAt *time.Time
	Payload    map[string]any
	Tags       []string
	SetTags    bool // Tags is only applied when SetTags is true so empty replaces are possible
}

// Filter narrows event queries; zero values mean no constraint
type Filter struct {
	Source          Source
	Severity        Severity
	EventType       string
	Tag             string
	Since           *time.Time // inclusive
	Until           *time.Time // inclusive
	InvestigationID string
	IncludeDeleted  bool
	Limit           int
	Offset          int
}

// Link is one event to investigation association
type Link struct {
	EventID         string
	InvestigationID string
	LinkedAt        time.Time
}

// IngestStats summarizes one batch insert
type IngestStats struct {
	Inserted   int
	Duplicates int
}
