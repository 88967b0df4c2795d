package domain

import "context"

// WriterPort persists events
type WriterPort interface {
	// Create inserts an event and returns the normalized row. A conflict on
	// (source, source_id) is absorbed and reported as created=false without
	// mutating the existing row
	Create(ctx context.Context, ev Event) (out Event, created bool, err error)
	// Ingest inserts a batch in order, absorbing per-event conflicts
	Ingest(ctx context.Context, evs []Event) (IngestStats, error)
	Update(ctx context.Context, id string, p Patch) error
	SoftDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
}

// QueryPort reads events
type QueryPort interface {
	Get(ctx context.Context, id string) (Event, error)
	// List returns events matching f, newest occurrence first, with the total match count
	List(ctx context.Context, f Filter) ([]Event, int, error)
}

// LinkPort manages event to investigation associations
type LinkPort interface {
	// Link is idempotent; linked_at is set on the first link only
	Link(ctx context.Context, eventID, investigationID string) (linked bool, err error)
	Unlink(ctx context.Context, eventID, investigationID string) error
	ListByInvestigation(ctx context.Context, investigationID string, f Filter) ([]Event, int, error)
}
