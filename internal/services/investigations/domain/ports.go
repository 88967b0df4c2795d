package domain

import "context"

// StorePort is the investigation lifecycle surface
type StorePort interface {
	Create(ctx context.Context, inv Investigation) (Investigation, error)
	Get(ctx context.Context, id string) (Investigation, error)
	// Update enforces the monotonic status progression and text bounds
	Update(ctx context.Context, id string, p Patch) (Investigation, error)
	// SoftDelete hides the investigation and its annotations and event links
	// in one transaction
	SoftDelete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]Investigation, int, error)
}

// AnnotationPort manages threaded notes
type AnnotationPort interface {
	Annotate(ctx context.Context, a Annotation) (Annotation, error)
	Annotations(ctx context.Context, investigationID string) ([]Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) error
}

// RelationPort manages related-investigation associations
type RelationPort interface {
	Relate(ctx context.Context, id, relatedID string) error
	Unrelate(ctx context.Context, id, relatedID string) error
	Related(ctx context.Context, id string) ([]Investigation, error)
}

// ReferencePort is the minimal read surface the event linker needs
type ReferencePort interface {
	Get(ctx context.Context, id string) (Investigation, error)
}
