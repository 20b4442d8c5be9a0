package domain

import (
	"context"
	"time"
)

// ResultCache stores per-source results keyed by the query signature
type ResultCache interface {
	Get(ctx context.Context, sourceID string, query Query) ([]ProductRecord, error)
	Put(ctx context.Context, sourceID string, query Query, items []ProductRecord, ttl time.Duration) error
	Flush(ctx context.Context) error
}

// SourceAdapter fetches product data from one retail source.
// Fetch fails with ErrSourceUnavailable, ErrSourceTimeout, ErrInvalidQuery or ErrSourceEmpty.
type SourceAdapter interface {
	ID() string
	Fetch(ctx context.Context, query Query) ([]ProductRecord, error)
}

// SessionStore persists sessions keyed by session id
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, sessionID string) error
}

// IntentCapability turns free text plus current slots into updated slots
type IntentCapability interface {
	ExtractIntent(ctx context.Context, req IntentRequest) (*IntentResponse, error)
}

// RankingCapability ranks an existing result set
type RankingCapability interface {
	Compare(ctx context.Context, req ComparisonRequest) (*Comparison, error)
}

// Assistant is the full intent/ranking collaborator
type Assistant interface {
	IntentCapability
	RankingCapability
}

// Aggregator fans a query out to every requested source
type Aggregator interface {
	Aggregate(ctx context.Context, query Query) (*AggregatedResult, error)
	Sources() []string
}
