package memory

import "context"

// Store is the memory-store collaborator. Implementations must be safe for
// concurrent use; Search results carry scores in [0,1] ordered best first.
type Store interface {
	// Search returns at most req.Limit fragments from one partition.
	Search(ctx context.Context, c Collection, req SearchRequest) ([]Fragment, error)

	// UpsertProfile creates or replaces the profile keyed by
	// (c, subject, scope, profile type). Repeating a write is idempotent.
	UpsertProfile(ctx context.Context, c Collection, w ProfileWrite) (*WriteResult, error)

	// AppendSession records an exchange as an event fragment.
	AppendSession(ctx context.Context, c Collection, w SessionWrite) (*WriteResult, error)

	// Close releases the store's resources.
	Close() error
}

// ProfileReader is implemented by stores that can fetch a profile by its
// key directly. Callers fall back to Search when a store does not.
type ProfileReader interface {
	GetProfile(ctx context.Context, c Collection, subjectID, scopeID, profileType string) (*Fragment, error)
}

// StatsProvider reports fragment counts per partition.
type StatsProvider interface {
	Counts(ctx context.Context) (map[Collection]int, error)
}

// Embedder turns text into a vector. Stores use it when configured to
// blend semantic similarity into lexical scores.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
