// Package memory defines the memory-store collaborator consumed by the
// recall pipeline: partitions, fragments, search and write requests.
//
// Concrete stores live in the sqlite and postgres subpackages.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("memory: not found")

	// ErrInvalidInput indicates that the request parameters are invalid.
	ErrInvalidInput = errors.New("memory: invalid input")

	// ErrUnknownCollection indicates a collection key outside the known set.
	ErrUnknownCollection = errors.New("memory: unknown collection")
)

// MemoryType classifies a fragment.
type MemoryType string

const (
	// TypeProfile is a durable fact about a subject.
	TypeProfile MemoryType = "profile"
	// TypeEvent is something that happened.
	TypeEvent MemoryType = "event"
)

// ParseMemoryType accepts the canonical names and their versioned aliases
// ("profile_v1", "event_v1").
func ParseMemoryType(s string) (MemoryType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "profile", "profile_v1":
		return TypeProfile, true
	case "event", "event_v1":
		return TypeEvent, true
	}
	return "", false
}

// Collection is a logical memory partition.
type Collection string

const (
	CollectionUser         Collection = "user"
	CollectionDog          Collection = "dog"
	CollectionRelationship Collection = "relationship"
	CollectionConversation Collection = "conversation"
)

// AllCollections lists the partitions in a stable order.
var AllCollections = []Collection{CollectionUser, CollectionDog, CollectionRelationship, CollectionConversation}

// Valid reports whether c is one of the known partitions.
func (c Collection) Valid() bool {
	for _, k := range AllCollections {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCollection validates a collection key.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, s)
	}
	return c, nil
}

// Names maps logical partitions to physical collection names.
type Names map[Collection]string

// DefaultNames uses the partition key as its physical name.
func DefaultNames() Names {
	n := make(Names, len(AllCollections))
	for _, c := range AllCollections {
		n[c] = string(c)
	}
	return n
}

// Physical returns the configured name for c, falling back to the key.
func (n Names) Physical(c Collection) string {
	if name, ok := n[c]; ok && name != "" {
		return name
	}
	return string(c)
}

// Fragment is one retrieved memory item. Fragments are values: the
// pipeline copies them and never mutates a store's result in place.
type Fragment struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Score      float64    `json:"score"`
	Type       MemoryType `json:"type"`
	Collection Collection `json:"collection"`
	SubjectID  string     `json:"subject_id,omitempty"`
	ScopeID    string     `json:"scope_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SearchRequest selects fragments in one partition.
type SearchRequest struct {
	Query     string
	SubjectID string
	ScopeID   string
	Limit     int
	Types     []MemoryType
	MinScore  float64

	// ProfileType restricts profile fragments to one slot. Empty matches
	// every slot.
	ProfileType string
}

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// Normalize applies defaults and bounds.
func (r *SearchRequest) Normalize() {
	if r.Limit <= 0 {
		r.Limit = defaultSearchLimit
	}
	if r.Limit > maxSearchLimit {
		r.Limit = maxSearchLimit
	}
	if r.MinScore < 0 {
		r.MinScore = 0
	}
	if len(r.Types) == 0 {
		r.Types = []MemoryType{TypeProfile, TypeEvent}
	}
}

// Validate checks the fields every store requires.
func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	return nil
}

// WantsType reports whether t is selected by the request.
func (r SearchRequest) WantsType(t MemoryType) bool {
	if len(r.Types) == 0 {
		return true
	}
	for _, want := range r.Types {
		if want == t {
			return true
		}
	}
	return false
}

// DefaultProfileType is the profile slot consolidation writes to.
const DefaultProfileType = "memory"

// ProfileWrite upserts the durable profile keyed by
// (collection, subject, scope, profile type).
type ProfileWrite struct {
	SubjectID   string
	ScopeID     string
	ProfileType string
	Content     string
	Metadata    map[string]any
}

// Validate checks required fields and applies the default profile type.
func (w *ProfileWrite) Validate() error {
	if strings.TrimSpace(w.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(w.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if w.ProfileType == "" {
		w.ProfileType = DefaultProfileType
	}
	return nil
}

// Message is one side of an exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionWrite appends an exchange as event memory.
type SessionWrite struct {
	SessionID string
	SubjectID string
	ScopeID   string
	Messages  []Message
	Metadata  map[string]any
}

// Validate checks required fields.
func (w SessionWrite) Validate() error {
	if strings.TrimSpace(w.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	if len(w.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidInput)
	}
	return nil
}

// Transcript renders the messages as "role: content" lines.
func (w SessionWrite) Transcript() string {
	var b strings.Builder
	for i, m := range w.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// WriteResult reports the outcome of a write.
type WriteResult struct {
	ID        string    `json:"id"`
	Created   bool      `json:"created"`
	UpdatedAt time.Time `json:"updated_at"`
}
