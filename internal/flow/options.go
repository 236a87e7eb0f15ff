package flow

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/recall"
)

// Defaults applied by New.
const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultWindowTurns   = 2
	DefaultCompanionName = "Buddy"
	DefaultProfileType   = "profile_v1"
)

// Limits caps each recall query.
type Limits struct {
	Conversation int
	Dog          int
	User         int
}

// DefaultLimits are five conversation fragments and three each from the
// dog and user partitions.
func DefaultLimits() Limits {
	return Limits{Conversation: 5, Dog: 3, User: 3}
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithCallTimeout bounds every external call.
func WithCallTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.callTimeout = d
		}
	}
}

// WithRetryPolicy sets the retry policy of decision-type calls.
func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(f *Flow) { f.retry = p }
}

// WithThreshold sets the strong-evidence threshold.
func WithThreshold(t float64) Option {
	return func(f *Flow) {
		if t >= 0 && t <= 1 {
			f.threshold = t
		}
	}
}

// WithLimits sets the per-partition recall limits. Non-positive values keep
// the default.
func WithLimits(l Limits) Option {
	return func(f *Flow) {
		if l.Conversation > 0 {
			f.limits.Conversation = l.Conversation
		}
		if l.Dog > 0 {
			f.limits.Dog = l.Dog
		}
		if l.User > 0 {
			f.limits.User = l.User
		}
	}
}

// WithWindowTurns sets how many past turns the model sees.
func WithWindowTurns(n int) Option {
	return func(f *Flow) {
		if n >= 0 {
			f.windowTurns = n
		}
	}
}

// WithProfileType sets the profile slot consolidation writes to.
func WithProfileType(t string) Option {
	return func(f *Flow) {
		if t != "" {
			f.profileType = t
		}
	}
}

// WithCompanionName sets the name the companion introduces itself with.
func WithCompanionName(name string) Option {
	return func(f *Flow) {
		if name != "" {
			f.companionName = name
		}
	}
}

// WithIDGenerator replaces the turn id generator.
func WithIDGenerator(gen func() string) Option {
	return func(f *Flow) {
		if gen != nil {
			f.newID = gen
		}
	}
}

func defaults(f *Flow) {
	f.logger = zap.NewNop()
	f.callTimeout = DefaultCallTimeout
	f.retry = llm.DefaultRetryPolicy()
	f.threshold = recall.DefaultThreshold
	f.limits = DefaultLimits()
	f.windowTurns = DefaultWindowTurns
	f.profileType = DefaultProfileType
	f.companionName = DefaultCompanionName
	f.newID = uuid.NewString
}

// partitionQueries lists the three recall queries of a turn.
func (f *Flow) partitionQueries(t Turn) []partitionQuery {
	return []partitionQuery{
		{memory.CollectionConversation, memory.SearchRequest{Query: t.Message, SubjectID: t.UserID, ScopeID: t.CompanionID, Limit: f.limits.Conversation}},
		{memory.CollectionDog, memory.SearchRequest{Query: t.Message, SubjectID: t.CompanionID, ScopeID: t.UserID, Limit: f.limits.Dog}},
		{memory.CollectionUser, memory.SearchRequest{Query: t.Message, SubjectID: t.UserID, ScopeID: t.AssistantID, Limit: f.limits.User}},
	}
}

type partitionQuery struct {
	collection memory.Collection
	req        memory.SearchRequest
}
