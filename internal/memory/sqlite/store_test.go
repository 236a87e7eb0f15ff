package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/memory/sqlite"
)

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", opts...)
	require.NoError(t, err, "NewStore should succeed")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// steppingClock advances one millisecond per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestUpsertProfile_CreatesThenReplaces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, sqlite.WithClock(steppingClock()))

	first, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{
		SubjectID: "rex", ScopeID: "u1", Content: "User likes tennis",
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{
		SubjectID: "rex", ScopeID: "u1", Content: "User likes tennis and golf",
		Metadata: map[string]any{"source": "consolidation"},
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID, "upsert keeps the profile id")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	got, err := store.GetProfile(ctx, memory.CollectionDog, "rex", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "User likes tennis and golf", got.Content)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[memory.CollectionDog])
	assert.Equal(t, 0, counts[memory.CollectionUser])
}

func TestUpsertProfile_KeyIncludesScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{SubjectID: "rex", ScopeID: "u1", Content: "a"})
	require.NoError(t, err)
	b, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{SubjectID: "rex", ScopeID: "u2", Content: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestUpsertProfile_InvalidInput(t *testing.T) {
	store := newTestStore(t)
	_, err := store.UpsertProfile(context.Background(), memory.CollectionDog, memory.ProfileWrite{SubjectID: "rex"})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	_, err = store.UpsertProfile(context.Background(), "cats", memory.ProfileWrite{SubjectID: "rex", Content: "x"})
	assert.ErrorIs(t, err, memory.ErrUnknownCollection)
}

func TestGetProfile_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetProfile(context.Background(), memory.CollectionDog, "rex", "u1", "")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestSearch_ScoresAndFiltersByPartition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, sqlite.WithClock(steppingClock()))

	_, err := store.UpsertProfile(ctx, memory.CollectionUser, memory.ProfileWrite{
		SubjectID: "u1", ScopeID: "assistant", ProfileType: "hobby", Content: "User likes tennis",
	})
	require.NoError(t, err)
	_, err = store.AppendSession(ctx, memory.CollectionUser, memory.SessionWrite{
		SessionID: "s1", SubjectID: "u1", ScopeID: "assistant",
		Messages: []memory.Message{{Role: "user", Content: "I played golf today"}},
	})
	require.NoError(t, err)
	_, err = store.UpsertProfile(ctx, memory.CollectionUser, memory.ProfileWrite{
		SubjectID: "u2", ScopeID: "assistant", Content: "Other user likes tennis",
	})
	require.NoError(t, err)

	frags, err := store.Search(ctx, memory.CollectionUser, memory.SearchRequest{
		Query: "tennis", SubjectID: "u1", ScopeID: "assistant", Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "User likes tennis", frags[0].Content)
	assert.Equal(t, 1.0, frags[0].Score)
	assert.Equal(t, memory.TypeProfile, frags[0].Type)
	assert.Equal(t, memory.CollectionUser, frags[0].Collection)
	assert.Equal(t, memory.TypeEvent, frags[1].Type)
	assert.Equal(t, 0.0, frags[1].Score)

	events, err := store.Search(ctx, memory.CollectionUser, memory.SearchRequest{
		Query: "golf", SubjectID: "u1", Types: []memory.MemoryType{memory.TypeEvent},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, strings.HasPrefix(events[0].Content, "user: I played golf"))

	empty, err := store.Search(ctx, memory.CollectionDog, memory.SearchRequest{Query: "tennis", SubjectID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearch_MinScoreAndLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, sqlite.WithClock(steppingClock()))
	for i := 0; i < 4; i++ {
		_, err := store.AppendSession(ctx, memory.CollectionConversation, memory.SessionWrite{
			SubjectID: "u1", ScopeID: "rex",
			Messages: []memory.Message{{Role: "user", Content: "walk in the park"}},
		})
		require.NoError(t, err)
	}

	frags, err := store.Search(ctx, memory.CollectionConversation, memory.SearchRequest{
		Query: "park", SubjectID: "u1", ScopeID: "rex", Limit: 3, MinScore: 0.5,
	})
	require.NoError(t, err)
	assert.Len(t, frags, 3)

	frags, err = store.Search(ctx, memory.CollectionConversation, memory.SearchRequest{
		Query: "beach", SubjectID: "u1", ScopeID: "rex", MinScore: 0.5,
	})
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestSearch_FiltersProfileType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for typ, content := range map[string]string{"profile_v1": "User likes tennis", "nickname": "User likes being called Ace"} {
		_, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{
			SubjectID: "rex", ScopeID: "u1", ProfileType: typ, Content: content,
		})
		require.NoError(t, err)
	}

	frags, err := store.Search(ctx, memory.CollectionDog, memory.SearchRequest{
		Query: "User likes", SubjectID: "rex", ScopeID: "u1",
		Types: []memory.MemoryType{memory.TypeProfile}, ProfileType: "profile_v1",
	})
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "User likes tennis", frags[0].Content)

	frags, err = store.Search(ctx, memory.CollectionDog, memory.SearchRequest{
		Query: "User likes", SubjectID: "rex", ScopeID: "u1",
		Types: []memory.MemoryType{memory.TypeProfile},
	})
	require.NoError(t, err)
	assert.Len(t, frags, 2)
}

func TestSearch_RequiresSubject(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Search(context.Background(), memory.CollectionUser, memory.SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestSearch_PhysicalNames(t *testing.T) {
	ctx := context.Background()
	names := memory.DefaultNames()
	names[memory.CollectionDog] = "dog_v2"
	store := newTestStore(t, sqlite.WithNames(names))

	_, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{SubjectID: "rex", Content: "bone"})
	require.NoError(t, err)
	frags, err := store.Search(ctx, memory.CollectionDog, memory.SearchRequest{Query: "bone", SubjectID: "rex"})
	require.NoError(t, err)
	assert.Len(t, frags, 1)
}

// keywordEmbedder maps text onto two axes: tennis and food.
type keywordEmbedder struct{ fail bool }

func (e keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding backend down")
	}
	lower := strings.ToLower(text)
	v := []float32{0.01, 0.01}
	if strings.Contains(lower, "tennis") || strings.Contains(lower, "racket") {
		v[0] = 1
	}
	if strings.Contains(lower, "food") || strings.Contains(lower, "treat") {
		v[1] = 1
	}
	return v, nil
}

func TestSearch_BlendsEmbeddingSimilarity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, sqlite.WithEmbedder(keywordEmbedder{}))

	_, err := store.UpsertProfile(ctx, memory.CollectionUser, memory.ProfileWrite{SubjectID: "u1", ProfileType: "a", Content: "Owns a new racket"})
	require.NoError(t, err)
	_, err = store.UpsertProfile(ctx, memory.CollectionUser, memory.ProfileWrite{SubjectID: "u1", ProfileType: "b", Content: "Loves dog treats"})
	require.NoError(t, err)

	frags, err := store.Search(ctx, memory.CollectionUser, memory.SearchRequest{Query: "tennis", SubjectID: "u1"})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "Owns a new racket", frags[0].Content)
	assert.Greater(t, frags[0].Score, 0.4)
	assert.Less(t, frags[1].Score, 0.1)
}

func TestSearch_EmbedderFailureFallsBackToLexical(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, sqlite.WithEmbedder(keywordEmbedder{fail: true}))

	_, err := store.UpsertProfile(ctx, memory.CollectionUser, memory.ProfileWrite{SubjectID: "u1", Content: "likes tennis"})
	require.NoError(t, err)
	frags, err := store.Search(ctx, memory.CollectionUser, memory.SearchRequest{Query: "tennis", SubjectID: "u1"})
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, 1.0, frags[0].Score)
}

func TestNewStore_FileDatabasePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "companion.db")

	store, err := sqlite.NewStore(path)
	require.NoError(t, err)
	_, err = store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{SubjectID: "rex", ScopeID: "u1", Content: "likes naps"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.GetProfile(ctx, memory.CollectionDog, "rex", "u1", memory.DefaultProfileType)
	require.NoError(t, err)
	assert.Equal(t, "likes naps", got.Content)
}
