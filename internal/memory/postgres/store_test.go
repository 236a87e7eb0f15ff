package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/memory/postgres"
)

// postgresTestDSN returns the DSN for the test database.
// If COMPANION_TEST_POSTGRES_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("COMPANION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMPANION_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	store, err := postgres.NewStore(ctx, postgresTestDSN(t))
	require.NoError(t, err, "NewStore should succeed")
	require.NoError(t, store.TruncateForTest(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertProfile_IsKeyed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{
		SubjectID: "rex", ScopeID: "u1", Content: "User likes tennis",
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := store.UpsertProfile(ctx, memory.CollectionDog, memory.ProfileWrite{
		SubjectID: "rex", ScopeID: "u1", Content: "User likes tennis and golf",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.GetProfile(ctx, memory.CollectionDog, "rex", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "User likes tennis and golf", got.Content)
}

func TestSearch_LexicalScoring(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertProfile(ctx, memory.CollectionUser, memory.ProfileWrite{
		SubjectID: "u1", ScopeID: "assistant", Content: "User likes tennis",
	})
	require.NoError(t, err)
	_, err = store.AppendSession(ctx, memory.CollectionUser, memory.SessionWrite{
		SubjectID: "u1", ScopeID: "assistant",
		Messages: []memory.Message{{Role: "user", Content: "rainy day"}},
	})
	require.NoError(t, err)

	frags, err := store.Search(ctx, memory.CollectionUser, memory.SearchRequest{
		Query: "tennis", SubjectID: "u1", ScopeID: "assistant",
	})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, 1.0, frags[0].Score)
	assert.Equal(t, memory.TypeProfile, frags[0].Type)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[memory.CollectionUser])
}

func TestGetProfile_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetProfile(context.Background(), memory.CollectionDog, "nobody", "", "")
	assert.ErrorIs(t, err, memory.ErrNotFound)
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
}
