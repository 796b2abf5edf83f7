package academia

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academia-mcp/academia/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{
		InMemory: true,
		ForTest:  true,
		Migrate:  true,
		Logger:   util.NopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	groups, err := store.MuscleGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 5)
	assert.Contains(t, groups, "Pernas")
	assert.IsIncreasing(t, groups)

	legs, err := store.ExercisesByGroup(ctx, "Pernas")
	require.NoError(t, err)
	require.Len(t, legs, 3)
	for _, ex := range legs {
		assert.Equal(t, "Pernas", ex.MuscleGroup)
	}

	partial, err := store.ExercisesByGroup(ctx, "peito")
	require.NoError(t, err)
	assert.Len(t, partial, 3, "LIKE matching ignores ASCII case")

	bench, err := store.ExercisesByName(ctx, "supino")
	require.NoError(t, err)
	require.Len(t, bench, 2)
	assert.Equal(t, "Supino reto", bench[0].Name)

	all, err := store.AllExercises(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 14)

	ex, err := store.ExerciseByID(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, "Agachamento livre", ex.Name)
	assert.Equal(t, 4, ex.Sets)

	_, err = store.ExerciseByID(ctx, 999)
	assert.ErrorIs(t, err, ErrExerciseNotFound)

	noNotes, err := store.ExerciseByID(ctx, 14)
	require.NoError(t, err)
	assert.Empty(t, noNotes.Notes)
}

func TestStoresForTestAreIsolated(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.db.Exec(`DELETE FROM exercicios`)
	require.NoError(t, err)

	all, err := b.AllExercises(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 14)
}

func TestOpenFileDatabaseMigratesOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "academia.sqlite3")

	for i := 0; i < 2; i++ {
		store, err := Open(ctx, Options{Path: path, Migrate: true, Logger: util.NopLogger()})
		require.NoError(t, err)

		all, err := store.AllExercises(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 14)
		require.NoError(t, store.Close())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Options{Logger: util.NopLogger()})
	assert.Error(t, err)
}
