package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistock/internal/store"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")
	for i := 0; i < 3; i++ {
		b, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, b.Close())
	}
}

func TestPutOverwrites(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, []store.Mutation{{Key: "collection/items", Value: []byte(`[1]`)}}))
	require.NoError(t, b.Apply(ctx, []store.Mutation{{Key: "collection/items", Value: []byte(`[2]`)}}))

	val, err := b.Get(ctx, "collection/items")
	require.NoError(t, err)
	assert.Equal(t, `[2]`, string(val))
}

func TestMissingKeys(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyCancelledWritesNothing(t *testing.T) {
	b := createTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Apply(ctx, []store.Mutation{
		{Key: "collection/items", Value: []byte(`[1]`)},
		{Key: "collection/invoices", Value: []byte(`[2]`)},
	})
	require.Error(t, err)

	_, err = b.Get(context.Background(), "collection/items")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.Get(context.Background(), "collection/invoices")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreSeedsThroughSQLite(t *testing.T) {
	st := store.New(createTestBackend(t))

	require.NoError(t, st.Do(context.Background(), func(tx *store.Tx) error {
		accounts, err := tx.Accounts()
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, "admin", accounts[0].Handle)
		return nil
	}))
}
