package leveldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistock/internal/domain"
	"replistock/internal/store"
)

func TestBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica")
	ctx := context.Background()

	b, err := Open(path)
	require.NoError(t, err)
	st := store.New(b)
	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		return tx.PutItems([]domain.Item{{ID: "itm-1", SKU: "A", Stock: 5}})
	}))
	require.NoError(t, st.Close())

	b2, err := Open(path)
	require.NoError(t, err)
	st2 := store.New(b2)
	t.Cleanup(func() { _ = st2.Close() })

	require.NoError(t, st2.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 5, items[0].Stock)
		return nil
	}))
}

func TestBackendMissingKey(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	_, err = b.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyWritesBatch(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, []store.Mutation{
		{Key: "collection/items", Value: []byte(`[1]`)},
		{Key: "collection/invoices", Value: []byte(`[2]`)},
	}))

	items, err := b.Get(ctx, "collection/items")
	require.NoError(t, err)
	invoices, err := b.Get(ctx, "collection/invoices")
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(items))
	assert.Equal(t, `[2]`, string(invoices))
}
