package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistock/internal/domain"
	"replistock/internal/store"
	"replistock/internal/store/memory"
)

func TestFirstReadSeedsDefaultDataset(t *testing.T) {
	backend := memory.New()
	st := store.New(backend)
	ctx := context.Background()

	err := st.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "HJ-005", items[0].SKU)
		assert.True(t, items[1].Price.Equal(decimal.RequireFromString("320.5")))
		assert.Equal(t, domain.DefaultLocationID, items[0].LocationID)

		accounts, err := tx.Accounts()
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, domain.RoleAdmin, accounts[0].Role)

		locations, err := tx.Locations()
		require.NoError(t, err)
		require.Len(t, locations, 1)
		assert.Equal(t, "Main Warehouse", locations[0].Name)

		invoices, err := tx.Invoices()
		require.NoError(t, err)
		assert.Empty(t, invoices)
		return nil
	})
	require.NoError(t, err)

	_, err = backend.Get(ctx, "collection/items")
	assert.NoError(t, err, "seed must be persisted on first read")
}

func TestSeedIsIdenticalAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	read := func() []byte {
		backend := memory.New()
		require.NoError(t, store.New(backend).Do(ctx, func(tx *store.Tx) error {
			if _, err := tx.Items(); err != nil {
				return err
			}
			_, err := tx.Accounts()
			return err
		}))
		items, err := backend.Get(ctx, "collection/items")
		require.NoError(t, err)
		accounts, err := backend.Get(ctx, "collection/accounts")
		require.NoError(t, err)
		return append(items, accounts...)
	}

	first := read()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, string(first), string(read()))
}

func TestStagedWritesAreVisibleAndDiscardedOnError(t *testing.T) {
	backend := memory.New()
	st := store.New(backend)
	ctx := context.Background()

	err := st.Do(ctx, func(tx *store.Tx) error {
		require.NoError(t, tx.PutItems([]domain.Item{{ID: "a", SKU: "A"}}))
		items, err := tx.Items()
		require.NoError(t, err)
		require.Len(t, items, 1)
		return store.ErrInsufficientStock
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	_, err = backend.Get(ctx, "collection/items")
	assert.ErrorIs(t, err, store.ErrNotFound, "failed Do must not reach the backend")
}

type failingBackend struct {
	*memory.Backend
	err error
}

func (b *failingBackend) Apply(ctx context.Context, mutations []store.Mutation) error {
	if b.err != nil {
		return b.err
	}
	return b.Backend.Apply(ctx, mutations)
}

func TestCommitFailureLeavesBackendUntouched(t *testing.T) {
	backend := &failingBackend{Backend: memory.New()}
	st := store.New(backend)
	ctx := context.Background()
	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		_, err := tx.Items()
		return err
	}))

	backend.err = errors.New("disk full")
	err := st.Do(ctx, func(tx *store.Tx) error {
		if err := tx.PutItems(nil); err != nil {
			return err
		}
		return tx.PutInvoices([]domain.Invoice{{ID: "inv-1"}})
	})
	require.EqualError(t, err, "disk full")

	backend.err = nil
	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		require.NoError(t, err)
		assert.Len(t, items, 3)
		invoices, err := tx.Invoices()
		require.NoError(t, err)
		assert.Empty(t, invoices)
		return nil
	}))
}

func TestSeedIsNotReappliedAfterWrite(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		return tx.PutItems(nil)
	}))
	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		require.NoError(t, err)
		assert.Empty(t, items)
		return nil
	}))
}

func TestWriteReplacesWholeCollection(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		if err := tx.PutItems([]domain.Item{{ID: "a", SKU: "A"}, {ID: "b", SKU: "B"}}); err != nil {
			return err
		}
		return tx.PutItems([]domain.Item{{ID: "c", SKU: "C"}})
	}))

	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "c", items[0].ID)
		return nil
	}))
}

func TestMalformedCollectionFailsToDecode(t *testing.T) {
	backend := memory.New()
	st := store.New(backend)
	ctx := context.Background()
	require.NoError(t, backend.Apply(ctx, []store.Mutation{{Key: "collection/items", Value: []byte("{not json")}}))

	err := st.Do(ctx, func(tx *store.Tx) error {
		_, err := tx.Items()
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode collection items")
}

func TestSettingsRoundTrip(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, st.Do(ctx, func(tx *store.Tx) error {
		val, err := tx.Setting(store.SettingRelayAddress)
		require.NoError(t, err)
		assert.Empty(t, val)

		require.NoError(t, tx.PutSetting(store.SettingRelayAddress, "ws://relay:8090/sync"))
		val, err = tx.Setting(store.SettingRelayAddress)
		require.NoError(t, err)
		assert.Equal(t, "ws://relay:8090/sync", val)

		require.NoError(t, tx.PutSetting(store.SettingRelayAddress, ""))
		val, written, err := tx.LookupSetting(store.SettingRelayAddress)
		require.NoError(t, err)
		assert.Empty(t, val)
		assert.True(t, written, "a cleared setting is still written")

		_, written, err = tx.LookupSetting("never.set")
		require.NoError(t, err)
		assert.False(t, written)
		return nil
	}))
}
