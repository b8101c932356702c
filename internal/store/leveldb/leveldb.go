package leveldb

import (
	"context"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"replistock/internal/store"
)

// Backend is a store.Backend on a local LevelDB directory.
type Backend struct {
	db *leveldb.DB
}

func Open(path string) (*Backend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", path)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	val, err := b.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return val, nil
}

// Apply writes all mutations as one synced LevelDB batch.
func (b *Backend) Apply(_ context.Context, mutations []store.Mutation) error {
	batch := new(leveldb.Batch)
	for _, m := range mutations {
		batch.Put([]byte(m.Key), m.Value)
	}
	return errors.WithStack(b.db.Write(batch, &opt.WriteOptions{Sync: true}))
}

func (b *Backend) Close() error {
	return b.db.Close()
}
