package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"replistock/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalid           = errors.New("invalid request")
)

// Backend is a single-machine key-value medium. Get returns ErrNotFound for
// keys that were never written. Apply writes every mutation or none of them.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Apply(ctx context.Context, mutations []Mutation) error
	Close() error
}

// Mutation is one staged key write.
type Mutation struct {
	Key   string
	Value []byte
}

// Collection names one logical table.
type Collection string

const (
	Items     Collection = "items"
	Invoices  Collection = "invoices"
	Accounts  Collection = "accounts"
	Locations Collection = "locations"
)

const SettingRelayAddress = "relay.address"

func collectionKey(c Collection) string { return "collection/" + string(c) }

func settingKey(name string) string { return "setting/" + name }

// Store owns the durable state of one replica. All reads and writes happen
// inside Do, which serializes callers so each call runs to completion before
// the next one observes the data. Writes made inside Do are staged and
// reach the backend in one Apply after fn returns nil; an error from fn
// discards them.
type Store struct {
	mu      sync.Mutex
	backend Backend
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Do(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{ctx: ctx, backend: s.backend, staged: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	return s.backend.Apply(ctx, tx.writes)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

type Tx struct {
	ctx     context.Context
	backend Backend
	staged  map[string]int
	writes  []Mutation
}

// get sees the transaction's own staged writes before the backend.
func (tx *Tx) get(key string) ([]byte, error) {
	if i, ok := tx.staged[key]; ok {
		return tx.writes[i].Value, nil
	}
	return tx.backend.Get(tx.ctx, key)
}

func (tx *Tx) stage(m Mutation) {
	if i, ok := tx.staged[m.Key]; ok {
		tx.writes[i] = m
		return
	}
	tx.staged[m.Key] = len(tx.writes)
	tx.writes = append(tx.writes, m)
}

// Read returns the whole collection in stored order. The first read of a
// collection that was never written persists and returns its seed records.
func Read[T any](tx *Tx, c Collection) ([]T, error) {
	raw, err := tx.get(collectionKey(c))
	if errors.Is(err, ErrNotFound) {
		records, err := seedRecords[T](c)
		if err != nil {
			return nil, err
		}
		if err := Write(tx, c, records); err != nil {
			return nil, err
		}
		return records, nil
	}
	if err != nil {
		return nil, err
	}

	var records []T
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.Wrapf(err, "decode collection %s", c)
	}
	if records == nil {
		records = []T{}
	}
	return records, nil
}

// Write stages a replacement of the whole collection.
func Write[T any](tx *Tx, c Collection, records []T) error {
	if records == nil {
		records = []T{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return errors.Wrapf(err, "encode collection %s", c)
	}
	tx.stage(Mutation{Key: collectionKey(c), Value: raw})
	return nil
}

func (tx *Tx) Items() ([]domain.Item, error) { return Read[domain.Item](tx, Items) }

func (tx *Tx) PutItems(items []domain.Item) error { return Write(tx, Items, items) }

func (tx *Tx) Invoices() ([]domain.Invoice, error) { return Read[domain.Invoice](tx, Invoices) }

func (tx *Tx) PutInvoices(invoices []domain.Invoice) error { return Write(tx, Invoices, invoices) }

func (tx *Tx) Accounts() ([]domain.Account, error) { return Read[domain.Account](tx, Accounts) }

func (tx *Tx) PutAccounts(accounts []domain.Account) error { return Write(tx, Accounts, accounts) }

func (tx *Tx) Locations() ([]domain.Location, error) { return Read[domain.Location](tx, Locations) }

// Setting returns a durable scalar, or "" when it was never set.
func (tx *Tx) Setting(name string) (string, error) {
	val, _, err := tx.LookupSetting(name)
	return val, err
}

// LookupSetting also reports whether the scalar was ever written, so an
// explicitly cleared value can be told apart from a missing one.
func (tx *Tx) LookupSetting(name string) (string, bool, error) {
	raw, err := tx.get(settingKey(name))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

func (tx *Tx) PutSetting(name string, value string) error {
	tx.stage(Mutation{Key: settingKey(name), Value: []byte(value)})
	return nil
}
