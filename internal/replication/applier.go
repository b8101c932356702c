package replication

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"replistock/internal/store"
)

// Applier merges events that originated on another replica into local
// durable state. It never emits and never fails: an event that cannot be
// applied is dropped and logged at debug level.
type Applier struct {
	store  *store.Store
	logger *zap.Logger
}

func NewApplier(st *store.Store, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: st, logger: logger}
}

func (a *Applier) Apply(ctx context.Context, ev Event) {
	if ev == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("replication apply panicked",
				zap.String("event", string(ev.Entity())),
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", r))
		}
	}()

	err := a.store.Do(ctx, func(tx *store.Tx) error {
		return ev.applyTo(tx)
	})
	if err != nil {
		a.logger.Debug("replication event dropped",
			zap.String("event", string(ev.Entity())),
			zap.String("kind", string(ev.Kind())),
			zap.Error(err))
	}
}

func (c Change[T]) applyTo(tx *store.Tx) error {
	coll := collectionOf[T]()
	records, err := store.Read[T](tx, coll)
	if err != nil {
		return err
	}
	next, changed, err := merge(records, c.Mutation)
	if err != nil || !changed {
		return err
	}
	return store.Write(tx, coll, next)
}

// merge applies last-writer-wins rules to a snapshot of one collection.
// Replays of add and operations on unknown ids leave the snapshot unchanged.
func merge[T Record](records []T, m Mutation[T]) ([]T, bool, error) {
	switch m := m.(type) {
	case Add[T]:
		if indexOf(records, m.Record.Key()) >= 0 {
			return records, false, nil
		}
		if prependOnAdd[T]() {
			return append([]T{m.Record}, records...), true, nil
		}
		return append(records, m.Record), true, nil
	case Update[T]:
		i := indexOf(records, m.Record.Key())
		if i < 0 {
			return records, false, nil
		}
		records[i] = m.Record
		return records, true, nil
	case Delete[T]:
		i := indexOf(records, m.ID)
		if i < 0 {
			return records, false, nil
		}
		return append(records[:i], records[i+1:]...), true, nil
	case PartialUpdate[T]:
		changed := false
		for _, u := range m.Updates {
			i := indexOf(records, u.ID)
			if i < 0 {
				continue
			}
			rec, err := overlay(records[i], u.Fields)
			if err != nil {
				return nil, false, errors.Wrapf(err, "partial update %s", u.ID)
			}
			records[i] = rec
			changed = true
		}
		return records, changed, nil
	case BulkReplace[T]:
		return append([]T{}, m.Records...), true, nil
	}
	return nil, false, errors.Wrap(ErrMalformedEvent, fmt.Sprintf("unsupported mutation %T", m))
}

func indexOf[T Record](records []T, id string) int {
	for i := range records {
		if records[i].Key() == id {
			return i
		}
	}
	return -1
}

// overlay rewrites the named JSON fields of rec, leaving the rest as stored.
// The id field is never overwritten.
func overlay[T Record](rec T, fields map[string]json.RawMessage) (T, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return rec, err
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		obj[k] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return rec, err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return rec, err
	}
	return out, nil
}
