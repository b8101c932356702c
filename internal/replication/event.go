package replication

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"replistock/internal/domain"
	"replistock/internal/store"
)

// Entity names the replicated collection an event belongs to. It doubles as
// the message name on the wire.
type Entity string

const (
	EntityItem    Entity = "item"
	EntityInvoice Entity = "invoice"
	EntityAccount Entity = "account"
)

func (e Entity) Valid() bool {
	switch e {
	case EntityItem, EntityInvoice, EntityAccount:
		return true
	}
	return false
}

type Kind string

const (
	KindAdd           Kind = "add"
	KindUpdate        Kind = "update"
	KindDelete        Kind = "delete"
	KindPartialUpdate Kind = "partialUpdate"
	KindBulkReplace   Kind = "bulkReplace"
)

// Record is the set of replicated record types. Key is the identity used by
// every merge rule.
type Record interface {
	domain.Item | domain.Invoice | domain.Account
	Key() string
}

// Mutation is the closed set of changes a replica can announce for T.
type Mutation[T Record] interface {
	kind() Kind
}

type Add[T Record] struct{ Record T }

type Update[T Record] struct{ Record T }

type Delete[T Record] struct{ ID string }

type PartialUpdate[T Record] struct{ Updates []FieldUpdate }

type BulkReplace[T Record] struct{ Records []T }

func (Add[T]) kind() Kind           { return KindAdd }
func (Update[T]) kind() Kind        { return KindUpdate }
func (Delete[T]) kind() Kind        { return KindDelete }
func (PartialUpdate[T]) kind() Kind { return KindPartialUpdate }
func (BulkReplace[T]) kind() Kind   { return KindBulkReplace }

// FieldUpdate carries field-level deltas for one record. On the wire it is a
// flat object: {"id": "...", "stock": 4}.
type FieldUpdate struct {
	ID     string
	Fields map[string]json.RawMessage
}

func StockUpdate(id string, stock int) FieldUpdate {
	return FieldUpdate{
		ID:     id,
		Fields: map[string]json.RawMessage{"stock": json.RawMessage(strconv.Itoa(stock))},
	}
}

func (u FieldUpdate) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(u.Fields)+1)
	for k, v := range u.Fields {
		obj[k] = v
	}
	id, err := json.Marshal(u.ID)
	if err != nil {
		return nil, err
	}
	obj["id"] = id
	return json.Marshal(obj)
}

func (u *FieldUpdate) UnmarshalJSON(raw []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	idRaw, ok := obj["id"]
	if !ok {
		return errors.New("field update without id")
	}
	if err := json.Unmarshal(idRaw, &u.ID); err != nil {
		return errors.Wrap(err, "field update id")
	}
	delete(obj, "id")
	u.Fields = obj
	return nil
}

// Event is a replication delta notification. Change is its only
// implementation.
type Event interface {
	Entity() Entity
	Kind() Kind
	encodePayload() ([]byte, error)
	applyTo(tx *store.Tx) error
}

type Change[T Record] struct {
	Mutation Mutation[T]
}

func (c Change[T]) Entity() Entity { return entityOf[T]() }

func (c Change[T]) Kind() Kind {
	if c.Mutation == nil {
		return ""
	}
	return c.Mutation.kind()
}

func NewAdd[T Record](record T) Event {
	return Change[T]{Mutation: Add[T]{Record: record}}
}

func NewUpdate[T Record](record T) Event {
	return Change[T]{Mutation: Update[T]{Record: record}}
}

func NewDelete[T Record](id string) Event {
	return Change[T]{Mutation: Delete[T]{ID: id}}
}

func NewPartialUpdate[T Record](updates ...FieldUpdate) Event {
	return Change[T]{Mutation: PartialUpdate[T]{Updates: updates}}
}

func NewBulkReplace[T Record](records []T) Event {
	return Change[T]{Mutation: BulkReplace[T]{Records: records}}
}

func entityOf[T Record]() Entity {
	var zero T
	switch any(zero).(type) {
	case domain.Item:
		return EntityItem
	case domain.Invoice:
		return EntityInvoice
	case domain.Account:
		return EntityAccount
	}
	return ""
}

func collectionOf[T Record]() store.Collection {
	switch entityOf[T]() {
	case EntityItem:
		return store.Items
	case EntityInvoice:
		return store.Invoices
	default:
		return store.Accounts
	}
}

// Invoices are kept newest first; every other collection appends.
func prependOnAdd[T Record]() bool {
	return entityOf[T]() == EntityInvoice
}
