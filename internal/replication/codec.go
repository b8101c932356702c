package replication

import (
	"encoding/json"

	"github.com/pkg/errors"

	"replistock/internal/domain"
)

var ErrMalformedEvent = errors.New("malformed replication event")

// Message is the envelope both transports carry. Data holds the payload
// {"kind": ..., "data"|"id"|"updates": ...}.
type Message struct {
	Event  Entity          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin,omitempty"`
}

type payload struct {
	Kind    Kind            `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
	Updates []FieldUpdate   `json:"updates,omitempty"`
}

func Encode(ev Event, origin string) (Message, error) {
	if ev == nil {
		return Message{}, errors.Wrap(ErrMalformedEvent, "nil event")
	}
	data, err := ev.encodePayload()
	if err != nil {
		return Message{}, err
	}
	return Message{Event: ev.Entity(), Data: data, Origin: origin}, nil
}

func Decode(msg Message) (Event, error) {
	switch msg.Event {
	case EntityItem:
		return decodeChange[domain.Item](msg.Data)
	case EntityInvoice:
		return decodeChange[domain.Invoice](msg.Data)
	case EntityAccount:
		return decodeChange[domain.Account](msg.Data)
	}
	return nil, errors.Wrapf(ErrMalformedEvent, "unknown event %q", msg.Event)
}

func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func UnmarshalMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return msg, nil
}

func (c Change[T]) encodePayload() ([]byte, error) {
	p := payload{Kind: c.Kind()}
	var err error
	switch m := c.Mutation.(type) {
	case Add[T]:
		p.Data, err = json.Marshal(m.Record)
	case Update[T]:
		p.Data, err = json.Marshal(m.Record)
	case Delete[T]:
		p.ID = m.ID
	case PartialUpdate[T]:
		p.Updates = m.Updates
	case BulkReplace[T]:
		records := m.Records
		if records == nil {
			records = []T{}
		}
		p.Data, err = json.Marshal(records)
	default:
		return nil, errors.Wrapf(ErrMalformedEvent, "unsupported mutation %T", c.Mutation)
	}
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return json.Marshal(p)
}

func decodeChange[T Record](raw json.RawMessage) (Event, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}

	switch p.Kind {
	case KindAdd, KindUpdate:
		rec, err := decodeRecord[T](p.Data)
		if err != nil {
			return nil, err
		}
		if p.Kind == KindAdd {
			return Change[T]{Mutation: Add[T]{Record: rec}}, nil
		}
		return Change[T]{Mutation: Update[T]{Record: rec}}, nil
	case KindDelete:
		if p.ID == "" {
			return nil, errors.Wrap(ErrMalformedEvent, "delete without id")
		}
		return Change[T]{Mutation: Delete[T]{ID: p.ID}}, nil
	case KindPartialUpdate:
		for _, u := range p.Updates {
			if u.ID == "" {
				return nil, errors.Wrap(ErrMalformedEvent, "partial update without id")
			}
		}
		return Change[T]{Mutation: PartialUpdate[T]{Updates: p.Updates}}, nil
	case KindBulkReplace:
		if len(p.Data) == 0 {
			return nil, errors.Wrap(ErrMalformedEvent, "bulk replace without data")
		}
		var records []T
		if err := json.Unmarshal(p.Data, &records); err != nil {
			return nil, errors.Wrap(ErrMalformedEvent, err.Error())
		}
		for _, r := range records {
			if r.Key() == "" {
				return nil, errors.Wrap(ErrMalformedEvent, "bulk replace record without id")
			}
		}
		if records == nil {
			records = []T{}
		}
		return Change[T]{Mutation: BulkReplace[T]{Records: records}}, nil
	}
	return nil, errors.Wrapf(ErrMalformedEvent, "unknown kind %q", p.Kind)
}

func decodeRecord[T Record](raw json.RawMessage) (T, error) {
	var rec T
	if len(raw) == 0 {
		return rec, errors.Wrap(ErrMalformedEvent, "missing data")
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if rec.Key() == "" {
		return rec, errors.Wrap(ErrMalformedEvent, "record without id")
	}
	return rec, nil
}
