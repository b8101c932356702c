package replication_test

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistock/internal/domain"
	"replistock/internal/replication"
)

func TestWireFormat(t *testing.T) {
	tests := []struct {
		name  string
		event replication.Event
	}{
		{name: "item_add", event: replication.NewAdd(sampleItem("itm-1"))},
		{name: "item_partial_update", event: replication.NewPartialUpdate[domain.Item](replication.StockUpdate("itm-1", 4))},
		{name: "invoice_delete", event: replication.NewDelete[domain.Invoice]("inv-1")},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := replication.Encode(tt.event, "rep-a")
			require.NoError(t, err)
			raw, err := replication.MarshalMessage(msg)
			require.NoError(t, err)
			g.Assert(t, tt.name, raw)
		})
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	events := []replication.Event{
		replication.NewAdd(sampleItem("itm-1")),
		replication.NewUpdate(sampleInvoice("inv-1")),
		replication.NewDelete[domain.Account]("acc-1"),
		replication.NewPartialUpdate[domain.Item](replication.StockUpdate("itm-1", 0), replication.StockUpdate("itm-2", 7)),
		replication.NewBulkReplace([]domain.Item{sampleItem("itm-1"), sampleItem("itm-2")}),
		replication.NewBulkReplace[domain.Invoice](nil),
	}

	for _, ev := range events {
		msg, err := replication.Encode(ev, "rep-a")
		require.NoError(t, err)
		raw, err := replication.MarshalMessage(msg)
		require.NoError(t, err)

		parsed, err := replication.UnmarshalMessage(raw)
		require.NoError(t, err)
		decoded, err := replication.Decode(parsed)
		require.NoError(t, err)
		assert.Equal(t, ev.Entity(), decoded.Entity())
		assert.Equal(t, ev.Kind(), decoded.Kind())

		again, err := replication.Encode(decoded, "rep-a")
		require.NoError(t, err)
		rawAgain, err := replication.MarshalMessage(again)
		require.NoError(t, err)
		assert.JSONEq(t, string(raw), string(rawAgain))
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		msg  replication.Message
	}{
		{name: "unknown event", msg: replication.Message{Event: "supplier", Data: json.RawMessage(`{"kind":"add","data":{"id":"x"}}`)}},
		{name: "unknown kind", msg: replication.Message{Event: "item", Data: json.RawMessage(`{"kind":"upsert","data":{"id":"x"}}`)}},
		{name: "not an object", msg: replication.Message{Event: "item", Data: json.RawMessage(`"add"`)}},
		{name: "add without data", msg: replication.Message{Event: "item", Data: json.RawMessage(`{"kind":"add"}`)}},
		{name: "add without id", msg: replication.Message{Event: "item", Data: json.RawMessage(`{"kind":"add","data":{"name":"x"}}`)}},
		{name: "wrong field type", msg: replication.Message{Event: "item", Data: json.RawMessage(`{"kind":"update","data":{"id":"x","stock":"many"}}`)}},
		{name: "delete without id", msg: replication.Message{Event: "invoice", Data: json.RawMessage(`{"kind":"delete"}`)}},
		{name: "partial update without id", msg: replication.Message{Event: "item", Data: json.RawMessage(`{"kind":"partialUpdate","updates":[{"stock":1}]}`)}},
		{name: "bulk replace without data", msg: replication.Message{Event: "account", Data: json.RawMessage(`{"kind":"bulkReplace"}`)}},
		{name: "bulk replace not a list", msg: replication.Message{Event: "account", Data: json.RawMessage(`{"kind":"bulkReplace","data":{"id":"x"}}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := replication.Decode(tt.msg)
			require.ErrorIs(t, err, replication.ErrMalformedEvent)
		})
	}
}

func TestUnmarshalMessageRejectsGarbage(t *testing.T) {
	_, err := replication.UnmarshalMessage([]byte("not json"))
	require.ErrorIs(t, err, replication.ErrMalformedEvent)
}

func TestFieldUpdateFlatWireShape(t *testing.T) {
	raw, err := json.Marshal(replication.StockUpdate("itm-9", 3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"itm-9","stock":3}`, string(raw))

	var u replication.FieldUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"stock":5,"name":"Jack","id":"itm-9"}`), &u))
	assert.Equal(t, "itm-9", u.ID)
	assert.Len(t, u.Fields, 2)
	assert.JSONEq(t, `5`, string(u.Fields["stock"]))
	assert.JSONEq(t, `"Jack"`, string(u.Fields["name"]))
}
