package replication_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistock/internal/replication"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := replication.NewBus()
	var order []string
	bus.Subscribe(func(replication.Message) { order = append(order, "first") })
	unsub := bus.Subscribe(func(replication.Message) { order = append(order, "second") })
	bus.Subscribe(func(replication.Message) { order = append(order, "third") })

	require.NoError(t, bus.Publish(context.Background(), replication.Message{Event: replication.EntityItem}))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	order = nil
	unsub()
	unsub()
	require.NoError(t, bus.Publish(context.Background(), replication.Message{Event: replication.EntityItem}))
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestBusSubscriberMayUnsubscribeDuringDelivery(t *testing.T) {
	bus := replication.NewBus()
	calls := 0
	var unsub func()
	unsub = bus.Subscribe(func(replication.Message) {
		calls++
		unsub()
	})

	require.NoError(t, bus.Publish(context.Background(), replication.Message{}))
	require.NoError(t, bus.Publish(context.Background(), replication.Message{}))
	assert.Equal(t, 1, calls)
}
