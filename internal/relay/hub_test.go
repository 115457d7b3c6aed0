package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeAndPublish(t *testing.T) {
	hub := NewHub()

	sub := hub.Subscribe("family1", "dishes")
	defer sub.Close()

	hub.Publish(Update{Scope: "family1", Kind: "dishes", Origin: "writer"})

	select {
	case u := <-sub.C:
		assert.Equal(t, "writer", u.Origin)
	default:
		t.Fatal("expected a buffered update")
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	hub := NewHub()

	dishes := hub.Subscribe("family1", "dishes")
	defer dishes.Close()

	otherKind := hub.Subscribe("family1", "mealplans")
	defer otherKind.Close()

	otherScope := hub.Subscribe("family2", "dishes")
	defer otherScope.Close()

	hub.Publish(Update{Scope: "family1", Kind: "dishes"})

	assert.Len(t, dishes.C, 1)
	assert.Empty(t, otherKind.C)
	assert.Empty(t, otherScope.C)
}

func TestHub_PublishToEmptyTopic(t *testing.T) {
	hub := NewHub()

	// No subscribers: a publish is a no-op, not a panic or a block.
	hub.Publish(Update{Scope: "family1", Kind: "dishes"})
}

func TestHub_OverflowDropsOldest(t *testing.T) {
	hub := NewHub()

	sub := hub.Subscribe("family1", "dishes")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(Update{Scope: "family1", Kind: "dishes", Origin: string(rune('a' + i))})
	}

	// The buffer holds the most recent signals; the oldest were evicted.
	assert.Len(t, sub.C, subscriberBuffer)

	first := <-sub.C
	assert.NotEqual(t, "a", first.Origin)
}

func TestHub_CloseEndsChannelAndGCsTopic(t *testing.T) {
	hub := NewHub()

	sub := hub.Subscribe("family1", "dishes")
	require.Equal(t, 1, hub.SubscriberCount("family1", "dishes"))

	sub.Close()
	sub.Close() // idempotent

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, hub.SubscriberCount("family1", "dishes"))
}

func TestHub_MultipleSubscribersAllReceive(t *testing.T) {
	hub := NewHub()

	a := hub.Subscribe("family1", "dishes")
	defer a.Close()

	b := hub.Subscribe("family1", "dishes")
	defer b.Close()

	hub.Publish(Update{Scope: "family1", Kind: "dishes", Origin: "x"})

	assert.Len(t, a.C, 1)
	assert.Len(t, b.C, 1)
}
