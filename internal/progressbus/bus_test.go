package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_FansOutToEverySubscriber(t *testing.T) {
	bus := New()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(StageStarted(0))

	select {
	case p := <-a:
		assert.Equal(t, KindStageStarted, p.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the published event")
	}
	select {
	case p := <-b:
		assert.Equal(t, KindStageStarted, p.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received the published event")
	}
}

func TestPublish_NeverBlocksOnAFullSubscriber(t *testing.T) {
	bus := &Bus{bufferSize: 1}
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(NodeInitStarted("n1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	require.Len(t, slow, 1, "the stalled subscriber should have exactly its buffer's worth queued, newer events dropped")
}

func TestUnsubscribe_StopsDeliveryAndClosesChannel(t *testing.T) {
	bus := New()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	bus.Publish(StageStarted(1))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestClose_ClosesEverySubscriberChannel(t *testing.T) {
	bus := New()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Close()

	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestBridgeBackpressure_CarriesEdgeAndDepth(t *testing.T) {
	p := BridgeBackpressure("n1->n2", 42)
	assert.Equal(t, KindBridgeBackpressure, p.Kind)
	assert.Equal(t, "n1->n2", p.Edge)
	assert.Equal(t, 42, p.Depth)
}
