package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestInProcessFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewInProcess(nil)

	a, cancelA := b.SubscribeUser(ctx, "u1")
	defer cancelA()
	c, cancelC := b.SubscribeUser(ctx, "u1")
	defer cancelC()
	other, cancelOther := b.SubscribeUser(ctx, "u2")
	defer cancelOther()

	b.PublishUser(ctx, "u1", Event{Type: EventTaskUpdated, TaskID: "t1"})

	for _, ch := range []<-chan Event{a, c} {
		ev := recvOne(t, ch)
		assert.Equal(t, EventTaskUpdated, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	select {
	case ev := <-other:
		t.Fatalf("event leaked across users: %+v", ev)
	default:
	}
}

func TestInProcessAddressScoping(t *testing.T) {
	ctx := context.Background()
	b := NewInProcess(nil)

	userCh, cancelUser := b.SubscribeUser(ctx, "x")
	defer cancelUser()
	taskCh, cancelTask := b.SubscribeTask(ctx, "x")
	defer cancelTask()

	// User and task addresses are distinct even for the same key.
	b.PublishTask(ctx, "x", Event{Type: EventJobLog})
	ev := recvOne(t, taskCh)
	assert.Equal(t, EventJobLog, ev.Type)
	select {
	case <-userCh:
		t.Fatal("task event delivered to user subscriber")
	default:
	}
}

func TestInProcessCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewInProcess(nil)

	ch, cancel := b.SubscribeUser(ctx, "u1")
	cancel()
	cancel() // idempotent

	b.PublishUser(ctx, "u1", Event{Type: EventHeartbeat})
	select {
	case ev := <-ch:
		t.Fatalf("event delivered after cancel: %+v", ev)
	default:
	}
}

func TestInProcessDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	b := NewInProcess(nil)

	ch, cancel := b.SubscribeUser(ctx, "u1")
	defer cancel()

	// Nobody drains; the buffer fills and further publishes are dropped
	// without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			b.PublishUser(ctx, "u1", Event{Type: EventQueueItemAdded})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	delivered := 0
	for {
		select {
		case <-ch:
			delivered++
			continue
		default:
		}
		break
	}
	require.Equal(t, subscriberBuffer, delivered)
}

func TestInProcessPreservesTimestamp(t *testing.T) {
	ctx := context.Background()
	b := NewInProcess(nil)

	ch, cancel := b.SubscribeUser(ctx, "u1")
	defer cancel()

	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.PublishUser(ctx, "u1", Event{Type: EventHeartbeat, Timestamp: stamp})
	assert.Equal(t, stamp, recvOne(t, ch).Timestamp)
}
