package eventbus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/scholarr/ingestcore/internal/types"
)

func newTestBus(depth int) *Bus {
	return New(depth, slog.Default())
}

func TestPublishDeliversToRunSubscribersOnly(t *testing.T) {
	bus := newTestBus(4)
	subA := bus.Subscribe(1)
	defer subA.Close()
	subB := bus.Subscribe(2)
	defer subB.Close()

	bus.Publish(1, types.EventPublicationDiscovered, "payload")

	select {
	case evt := <-subA.Events():
		if evt.RunID != 1 || evt.Type != types.EventPublicationDiscovered {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber for run 1 received nothing")
	}

	select {
	case evt := <-subB.Events():
		t.Fatalf("subscriber for run 2 received cross-run event %+v", evt)
	default:
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	bus := newTestBus(16)
	sub := bus.Subscribe(7)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(7, types.EventIdentifierUpdated, i)
	}
	for i := 0; i < 10; i++ {
		evt := <-sub.Events()
		if evt.Data.(int) != i {
			t.Fatalf("event %d delivered out of order: got %v", i, evt.Data)
		}
	}
}

func TestPublishDropsOnFullQueueWithoutBlocking(t *testing.T) {
	bus := newTestBus(2)
	sub := bus.Subscribe(3)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(3, types.EventPublicationDiscovered, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
	if bus.DroppedCount() != 3 {
		t.Errorf("dropped count = %d, want 3", bus.DroppedCount())
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	bus := newTestBus(4)
	sub := bus.Subscribe(9)
	sub.Close()

	bus.Publish(9, types.EventPublicationDiscovered, "late")
	if bus.DroppedCount() != 0 {
		t.Errorf("publish after close should be a no-op, dropped=%d", bus.DroppedCount())
	}
}
