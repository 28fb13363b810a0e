package broadcaster

import (
	"testing"
	"time"

	"github.com/sdhome/core/internal/domain"
)

func TestBusFanOut(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	b.BroadcastSignalEvent(domain.SignalEvent{DeviceID: "hallway_motion"})

	select {
	case env := <-sub:
		if env.Kind != KindSignalEvent {
			t.Fatalf("kind = %q, want %q", env.Kind, KindSignalEvent)
		}
		se, ok := env.Payload.(domain.SignalEvent)
		if !ok || se.DeviceID != "hallway_motion" {
			t.Fatalf("unexpected payload: %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer b.Unsubscribe(sub)

	b.BroadcastDeviceStateUpdate(DeviceStateUpdate{DeviceID: "a"})
	b.BroadcastDeviceStateUpdate(DeviceStateUpdate{DeviceID: "b"}) // dropped, buffer full

	env := <-sub
	u := env.Payload.(DeviceStateUpdate)
	if u.DeviceID != "a" {
		t.Fatalf("expected first event to survive, got %q", u.DeviceID)
	}
	select {
	case <-sub:
		t.Fatal("expected second event to have been dropped")
	default:
	}
}

func TestNilBusIsNoOp(t *testing.T) {
	var b *Bus
	b.BroadcastSignalEvent(domain.SignalEvent{})
	if b.SubscriberCount() != 0 {
		t.Fatal("expected nil bus to report zero subscribers")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // must not panic
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}
