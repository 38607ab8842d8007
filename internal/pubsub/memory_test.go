package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akshatgg/turngate/internal/event"
)

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()

	first, err := b.Subscribe(context.Background(), "turn_1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer first.Close()
	second, err := b.Subscribe(context.Background(), "turn_1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer second.Close()
	other, err := b.Subscribe(context.Background(), "turn_2", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Close()

	if err := b.Publish(context.Background(), "turn_1", event.Status("working")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, sub := range []Subscription{first, second} {
		select {
		case ev := <-sub.Events():
			if ev.Type != event.TypeStatus || ev.Content != "working" {
				t.Fatalf("subscriber %d got wrong event: %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("event leaked across keys: %+v", ev)
	default:
	}
}

func TestMemoryBrokerIdleTimeout(t *testing.T) {
	b := NewMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "turn_1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected channel close, got an event")
		}
	case <-time.After(time.Second):
		t.Fatalf("idle timeout never fired")
	}
	if !errors.Is(sub.Err(), ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", sub.Err())
	}
}

func TestMemoryBrokerDeliveryResetsIdleTimer(t *testing.T) {
	b := NewMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "turn_1", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Keep publishing faster than the timeout; the subscription must stay open.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := b.Publish(context.Background(), "turn_1", event.Status("tick")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	if sub.Err() != nil {
		t.Fatalf("unexpected subscription error: %v", sub.Err())
	}
}

func TestMemoryBrokerCloseRemovesSubscription(t *testing.T) {
	b := NewMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "turn_1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	if sub.Err() != nil {
		t.Fatalf("plain close must not record an error, got %v", sub.Err())
	}

	// Publishing to a key with no subscribers is a no-op.
	if err := b.Publish(context.Background(), "turn_1", event.Status("working")); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
