// Package pubsub is the transient channel boundary used to relay live
// progress events from workers to connected streams. Channels are keyed by
// turn id; the coordinator only subscribes, workers publish.
package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/akshatgg/turngate/internal/event"
)

// ErrIdleTimeout is reported by a subscription that saw no event for its
// configured idle window.
var ErrIdleTimeout = errors.New("subscription idle timeout")

type Subscription interface {
	// Events is closed when the subscription ends; Err explains why when the
	// ending was not a plain Close.
	Events() <-chan event.Event
	Err() error
	Close()
}

type Broker interface {
	Subscribe(ctx context.Context, key string, idleTimeout time.Duration) (Subscription, error)
	Publish(ctx context.Context, key string, ev event.Event) error
}
