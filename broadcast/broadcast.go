// Package broadcast defines the fan-out primitive used to reach the
// human-facing clients of an audience channel. Delivery is fire-and-forget:
// zero subscribers is not an error and no history is retained.
package broadcast

import "context"

// Broadcaster delivers a payload to every current subscriber of a channel.
type Broadcaster interface {
	// Publish sends data to all subscribers of the channel. Publishing to a
	// channel with no subscribers succeeds and drops the payload.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe registers a listener on the channel starting from the next
	// published payload.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close tears down the broadcaster and every open subscription.
	Close() error
}

// Subscription is a single listener's view of a channel.
type Subscription interface {
	// Next blocks until the next payload is available or the context ends.
	// It returns io.EOF once the subscription is closed.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the subscription.
	Close() error
}
