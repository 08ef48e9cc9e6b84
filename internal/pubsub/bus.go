package pubsub

import (
	"context"
	"errors"
	"fmt"
)

// Bus delivers a payload to every current subscriber of topic. Delivery is
// fire-and-forget: no acknowledgment beyond the returned error.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Fanout publishes to every bus and joins their errors.
type Fanout []Bus

func (f Fanout) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for i, bus := range f {
		if bus == nil {
			continue
		}
		if err := bus.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("bus %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
