package realtime

import "context"

// Event is one message on a realtime scope.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Publisher pushes events to every subscriber of a scope.
type Publisher interface {
	Publish(ctx context.Context, scope string, event Event) error
}

// Broker is the full subscription port: publish plus a cancellable
// subscribe. The returned stop function must tear the subscription down
// deterministically; no events are delivered after it returns.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, scope string) (<-chan Event, func(), error)
}

// Discard is a Publisher that drops every event. Hosts without a live
// view wire this in.
type Discard struct{}

func (Discard) Publish(context.Context, string, Event) error { return nil }
