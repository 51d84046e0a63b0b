package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(DeviceRemovedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case FrameCapturedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureErrorEvent:
		event.Publish(b.dispatcher, e)
	case IoctlRetryEvent:
		event.Publish(b.dispatcher, e)
	case NegotiationMismatchEvent:
		event.Publish(b.dispatcher, e)
	case H264SupportEvent:
		event.Publish(b.dispatcher, e)
	case DecodeErrorEvent:
		event.Publish(b.dispatcher, e)
	case ControlsAppliedEvent:
		event.Publish(b.dispatcher, e)
	case DeviceRemovedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e DeviceRemovedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(FrameCapturedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(IoctlRetryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(NegotiationMismatchEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(H264SupportEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DecodeErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ControlsAppliedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceRemovedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeToChannel bridges callback subscriptions to a channel for
// select loops. Events are dropped when the channel is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- T) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
