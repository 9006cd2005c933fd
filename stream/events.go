package stream

import (
	"github.com/kelindar/event"
)

// Event type identifiers.
const (
	TypeChannelState uint32 = iota + 1
	TypeStreamFault
	TypeReset
	TypeDeviceRemoved
)

// Event is implemented by every engine event.
type Event interface {
	Type() uint32
}

// ChannelStateEvent reports a channel lifecycle transition.
type ChannelStateEvent struct {
	Device  string
	Channel ChannelID
	Stream  StreamKind
	State   string
}

// Type implements Event.
func (e ChannelStateEvent) Type() uint32 { return TypeChannelState }

// StreamFaultEvent reports a transfer fault latched as a stream error.
type StreamFaultEvent struct {
	Device  string
	Channel ChannelID
	Pipe    int
	Status  string
}

// Type implements Event.
func (e StreamFaultEvent) Type() uint32 { return TypeStreamFault }

// ResetEvent reports the outcome of a reset coordinator run.
type ResetEvent struct {
	Device  string
	Channel ChannelID
	Result  string
	Err     string
}

// Type implements Event.
func (e ResetEvent) Type() uint32 { return TypeReset }

// DeviceRemovedEvent reports that the device was found disconnected.
type DeviceRemovedEvent struct {
	Device string
}

// Type implements Event.
func (e DeviceRemovedEvent) Type() uint32 { return TypeDeviceRemoved }

// EventBus wraps a kelindar/event dispatcher for engine events.
type EventBus struct {
	dispatcher *event.Dispatcher
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers of its type.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case ChannelStateEvent:
		event.Publish(b.dispatcher, e)
	case StreamFaultEvent:
		event.Publish(b.dispatcher, e)
	case ResetEvent:
		event.Publish(b.dispatcher, e)
	case DeviceRemovedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for events of type T and returns the
// unsubscribe function.
func Subscribe[T Event](b *EventBus, handler func(T)) func() {
	return event.Subscribe(b.dispatcher, handler)
}
