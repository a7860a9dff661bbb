package adapter

import "github.com/srg/bleactor/internal/ringchan"

// DefaultEventBuffer is the default capacity of an adapter's event ring.
const DefaultEventBuffer = 256

// BaseStream is an embeddable EventStream backed by a ring channel. Every
// concrete adapter (goble's Central and Peripheral, mock's Adapter) embeds
// this and calls Emit to publish events; Events() satisfies the
// EventStream interface for free.
type BaseStream struct {
	ring *ringchan.RingChannel[Event]
}

// NewBaseStream constructs a BaseStream with the given buffer capacity.
func NewBaseStream(capacity int) BaseStream {
	if capacity <= 0 {
		capacity = DefaultEventBuffer
	}
	return BaseStream{ring: ringchan.New[Event](capacity)}
}

// Events implements EventStream.
func (b *BaseStream) Events() <-chan Event {
	return b.ring.C()
}

// Emit publishes an event, never blocking the caller.
func (b *BaseStream) Emit(e Event) {
	b.ring.Send(e)
}

// Close shuts down the underlying ring channel. Adapters call this from
// their own Close/Shutdown path.
func (b *BaseStream) Close() {
	b.ring.Close()
}
