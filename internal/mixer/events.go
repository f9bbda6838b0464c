package mixer

// Event is a logical state change the engine publishes.
type Event interface {
	isEvent()
}

// ParameterChanged carries a parameter's state right after a mutation.
type ParameterChanged struct {
	Parameter Parameter
}

// ActiveDeviceChanged is published when the listening target switches.
type ActiveDeviceChanged struct {
	Device OutputDevice
}

func (ParameterChanged) isEvent()    {}
func (ActiveDeviceChanged) isEvent() {}

// Publisher fans events out to whoever listens. The engine calls Publish
// synchronously at the point of mutation, so implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Link transmits encoded frames to the device. Send reports whether the write
// was handed to the transport; there is no acknowledgement.
type Link interface {
	Send(frame []byte) error
}
