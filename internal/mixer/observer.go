package mixer

// Frame kinds reported to Observer.FrameReceived.
const (
	FrameMute      = "mute"
	FrameValue     = "value"
	FrameIgnored   = "ignored"
	FrameMalformed = "malformed"
)

// Observer receives counters from the engine and store. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	FrameSent(err error)
	FrameReceived(kind string)
	StatePersisted(err error)
}

type nopObserver struct{}

func (nopObserver) FrameSent(error)      {}
func (nopObserver) FrameReceived(string) {}
func (nopObserver) StatePersisted(error) {}
