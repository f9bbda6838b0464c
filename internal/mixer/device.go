package mixer

import "fmt"

// OutputDevice names the output the single-fader "listening" surface drives.
type OutputDevice string

const (
	Monitoring OutputDevice = "Monitoring"
	Phones     OutputDevice = "Phones"
)

// OutputCategory is the catalog category holding both output parameters.
const OutputCategory = "output"

// ParseOutputDevice accepts exactly "Monitoring" or "Phones".
func ParseOutputDevice(s string) (OutputDevice, error) {
	switch OutputDevice(s) {
	case Monitoring, Phones:
		return OutputDevice(s), nil
	default:
		return "", fmt.Errorf("unknown output device %q", s)
	}
}

// Other returns the device a toggle switches to.
func (d OutputDevice) Other() OutputDevice {
	if d == Phones {
		return Monitoring
	}
	return Phones
}

// Key returns the output parameter this device controls, e.g. output/phones.
func (d OutputDevice) Key() Key {
	switch d {
	case Phones:
		return Key{Category: OutputCategory, Operation: "phones"}
	default:
		return Key{Category: OutputCategory, Operation: "monitoring"}
	}
}
