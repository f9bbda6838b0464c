package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	// Rotary encoder relative axis codes
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
	REL_MISC  = 0x09

	KEY_MUTE       = 113
	KEY_VOLUMEDOWN = 114
	KEY_VOLUMEUP   = 115
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

const (
	version = "1.0.0"

	defaultDevicePort    = 1281
	defaultListeningPort = 3000

	defaultRotaryDBPerStep          = 0.5
	defaultRotaryVelocityWindowMS   = 200
	defaultRotaryVelocityMultiplier = 2.0
	defaultRotaryVelocityThreshold  = 3
)
