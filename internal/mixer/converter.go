package mixer

import "math"

const (
	// RefRaw is the fixed-point raw value the device uses for 0 dB.
	RefRaw = 16777216 // 0x01000000

	// FloorDB is the canonical "-inf" for UI purposes. Anything at or below it
	// is sent as raw 0.
	FloorDB = -100.0

	// CeilDB is the upper bound of a mix-bus fader.
	CeilDB = 12.0
)

// DBToRaw converts a decibel value to the device's raw fixed-point value.
func DBToRaw(db float64) int64 {
	if math.IsNaN(db) || db <= FloorDB {
		return 0
	}
	return int64(roundHalfUp(RefRaw * math.Pow(10, db/20)))
}

// RawToDB converts a raw fixed-point value back to decibels, rounded to one
// decimal place.
func RawToDB(raw int64) float64 {
	if raw <= 0 {
		return FloorDB
	}
	db := 20 * math.Log10(float64(raw)/RefRaw)
	return roundHalfUp(db*10) / 10
}

// roundHalfUp rounds half-way cases towards +inf, which is what the device UI
// expects for negative decibel values (-6.05 -> -6.0).
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
