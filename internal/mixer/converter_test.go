package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDBToRaw_ReferencePoints(t *testing.T) {
	assert.Equal(t, int64(RefRaw), DBToRaw(0))
	assert.Equal(t, int64(8408526), DBToRaw(-6))
	assert.Equal(t, int64(66791300), DBToRaw(12))
}

func TestDBToRaw_FloorIsZero(t *testing.T) {
	for _, db := range []float64{-100, -100.5, -200, math.Inf(-1), math.NaN()} {
		assert.Equal(t, int64(0), DBToRaw(db), "db=%v", db)
	}
}

func TestRawToDB_NonPositiveIsFloor(t *testing.T) {
	assert.Equal(t, FloorDB, RawToDB(0))
	assert.Equal(t, FloorDB, RawToDB(-5))
}

func TestRawToDB_RoundsToOneDecimal(t *testing.T) {
	assert.Equal(t, 0.0, RawToDB(RefRaw))
	assert.Equal(t, -6.0, RawToDB(8408526))
}

func TestConverter_RoundTrip(t *testing.T) {
	// (-100, 12] in steps of 0.1
	for i := -999; i <= 120; i++ {
		db := float64(i) / 10
		got := RawToDB(DBToRaw(db))
		if math.Abs(got-db) > 0.05 {
			t.Fatalf("round trip of %.1f dB gave %.2f", db, got)
		}
	}
}

func TestConverter_Monotonic(t *testing.T) {
	prev := DBToRaw(-99.9)
	for i := -998; i <= 120; i++ {
		cur := DBToRaw(float64(i) / 10)
		if cur < prev {
			t.Fatalf("DBToRaw not monotonic at %.1f: %d < %d", float64(i)/10, cur, prev)
		}
		prev = cur
	}
}
