package sensor

import (
	"math"
	"time"
)

// Reading is one timestamped snapshot of sensor values. Built fresh each
// cycle, serialized, and discarded. The JSON field names are part of the
// published contract; consumers depend on them.
type Reading struct {
	Timestamp   time.Time          `json:"timestamp"`
	Location    string             `json:"location"`
	Measurement string             `json:"measurement"`
	Fields      map[string]float64 `json:"fields"`
}

// Source produces a snapshot of current sensor values on demand. The map
// keys become the published field names.
type Source interface {
	Snapshot() (map[string]float64, error)
}

// Round rounds v half away from zero to the given number of decimal places.
func Round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
