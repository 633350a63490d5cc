package drivers

import "time"

// Measurement is one validated quantity read from a sensor.
type Measurement struct {
	Quantity string    `json:"quantity"`
	Unit     string    `json:"unit"`
	Value    float64   `json:"value"`
	Device   string    `json:"device,omitempty"`
	Taken    time.Time `json:"taken"`
}

// CycleState tracks one logical read cycle of a device.
type CycleState int

const (
	StateIdle CycleState = iota
	StateConverting
	StateReading
	StateComplete
	StateError
)

func (cs CycleState) String() string {
	switch cs {
	case StateIdle:
		return "idle"
	case StateConverting:
		return "converting"
	case StateReading:
		return "reading"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// sleep and now are swapped out in tests to keep retry, poll and timeout
// loops fast.
var (
	sleep = time.Sleep
	now   = time.Now
)
