package sensorkit

import (
	"time"

	"github.com/hubertat/sensorkit/drivers"
)

// Snapshot is the structured status export: latest validated readings per
// active sensor plus the accumulated initialization errors. Producing one
// never fails; with nothing configured both lists are empty.
type Snapshot struct {
	Taken   time.Time      `json:"taken"`
	Sensors []SensorStatus `json:"sensors"`
	Errors  []SensorError  `json:"errors"`
}

type SensorStatus struct {
	Name     string                `json:"name"`
	Interval int                   `json:"interval"`
	LastRead time.Time             `json:"last_read"`
	Reading  bool                  `json:"read_in_progress"`
	Readings []drivers.Measurement `json:"readings"`
}

// StatusSnapshot collects the current state of every managed sensor.
func (sm *SensorManager) StatusSnapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	snap := Snapshot{
		Taken:   time.Now(),
		Sensors: []SensorStatus{},
		Errors:  append([]SensorError{}, sm.errors...),
	}

	for _, sensor := range sm.sensors {
		snap.Sensors = append(snap.Sensors, SensorStatus{
			Name:     sensor.Name(),
			Interval: sensor.ReadInterval(),
			LastRead: sensor.LastRead(),
			Reading:  sensor.ReadInProgress(),
			Readings: sensor.Readings(),
		})
	}

	return snap
}
