package sensorkit

import (
	"context"
	"time"

	"github.com/hubertat/sensorkit/drivers"
)

// FollowCadence is the interval sentinel for sensors that read at the pace
// of the host's own periodic loop instead of a timer of their own.
const FollowCadence = -1

// Sensor is the contract every managed sensor type fulfils. Read cycles are
// asynchronous: StartReadCycle returns immediately and WaitCycle joins the
// background work.
type Sensor interface {
	Init() error
	Name() string
	ReadInterval() int
	StartReadCycle() error
	WaitCycle(ctx context.Context) error
	ReadInProgress() bool
	Readings() []drivers.Measurement
	LastRead() time.Time
	Publish(ctx context.Context, sinks Sinks)
}

// Sinks bundles the publish targets handed to a sensor after a completed
// read cycle. Either may be nil when the transport is not configured.
type Sinks struct {
	Mqtt   MqttPublisher
	Influx InfluxWriter
}

// MqttPublisher is the subset of the MQTT client the sensors need.
type MqttPublisher interface {
	Publish(topic string, payload []byte) error
}

// InfluxWriter is the subset of the InfluxDB writer the sensors need.
type InfluxWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error
}
