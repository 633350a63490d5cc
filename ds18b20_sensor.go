package sensorkit

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/sensorkit/drivers"
)

const ds18b20SensorName = "DS18B20"

// DS18B20Config is the sensor's slice of the JSON configuration file.
type DS18B20Config struct {
	Enable            bool
	Interval          int // -1 = follow host cadence, >0 = seconds
	ExpectedCount     int
	MqttEnable        bool
	MqttTopic         string
	InfluxEnable      bool
	InfluxMeasurement string
}

// DS18B20Sensor adapts the bus driver to the managed Sensor contract and
// owns the publish topic layout for a multi-drop temperature bus.
type DS18B20Sensor struct {
	config DS18B20Config
	driver *drivers.DS18B20
	logger *log.Logger
}

func NewDS18B20Sensor(config DS18B20Config, bus drivers.OneWireBus) *DS18B20Sensor {
	if config.MqttTopic == "" {
		config.MqttTopic = "sensors/temperature"
	}
	if config.InfluxMeasurement == "" {
		config.InfluxMeasurement = "environment"
	}
	if config.Interval == 0 {
		config.Interval = 60
	}

	return &DS18B20Sensor{
		config: config,
		driver: drivers.NewDS18B20(bus, config.ExpectedCount),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: ds18b20SensorName + ": ",
			Level:  log.GetLevel(),
		}),
	}
}

func (ds *DS18B20Sensor) Init() error {
	err := ds.driver.Init()
	if err != nil {
		return errors.Wrap(err, "failed to init DS18B20 sensor")
	}
	return nil
}

func (ds *DS18B20Sensor) Name() string {
	return ds18b20SensorName
}

func (ds *DS18B20Sensor) ReadInterval() int {
	return ds.config.Interval
}

func (ds *DS18B20Sensor) StartReadCycle() error {
	return ds.driver.StartReadCycle()
}

func (ds *DS18B20Sensor) WaitCycle(ctx context.Context) error {
	return ds.driver.WaitCycle(ctx)
}

func (ds *DS18B20Sensor) ReadInProgress() bool {
	return ds.driver.ReadInProgress()
}

func (ds *DS18B20Sensor) Readings() []drivers.Measurement {
	return ds.driver.Readings()
}

func (ds *DS18B20Sensor) LastRead() (last time.Time) {
	for _, m := range ds.driver.Readings() {
		if m.Taken.After(last) {
			last = m.Taken
		}
	}
	return
}

// Publish pushes the last cycle's readings to the enabled sinks. With more
// than one device on the bus, topics and points carry the ROM id so values
// stay attributable when a device drops off.
func (ds *DS18B20Sensor) Publish(ctx context.Context, sinks Sinks) {
	readings := ds.driver.Readings()
	multi := len(readings) > 1

	for _, m := range readings {
		if ds.config.MqttEnable && sinks.Mqtt != nil {
			topic := ds.config.MqttTopic
			if multi {
				topic = topic + "/" + m.Device
			}
			payload := strconv.FormatFloat(m.Value, 'f', -1, 64)
			if err := sinks.Mqtt.Publish(topic, []byte(payload)); err != nil {
				ds.logger.Error("mqtt publish failed", "topic", topic, "err", err)
			}
		}

		if ds.config.InfluxEnable && sinks.Influx != nil {
			tags := map[string]string{"sensor": ds18b20SensorName, "rom": m.Device}
			fields := map[string]interface{}{m.Quantity: m.Value}
			err := sinks.Influx.WritePoint(ctx, ds.config.InfluxMeasurement, tags, fields, m.Taken)
			if err != nil {
				ds.logger.Error("influx write failed", "err", err)
			}
		}
	}
}
