package sensorkit

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/hubertat/sensorkit/drivers"
)

const sht3xSensorName = "SHT3x"

// SHT3xConfig is the sensor's slice of the JSON configuration file.
type SHT3xConfig struct {
	Enable            bool
	Interval          int    // -1 = follow host cadence, >0 = seconds
	Address           uint16 // 0x44 or 0x45, defaults to 0x44
	I2cFrequency      int    // Hz, defaults to 100kHz
	MqttEnable        bool
	MqttTopic         string
	InfluxEnable      bool
	InfluxMeasurement string
}

// SHT3xSensor adapts the I2C driver to the managed Sensor contract.
type SHT3xSensor struct {
	config SHT3xConfig
	driver *drivers.SHT3x
	logger *log.Logger
}

func NewSHT3xSensor(config SHT3xConfig, bus i2c.Bus) *SHT3xSensor {
	if config.MqttTopic == "" {
		config.MqttTopic = "sensors/sht3x"
	}
	if config.InfluxMeasurement == "" {
		config.InfluxMeasurement = "environment"
	}
	if config.Interval == 0 {
		config.Interval = 60
	}
	if config.I2cFrequency == 0 {
		config.I2cFrequency = 100000
	}

	return &SHT3xSensor{
		config: config,
		driver: drivers.NewSHT3x(bus, config.Address),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: sht3xSensorName + ": ",
			Level:  log.GetLevel(),
		}),
	}
}

func (ss *SHT3xSensor) Init() error {
	err := ss.driver.Init()
	if err != nil {
		return errors.Wrap(err, "failed to init SHT3x sensor")
	}
	return nil
}

func (ss *SHT3xSensor) Name() string {
	return sht3xSensorName
}

func (ss *SHT3xSensor) ReadInterval() int {
	return ss.config.Interval
}

func (ss *SHT3xSensor) StartReadCycle() error {
	return ss.driver.StartReadCycle()
}

func (ss *SHT3xSensor) WaitCycle(ctx context.Context) error {
	return ss.driver.WaitCycle(ctx)
}

func (ss *SHT3xSensor) ReadInProgress() bool {
	return ss.driver.ReadInProgress()
}

func (ss *SHT3xSensor) Readings() []drivers.Measurement {
	return ss.driver.Readings()
}

func (ss *SHT3xSensor) LastRead() (last time.Time) {
	for _, m := range ss.driver.Readings() {
		if m.Taken.After(last) {
			last = m.Taken
		}
	}
	return
}

// Publish pushes temperature and humidity to the enabled sinks, one MQTT
// subtopic per quantity and one Influx point per quantity.
func (ss *SHT3xSensor) Publish(ctx context.Context, sinks Sinks) {
	for _, m := range ss.driver.Readings() {
		if ss.config.MqttEnable && sinks.Mqtt != nil {
			topic := ss.config.MqttTopic + "/" + m.Quantity
			payload := strconv.FormatFloat(m.Value, 'f', -1, 64)
			if err := sinks.Mqtt.Publish(topic, []byte(payload)); err != nil {
				ss.logger.Error("mqtt publish failed", "topic", topic, "err", err)
			}
		}

		if ss.config.InfluxEnable && sinks.Influx != nil {
			tags := map[string]string{"sensor": sht3xSensorName}
			fields := map[string]interface{}{m.Quantity: m.Value}
			err := sinks.Influx.WritePoint(ctx, ss.config.InfluxMeasurement, tags, fields, m.Taken)
			if err != nil {
				ss.logger.Error("influx write failed", "err", err)
			}
		}
	}
}
