package sensorkit

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/hubertat/sensorkit/drivers"
	"github.com/hubertat/sensorkit/influx"
	"github.com/hubertat/sensorkit/mqtt"
)

const defaultMqttClientId = "sensorkit"

// initRetryCount is how many times a failing sensor Init is attempted
// before a SensorError is recorded and the sensor is skipped.
const initRetryCount = 3

// cycleWaitLimit bounds how long a scheduled read waits for its cycle to
// finish; a wedged cycle is abandoned so scheduling never stalls for good.
const cycleWaitLimit = 5 * time.Minute

var (
	initRetryDelay = 2 * time.Second
	timeNow        = time.Now
)

// SensorManager owns the buses, the sensor lifecycle and the scheduling.
// The exported fields are the JSON configuration surface; everything else
// is built up by InitSensors. Partial success is the normal outcome on real
// wiring: failed sensors land in the error list, working ones keep going.
type SensorManager struct {
	// Resolved pin numbers; pin discovery happens outside this subsystem.
	OneWirePin int
	I2cSdaPin  int
	I2cSclPin  int
	I2cBusName string

	Ds18b20 *DS18B20Config
	Sht3x   *SHT3xConfig

	MqttBroker   string
	MqttClientId string
	Influx       *influx.Config

	mu       sync.Mutex
	sensors  []Sensor
	errors   []SensorError
	lastRead map[string]time.Time

	oneWire      *drivers.GpioOneWire
	i2cBus       i2c.BusCloser
	mqttClient   *mqtt.Client
	influxWriter *influx.Writer
	sinks        Sinks

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *log.Logger
}

func (sm *SensorManager) ensureLogger() {
	if sm.logger == nil {
		sm.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "SensorManager: ",
			Level:  log.GetLevel(),
		})
	}
}

// ConnectSinks brings up the configured publish transports. Sink failures
// never block sensor operation; readings simply go unpublished.
func (sm *SensorManager) ConnectSinks(ctx context.Context) error {
	sm.ensureLogger()

	if len(sm.MqttBroker) > 0 {
		clientId := sm.MqttClientId
		if len(clientId) == 0 {
			clientId = defaultMqttClientId
		}
		client, err := mqtt.NewClient(sm.MqttBroker, clientId)
		if err != nil {
			return errors.Wrap(err, "failed to create mqtt client")
		}
		if err := client.Connect(ctx); err != nil {
			return errors.Wrap(err, "failed to connect to mqtt broker")
		}
		sm.mqttClient = client
		sm.sinks.Mqtt = client
	}

	if sm.Influx != nil && len(sm.Influx.Host) > 0 {
		sm.influxWriter = influx.NewWriter(*sm.Influx)
		sm.sinks.Influx = sm.influxWriter
	}

	return nil
}

// InitSensors resolves pins, brings up the shared buses and initializes
// every enabled sensor, retrying flaky hardware. It always leaves the
// manager in a usable state; failures are recorded, never fatal.
func (sm *SensorManager) InitSensors() {
	sm.ensureLogger()

	sm.mu.Lock()
	sm.errors = nil
	sm.sensors = nil
	sm.lastRead = make(map[string]time.Time)
	sm.mu.Unlock()
	sm.stop = make(chan struct{})
	sm.stopOnce = sync.Once{}

	if sm.Sht3x != nil && sm.Sht3x.Enable {
		sm.initSht3x()
	}

	if sm.Ds18b20 != nil && sm.Ds18b20.Enable {
		sm.initDs18b20()
	}

	sm.mu.Lock()
	active, failed := len(sm.sensors), len(sm.errors)
	sm.mu.Unlock()
	sm.logger.Info("sensor init finished", "active", active, "failed", failed)
}

func (sm *SensorManager) initSht3x() {
	if sm.I2cSdaPin <= 0 || sm.I2cSclPin <= 0 {
		sm.recordError(sht3xSensorName, ErrorConfig,
			"SHT3x enabled but I2C SDA/SCL pins are not resolved", 0)
		return
	}

	bus, err := sm.ensureI2C()
	if err != nil {
		sm.recordError(sht3xSensorName, ErrorBusInit, err.Error(), 0)
		return
	}

	sm.initSensor(NewSHT3xSensor(*sm.Sht3x, bus))
}

func (sm *SensorManager) initDs18b20() {
	if sm.OneWirePin <= 0 || sm.OneWirePin > 255 {
		sm.recordError(ds18b20SensorName, ErrorConfig,
			"DS18B20 enabled but the 1-Wire pin is not resolved", 0)
		return
	}

	ow := &drivers.GpioOneWire{Pin: uint8(sm.OneWirePin)}
	if err := ow.Open(); err != nil {
		sm.recordError(ds18b20SensorName, ErrorBusInit, err.Error(), 0)
		return
	}
	sm.oneWire = ow

	sm.initSensor(NewDS18B20Sensor(*sm.Ds18b20, ow))
}

// ensureI2C opens the shared I2C bus once; repeated calls reuse the handle.
func (sm *SensorManager) ensureI2C() (i2c.Bus, error) {
	if sm.i2cBus != nil {
		return sm.i2cBus, nil
	}

	freq := 100000
	if sm.Sht3x != nil && sm.Sht3x.I2cFrequency > 0 {
		freq = sm.Sht3x.I2cFrequency
	}

	bus, err := drivers.OpenI2C(sm.I2cBusName, freq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init i2c bus")
	}
	sm.i2cBus = bus
	return bus, nil
}

// initSensor retries a sensor's hardware init and either registers it for
// scheduling or records its failure.
func (sm *SensorManager) initSensor(sensor Sensor) {
	var err error
	for attempt := 1; attempt <= initRetryCount; attempt++ {
		if attempt > 1 {
			sm.logger.Warn("sensor init failed, retrying",
				"sensor", sensor.Name(), "attempt", attempt, "err", err)
			time.Sleep(initRetryDelay * time.Duration(attempt-1))
		}
		err = sensor.Init()
		if err == nil {
			break
		}
	}
	if err != nil {
		sm.recordError(sensor.Name(), ErrorNoDevice, err.Error(), initRetryCount)
		return
	}

	sm.logger.Info("sensor initialized", "sensor", sensor.Name(), "interval", sensor.ReadInterval())

	sm.mu.Lock()
	sm.sensors = append(sm.sensors, sensor)
	sm.lastRead[sensor.Name()] = timeNow()
	sm.mu.Unlock()

	if sensor.ReadInterval() > 0 {
		sm.wg.Add(1)
		go sm.runPeriodic(sensor)
	}
}

func (sm *SensorManager) recordError(name string, category ErrorCategory, message string, retries int) {
	sm.logger.Error("sensor unavailable", "sensor", name, "category", category, "err", message)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errors = append(sm.errors, SensorError{
		Sensor:   name,
		Category: category,
		Message:  message,
		Retries:  retries,
	})
}

// Errors returns the accumulated initialization errors.
func (sm *SensorManager) Errors() []SensorError {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]SensorError{}, sm.errors...)
}

// Sensors returns the active, successfully initialized sensors.
func (sm *SensorManager) Sensors() []Sensor {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]Sensor{}, sm.sensors...)
}

// Tick is called once per iteration of the host's own periodic loop with
// the loop's current cadence in seconds. Sensors in follow-cadence mode are
// read when due; sensors with a custom interval run their own task and
// ignore ticks entirely. Tick never blocks on sensor I/O.
func (sm *SensorManager) Tick(flowIntervalSeconds int) {
	if flowIntervalSeconds <= 0 {
		return
	}
	now := timeNow()
	interval := time.Duration(flowIntervalSeconds) * time.Second

	sm.mu.Lock()
	var due []Sensor
	for _, sensor := range sm.sensors {
		if sensor.ReadInterval() > 0 {
			continue
		}
		if now.Sub(sm.lastRead[sensor.Name()]) >= interval {
			sm.lastRead[sensor.Name()] = now
			due = append(due, sensor)
		}
	}
	sm.mu.Unlock()

	for _, sensor := range due {
		sm.wg.Add(1)
		go func(s Sensor) {
			defer sm.wg.Done()
			// Shutdown may have been requested between the tick and this
			// goroutine getting scheduled.
			select {
			case <-sm.stop:
				return
			default:
			}
			sm.readAndPublish(s)
		}(sensor)
	}
}

// runPeriodic is the dedicated task of one custom-interval sensor: read,
// wait out the cycle, sleep the interval, repeat until shutdown.
func (sm *SensorManager) runPeriodic(sensor Sensor) {
	defer sm.wg.Done()

	interval := time.Duration(sensor.ReadInterval()) * time.Second
	for {
		sm.readAndPublish(sensor)

		select {
		case <-sm.stop:
			return
		case <-time.After(interval):
		}
	}
}

func (sm *SensorManager) readAndPublish(sensor Sensor) {
	if err := sensor.StartReadCycle(); err != nil {
		sm.logger.Warn("read cycle not started", "sensor", sensor.Name(), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cycleWaitLimit)
	defer cancel()

	if err := sensor.WaitCycle(ctx); err != nil {
		sm.logger.Error("read cycle abandoned", "sensor", sensor.Name(), "err", err)
		return
	}

	sensor.Publish(ctx, sm.sinks)

	sm.mu.Lock()
	sm.lastRead[sensor.Name()] = timeNow()
	sm.mu.Unlock()
}

// Shutdown asks every background task to stop and waits for them before
// tearing down the shared buses, so no task ever runs against a released
// bus. It refuses to close the buses if the tasks do not confirm in time.
func (sm *SensorManager) Shutdown(ctx context.Context) (err error) {
	sm.ensureLogger()

	if sm.stop != nil {
		sm.stopOnce.Do(func() { close(sm.stop) })
	}

	stopped := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sensor tasks did not stop, keeping buses open")
	}

	if sm.mqttClient != nil {
		if disconnectErr := sm.mqttClient.Disconnect(ctx); disconnectErr != nil {
			err = errors.Wrap(disconnectErr, "failed to disconnect mqtt")
		}
	}
	if sm.influxWriter != nil {
		sm.influxWriter.Close()
	}
	if sm.i2cBus != nil {
		if closeErr := sm.i2cBus.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close i2c bus")
		}
		sm.i2cBus = nil
	}
	if sm.oneWire != nil {
		if closeErr := sm.oneWire.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close 1-wire bus")
		}
		sm.oneWire = nil
	}

	return err
}
