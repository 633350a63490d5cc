package sensorkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/hubertat/sensorkit/drivers"
)

type fakeMqtt struct {
	mu       sync.Mutex
	messages map[string]string
}

func (f *fakeMqtt) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string]string)
	}
	f.messages[topic] = string(payload)
	return nil
}

type influxPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
}

type fakeInflux struct {
	mu     sync.Mutex
	points []influxPoint
}

func (f *fakeInflux) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, influxPoint{measurement, tags, fields})
	return nil
}

var sensorTestRoms = []drivers.Rom{
	{0x28, 0xA5, 0x4D, 0xCA, 0x18, 0x25, 0x30, 0x61},
	{0x28, 0xBB, 0x1D, 0x6D, 0x13, 0x2C, 0xDE, 0x16},
}

func readCycle(t *testing.T, sensor Sensor) {
	t.Helper()
	if err := sensor.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sensor.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestDS18B20SensorPublish(t *testing.T) {
	t.Run("single device plain topic", func(t *testing.T) {
		bus := &drivers.MockOneWire{}
		bus.AddDevice(drivers.NewMockDS18B20(sensorTestRoms[0], 0x0191))

		sensor := NewDS18B20Sensor(DS18B20Config{
			Enable:        true,
			Interval:      FollowCadence,
			ExpectedCount: 1,
			MqttEnable:    true,
			InfluxEnable:  true,
		}, bus)
		if err := sensor.Init(); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		readCycle(t, sensor)

		mq := &fakeMqtt{}
		fl := &fakeInflux{}
		sensor.Publish(context.Background(), Sinks{Mqtt: mq, Influx: fl})

		if got, ok := mq.messages["sensors/temperature"]; !ok || got != "25.0625" {
			t.Errorf("mqtt messages: got %v, want sensors/temperature=25.0625", mq.messages)
		}
		if len(fl.points) != 1 {
			t.Fatalf("got %d influx points, want 1", len(fl.points))
		}
		p := fl.points[0]
		if p.measurement != "environment" || p.tags["rom"] != sensorTestRoms[0].String() {
			t.Errorf("unexpected point: %+v", p)
		}
		if p.fields["temperature"] != 25.0625 {
			t.Errorf("field: got %v want 25.0625", p.fields["temperature"])
		}
	})

	t.Run("multiple devices rom-suffixed topics", func(t *testing.T) {
		bus := &drivers.MockOneWire{}
		bus.AddDevice(drivers.NewMockDS18B20(sensorTestRoms[0], 0x0191))
		bus.AddDevice(drivers.NewMockDS18B20(sensorTestRoms[1], -162))

		sensor := NewDS18B20Sensor(DS18B20Config{
			Enable:        true,
			Interval:      FollowCadence,
			ExpectedCount: 2,
			MqttEnable:    true,
		}, bus)
		if err := sensor.Init(); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		readCycle(t, sensor)

		mq := &fakeMqtt{}
		sensor.Publish(context.Background(), Sinks{Mqtt: mq})

		if len(mq.messages) != 2 {
			t.Fatalf("got %d messages, want 2: %v", len(mq.messages), mq.messages)
		}
		for _, rom := range sensorTestRoms {
			if _, ok := mq.messages["sensors/temperature/"+rom.String()]; !ok {
				t.Errorf("missing topic for device %s, got %v", rom, mq.messages)
			}
		}
	})

	t.Run("disabled sinks stay silent", func(t *testing.T) {
		bus := &drivers.MockOneWire{}
		bus.AddDevice(drivers.NewMockDS18B20(sensorTestRoms[0], 0x0191))

		sensor := NewDS18B20Sensor(DS18B20Config{
			Enable:        true,
			Interval:      FollowCadence,
			ExpectedCount: 1,
		}, bus)
		if err := sensor.Init(); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		readCycle(t, sensor)

		mq := &fakeMqtt{}
		fl := &fakeInflux{}
		sensor.Publish(context.Background(), Sinks{Mqtt: mq, Influx: fl})

		if len(mq.messages) != 0 || len(fl.points) != 0 {
			t.Errorf("disabled sensor published anyway: %v, %v", mq.messages, fl.points)
		}
	})
}

func TestSHT3xSensorPublish(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: drivers.SHT3xDefaultAddress, W: []byte{0x30, 0xA2}},
			{Addr: drivers.SHT3xDefaultAddress, W: []byte{0x24, 0x00}},
			{Addr: drivers.SHT3xDefaultAddress, R: []byte{0x65, 0x24, 0xE1, 0x5D, 0x24, 0x64}},
		},
	}

	sensor := NewSHT3xSensor(SHT3xConfig{
		Enable:       true,
		Interval:     FollowCadence,
		MqttEnable:   true,
		InfluxEnable: true,
	}, &bus)
	if err := sensor.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	readCycle(t, sensor)

	mq := &fakeMqtt{}
	fl := &fakeInflux{}
	sensor.Publish(context.Background(), Sinks{Mqtt: mq, Influx: fl})

	if _, ok := mq.messages["sensors/sht3x/temperature"]; !ok {
		t.Errorf("missing temperature topic, got %v", mq.messages)
	}
	if _, ok := mq.messages["sensors/sht3x/humidity"]; !ok {
		t.Errorf("missing humidity topic, got %v", mq.messages)
	}

	if len(fl.points) != 2 {
		t.Fatalf("got %d influx points, want 2", len(fl.points))
	}
	for _, p := range fl.points {
		if p.tags["sensor"] != "SHT3x" {
			t.Errorf("point missing sensor tag: %+v", p)
		}
	}

	if sensor.LastRead().IsZero() {
		t.Error("last read not tracked after a completed cycle")
	}
}

func TestSensorConfigDefaults(t *testing.T) {
	ds := NewDS18B20Sensor(DS18B20Config{Enable: true}, &drivers.MockOneWire{})
	if ds.config.MqttTopic != "sensors/temperature" {
		t.Errorf("topic default: got %q", ds.config.MqttTopic)
	}
	if ds.config.Interval != 60 {
		t.Errorf("interval default: got %d want 60", ds.config.Interval)
	}

	ss := NewSHT3xSensor(SHT3xConfig{Enable: true}, &i2ctest.Playback{DontPanic: true})
	if ss.config.MqttTopic != "sensors/sht3x" {
		t.Errorf("topic default: got %q", ss.config.MqttTopic)
	}
	if ss.config.InfluxMeasurement != "environment" {
		t.Errorf("measurement default: got %q", ss.config.InfluxMeasurement)
	}
	if ss.config.I2cFrequency != 100000 {
		t.Errorf("i2c frequency default: got %d want 100000", ss.config.I2cFrequency)
	}
}
