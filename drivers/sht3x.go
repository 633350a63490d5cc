package drivers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
)

// SHT3x I2C command words, transmitted big-endian.
const (
	SHT3xDefaultAddress uint16 = 0x44

	sht3xCmdSoftResetHi byte = 0x30
	sht3xCmdSoftResetLo byte = 0xA2
	sht3xCmdMeasureHi   byte = 0x24 // high repeatability, no clock stretching
	sht3xCmdMeasureLo   byte = 0x00
)

const (
	sht3xResetSettle = 10 * time.Millisecond

	// Datasheet maximum for a high repeatability measurement is 15ms, the
	// poll deadline leaves generous margin.
	sht3xMeasureTimeout = 100 * time.Millisecond
	sht3xMeasurePoll    = 5 * time.Millisecond

	sht3xReadRetries = 3
	sht3xRetryDelay  = 50 * time.Millisecond
)

// SHT3x drives one Sensirion SHT3x temperature/humidity sensor in
// single-shot mode. One background read cycle at a time, same contract as
// the DS18B20 driver.
type SHT3x struct {
	dev    i2c.Dev
	logger *log.Logger

	mu         sync.Mutex
	inProgress bool
	done       chan struct{}
	state      CycleState
	results    []Measurement
}

func NewSHT3x(bus i2c.Bus, addr uint16) *SHT3x {
	if addr == 0 {
		addr = SHT3xDefaultAddress
	}
	return &SHT3x{
		dev: i2c.Dev{Bus: bus, Addr: addr},
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "SHT3x: ",
			Level:  log.GetLevel(),
		}),
	}
}

// Init soft-resets the sensor. An unacknowledged reset transaction means no
// device answers at the configured address.
func (s *SHT3x) Init() error {
	if err := s.dev.Tx([]byte{sht3xCmdSoftResetHi, sht3xCmdSoftResetLo}, nil); err != nil {
		return errors.Wrapf(err, "sht3x: soft reset not acknowledged at 0x%02x", s.dev.Addr)
	}
	sleep(sht3xResetSettle)
	return nil
}

// StartReadCycle launches one background measure cycle. A cycle already in
// flight is an error.
func (s *SHT3x) StartReadCycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inProgress {
		return errors.New("sht3x: read cycle already in progress")
	}

	s.inProgress = true
	s.done = make(chan struct{})
	go s.runCycle(s.done)
	return nil
}

func (s *SHT3x) ReadInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

func (s *SHT3x) WaitCycle(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SHT3x) Readings() []Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Measurement, len(s.results))
	copy(out, s.results)
	return out
}

func (s *SHT3x) State() CycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SHT3x) runCycle(done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
		close(done)
	}()

	var (
		temp, hum float64
		err       error
	)
	for attempt := 1; attempt <= sht3xReadRetries; attempt++ {
		if attempt > 1 {
			s.logger.Warn("measurement failed, retrying", "attempt", attempt, "err", err)
			sleep(sht3xRetryDelay)
		}

		temp, hum, err = s.measureOnce()
		if err == nil {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateError
		s.logger.Error("measurement failed", "attempts", sht3xReadRetries, "err", err)
		return
	}

	taken := now()
	s.state = StateComplete
	s.results = []Measurement{
		{Quantity: "temperature", Unit: "°C", Value: temp, Taken: taken},
		{Quantity: "humidity", Unit: "%", Value: hum, Taken: taken},
	}
}

// measureOnce runs one full measure/poll/read transaction. The sensor NACKs
// read attempts while still measuring, so a failed read inside the deadline
// means "not ready yet"; only the command write failing is an immediate bus
// error, since a healthy sensor always acknowledges it.
func (s *SHT3x) measureOnce() (temp, hum float64, err error) {
	s.setState(StateConverting)

	if err = s.dev.Tx([]byte{sht3xCmdMeasureHi, sht3xCmdMeasureLo}, nil); err != nil {
		return 0, 0, errors.Wrap(err, "measurement command rejected")
	}

	var buf [6]byte
	deadline := now().Add(sht3xMeasureTimeout)
	for {
		sleep(sht3xMeasurePoll)
		if err = s.dev.Tx(nil, buf[:]); err == nil {
			break
		}
		if now().After(deadline) {
			return 0, 0, errors.Errorf("measurement timeout after %v", sht3xMeasureTimeout)
		}
	}

	s.setState(StateReading)

	if crc8Sensirion(buf[0:2]) != buf[2] {
		return 0, 0, errors.New("temperature crc mismatch")
	}
	if crc8Sensirion(buf[3:5]) != buf[5] {
		return 0, 0, errors.New("humidity crc mismatch")
	}

	rawTemp := uint16(buf[0])<<8 | uint16(buf[1])
	rawHum := uint16(buf[3])<<8 | uint16(buf[4])

	return sht3xTemperature(rawTemp), sht3xHumidity(rawHum), nil
}

func (s *SHT3x) setState(state CycleState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func sht3xTemperature(raw uint16) float64 {
	return -45.0 + 175.0*float64(raw)/65535.0
}

func sht3xHumidity(raw uint16) float64 {
	return 100.0 * float64(raw) / 65535.0
}
