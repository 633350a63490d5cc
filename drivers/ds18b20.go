package drivers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// DS18B20 family code and function commands.
const (
	DS18B20Family byte = 0x28

	cmdMatchRom       byte = 0x55
	cmdConvertT       byte = 0x44
	cmdReadScratchpad byte = 0xBE
)

const (
	// Conversion takes up to 750ms at 12 bit resolution, the poll deadline
	// leaves margin on top of that.
	ds18b20ConversionTimeout = 1 * time.Second
	ds18b20ConversionPoll    = 10 * time.Millisecond

	// Short pause between conversion-complete and the scratchpad read,
	// without it marginal wiring produces frequent CRC failures.
	ds18b20SettleDelay = 3 * time.Millisecond

	ds18b20ReadRetries  = 5
	ds18b20RetryBackoff = 50 * time.Millisecond

	ds18b20SearchAttempts = 5
	ds18b20SearchDelay    = 20 * time.Millisecond
)

// DS18B20 drives every DS18B20 on one 1-Wire bus. Device ids are discovered
// once in Init and cached; hot-plugging requires re-initializing the driver.
// Read cycles run as a single background goroutine covering all devices, at
// most one cycle at a time.
type DS18B20 struct {
	bus      OneWireBus
	expected int
	logger   *log.Logger

	roms []Rom

	mu         sync.Mutex
	inProgress bool
	done       chan struct{}
	states     []CycleState
	results    []Measurement
}

// NewDS18B20 wraps an already-opened bus. expectedCount is a configuration
// hint for the discovery retry policy, zero means "take what you find".
func NewDS18B20(bus OneWireBus, expectedCount int) *DS18B20 {
	return &DS18B20{
		bus:      bus,
		expected: expectedCount,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "DS18B20: ",
			Level:  log.GetLevel(),
		}),
	}
}

// Init probes the bus and enumerates devices. A single search pass can
// undercount on electrical noise, so the search is repeated a few times with
// growing delays and the best (highest count) result wins; the expected
// count hint ends the retries early once satisfied.
func (d *DS18B20) Init() error {
	if !d.bus.Reset() {
		return errors.New("ds18b20: no presence pulse on bus reset")
	}

	var best []Rom
	for attempt := 1; attempt <= ds18b20SearchAttempts; attempt++ {
		if attempt > 1 {
			sleep(ds18b20SearchDelay * time.Duration(attempt-1))
		}

		roms, err := SearchFamily(d.bus, DS18B20Family)
		if err != nil {
			d.logger.Warn("rom search pass failed", "attempt", attempt, "err", err)
			continue
		}
		if len(roms) > len(best) {
			best = roms
		}
		if d.expected > 0 && len(best) >= d.expected {
			break
		}
	}

	if len(best) == 0 {
		return errors.Errorf("ds18b20: no devices found after %d search attempts", ds18b20SearchAttempts)
	}
	if d.expected > 0 && len(best) < d.expected {
		d.logger.Warn("found fewer devices than configured", "found", len(best), "expected", d.expected)
	}

	d.roms = best
	d.states = make([]CycleState, len(best))
	for _, rom := range best {
		d.logger.Info("discovered device", "rom", rom.String())
	}
	return nil
}

// Roms returns the cached device ids.
func (d *DS18B20) Roms() []Rom {
	out := make([]Rom, len(d.roms))
	copy(out, d.roms)
	return out
}

// StartReadCycle launches one background read cycle across all discovered
// devices. It returns immediately; a cycle already in flight is an error and
// leaves the running cycle untouched.
func (d *DS18B20) StartReadCycle() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.roms) == 0 {
		return errors.New("ds18b20: not initialized")
	}
	if d.inProgress {
		return errors.New("ds18b20: read cycle already in progress")
	}

	d.inProgress = true
	d.done = make(chan struct{})
	go d.runCycle(d.done)
	return nil
}

// ReadInProgress reports whether a cycle goroutine is still running.
func (d *DS18B20) ReadInProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inProgress
}

// WaitCycle blocks until the current cycle finishes or ctx expires. Without
// a cycle in flight it returns immediately.
func (d *DS18B20) WaitCycle(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

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

// Readings returns the results of the last completed cycle, one temperature
// per device that read successfully.
func (d *DS18B20) Readings() []Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Measurement, len(d.results))
	copy(out, d.results)
	return out
}

// States exposes the per-device cycle states of the last cycle.
func (d *DS18B20) States() []CycleState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]CycleState, len(d.states))
	copy(out, d.states)
	return out
}

func (d *DS18B20) runCycle(done chan struct{}) {
	// Clearing the marker is strictly the last thing this goroutine does.
	defer func() {
		d.mu.Lock()
		d.inProgress = false
		d.mu.Unlock()
		close(done)
	}()

	results := make([]Measurement, 0, len(d.roms))
	states := make([]CycleState, len(d.roms))

	// All convert commands go out first so the conversions overlap; a full
	// resolution conversion takes up to 750ms and the cycle would otherwise
	// pay it once per device.
	primed := make([]bool, len(d.roms))
	converting := false
	for i, rom := range d.roms {
		if err := d.startConversion(i); err != nil {
			d.logger.Warn("conversion not started", "rom", rom.String(), "err", err)
			continue
		}
		states[i] = StateConverting
		primed[i] = true
		converting = true
	}
	if converting && !d.waitConversions() {
		// Shared conversion never finished; the per-device retries below
		// reconvert individually.
		for i := range primed {
			primed[i] = false
		}
	}

	// Scratchpads are read one after another: the bus carries one
	// transaction at a time, and a failing device must not starve its
	// siblings.
	for i, rom := range d.roms {
		temp, err := d.readDevice(i, &states[i], primed[i])
		if err != nil {
			states[i] = StateError
			d.logger.Error("device read failed", "rom", rom.String(), "err", err)
			continue
		}
		states[i] = StateComplete
		results = append(results, Measurement{
			Quantity: "temperature",
			Unit:     "°C",
			Value:    temp,
			Device:   rom.String(),
			Taken:    now(),
		})
	}

	d.mu.Lock()
	d.results = results
	d.states = states
	d.mu.Unlock()
}

// readDevice reads one device, retrying transient failures with a linear
// backoff. The first attempt of a primed device reuses the shared
// conversion; every later attempt reconverts on its own.
func (d *DS18B20) readDevice(idx int, state *CycleState, primed bool) (temp float64, err error) {
	for attempt := 1; attempt <= ds18b20ReadRetries; attempt++ {
		if attempt > 1 {
			sleep(ds18b20RetryBackoff * time.Duration(attempt-1))
		}

		if primed {
			primed = false
			sleep(ds18b20SettleDelay)
			*state = StateReading
			temp, err = d.readScratchpad(idx)
		} else {
			temp, err = d.readOnce(idx, state)
		}
		if err == nil {
			return temp, nil
		}
	}
	return 0, errors.Wrapf(err, "giving up after %d attempts", ds18b20ReadRetries)
}

func (d *DS18B20) readOnce(idx int, state *CycleState) (float64, error) {
	if err := d.startConversion(idx); err != nil {
		return 0, err
	}
	*state = StateConverting

	if !d.waitConversions() {
		return 0, errors.Errorf("conversion timeout after %v", ds18b20ConversionTimeout)
	}

	sleep(ds18b20SettleDelay)
	*state = StateReading

	return d.readScratchpad(idx)
}

// waitConversions polls the shared line until every converting device has
// released it or the deadline passes.
func (d *DS18B20) waitConversions() bool {
	deadline := now().Add(ds18b20ConversionTimeout)
	for !d.conversionDone() {
		if now().After(deadline) {
			return false
		}
		sleep(ds18b20ConversionPoll)
	}
	return true
}

func (d *DS18B20) startConversion(idx int) error {
	if !d.bus.Reset() {
		return errors.New("no presence pulse before conversion")
	}
	d.bus.WriteByte(cmdMatchRom)
	d.bus.WriteBytes(d.roms[idx][:])
	d.bus.WriteByte(cmdConvertT)
	return nil
}

// conversionDone polls the bus: the converting device holds the line low and
// releases it when the result is ready.
func (d *DS18B20) conversionDone() bool {
	return d.bus.ReadBit() == 1
}

func (d *DS18B20) readScratchpad(idx int) (float64, error) {
	if !d.bus.Reset() {
		return 0, errors.New("no presence pulse before scratchpad read")
	}
	d.bus.WriteByte(cmdMatchRom)
	d.bus.WriteBytes(d.roms[idx][:])
	d.bus.WriteByte(cmdReadScratchpad)

	var spad [9]byte
	d.bus.ReadBytes(spad[:])

	if crc8Maxim(spad[:8]) != spad[8] {
		return 0, errors.New("scratchpad crc mismatch")
	}

	temp := scratchpadTemperature(spad)

	// 85.0 is the power-up register value: reading it back almost always
	// means the conversion never ran (insufficient pull-up or power).
	if temp == 85.0 {
		return 0, errors.New("read power-up value, conversion did not run")
	}

	return temp, nil
}

// scratchpadTemperature decodes the 16-bit two's-complement raw value from
// scratchpad bytes 0 (LSB) and 1 (MSB); the unit is 1/16 °C.
func scratchpadTemperature(spad [9]byte) float64 {
	raw := int16(spad[1])<<8 | int16(spad[0])
	return float64(raw) / 16.0
}
