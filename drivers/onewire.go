package drivers

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

// 1-Wire slot timings from the DS18B20 datasheet, in microseconds.
// These are protocol constants, changing them breaks real hardware.
const (
	owResetPulseTime   = 480 * time.Microsecond
	owResetWaitTime    = 70 * time.Microsecond
	owResetReleaseTime = 410 * time.Microsecond

	owWrite1LowTime     = 6 * time.Microsecond
	owWrite1ReleaseTime = 64 * time.Microsecond
	owWrite0LowTime     = 60 * time.Microsecond
	owWrite0ReleaseTime = 10 * time.Microsecond

	owReadInitTime    = 3 * time.Microsecond
	owReadWaitTime    = 10 * time.Microsecond
	owReadReleaseTime = 53 * time.Microsecond
)

// OneWireBus provides the six primitive 1-Wire operations. Implementations
// are not safe for concurrent callers; only one transaction may be in flight
// on a bus at a time.
type OneWireBus interface {
	// Reset drives the reset/presence sequence, returns true when at least
	// one device answered with a presence pulse.
	Reset() bool
	WriteBit(bit byte)
	ReadBit() byte
	WriteByte(b byte)
	ReadByte() byte
	WriteBytes(buf []byte)
	ReadBytes(buf []byte)
}

// GpioOneWire bit-bangs the 1-Wire protocol on a single GPIO pin through
// go-rpio. The line is driven open-drain style: low by switching the pin to
// output-low, released by switching it back to input with the pull-up
// holding it high.
type GpioOneWire struct {
	Pin uint8

	opened bool
}

func (ow *GpioOneWire) Open() error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open gpio for 1-wire on pin %d", ow.Pin)
	}

	pin := rpio.Pin(ow.Pin)
	pin.Input()
	pin.PullUp()

	ow.opened = true
	return nil
}

func (ow *GpioOneWire) Close() error {
	if !ow.opened {
		return nil
	}
	ow.opened = false
	rpio.Pin(ow.Pin).Input()
	return rpio.Close()
}

func (ow *GpioOneWire) pullLow() {
	pin := rpio.Pin(ow.Pin)
	pin.Output()
	pin.Low()
}

func (ow *GpioOneWire) release() {
	rpio.Pin(ow.Pin).Input()
}

func (ow *GpioOneWire) sample() byte {
	if rpio.Pin(ow.Pin).Read() == rpio.High {
		return 1
	}
	return 0
}

func (ow *GpioOneWire) Reset() bool {
	ow.pullLow()
	delayMicros(owResetPulseTime)

	ow.release()
	delayMicros(owResetWaitTime)

	// Presence pulse is active-low.
	presence := ow.sample() == 0

	delayMicros(owResetReleaseTime)
	return presence
}

func (ow *GpioOneWire) WriteBit(bit byte) {
	if bit != 0 {
		ow.pullLow()
		delayMicros(owWrite1LowTime)
		ow.release()
		delayMicros(owWrite1ReleaseTime)
	} else {
		ow.pullLow()
		delayMicros(owWrite0LowTime)
		ow.release()
		delayMicros(owWrite0ReleaseTime)
	}
}

func (ow *GpioOneWire) ReadBit() byte {
	ow.pullLow()
	delayMicros(owReadInitTime)

	ow.release()
	delayMicros(owReadWaitTime)

	bit := ow.sample()

	delayMicros(owReadReleaseTime)
	return bit
}

func (ow *GpioOneWire) WriteByte(b byte) {
	for i := 0; i < 8; i++ {
		ow.WriteBit((b >> i) & 0x01)
	}
}

func (ow *GpioOneWire) ReadByte() byte {
	var b byte
	for i := 0; i < 8; i++ {
		b |= ow.ReadBit() << i
	}
	return b
}

func (ow *GpioOneWire) WriteBytes(buf []byte) {
	for _, b := range buf {
		ow.WriteByte(b)
	}
}

func (ow *GpioOneWire) ReadBytes(buf []byte) {
	for i := range buf {
		buf[i] = ow.ReadByte()
	}
}

// delayMicros busy-spins instead of sleeping: the scheduler cannot honour
// single-digit microsecond sleeps and a late release corrupts the slot.
func delayMicros(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}
