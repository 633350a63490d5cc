package drivers

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// OpenI2C initializes the periph host (safe to call repeatedly) and opens
// the named I2C bus, optionally lowering its clock. An empty name selects
// the first available bus.
func OpenI2C(name string, freqHz int) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to init periph host")
	}

	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open i2c bus %q", name)
	}

	if freqHz > 0 {
		if err := bus.SetSpeed(physic.Frequency(freqHz) * physic.Hertz); err != nil {
			// Some adapters have a fixed clock; not fatal.
			return bus, nil
		}
	}

	return bus, nil
}
