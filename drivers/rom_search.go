package drivers

import "github.com/pkg/errors"

const cmdSearchRom byte = 0xF0

// SearchRoms enumerates every device id on the bus with the Dallas ROM
// search. A candidate failing its CRC is skipped without aborting the
// remaining passes. An empty bus (no presence pulse) yields an empty, nil
// error result; retrying the whole search on flaky wiring is the caller's
// policy, not this function's.
func SearchRoms(bus OneWireBus) ([]Rom, error) {
	var (
		found           []Rom
		rom             Rom
		lastDiscrepancy int
	)

	for {
		if !bus.Reset() {
			return found, nil
		}
		bus.WriteByte(cmdSearchRom)

		lastZero := 0
		aborted := false
		for pos := 0; pos < 64; pos++ {
			bit := bus.ReadBit()
			cmp := bus.ReadBit()

			var dir byte
			switch {
			case bit == 1 && cmp == 1:
				// No device answered this slot, the pass is dead.
				aborted = true
			case bit != cmp:
				dir = bit
			default:
				// Discrepancy: devices disagree at this position. Replay
				// the previous pass's path up to the last branch point,
				// branch to 1 exactly at it, explore 0 beyond it.
				bitNumber := pos + 1
				switch {
				case bitNumber < lastDiscrepancy:
					dir = rom.bit(pos)
				case bitNumber == lastDiscrepancy:
					dir = 1
				default:
					dir = 0
				}
				if dir == 0 {
					lastZero = bitNumber
				}
			}
			if aborted {
				break
			}

			rom.setBit(pos, dir)
			bus.WriteBit(dir)
		}

		if aborted {
			return found, errors.New("rom search aborted: no device answered mid-pass")
		}

		if rom.Valid() {
			found = append(found, rom)
		}

		lastDiscrepancy = lastZero
		if lastZero == 0 {
			return found, nil
		}
	}
}

// SearchFamily runs SearchRoms and keeps only devices of the given family
// code. Foreign devices sharing the bus are legal, just not ours.
func SearchFamily(bus OneWireBus, family byte) ([]Rom, error) {
	all, err := SearchRoms(bus)
	if err != nil {
		return nil, err
	}

	var matched []Rom
	for _, rom := range all {
		if rom.Family() == family {
			matched = append(matched, rom)
		}
	}
	return matched, nil
}
