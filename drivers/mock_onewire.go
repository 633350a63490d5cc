package drivers

// MockOneWire emulates a 1-Wire bus populated with DS18B20 devices, close
// enough to the real protocol for the search, conversion and scratchpad
// paths: wired-AND bit reads during search, per-device participation, match
// ROM addressing and conversion polling. It implements OneWireBus and is
// meant to be driven from a single goroutine at a time, like real hardware.
type MockOneWire struct {
	Devices []*MockDevice

	// FailPresence makes every Reset report an empty bus.
	FailPresence bool

	// ConversionPolls is how many ReadBit polls report "still converting"
	// after a convert command before the line releases.
	ConversionPolls int

	ResetCount   int
	ConvertCount int
	ReadCount    int

	phase      mockPhase
	searchPos  int
	complement bool
	matchBuf   []byte
	readQueue  []byte
	pollsLeft  int
	converting bool
}

type MockDevice struct {
	Rom        Rom
	Scratchpad [9]byte

	// CorruptCRC serves the scratchpad with a broken trailing CRC byte.
	CorruptCRC bool

	searching bool
	selected  bool
}

type mockPhase int

const (
	mockIdle mockPhase = iota
	mockRomCommand
	mockSearch
	mockMatchRom
	mockFunction
)

// NewMockDS18B20 builds a device with a typical scratchpad holding the
// given raw temperature value (1/16 °C units).
func NewMockDS18B20(rom Rom, raw int16) *MockDevice {
	dev := &MockDevice{Rom: rom}
	dev.SetRawTemperature(raw)
	return dev
}

func (md *MockDevice) SetRawTemperature(raw int16) {
	md.Scratchpad = [9]byte{
		byte(raw), byte(raw >> 8),
		0x4B, 0x46, 0x7F, 0xFF, 0x0F, 0x10,
		0,
	}
	md.Scratchpad[8] = crc8Maxim(md.Scratchpad[:8])
}

func (mb *MockOneWire) AddDevice(dev *MockDevice) {
	mb.Devices = append(mb.Devices, dev)
}

func (mb *MockOneWire) Reset() bool {
	mb.ResetCount++
	mb.readQueue = nil
	mb.converting = false

	if mb.FailPresence || len(mb.Devices) == 0 {
		mb.phase = mockIdle
		return false
	}

	for _, dev := range mb.Devices {
		dev.searching = false
		dev.selected = false
	}
	mb.phase = mockRomCommand
	return true
}

func (mb *MockOneWire) WriteByte(b byte) {
	switch mb.phase {
	case mockRomCommand:
		switch b {
		case cmdSearchRom:
			for _, dev := range mb.Devices {
				dev.searching = true
			}
			mb.phase = mockSearch
			mb.searchPos = 0
			mb.complement = false
		case cmdMatchRom:
			mb.phase = mockMatchRom
			mb.matchBuf = mb.matchBuf[:0]
		default:
			mb.phase = mockIdle
		}
	case mockMatchRom:
		mb.matchBuf = append(mb.matchBuf, b)
		if len(mb.matchBuf) == 8 {
			var rom Rom
			copy(rom[:], mb.matchBuf)
			for _, dev := range mb.Devices {
				dev.selected = dev.Rom == rom
			}
			mb.phase = mockFunction
		}
	case mockFunction:
		switch b {
		case cmdConvertT:
			mb.ConvertCount++
			mb.converting = true
			mb.pollsLeft = mb.ConversionPolls
		case cmdReadScratchpad:
			mb.ReadCount++
			for _, dev := range mb.Devices {
				if !dev.selected {
					continue
				}
				spad := dev.Scratchpad
				if dev.CorruptCRC {
					spad[8] ^= 0xFF
				}
				mb.readQueue = append(mb.readQueue, spad[:]...)
			}
		}
	}
}

func (mb *MockOneWire) ReadByte() byte {
	if len(mb.readQueue) == 0 {
		// Released bus with nobody transmitting reads all ones.
		return 0xFF
	}
	b := mb.readQueue[0]
	mb.readQueue = mb.readQueue[1:]
	return b
}

func (mb *MockOneWire) WriteBytes(buf []byte) {
	for _, b := range buf {
		mb.WriteByte(b)
	}
}

func (mb *MockOneWire) ReadBytes(buf []byte) {
	for i := range buf {
		buf[i] = mb.ReadByte()
	}
}

func (mb *MockOneWire) ReadBit() byte {
	if mb.phase == mockSearch {
		return mb.searchReadBit()
	}

	if mb.converting {
		if mb.pollsLeft > 0 {
			mb.pollsLeft--
			return 0
		}
		mb.converting = false
	}
	return 1
}

func (mb *MockOneWire) WriteBit(bit byte) {
	if mb.phase != mockSearch {
		return
	}

	// Devices whose rom disagrees with the written direction drop out of
	// the rest of this search pass.
	for _, dev := range mb.Devices {
		if dev.searching && dev.Rom.bit(mb.searchPos) != bit {
			dev.searching = false
		}
	}
	mb.searchPos++
	mb.complement = false
	if mb.searchPos >= 64 {
		mb.phase = mockIdle
	}
}

// searchReadBit produces the bit/complement pair of a search slot: the bus
// is open-drain, so each line state is the AND over all participating
// devices' outputs.
func (mb *MockOneWire) searchReadBit() byte {
	bit, cmp := byte(1), byte(1)
	for _, dev := range mb.Devices {
		if !dev.searching {
			continue
		}
		if dev.Rom.bit(mb.searchPos) == 0 {
			bit = 0
		} else {
			cmp = 0
		}
	}

	if !mb.complement {
		mb.complement = true
		return bit
	}
	return cmp
}
