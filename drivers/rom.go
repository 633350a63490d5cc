package drivers

import "fmt"

// Rom is the 8-byte 1-Wire device identifier: family code, six serial bytes
// and a trailing CRC8 over the first seven bytes.
type Rom [8]byte

func (r Rom) Family() byte {
	return r[0]
}

func (r Rom) Valid() bool {
	return crc8Maxim(r[:7]) == r[7]
}

// String renders the id the way the Linux w1 subsystem names devices:
// family code, dash, serial printed most significant byte first.
func (r Rom) String() string {
	return fmt.Sprintf("%02x-%02x%02x%02x%02x%02x%02x", r[0], r[6], r[5], r[4], r[3], r[2], r[1])
}

func (r Rom) bit(pos int) byte {
	return (r[pos/8] >> (pos % 8)) & 0x01
}

func (r *Rom) setBit(pos int, bit byte) {
	mask := byte(1) << (pos % 8)
	if bit != 0 {
		r[pos/8] |= mask
	} else {
		r[pos/8] &^= mask
	}
}
