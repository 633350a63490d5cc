package drivers

// crc8Maxim computes the Dallas/Maxim 1-Wire CRC8 (reflected polynomial
// 0x8C, zero seed) used for ROM ids and DS18B20 scratchpads.
func crc8Maxim(data []byte) byte {
	var crc byte
	for _, in := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ in) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			in >>= 1
		}
	}
	return crc
}

// crc8Sensirion computes the SHT3x CRC8 (polynomial 0x31, seed 0xFF). The
// two devices use different CRC conventions, do not swap the routines.
func crc8Sensirion(data []byte) byte {
	crc := byte(0xFF)
	for _, in := range data {
		crc ^= in
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
