package modbus

// CRC-16/MODBUS: reflected polynomial 0xA001, initial value 0xFFFF. The
// checksum is sent low byte first, so the CRC of a whole valid frame is 0.

var crcTable = func() (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return
}()

// CRC16 computes the Modbus checksum of b.
func CRC16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, v := range b {
		crc = crc>>8 ^ crcTable[byte(crc)^v]
	}
	return crc
}

// AppendCRC appends the checksum of b, low byte first.
func AppendCRC(b []byte) []byte {
	crc := CRC16(b)
	return append(b, byte(crc), byte(crc>>8))
}

// CheckCRC reports whether a complete frame, checksum included, is valid.
func CheckCRC(frame []byte) bool {
	return len(frame) >= 2 && CRC16(frame) == 0
}
