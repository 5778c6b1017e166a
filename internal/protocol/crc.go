package protocol

// crcPoly is the CRC-8 generator polynomial (x^8 + x^2 + x + 1) used by the
// display firmware.
const crcPoly = 0x07

// CRC8 computes the CRC-8 of buf, MSB first, with a zero initial value and no
// reflection. The device firmware computes the same value over every frame
// header and payload.
func CRC8(buf []byte) byte {
	var crc byte
	for _, b := range buf {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
