package wal

import "github.com/moore/borromean/region"

// crc16Table is a CRC-16/CCITT-FALSE table (poly 0x1021, init 0xFFFF, no
// reflection). The standard library only ships crc32/crc64, so the
// 16-bit length guard is table-driven here.
var crc16Table [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

func crc16Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// lenCRC computes the length-guard CRC-16 over the length bytes, the
// collection sequence bytes, and the collection id bytes: a stale length
// field left over from a prior use of a reclaimed region carries the
// wrong collection sequence or id and is rejected here rather than
// misread as a valid frame.
func lenCRC(length uint16, seq region.CollectionSequence, collectionID region.CollectionID) uint16 {
	var buf [2 + 8 + 2]byte
	buf[0] = byte(length)
	buf[1] = byte(length >> 8)
	putU64(buf[2:10], uint64(seq))
	buf[10] = byte(collectionID)
	buf[11] = byte(collectionID >> 8)

	crc := uint16(0xFFFF)
	return crc16Update(crc, buf[:])
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}
