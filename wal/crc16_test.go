package wal

import "testing"

func TestCRC16KnownAnswer(t *testing.T) {
	// CRC-16/CCITT-FALSE check value for the standard "123456789" vector.
	got := crc16Update(0xFFFF, []byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("crc16(123456789) = %#04x, want 0x29b1", got)
	}
}

func TestLenCRCDistinguishesSequenceAndCollection(t *testing.T) {
	base := lenCRC(64, 3, 7)
	if lenCRC(64, 4, 7) == base {
		t.Errorf("length crc did not change with collection sequence")
	}
	if lenCRC(64, 3, 8) == base {
		t.Errorf("length crc did not change with collection id")
	}
	if lenCRC(65, 3, 7) == base {
		t.Errorf("length crc did not change with length")
	}
}
