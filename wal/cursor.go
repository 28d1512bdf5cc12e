package wal

import "github.com/moore/borromean/region"

// Cursor names a position in a collection's log: a region, a byte offset
// within that region's data area, and the collection sequence the region
// carried when the cursor was produced (needed to validate the length-CRC
// of whatever is read next).
type Cursor struct {
	Region   region.Address
	Offset   uint32
	Sequence region.CollectionSequence
}

// ReadOutcome is the closed result of a single Read call.
type ReadOutcome interface {
	isReadOutcome()
}

// RecordOutcome carries a DataEntry read at the cursor, plus the cursor to
// resume reading from.
type RecordOutcome struct {
	Next           Cursor
	CollectionType region.CollectionType
	Payload        []byte
}

// CommitOutcome carries a CommitEntry read at the cursor.
type CommitOutcome struct {
	Next       Cursor
	ToRegion   region.Address
	ToOffset   uint32
	ToSequence region.CollectionSequence
}

// EndOfRegionOutcome means a NextRegionEntry was read; Next already points
// at the successor region, offset zero, with the collection sequence
// incremented.
type EndOfRegionOutcome struct {
	Next Cursor
}

func (RecordOutcome) isReadOutcome()      {}
func (CommitOutcome) isReadOutcome()      {}
func (EndOfRegionOutcome) isReadOutcome() {}
