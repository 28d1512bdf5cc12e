package lsmmap

import "errors"

// Sentinel errors for the sorted map. Callers compare with errors.Is.
var (
	// ErrInvalidEntryCount means the backing buffer is too small to hold
	// even the entry-count prefix and one index slot.
	ErrInvalidEntryCount = errors.New("lsmmap: buffer too small for map layout")

	// ErrSerialization means an entry failed to encode or decode.
	ErrSerialization = errors.New("lsmmap: entry serialization failed")

	// ErrIndexOutOfBounds means an index slot referenced bytes outside the
	// record area, which can only happen if the buffer was corrupted or
	// shared with another writer.
	ErrIndexOutOfBounds = errors.New("lsmmap: index slot out of bounds")

	// ErrMapFull means the record area and the index have met in the
	// middle: there is no room for another entry.
	ErrMapFull = errors.New("lsmmap: buffer full")
)
