// Package lsmmap implements the in-buffer sorted key/value map: records
// grow forward from the front of a caller-provided buffer, the sorted
// index grows backward from its end, and the two meet in the middle. Only
// the 8-byte index slots ever shift on insert; records are append-only,
// and overwriting a key leaks its prior record (reclaimed by a future
// compaction, which is out of scope).
//
// Buffer layout:
//
//	[entry count: u32 le][records growing forward...][...index slots growing backward]
//
// Index slot i lives at len(buffer)-(i+1)*8 and holds [start: u32 le]
// [end: u32 le], the record's byte span. Slots are kept sorted by the key
// of the record they reference, and the index is written back-to-front so
// a merge join over two maps can walk both indexes in the same direction.
package lsmmap

import (
	"encoding/binary"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/moore/borromean/region"
	"github.com/moore/borromean/wal"
)

const (
	entryCountSize = 4
	entryRefSize   = 8
)

// Key is the ordering contract a map key must satisfy: Compare returns a
// negative value, zero, or a positive value as the receiver sorts before,
// equal to, or after other.
type Key[K any] interface {
	Compare(other K) int
}

// entry is the serialized record form: the key and value together, so a
// record's span is self-describing and a reopen can rebuild the index
// from the log alone.
type entry[K, V any] struct {
	Key   K `json:"k"`
	Value V `json:"v"`
}

// Map is a sorted key/value store inside a caller-owned buffer. The
// buffer must outlive the map. Every successful Insert is appended to the
// map's log before the buffer is touched; committing the log is the
// caller's responsibility (see Log).
type Map[K Key[K], V any] struct {
	id  region.CollectionID
	log *wal.Wal

	recordCount      uint32
	nextRecordOffset uint32
	nextRecordIndex  uint32
	buf              []byte
}

// Init creates a fresh map over buffer, owning a newly created log for
// collectionID. The buffer's previous contents are discarded.
func Init[K Key[K], V any](manager *region.Manager, collectionID region.CollectionID, buffer []byte) (*Map[K, V], error) {
	log, err := wal.Create(manager, collectionID, region.CollectionTypeMap)
	if err != nil {
		return nil, err
	}
	return initBuffer[K, V](collectionID, log, buffer)
}

// Open reopens collectionID's map from storage: it reopens the map's log
// at addr (the heads-table entry for the collection) and replays every
// surviving record into buffer, rebuilding the index.
func Open[K Key[K], V any](manager *region.Manager, collectionID region.CollectionID, addr region.Address, buffer []byte) (*Map[K, V], error) {
	log, err := wal.Open(manager, collectionID, region.CollectionTypeMap, addr)
	if err != nil {
		return nil, err
	}
	m, err := initBuffer[K, V](collectionID, log, buffer)
	if err != nil {
		return nil, err
	}

	cursor := log.HeadCursor()
	for {
		outcome, err := log.Read(cursor)
		if err != nil {
			if errors.Is(err, wal.ErrEndOfWAL) {
				break
			}
			return nil, err
		}
		switch o := outcome.(type) {
		case wal.RecordOutcome:
			var e entry[K, V]
			if err := json.Unmarshal(o.Payload, &e); err != nil {
				return nil, fmt.Errorf("lsmmap: replay: %w", ErrSerialization)
			}
			index, found, err := m.findIndex(e.Key)
			if err != nil {
				return nil, err
			}
			if err := m.place(index, found, o.Payload); err != nil {
				return nil, err
			}
			cursor = o.Next
		case wal.CommitOutcome:
			cursor = o.Next
		case wal.EndOfRegionOutcome:
			cursor = o.Next
		}
	}
	return m, nil
}

func initBuffer[K Key[K], V any](collectionID region.CollectionID, log *wal.Wal, buffer []byte) (*Map[K, V], error) {
	if len(buffer) < entryCountSize+entryRefSize {
		return nil, ErrInvalidEntryCount
	}
	m := &Map[K, V]{
		id:               collectionID,
		log:              log,
		nextRecordOffset: entryCountSize,
		buf:              buffer,
	}
	m.writeCount()
	return m, nil
}

// Log exposes the map's write-ahead log so the caller can commit it; the
// map itself never commits.
func (m *Map[K, V]) Log() *wal.Wal { return m.log }

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int { return int(m.recordCount) }

// Insert stores value under key, logging the record before the buffer is
// modified. Inserting an existing key overwrites its index slot and leaks
// the prior record's bytes.
func (m *Map[K, V]) Insert(key K, value V) error {
	index, found, err := m.findIndex(key)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(entry[K, V]{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("lsmmap: %w: %v", ErrSerialization, err)
	}

	if err := m.checkRoom(encoded, found); err != nil {
		return err
	}

	if m.log != nil {
		if _, err := m.log.WriteEntry(wal.DataEntry{CollectionType: region.CollectionTypeMap, Payload: encoded}); err != nil {
			return err
		}
	}

	return m.place(index, found, encoded)
}

// Get returns the value stored under key, or ok=false if key is absent.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	var zero V
	index, found, err := m.findIndex(key)
	if err != nil || !found {
		return zero, false, err
	}
	e, err := m.readEntry(index)
	if err != nil {
		return zero, false, err
	}
	return e.Value, true, nil
}

// checkRoom verifies encoded fits in the free span between the record
// area and the index, accounting for the extra slot a new key takes.
func (m *Map[K, V]) checkRoom(encoded []byte, found bool) error {
	limit := uint32(len(m.buf)) - m.recordCount*entryRefSize
	if !found {
		limit -= entryRefSize
	}
	if m.nextRecordOffset+uint32(len(encoded)) > limit {
		return ErrMapFull
	}
	return nil
}

// place appends encoded to the record area and wires index slot index at
// it: an overwrite for found keys, an index shift and fresh slot for new
// ones.
func (m *Map[K, V]) place(index uint32, found bool, encoded []byte) error {
	if err := m.checkRoom(encoded, found); err != nil {
		return err
	}
	start := m.nextRecordOffset
	end := start + uint32(len(encoded))
	copy(m.buf[start:end], encoded)

	if found {
		m.writeRef(index, start, end)
		m.nextRecordOffset = end
		return nil
	}

	if m.recordCount > 0 {
		// Shift slots [index, nextRecordIndex) one slot toward the
		// buffer's start; the index grows toward low addresses, so the
		// destination is one slot below the source.
		lo := uint32(len(m.buf)) - m.nextRecordIndex*entryRefSize
		hi := uint32(len(m.buf)) - index*entryRefSize
		copy(m.buf[lo-entryRefSize:hi-entryRefSize], m.buf[lo:hi])
	}
	m.writeRef(index, start, end)
	m.nextRecordIndex++
	m.nextRecordOffset = end
	m.recordCount++
	m.writeCount()
	return nil
}

// findIndex binary-searches the index for key, returning either its slot
// (found=true) or the slot a new record for key must take to keep the
// index sorted.
func (m *Map[K, V]) findIndex(key K) (uint32, bool, error) {
	left, right := uint32(0), m.recordCount
	for left < right {
		mid := left + (right-left)/2
		e, err := m.readEntry(mid)
		if err != nil {
			return 0, false, err
		}
		switch c := key.Compare(e.Key); {
		case c == 0:
			return mid, true, nil
		case c < 0:
			right = mid
		default:
			left = mid + 1
		}
	}
	return left, false, nil
}

func (m *Map[K, V]) slotOffset(index uint32) uint32 {
	return uint32(len(m.buf)) - (index+1)*entryRefSize
}

func (m *Map[K, V]) writeRef(index uint32, start, end uint32) {
	off := m.slotOffset(index)
	binary.LittleEndian.PutUint32(m.buf[off:off+4], start)
	binary.LittleEndian.PutUint32(m.buf[off+4:off+8], end)
}

func (m *Map[K, V]) readRef(index uint32) (start, end uint32, err error) {
	if index >= m.recordCount {
		return 0, 0, ErrIndexOutOfBounds
	}
	off := m.slotOffset(index)
	start = binary.LittleEndian.Uint32(m.buf[off : off+4])
	end = binary.LittleEndian.Uint32(m.buf[off+4 : off+8])
	if start < entryCountSize || start > end || end > m.slotOffset(m.recordCount-1) {
		return 0, 0, ErrIndexOutOfBounds
	}
	return start, end, nil
}

func (m *Map[K, V]) readEntry(index uint32) (entry[K, V], error) {
	var e entry[K, V]
	start, end, err := m.readRef(index)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(m.buf[start:end], &e); err != nil {
		return e, fmt.Errorf("lsmmap: %w: %v", ErrSerialization, err)
	}
	return e, nil
}

func (m *Map[K, V]) writeCount() {
	binary.LittleEndian.PutUint32(m.buf[0:entryCountSize], m.recordCount)
}
