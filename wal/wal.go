package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/moore/borromean/region"
)

const lenFieldSize = 2 + 2 // len + len-crc

// Wal is a per-collection append log spanning one or more regions. It
// tracks the durable head (only entries from here on survive a reopen)
// and the write tail, and rotates into a freshly allocated region with a
// NextRegionEntry when the current tail fills.
type Wal struct {
	manager        *region.Manager
	collectionID   region.CollectionID
	collectionType region.CollectionType
	regionSize     uint32

	// walAddress is the log's anchor: the earliest region a reopen must
	// replay from. Every region header this Wal writes carries it, so a
	// reader landing on any region of the chain can walk back to the
	// anchor. Commit advances it when the regions before the new head are
	// freed.
	walAddress region.Address

	headRegion   region.Address
	headStart    uint32
	headSequence region.CollectionSequence

	tailRegion     region.Address
	tailSequence   region.CollectionSequence
	tailNextOffset uint32

	// chain lists every region from headRegion to tailRegion (inclusive,
	// in order) known to this in-memory Wal. Commit uses it to find which
	// regions fell behind the new head and can be freed.
	chain []region.Address

	// CompressionThreshold is the raw DataEntry payload size above which
	// the payload is snappy-compressed (0 disables compression).
	CompressionThreshold int
}

// Create allocates a brand-new region for collectionID and stamps it as
// the home of a fresh log: head and tail both start there, at the
// collection's first sequence. collectionType is the discriminant stamped
// into every region this log owns: a standalone WAL uses
// CollectionTypeWal, while the map and channel collections stamp their
// own types so a recovery scan can tell whose log a region belongs to.
func Create(manager *region.Manager, collectionID region.CollectionID, collectionType region.CollectionType) (*Wal, error) {
	addr, err := manager.AllocateRegion(collectionID)
	if err != nil {
		return nil, err
	}
	seq := region.FirstCollectionSequence()
	if err := manager.WriteRegionHeader(addr, collectionID, collectionType, seq, addr); err != nil {
		return nil, err
	}
	return newWal(manager, collectionID, collectionType, addr, addr, seq), nil
}

// Attach binds to a region that a caller (typically region.Manager.Init,
// for the system WAL) has already stamped as a CollectionTypeWal home, in
// one atomic header write of its own. Unlike Create, Attach performs no
// header write; the region is already live.
func Attach(manager *region.Manager, addr region.Address, collectionID region.CollectionID) (*Wal, error) {
	header, err := manager.ReadRegionHeader(addr)
	if err != nil {
		return nil, err
	}
	if header.CollectionType != region.CollectionTypeWal || header.CollectionID != collectionID {
		return nil, fmt.Errorf("wal: attach %v: %w", addr, ErrWrongCollection)
	}
	return newWal(manager, collectionID, region.CollectionTypeWal, addr, header.WalAddress, header.CollectionSequence), nil
}

// Open reopens collectionID's log from addr, any region the heads table
// names for the collection. The region's header points back at the log's
// anchor (the earliest region still live, see Commit), and the replay
// runs forward from there, tracking the most recent Commit seen, until
// EndOfWAL. The last Commit's payload becomes the durable head; the
// cursor at termination becomes the tail.
func Open(manager *region.Manager, collectionID region.CollectionID, collectionType region.CollectionType, addr region.Address) (*Wal, error) {
	header, err := manager.ReadRegionHeader(addr)
	if err != nil {
		return nil, err
	}
	if header.CollectionType != collectionType || header.CollectionID != collectionID {
		return nil, fmt.Errorf("wal: open %v: %w", addr, ErrWrongCollection)
	}

	anchor := header.WalAddress
	if anchor != addr {
		header, err = manager.ReadRegionHeader(anchor)
		if err != nil {
			return nil, err
		}
		if header.CollectionType != collectionType || header.CollectionID != collectionID {
			return nil, fmt.Errorf("wal: open anchor %v: %w", anchor, ErrWrongCollection)
		}
	}

	w := newWal(manager, collectionID, collectionType, anchor, anchor, header.CollectionSequence)

	cursor := Cursor{Region: anchor, Offset: 0, Sequence: header.CollectionSequence}
	for {
		outcome, err := w.Read(cursor)
		if err != nil {
			if errors.Is(err, ErrEndOfWAL) {
				break
			}
			return nil, err
		}
		switch o := outcome.(type) {
		case RecordOutcome:
			cursor = o.Next
		case CommitOutcome:
			w.headRegion = o.ToRegion
			w.headStart = o.ToOffset
			w.headSequence = o.ToSequence
			cursor = o.Next
		case EndOfRegionOutcome:
			w.chain = append(w.chain, o.Next.Region)
			w.tailRegion = o.Next.Region
			w.tailSequence = o.Next.Sequence
			cursor = o.Next
		}
	}
	w.tailRegion = cursor.Region
	w.tailSequence = cursor.Sequence
	w.tailNextOffset = cursor.Offset
	return w, nil
}

func newWal(manager *region.Manager, collectionID region.CollectionID, collectionType region.CollectionType, headAddr, walAddress region.Address, seq region.CollectionSequence) *Wal {
	return &Wal{
		manager:              manager,
		collectionID:         collectionID,
		collectionType:       collectionType,
		regionSize:           manager.Backend().RegionSize(),
		walAddress:           walAddress,
		headRegion:           headAddr,
		headStart:            0,
		headSequence:         seq,
		tailRegion:           headAddr,
		tailSequence:         seq,
		tailNextOffset:       0,
		chain:                []region.Address{headAddr},
		CompressionThreshold: DefaultCompressionThreshold,
	}
}

// Cursor returns the current write position: the next entry appended will
// start here.
func (w *Wal) Cursor() Cursor {
	return Cursor{Region: w.tailRegion, Offset: w.tailNextOffset, Sequence: w.tailSequence}
}

// HeadRegion returns the region holding the durable head (see HeadCursor).
// After a rotation this can differ from the region the heads table names
// for the collection, which is the last region whose header was written.
func (w *Wal) HeadRegion() region.Address { return w.headRegion }

// HeadCursor returns the durable read point: iterating Read from here
// yields every entry that survives a reopen.
func (w *Wal) HeadCursor() Cursor {
	return Cursor{Region: w.headRegion, Offset: w.headStart, Sequence: w.headSequence}
}

// WriteEntry appends entry to the tail, rotating into a freshly allocated
// region (and writing a NextRegionEntry into the old tail) if it doesn't
// fit. It returns the cursor at which entry's frame begins.
func (w *Wal) WriteEntry(entry Entry) (Cursor, error) {
	body, err := encodeBody(entry, w.CompressionThreshold)
	if err != nil {
		return Cursor{}, err
	}
	total := lenFieldSize + len(body)
	if total > 0xFFFF {
		return Cursor{}, fmt.Errorf("wal: %w: %d bytes", ErrRecordTooLarge, total)
	}

	for w.tailNextOffset+uint32(total)+nextRegionFrameSize > w.regionSize {
		if uint32(total)+nextRegionFrameSize > w.regionSize {
			return Cursor{}, fmt.Errorf("wal: %w: %d bytes", ErrRecordTooLarge, total)
		}
		if err := w.rotate(); err != nil {
			return Cursor{}, err
		}
	}

	start := Cursor{Region: w.tailRegion, Offset: w.tailNextOffset, Sequence: w.tailSequence}
	if err := w.writeFrame(w.tailRegion, w.tailNextOffset, w.tailSequence, body); err != nil {
		return Cursor{}, err
	}
	w.tailNextOffset += uint32(total)
	return start, nil
}

// rotate writes a NextRegionEntry into the current tail, allocates its
// successor, and makes that successor the new tail at collection sequence
// tailSequence+1.
func (w *Wal) rotate() error {
	next, err := w.manager.AllocateRegion(w.collectionID)
	if err != nil {
		return err
	}

	body, err := encodeBody(NextRegionEntry{Region: next}, -1)
	if err != nil {
		return err
	}
	if err := w.writeFrame(w.tailRegion, w.tailNextOffset, w.tailSequence, body); err != nil {
		return err
	}

	nextSeq := w.tailSequence.Next()
	if err := w.manager.WriteRegionHeader(next, w.collectionID, w.collectionType, nextSeq, w.walAddress); err != nil {
		return err
	}

	w.tailRegion = next
	w.tailSequence = nextSeq
	w.tailNextOffset = 0
	w.chain = append(w.chain, next)
	return nil
}

func (w *Wal) writeFrame(addr region.Address, offset uint32, seq region.CollectionSequence, body []byte) error {
	total := lenFieldSize + len(body)
	frame := make([]byte, total)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(total))
	binary.LittleEndian.PutUint16(frame[2:4], lenCRC(uint16(total), seq, w.collectionID))
	copy(frame[4:], body)
	return w.manager.Backend().WriteRegionData(addr, offset, frame)
}

// Read decodes the entry at cursor and returns the outcome describing it
// along with the cursor to resume from. ErrEndOfWAL is returned (not as
// an outcome value) when the cursor has run off the tail or its
// length-CRC no longer matches the current collection sequence and id;
// both are the expected way a reader learns it has caught up.
func (w *Wal) Read(cursor Cursor) (ReadOutcome, error) {
	if uint64(cursor.Offset)+lenFieldSize > uint64(w.regionSize) {
		return nil, ErrEndOfWAL
	}

	var lenBuf [lenFieldSize]byte
	if err := w.manager.Backend().GetRegionData(cursor.Region, cursor.Offset, lenFieldSize, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(lenBuf[0:2])
	gotCRC := binary.LittleEndian.Uint16(lenBuf[2:4])
	if gotCRC != lenCRC(length, cursor.Sequence, w.collectionID) {
		return nil, ErrEndOfWAL
	}
	if length < lenFieldSize {
		return nil, fmt.Errorf("wal: %w: frame length %d too small", ErrSerialization, length)
	}
	bodyLen := uint32(length) - lenFieldSize
	if uint64(cursor.Offset)+uint64(length) > uint64(w.regionSize) {
		return nil, fmt.Errorf("wal: %w: frame overruns region", ErrSerialization)
	}

	body := make([]byte, bodyLen)
	if err := w.manager.Backend().GetRegionData(cursor.Region, cursor.Offset+lenFieldSize, bodyLen, body); err != nil {
		return nil, err
	}
	entry, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	switch e := entry.(type) {
	case DataEntry:
		next := Cursor{Region: cursor.Region, Offset: cursor.Offset + uint32(length), Sequence: cursor.Sequence}
		return RecordOutcome{Next: next, CollectionType: e.CollectionType, Payload: e.Payload}, nil
	case CommitEntry:
		next := Cursor{Region: cursor.Region, Offset: cursor.Offset + uint32(length), Sequence: cursor.Sequence}
		return CommitOutcome{Next: next, ToRegion: e.ToRegion, ToOffset: e.ToOffset, ToSequence: e.ToSequence}, nil
	case NextRegionEntry:
		next := Cursor{Region: e.Region, Offset: 0, Sequence: cursor.Sequence.Next()}
		return EndOfRegionOutcome{Next: next}, nil
	default:
		return nil, fmt.Errorf("wal: %w", ErrUnreachable)
	}
}

// Commit writes a CommitEntry advancing the durable head to cursor, then
// reclaims any regions that fell behind it. Regions strictly before
// cursor.Region in this Wal's chain are returned to the region manager's
// free list, and the new head region's header is rewritten so the heads
// table's entry for this collection keeps naming the current recovery
// entry point (see Open).
func (w *Wal) Commit(cursor Cursor) error {
	if cursor.Sequence < w.headSequence ||
		(cursor.Sequence == w.headSequence && cursor.Offset <= w.headStart) {
		return fmt.Errorf("wal: %w", ErrAlreadyCommitted)
	}
	if cursor.Sequence > w.tailSequence ||
		(cursor.Sequence == w.tailSequence && cursor.Offset > w.tailNextOffset) {
		return fmt.Errorf("wal: commit past tail: %w", region.ErrOutOfBounds)
	}

	if _, err := w.WriteEntry(CommitEntry{ToRegion: cursor.Region, ToOffset: cursor.Offset, ToSequence: cursor.Sequence}); err != nil {
		return err
	}

	if cursor.Region != w.headRegion {
		idx := -1
		for i, addr := range w.chain {
			if addr == cursor.Region {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("wal: commit %v: %w", cursor.Region, ErrUnreachable)
		}
		for _, addr := range w.chain[:idx] {
			if err := w.manager.FreeRegion(addr); err != nil {
				return err
			}
		}
		w.chain = w.chain[idx:]

		// The regions before the new head are gone, so the anchor moves
		// up to the head region, and its rewritten header both records
		// that and makes the free-list update above durable.
		newHeadHeader, err := w.manager.ReadRegionHeader(cursor.Region)
		if err != nil {
			return err
		}
		w.walAddress = cursor.Region
		if err := w.manager.WriteRegionHeader(cursor.Region, w.collectionID, w.collectionType, newHeadHeader.CollectionSequence, w.walAddress); err != nil {
			return err
		}
	}

	w.headRegion = cursor.Region
	w.headStart = cursor.Offset
	w.headSequence = cursor.Sequence
	return nil
}
