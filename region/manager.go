package region

import "sort"

// Manager implements region allocation, free-list discipline,
// storage-sequence stamping, and the heads table. It holds the one
// mutable view of backing-store state a single-threaded caller needs;
// there is no internal locking, because the manager holds an exclusive
// reference to its Backend for its lifetime.
type Manager struct {
	backend  Backend
	maxHeads int

	root            Address
	storageSequence StorageSequence
	freeHead        OptionalAddress
	freeTail        OptionalAddress
	heads           []Head
}

// Init formats a fresh backend: writes the meta block, builds the free
// list out of every region but the first, and bootstraps region 0 as the
// home of the system WAL. It fails with ErrAlreadyInitialized
// if the backend already has a meta block, and ErrInvalidRegionCount if
// regionCount < 2 (a store needs at least the root region and one spare).
func Init(backend Backend, regionSize uint32, regionCount uint64, maxHeads int) (*Manager, error) {
	initialized, err := backend.IsInitialized()
	if err != nil {
		return nil, err
	}
	if initialized {
		return nil, ErrAlreadyInitialized
	}
	if regionCount < 2 {
		return nil, ErrInvalidRegionCount
	}

	if err := backend.WriteMeta(regionSize, regionCount); err != nil {
		return nil, err
	}

	m := &Manager{backend: backend, maxHeads: maxHeads}

	// Addresses 1..regionCount-1 go on the free list, chained via their
	// free pointers; address 0 is reserved as the root/system-WAL region
	// and never placed on the list.
	var prev Address
	for i := uint64(1); i < regionCount; i++ {
		addr, err := backend.GetRegionAddress(i)
		if err != nil {
			return nil, err
		}
		if i == 1 {
			m.freeHead = Some(addr)
		} else {
			if err := backend.WriteRegionFreePointer(prev, Some(addr)); err != nil {
				return nil, err
			}
		}
		prev = addr
	}
	if regionCount > 1 {
		if err := backend.WriteRegionFreePointer(prev, NoAddress); err != nil {
			return nil, err
		}
		m.freeTail = Some(prev)
	}

	root, err := backend.GetRegionAddress(0)
	if err != nil {
		return nil, err
	}
	m.root = root

	// Region 0 is reserved as the home of the system WAL. Stamping its
	// header here (storage sequence 0 -> 1, heads = [{SystemWAL, root}])
	// is what makes it the unique highest-sequence header immediately, so
	// Open can always find a well-defined root even if the caller crashes
	// before ever touching the WAL. The wal package later binds to this
	// already-stamped region with Attach rather than writing a header of
	// its own.
	if err := m.WriteRegionHeader(root, SystemWAL, CollectionTypeWal, FirstCollectionSequence(), root); err != nil {
		return nil, err
	}

	return m, nil
}

// Open scans every region header, selects the one with the greatest
// StorageSequence as the authoritative root, and adopts its free-list
// pointers and heads table. It fails with ErrNotInitialized if the
// backend has no meta block.
func Open(backend Backend, maxHeads int) (*Manager, error) {
	initialized, err := backend.IsInitialized()
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, ErrNotInitialized
	}

	m := &Manager{backend: backend, maxHeads: maxHeads}

	var found bool
	var best Header
	var bestAddr Address
	count := backend.RegionCount()
	for i := uint64(0); i < count; i++ {
		addr, err := backend.GetRegionAddress(i)
		if err != nil {
			return nil, err
		}
		h, err := backend.GetRegionHeader(addr)
		if err != nil {
			return nil, err
		}
		if !found || h.Sequence > best.Sequence {
			found = true
			best = h
			bestAddr = addr
		}
	}
	if !found {
		return nil, ErrNotInitialized
	}

	m.root = bestAddr
	m.storageSequence = best.Sequence
	m.freeHead = best.FreeListHead
	m.freeTail = best.FreeListTail
	m.heads = append([]Head(nil), best.Heads...)
	return m, nil
}

// Root returns the region currently holding the greatest storage sequence.
func (m *Manager) Root() Address { return m.root }

// StorageSequence returns the manager's current storage sequence counter.
func (m *Manager) StorageSequence() StorageSequence { return m.storageSequence }

// Backend exposes the underlying Backend for collections (Wal, Map,
// Channel) that need direct data-area access once a region is theirs.
func (m *Manager) Backend() Backend { return m.backend }

// Head looks up the current region owned by collectionID.
func (m *Manager) Head(collectionID CollectionID) (Address, bool) {
	i := sort.Search(len(m.heads), func(i int) bool { return m.heads[i].CollectionID >= collectionID })
	if i < len(m.heads) && m.heads[i].CollectionID == collectionID {
		return m.heads[i].Address, true
	}
	return 0, false
}

// Heads returns a snapshot of the heads table, ordered by collection id.
func (m *Manager) Heads() []Head {
	return append([]Head(nil), m.heads...)
}

// AllocateRegion pops the free list's head region for collectionID's use.
// It does not stamp a header; the caller commits the allocation with
// WriteRegionHeader. Returns ErrStorageFull if the free list is empty.
func (m *Manager) AllocateRegion(collectionID CollectionID) (Address, error) {
	if !m.freeHead.Present {
		return 0, ErrStorageFull
	}
	addr := m.freeHead.Address
	next, err := m.backend.GetRegionFreePointer(addr)
	if err != nil {
		return 0, err
	}
	m.freeHead = next
	if !next.Present {
		m.freeTail = NoAddress
	}
	return addr, nil
}

// WriteRegionHeader bumps the storage sequence, upserts (collectionID,
// region) into the heads table, and writes the new header carrying the
// current free-list pointers and heads snapshot. This call is the commit
// point: until it returns successfully the region is not considered live.
func (m *Manager) WriteRegionHeader(
	addr Address,
	collectionID CollectionID,
	collectionType CollectionType,
	collectionSequence CollectionSequence,
	walAddress Address,
) error {
	nextSeq := m.storageSequence.Next()

	heads := upsertHead(m.heads, Head{CollectionID: collectionID, Address: addr})
	if m.maxHeads > 0 && len(heads) > m.maxHeads {
		return ErrTooManyHeads
	}

	header := Header{
		Sequence:           nextSeq,
		CollectionID:       collectionID,
		CollectionType:     collectionType,
		CollectionSequence: collectionSequence,
		WalAddress:         walAddress,
		FreeListHead:       m.freeHead,
		FreeListTail:       m.freeTail,
		Heads:              heads,
	}

	if err := m.backend.WriteRegionHeader(addr, header); err != nil {
		return err
	}

	m.storageSequence = nextSeq
	m.heads = heads
	m.root = addr
	return nil
}

// ReadRegionHeader returns the header currently stored at addr.
func (m *Manager) ReadRegionHeader(addr Address) (Header, error) {
	return m.backend.GetRegionHeader(addr)
}

// FreeRegion returns addr to the tail of the free list. The free-list
// pointer update is immediate (so recovery always sees a consistent
// chain); the head/tail snapshot visible in region headers is only made
// durable by the next WriteRegionHeader call.
func (m *Manager) FreeRegion(addr Address) error {
	if err := m.backend.WriteRegionFreePointer(addr, NoAddress); err != nil {
		return err
	}
	if m.freeTail.Present {
		if err := m.backend.WriteRegionFreePointer(m.freeTail.Address, Some(addr)); err != nil {
			return err
		}
	} else {
		m.freeHead = Some(addr)
	}
	m.freeTail = Some(addr)
	return nil
}

// upsertHead returns heads with entry inserted or updated in
// collection-id sorted order. Updating in place (rather than appending a
// duplicate) keeps the table bounded by maxHeads regardless of write
// volume.
func upsertHead(heads []Head, entry Head) []Head {
	i := sort.Search(len(heads), func(i int) bool { return heads[i].CollectionID >= entry.CollectionID })
	if i < len(heads) && heads[i].CollectionID == entry.CollectionID {
		out := append([]Head(nil), heads...)
		out[i] = entry
		return out
	}
	out := make([]Head, 0, len(heads)+1)
	out = append(out, heads[:i]...)
	out = append(out, entry)
	out = append(out, heads[i:]...)
	return out
}
