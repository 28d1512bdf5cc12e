package region

// Backend is the contract a concrete byte-addressed region store must
// satisfy. Manager never talks to a device directly; every region access
// goes through a Backend, so the same Manager, Wal, Map, and Channel code
// runs unchanged over an in-memory backend (tests, embedded RAM-disk use)
// or a single-file backend (durable, single-process use).
//
// Backend does not retry failed operations, and neither does Manager: it
// returns every Backend error to its own caller unchanged.
type Backend interface {
	// IsInitialized reports whether the meta block has ever been written.
	IsInitialized() (bool, error)

	// WriteMeta records the storage geometry. Implementations reject a
	// mismatch against their own compile-time/construction-time capacity
	// with ErrInvalidRegionSize / ErrInvalidRegionCount.
	WriteMeta(regionSize uint32, regionCount uint64) error

	// RegionSize and RegionCount expose the geometry recorded by WriteMeta
	// (or fixed at construction, for backends sized up front).
	RegionSize() uint32
	RegionCount() uint64

	// GetRegionAddress maps a 0..RegionCount()-1 index to the backend's
	// opaque address for that region.
	GetRegionAddress(index uint64) (Address, error)

	// GetRegionHeader and WriteRegionHeader read/write the fixed-layout
	// header. The backend is assumed to apply a header write atomically,
	// at the granularity of a region erase block.
	GetRegionHeader(addr Address) (Header, error)
	WriteRegionHeader(addr Address, header Header) error

	// GetRegionData and WriteRegionData give bounded byte access into a
	// region's data area. Implementations return ErrOutOfBounds when
	// offset+len exceeds RegionSize().
	GetRegionData(addr Address, offset uint32, length uint32, buf []byte) error
	WriteRegionData(addr Address, offset uint32, data []byte) error

	// GetRegionFreePointer and WriteRegionFreePointer access the scalar
	// slot used only while a region sits on the free list.
	GetRegionFreePointer(addr Address) (FreePointer, error)
	WriteRegionFreePointer(addr Address, next FreePointer) error
}
