package region

// MemoryBackend is an in-process Backend backed by plain Go slices: a
// fixed array of regions, each with a header, a data array, and an
// optional free pointer. It never touches a filesystem, so it is the
// natural choice for tests and for hosts that place the whole store in
// RAM.
type MemoryBackend struct {
	regionSize  uint32
	regionCount uint64
	maxHeads    int
	initialized bool

	regions []memRegion
}

type memRegion struct {
	header      Header
	data        []byte
	freePointer FreePointer
}

// NewMemoryBackend allocates a MemoryBackend sized for regionCount regions
// of regionSize bytes, with header heads tables bounded by maxHeads.
func NewMemoryBackend(regionSize uint32, regionCount uint64, maxHeads int) *MemoryBackend {
	regions := make([]memRegion, regionCount)
	for i := range regions {
		regions[i] = memRegion{
			header: Header{
				CollectionType: CollectionTypeUninitialized,
			},
			data: make([]byte, regionSize),
		}
	}
	return &MemoryBackend{
		regionSize:  regionSize,
		regionCount: regionCount,
		maxHeads:    maxHeads,
		regions:     regions,
	}
}

func (b *MemoryBackend) IsInitialized() (bool, error) {
	return b.initialized, nil
}

func (b *MemoryBackend) WriteMeta(regionSize uint32, regionCount uint64) error {
	if regionSize != b.regionSize {
		return ErrInvalidRegionSize
	}
	if regionCount != b.regionCount {
		return ErrInvalidRegionCount
	}
	b.initialized = true
	return nil
}

func (b *MemoryBackend) RegionSize() uint32  { return b.regionSize }
func (b *MemoryBackend) RegionCount() uint64 { return b.regionCount }

func (b *MemoryBackend) GetRegionAddress(index uint64) (Address, error) {
	if index >= b.regionCount {
		return 0, ErrInvalidAddress
	}
	return Address(index), nil
}

func (b *MemoryBackend) region(addr Address) (*memRegion, error) {
	if uint64(addr) >= b.regionCount {
		return nil, ErrInvalidAddress
	}
	return &b.regions[addr], nil
}

func (b *MemoryBackend) GetRegionHeader(addr Address) (Header, error) {
	r, err := b.region(addr)
	if err != nil {
		return Header{}, err
	}
	h := r.header
	h.Heads = append([]Head(nil), r.header.Heads...)
	return h, nil
}

func (b *MemoryBackend) WriteRegionHeader(addr Address, header Header) error {
	r, err := b.region(addr)
	if err != nil {
		return err
	}
	if b.maxHeads > 0 && len(header.Heads) > b.maxHeads {
		return ErrTooManyHeads
	}
	header.Heads = append([]Head(nil), header.Heads...)
	r.header = header
	return nil
}

func (b *MemoryBackend) GetRegionData(addr Address, offset uint32, length uint32, buf []byte) error {
	r, err := b.region(addr)
	if err != nil {
		return err
	}
	if uint64(offset)+uint64(length) > uint64(b.regionSize) {
		return ErrOutOfBounds
	}
	if uint32(len(buf)) < length {
		return ErrOutOfBounds
	}
	copy(buf[:length], r.data[offset:offset+length])
	return nil
}

func (b *MemoryBackend) WriteRegionData(addr Address, offset uint32, data []byte) error {
	r, err := b.region(addr)
	if err != nil {
		return err
	}
	if uint64(offset)+uint64(len(data)) > uint64(b.regionSize) {
		return ErrOutOfBounds
	}
	copy(r.data[offset:], data)
	return nil
}

func (b *MemoryBackend) GetRegionFreePointer(addr Address) (FreePointer, error) {
	r, err := b.region(addr)
	if err != nil {
		return FreePointer{}, err
	}
	return r.freePointer, nil
}

func (b *MemoryBackend) WriteRegionFreePointer(addr Address, next FreePointer) error {
	r, err := b.region(addr)
	if err != nil {
		return err
	}
	r.freePointer = next
	return nil
}
