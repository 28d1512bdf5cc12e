package region

import (
	"encoding/binary"
	"fmt"
	"os"
)

// metaMagic identifies a borromean region file.
var metaMagic = [4]byte{'B', 'R', 'M', '1'}

const (
	metaBlockSize = 32
	// headerFixedSize is every header field except the heads table:
	// sequence(8) + collection_id(2) + collection_type(1) +
	// collection_sequence(8) + wal_address(8) +
	// free_list_head(1 present + 8 addr) + free_list_tail(1 present + 8 addr)
	// + heads_count(2).
	headerFixedSize = 8 + 2 + 1 + 8 + 8 + (1 + 8) + (1 + 8) + 2
	// headEntrySize is one (collection_id, address) pair in the heads table.
	headEntrySize = 2 + 8
	// freePointerBlockSize is the scalar free-pointer slot: 1 present byte
	// + 8 address bytes.
	freePointerBlockSize = 1 + 8
)

// FileBackend is a Backend over a single pre-sized file: a meta block
// followed by RegionCount fixed-size region blocks, each laid out as
// [header][data][free pointer], giving every region the three
// independently writable areas the Backend contract requires.
type FileBackend struct {
	file        *os.File
	lock        *fileLock
	path        string
	regionSize  uint32
	regionCount uint64
	maxHeads    int
	headerSize  int64
	regionBlock int64
}

// OpenFileBackend opens or creates path as a FileBackend sized for
// regionCount regions of regionSize bytes with heads tables bounded by
// maxHeads. It acquires an OS-level advisory lock for the lifetime of the
// returned backend, refusing a second process's concurrent use.
func OpenFileBackend(path string, regionSize uint32, regionCount uint64, maxHeads int) (*FileBackend, error) {
	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("region: open file backend: %w", err)
	}

	headerSize := int64(headerFixedSize + maxHeads*headEntrySize)
	regionBlock := headerSize + int64(regionSize) + freePointerBlockSize

	b := &FileBackend{
		file:        f,
		lock:        lock,
		path:        path,
		regionSize:  regionSize,
		regionCount: regionCount,
		maxHeads:    maxHeads,
		headerSize:  headerSize,
		regionBlock: regionBlock,
	}

	info, err := f.Stat()
	if err != nil {
		b.Close()
		return nil, err
	}
	wantSize := metaBlockSize + regionBlock*int64(regionCount)
	if info.Size() == 0 {
		if err := b.zeroFill(wantSize); err != nil {
			b.Close()
			return nil, err
		}
	}

	return b, nil
}

// Close releases the file handle and the OS-level lock.
func (b *FileBackend) Close() error {
	err := b.file.Close()
	b.lock.unlock()
	return err
}

func (b *FileBackend) zeroFill(size int64) error {
	if err := b.file.Truncate(size); err != nil {
		return fmt.Errorf("region: truncate file backend: %w", err)
	}
	return nil
}

func (b *FileBackend) regionOffset(addr Address) int64 {
	return metaBlockSize + int64(addr)*b.regionBlock
}

func (b *FileBackend) IsInitialized() (bool, error) {
	var hdr [metaBlockSize]byte
	n, err := b.file.ReadAt(hdr[:], 0)
	if err != nil && n == 0 {
		return false, nil
	}
	if err != nil && n < len(metaMagic) {
		return false, nil
	}
	return hdr[0] == metaMagic[0] && hdr[1] == metaMagic[1] && hdr[2] == metaMagic[2] && hdr[3] == metaMagic[3], nil
}

func (b *FileBackend) WriteMeta(regionSize uint32, regionCount uint64) error {
	if regionSize != b.regionSize {
		return ErrInvalidRegionSize
	}
	if regionCount != b.regionCount {
		return ErrInvalidRegionCount
	}
	var buf [metaBlockSize]byte
	copy(buf[0:4], metaMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], 1) // format version
	binary.LittleEndian.PutUint32(buf[8:12], regionSize)
	binary.LittleEndian.PutUint64(buf[12:20], regionCount)
	if _, err := b.file.WriteAt(buf[:], 0); err != nil {
		return WrapBacking(err)
	}
	return b.file.Sync()
}

func (b *FileBackend) RegionSize() uint32  { return b.regionSize }
func (b *FileBackend) RegionCount() uint64 { return b.regionCount }

func (b *FileBackend) GetRegionAddress(index uint64) (Address, error) {
	if index >= b.regionCount {
		return 0, ErrInvalidAddress
	}
	return Address(index), nil
}

func (b *FileBackend) checkAddr(addr Address) error {
	if uint64(addr) >= b.regionCount {
		return ErrInvalidAddress
	}
	return nil
}

func (b *FileBackend) GetRegionHeader(addr Address) (Header, error) {
	if err := b.checkAddr(addr); err != nil {
		return Header{}, err
	}
	buf := make([]byte, b.headerSize)
	if _, err := b.file.ReadAt(buf, b.regionOffset(addr)); err != nil {
		return Header{}, WrapBacking(err)
	}
	return decodeHeader(buf, b.maxHeads)
}

func (b *FileBackend) WriteRegionHeader(addr Address, header Header) error {
	if err := b.checkAddr(addr); err != nil {
		return err
	}
	if len(header.Heads) > b.maxHeads {
		return ErrTooManyHeads
	}
	buf := make([]byte, b.headerSize)
	encodeHeader(buf, header, b.maxHeads)
	if _, err := b.file.WriteAt(buf, b.regionOffset(addr)); err != nil {
		return WrapBacking(err)
	}
	return nil
}

func (b *FileBackend) GetRegionData(addr Address, offset uint32, length uint32, out []byte) error {
	if err := b.checkAddr(addr); err != nil {
		return err
	}
	if uint64(offset)+uint64(length) > uint64(b.regionSize) {
		return ErrOutOfBounds
	}
	if uint32(len(out)) < length {
		return ErrOutOfBounds
	}
	off := b.regionOffset(addr) + b.headerSize + int64(offset)
	if _, err := b.file.ReadAt(out[:length], off); err != nil {
		return WrapBacking(err)
	}
	return nil
}

func (b *FileBackend) WriteRegionData(addr Address, offset uint32, data []byte) error {
	if err := b.checkAddr(addr); err != nil {
		return err
	}
	if uint64(offset)+uint64(len(data)) > uint64(b.regionSize) {
		return ErrOutOfBounds
	}
	off := b.regionOffset(addr) + b.headerSize + int64(offset)
	if _, err := b.file.WriteAt(data, off); err != nil {
		return WrapBacking(err)
	}
	return nil
}

func (b *FileBackend) freePointerOffset(addr Address) int64 {
	return b.regionOffset(addr) + b.headerSize + int64(b.regionSize)
}

func (b *FileBackend) GetRegionFreePointer(addr Address) (FreePointer, error) {
	if err := b.checkAddr(addr); err != nil {
		return FreePointer{}, err
	}
	var buf [freePointerBlockSize]byte
	if _, err := b.file.ReadAt(buf[:], b.freePointerOffset(addr)); err != nil {
		return FreePointer{}, WrapBacking(err)
	}
	if buf[0] == 0 {
		return NoAddress, nil
	}
	return Some(Address(binary.LittleEndian.Uint64(buf[1:9]))), nil
}

func (b *FileBackend) WriteRegionFreePointer(addr Address, next FreePointer) error {
	if err := b.checkAddr(addr); err != nil {
		return err
	}
	var buf [freePointerBlockSize]byte
	if next.Present {
		buf[0] = 1
		binary.LittleEndian.PutUint64(buf[1:9], uint64(next.Address))
	}
	if _, err := b.file.WriteAt(buf[:], b.freePointerOffset(addr)); err != nil {
		return WrapBacking(err)
	}
	return nil
}

func encodeHeader(buf []byte, h Header, maxHeads int) {
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.Sequence))
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(h.CollectionID))
	off += 2
	buf[off] = byte(h.CollectionType)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.CollectionSequence))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.WalAddress))
	off += 8
	off += putOptionalAddress(buf[off:], h.FreeListHead)
	off += putOptionalAddress(buf[off:], h.FreeListTail)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(h.Heads)))
	off += 2
	for _, head := range h.Heads {
		binary.LittleEndian.PutUint16(buf[off:], uint16(head.CollectionID))
		off += 2
		binary.LittleEndian.PutUint64(buf[off:], uint64(head.Address))
		off += 8
	}
}

func decodeHeader(buf []byte, maxHeads int) (Header, error) {
	var h Header
	off := 0
	h.Sequence = StorageSequence(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.CollectionID = CollectionID(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	h.CollectionType = CollectionType(buf[off])
	off++
	h.CollectionSequence = CollectionSequence(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.WalAddress = Address(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	var n int
	h.FreeListHead, n = getOptionalAddress(buf[off:])
	off += n
	h.FreeListTail, n = getOptionalAddress(buf[off:])
	off += n
	count := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if count > maxHeads {
		return Header{}, ErrTooManyHeads
	}
	h.Heads = make([]Head, count)
	for i := 0; i < count; i++ {
		h.Heads[i].CollectionID = CollectionID(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		h.Heads[i].Address = Address(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	return h, nil
}

func putOptionalAddress(buf []byte, a OptionalAddress) int {
	if a.Present {
		buf[0] = 1
		binary.LittleEndian.PutUint64(buf[1:9], uint64(a.Address))
	} else {
		buf[0] = 0
	}
	return 9
}

func getOptionalAddress(buf []byte) (OptionalAddress, int) {
	if buf[0] == 0 {
		return NoAddress, 9
	}
	return Some(Address(binary.LittleEndian.Uint64(buf[1:9]))), 9
}
