package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"

	"github.com/moore/borromean/region"
)

// Entry is the WAL's closed sum type: every record written into a
// collection's log is one of these three kinds.
type Entry interface {
	isEntry()
}

// DataEntry is a client record: collection_type identifies which collection
// kind produced it (so a shared system WAL can carry records for several
// collections), payload is that collection's serialized record.
type DataEntry struct {
	CollectionType region.CollectionType
	Payload        []byte
}

// CommitEntry advances the durable head cursor to (ToRegion, ToOffset,
// ToSequence).
type CommitEntry struct {
	ToRegion   region.Address
	ToOffset   uint32
	ToSequence region.CollectionSequence
}

// NextRegionEntry terminates a region's entry stream, redirecting a reader
// to Region at offset zero with the collection sequence incremented.
type NextRegionEntry struct {
	Region region.Address
}

func (DataEntry) isEntry()       {}
func (CommitEntry) isEntry()     {}
func (NextRegionEntry) isEntry() {}

const (
	kindData       byte = 0
	kindCommit     byte = 1
	kindNextRegion byte = 2
	dataFlagPlain  byte = 0
	dataFlagSnappy byte = 1
)

// nextRegionFrameSize is the fixed total frame size of a NextRegionEntry:
// [len u16][len-crc u16][kind byte][region u64][crc32 u32]. WriteEntry
// reserves this much room at the end of every region so the rotation
// record always fits.
const nextRegionFrameSize = 2 + 2 + 1 + 8 + 4

// DefaultCompressionThreshold is the raw payload size above which a
// DataEntry's payload is snappy-compressed before framing. Compression is
// only kept when it actually shrinks the payload.
const DefaultCompressionThreshold = 256

// encodeBody serializes entry's body (without the len/len-crc frame header)
// and appends its CRC-32 trailer. threshold is the payload size above which
// a DataEntry's payload is snappy-compressed.
func encodeBody(entry Entry, threshold int) ([]byte, error) {
	var body []byte
	switch e := entry.(type) {
	case DataEntry:
		payload := e.Payload
		flag := dataFlagPlain
		if threshold > 0 && len(payload) > threshold {
			compressed := snappy.Encode(nil, payload)
			if len(compressed) < len(payload) {
				payload = compressed
				flag = dataFlagSnappy
			}
		}
		body = make([]byte, 1+1+1+4+len(payload))
		body[0] = kindData
		body[1] = byte(e.CollectionType)
		body[2] = flag
		binary.LittleEndian.PutUint32(body[3:7], uint32(len(payload)))
		copy(body[7:], payload)
	case CommitEntry:
		body = make([]byte, 1+8+4+8)
		body[0] = kindCommit
		binary.LittleEndian.PutUint64(body[1:9], uint64(e.ToRegion))
		binary.LittleEndian.PutUint32(body[9:13], e.ToOffset)
		binary.LittleEndian.PutUint64(body[13:21], uint64(e.ToSequence))
	case NextRegionEntry:
		body = make([]byte, 1+8)
		body[0] = kindNextRegion
		binary.LittleEndian.PutUint64(body[1:9], uint64(e.Region))
	default:
		return nil, fmt.Errorf("wal: %w: unknown entry type %T", ErrUnreachable, entry)
	}

	sum := crc32.ChecksumIEEE(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], sum)
	return out, nil
}

// decodeBody deserializes a body produced by encodeBody, verifying its
// CRC-32 trailer first.
func decodeBody(buf []byte) (Entry, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("wal: %w: short entry body", ErrSerialization)
	}
	body, trailer := buf[:len(buf)-4], buf[len(buf)-4:]
	want := binary.LittleEndian.Uint32(trailer)
	if crc32.ChecksumIEEE(body) != want {
		return nil, fmt.Errorf("wal: %w", ErrSerialization)
	}

	switch body[0] {
	case kindData:
		if len(body) < 7 {
			return nil, fmt.Errorf("wal: %w: short data entry", ErrSerialization)
		}
		collectionType := region.CollectionType(body[1])
		flag := body[2]
		n := binary.LittleEndian.Uint32(body[3:7])
		raw := body[7:]
		if uint32(len(raw)) != n {
			return nil, fmt.Errorf("wal: %w: data entry length mismatch", ErrSerialization)
		}
		payload := raw
		if flag == dataFlagSnappy {
			decoded, err := snappy.Decode(nil, raw)
			if err != nil {
				return nil, fmt.Errorf("wal: %w: snappy decode: %v", ErrSerialization, err)
			}
			payload = decoded
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return DataEntry{CollectionType: collectionType, Payload: out}, nil
	case kindCommit:
		if len(body) < 21 {
			return nil, fmt.Errorf("wal: %w: short commit entry", ErrSerialization)
		}
		return CommitEntry{
			ToRegion:   region.Address(binary.LittleEndian.Uint64(body[1:9])),
			ToOffset:   binary.LittleEndian.Uint32(body[9:13]),
			ToSequence: region.CollectionSequence(binary.LittleEndian.Uint64(body[13:21])),
		}, nil
	case kindNextRegion:
		if len(body) < 9 {
			return nil, fmt.Errorf("wal: %w: short next-region entry", ErrSerialization)
		}
		return NextRegionEntry{Region: region.Address(binary.LittleEndian.Uint64(body[1:9]))}, nil
	default:
		return nil, fmt.Errorf("wal: %w: unknown entry kind %d", ErrSerialization, body[0])
	}
}
