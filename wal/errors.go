package wal

import "errors"

// ErrEndOfWAL marks the logical end of a collection's log: either the tail
// region has no further room for a length prefix, or the length-CRC at the
// cursor didn't match the current collection sequence and id. The latter
// is expected, not corruption: it's how a stale tail left over from a
// prior use of a reclaimed region is told apart from a real gap.
var ErrEndOfWAL = errors.New("wal: end of log")

// ErrSerialization means the length-CRC matched but the entry body's own
// CRC-32 did not. Unlike ErrEndOfWAL this is fatal: a valid length-CRC
// already proves the bytes belong to the current collection sequence.
var ErrSerialization = errors.New("wal: entry body failed crc32 check")

// ErrRecordTooLarge means an entry's serialized length cannot fit in any
// region, even an entirely empty one.
var ErrRecordTooLarge = errors.New("wal: record too large for region")

// ErrAlreadyCommitted means a commit cursor is older than the durable head.
var ErrAlreadyCommitted = errors.New("wal: cursor older than durable head")

// ErrUnreachable flags an invariant violation in the WAL's own bookkeeping.
var ErrUnreachable = errors.New("wal: unreachable state")

// ErrWrongCollection means the region found was not built for this WAL.
var ErrWrongCollection = errors.New("wal: region is not owned by this collection")
