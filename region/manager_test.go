package region

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestInitRejectsTooFewRegions(t *testing.T) {
	backend := NewMemoryBackend(64, 1, 8)
	if _, err := Init(backend, 64, 1, 8); !errors.Is(err, ErrInvalidRegionCount) {
		t.Fatalf("expected ErrInvalidRegionCount, got %v", err)
	}
}

func TestInitThenAllocateThenStorageFull(t *testing.T) {
	backend := NewMemoryBackend(1024, 2, 8)
	m, err := Init(backend, 1024, 2, 8)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	addr, err := m.AllocateRegion(CollectionID(2))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr == m.Root() {
		t.Fatalf("allocated region should not be the root region")
	}

	if _, err := m.AllocateRegion(CollectionID(2)); !errors.Is(err, ErrStorageFull) {
		t.Fatalf("expected ErrStorageFull on second allocation, got %v", err)
	}
}

func TestInitOpenRoundTrip(t *testing.T) {
	backend := NewMemoryBackend(1024, 4, 8)
	m, err := Init(backend, 1024, 4, 8)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	addr, err := m.AllocateRegion(CollectionID(5))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.WriteRegionHeader(addr, CollectionID(5), CollectionTypeMap, FirstCollectionSequence(), 0); err != nil {
		t.Fatalf("write header: %v", err)
	}

	reopened, err := Open(backend, 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if reopened.Root() != m.Root() {
		t.Fatalf("root mismatch: want %v got %v", m.Root(), reopened.Root())
	}
	if reopened.StorageSequence() != m.StorageSequence() {
		t.Fatalf("storage sequence mismatch: want %d got %d", m.StorageSequence(), reopened.StorageSequence())
	}
	head, ok := reopened.Head(CollectionID(5))
	if !ok || head != addr {
		t.Fatalf("expected head for collection 5 at %v, got %v (ok=%v)", addr, head, ok)
	}
}

func TestStorageSequenceStrictlyIncreasesAndIsUnique(t *testing.T) {
	backend := NewMemoryBackend(1024, 8, 8)
	m, err := Init(backend, 1024, 8, 8)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	seen := map[StorageSequence]bool{m.StorageSequence(): true}
	prev := m.StorageSequence()

	for i := 0; i < 5; i++ {
		addr, err := m.AllocateRegion(CollectionID(10 + i))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if err := m.WriteRegionHeader(addr, CollectionID(10+i), CollectionTypeMap, FirstCollectionSequence(), 0); err != nil {
			t.Fatalf("write header %d: %v", i, err)
		}
		if m.StorageSequence() <= prev {
			t.Fatalf("storage sequence did not strictly increase: prev=%d now=%d", prev, m.StorageSequence())
		}
		if seen[m.StorageSequence()] {
			t.Fatalf("storage sequence %d reused", m.StorageSequence())
		}
		seen[m.StorageSequence()] = true
		prev = m.StorageSequence()
	}
}

func TestWriteRegionHeaderUpsertsHeads(t *testing.T) {
	backend := NewMemoryBackend(1024, 4, 8)
	m, err := Init(backend, 1024, 4, 8)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	addr, err := m.AllocateRegion(CollectionID(7))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.WriteRegionHeader(addr, CollectionID(7), CollectionTypeMap, FirstCollectionSequence(), 0); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := m.WriteRegionHeader(addr, CollectionID(7), CollectionTypeMap, CollectionSequence(1), 0); err != nil {
		t.Fatalf("write header again: %v", err)
	}

	count := 0
	for _, h := range m.Heads() {
		if h.CollectionID == CollectionID(7) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one heads entry for collection 7, found %d", count)
	}
}

func TestFileBackendInitOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.brm")

	backend, err := OpenFileBackend(path, 512, 4, 4)
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	defer backend.Close()

	m, err := Init(backend, 512, 4, 4)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	addr, err := m.AllocateRegion(CollectionID(3))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.WriteRegionHeader(addr, CollectionID(3), CollectionTypeChannel, FirstCollectionSequence(), 0); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := backend.WriteRegionData(addr, 0, []byte("hello region")); err != nil {
		t.Fatalf("write data: %v", err)
	}

	backend.Close()

	reopenedBackend, err := OpenFileBackend(path, 512, 4, 4)
	if err != nil {
		t.Fatalf("reopen file backend: %v", err)
	}
	defer reopenedBackend.Close()

	reopened, err := Open(reopenedBackend, 4)
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	if reopened.Root() != m.Root() {
		t.Fatalf("root mismatch after file reopen")
	}

	buf := make([]byte, len("hello region"))
	if err := reopenedBackend.GetRegionData(addr, 0, uint32(len(buf)), buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	if string(buf) != "hello region" {
		t.Fatalf("data mismatch: got %q", buf)
	}
}
