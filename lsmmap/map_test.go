package lsmmap

import (
	"errors"
	"testing"

	"github.com/moore/borromean/region"
)

const testMaxHeads = 8

// u64Key orders test keys numerically.
type u64Key uint64

func (k u64Key) Compare(other u64Key) int {
	switch {
	case k < other:
		return -1
	case k > other:
		return 1
	default:
		return 0
	}
}

func newTestManager(t *testing.T, regionSize uint32, regionCount uint64) (*region.MemoryBackend, *region.Manager) {
	t.Helper()
	backend := region.NewMemoryBackend(regionSize, regionCount, testMaxHeads)
	m, err := region.Init(backend, regionSize, regionCount, testMaxHeads)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return backend, m
}

func mustGet(t *testing.T, m *Map[u64Key, uint64], key u64Key) uint64 {
	t.Helper()
	v, ok, err := m.Get(key)
	if err != nil {
		t.Fatalf("get %d: %v", key, err)
	}
	if !ok {
		t.Fatalf("get %d: missing", key)
	}
	return v
}

func TestInsertThenGet(t *testing.T) {
	_, mgr := newTestManager(t, 1024, 4)
	buf := make([]byte, 2048)
	m, err := Init[u64Key, uint64](mgr, region.CollectionID(2), buf)
	if err != nil {
		t.Fatalf("init map: %v", err)
	}

	if err := m.Insert(31337, 42); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.Insert(31415, 17); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if v := mustGet(t, m, 31337); v != 42 {
		t.Errorf("get(31337) = %d, want 42", v)
	}
	if v := mustGet(t, m, 31415); v != 17 {
		t.Errorf("get(31415) = %d, want 17", v)
	}
	if _, ok, err := m.Get(12345); err != nil || ok {
		t.Errorf("get(12345) = present=%v err=%v, want absent", ok, err)
	}
}

func TestLastWriteWins(t *testing.T) {
	_, mgr := newTestManager(t, 4096, 4)
	buf := make([]byte, 4096)
	m, err := Init[u64Key, uint64](mgr, region.CollectionID(2), buf)
	if err != nil {
		t.Fatalf("init map: %v", err)
	}

	// Interleave overwrites with fresh keys so the leak path and the
	// shift path both run.
	writes := []struct {
		key   u64Key
		value uint64
	}{
		{10, 1}, {20, 2}, {10, 3}, {5, 4}, {20, 5}, {15, 6}, {10, 7},
	}
	for _, w := range writes {
		if err := m.Insert(w.key, w.value); err != nil {
			t.Fatalf("insert %d=%d: %v", w.key, w.value, err)
		}
	}

	want := map[u64Key]uint64{5: 4, 10: 7, 15: 6, 20: 5}
	if m.Len() != len(want) {
		t.Fatalf("len = %d, want %d", m.Len(), len(want))
	}
	for k, v := range want {
		if got := mustGet(t, m, k); got != v {
			t.Errorf("get(%d) = %d, want %d", k, got, v)
		}
	}
}

func TestShuffledInsertKeepsIndexSorted(t *testing.T) {
	_, mgr := newTestManager(t, 8192, 4)
	buf := make([]byte, 8192)
	m, err := Init[u64Key, uint64](mgr, region.CollectionID(2), buf)
	if err != nil {
		t.Fatalf("init map: %v", err)
	}

	// A fixed permutation of 0..28 covering front, middle, and back
	// insertions.
	const n = 29
	for i := 0; i < n; i++ {
		key := u64Key((i * 17) % n)
		if err := m.Insert(key, uint64(key)*10); err != nil {
			t.Fatalf("insert %d: %v", key, err)
		}
	}

	for i := 0; i < n; i++ {
		if got := mustGet(t, m, u64Key(i)); got != uint64(i)*10 {
			t.Errorf("get(%d) = %d, want %d", i, got, uint64(i)*10)
		}
	}

	// Walk the index directly: referenced keys must be strictly
	// ascending.
	var prev u64Key
	for i := uint32(0); i < m.recordCount; i++ {
		e, err := m.readEntry(i)
		if err != nil {
			t.Fatalf("read slot %d: %v", i, err)
		}
		if i > 0 && e.Key.Compare(prev) <= 0 {
			t.Fatalf("slot %d key %d not greater than previous %d", i, e.Key, prev)
		}
		prev = e.Key
	}
}

func TestLayoutInvariantHolds(t *testing.T) {
	_, mgr := newTestManager(t, 8192, 4)
	buf := make([]byte, 1024)
	m, err := Init[u64Key, uint64](mgr, region.CollectionID(2), buf)
	if err != nil {
		t.Fatalf("init map: %v", err)
	}

	for i := 0; i < 20; i++ {
		key := u64Key((i * 7) % 13)
		if err := m.Insert(key, uint64(i)); err != nil {
			t.Fatalf("insert %d: %v", key, err)
		}
		limit := uint32(len(m.buf)) - entryRefSize*m.nextRecordIndex
		if m.nextRecordOffset > limit {
			t.Fatalf("after insert %d: record area %d overran index start %d", i, m.nextRecordOffset, limit)
		}
	}
}

func TestMapFull(t *testing.T) {
	_, mgr := newTestManager(t, 4096, 4)
	buf := make([]byte, 96)
	m, err := Init[u64Key, uint64](mgr, region.CollectionID(2), buf)
	if err != nil {
		t.Fatalf("init map: %v", err)
	}

	var full bool
	for i := 0; i < 64; i++ {
		err := m.Insert(u64Key(i), uint64(i))
		if err != nil {
			if !errors.Is(err, ErrMapFull) {
				t.Fatalf("insert %d: %v", i, err)
			}
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrMapFull in a 96-byte buffer")
	}

	// Entries inserted before the buffer filled stay readable.
	for i := 0; i < m.Len(); i++ {
		if got := mustGet(t, m, u64Key(i)); got != uint64(i) {
			t.Errorf("get(%d) = %d after full", i, got)
		}
	}
}

func TestReopenReplaysLog(t *testing.T) {
	id := region.CollectionID(2)
	backend, mgr := newTestManager(t, 4096, 4)
	buf := make([]byte, 2048)
	m, err := Init[u64Key, uint64](mgr, id, buf)
	if err != nil {
		t.Fatalf("init map: %v", err)
	}

	writes := []struct {
		key   u64Key
		value uint64
	}{
		{7, 70}, {3, 30}, {11, 110}, {7, 71}, {1, 10},
	}
	for _, w := range writes {
		if err := m.Insert(w.key, w.value); err != nil {
			t.Fatalf("insert %d: %v", w.key, err)
		}
	}

	mgr2, err := region.Open(backend, testMaxHeads)
	if err != nil {
		t.Fatalf("reopen manager: %v", err)
	}
	head, ok := mgr2.Head(id)
	if !ok {
		t.Fatalf("no heads entry for collection %d", id)
	}
	reopened, err := Open[u64Key, uint64](mgr2, id, head, make([]byte, 2048))
	if err != nil {
		t.Fatalf("reopen map: %v", err)
	}

	want := map[u64Key]uint64{1: 10, 3: 30, 7: 71, 11: 110}
	if reopened.Len() != len(want) {
		t.Fatalf("len after reopen = %d, want %d", reopened.Len(), len(want))
	}
	for k, v := range want {
		if got := mustGet(t, reopened, k); got != v {
			t.Errorf("get(%d) after reopen = %d, want %d", k, got, v)
		}
	}
}
