package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Baker semi-space collector
// ---------------------------------------------------------------------------

func TestBakerAllocateAndAccess(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)
	h := m.Heap()

	class, err := m.AllocateOrdinary(InvalidValue, 0)
	if err != nil {
		t.Fatalf("allocate class: %v", err)
	}
	obj, err := m.AllocateOrdinary(class, 3)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if h.SizeOf(obj) != 3 || h.IsBinary(obj) {
		t.Errorf("header: size=%d binary=%v", h.SizeOf(obj), h.IsBinary(obj))
	}
	if h.ClassOf(obj) != class {
		t.Errorf("class = %v, want %v", h.ClassOf(obj), class)
	}

	m.SetField(obj, 0, NewInteger(41))
	m.SetField(obj, 2, class)
	if h.FieldAt(obj, 0) != NewInteger(41) {
		t.Errorf("field 0 = %v", h.FieldAt(obj, 0))
	}
	if h.FieldAt(obj, 2) != class {
		t.Errorf("field 2 = %v", h.FieldAt(obj, 2))
	}

	bin, err := m.AllocateBinary(class, 6)
	if err != nil {
		t.Fatalf("allocate binary: %v", err)
	}
	if !h.IsBinary(bin) || h.SizeOf(bin) != 6 {
		t.Errorf("binary header: size=%d binary=%v", h.SizeOf(bin), h.IsBinary(bin))
	}
	for i := 0; i < 6; i++ {
		h.SetByte(bin, i, byte('a'+i))
	}
	if !h.EqualBytes(bin, "abcdef") {
		t.Errorf("bytes = %q", h.BytesOf(bin))
	}
}

func TestBakerCollectRewritesRoots(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)
	h := m.Heap()

	obj, _ := m.AllocateOrdinary(InvalidValue, 2)
	m.SetField(obj, 0, NewInteger(7))
	m.RegisterStaticRoot(&obj)

	before := obj
	m.Collect()
	if obj == before {
		t.Fatal("root not rewritten; object did not move")
	}
	if h.FieldAt(obj, 0) != NewInteger(7) {
		t.Errorf("field lost in copy: %v", h.FieldAt(obj, 0))
	}
}

func TestBakerHashAndClassStableAcrossCollections(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)
	h := m.Heap()

	class, _ := m.AllocateOrdinary(InvalidValue, 0)
	m.RegisterStaticRoot(&class)
	obj, _ := m.AllocateOrdinary(class, 1)
	m.RegisterStaticRoot(&obj)

	hash := h.HashOf(obj)
	for i := 0; i < 5; i++ {
		m.Collect()
		if h.HashOf(obj) != hash {
			t.Fatalf("identity hash changed after collection %d", i+1)
		}
		if h.ClassOf(obj) != class {
			t.Fatalf("class reference broken after collection %d", i+1)
		}
	}
}

func TestBakerCollectPreservesGraph(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)
	h := m.Heap()

	// a -> b -> a cycle plus a binary leaf; only a is rooted.
	a, _ := m.AllocateOrdinary(InvalidValue, 2)
	m.RegisterStaticRoot(&a)
	b, _ := m.AllocateOrdinary(InvalidValue, 2)
	leaf, _ := m.AllocateBinary(InvalidValue, 4)
	h.SetByte(leaf, 0, 0xDE)
	h.SetByte(leaf, 3, 0xAD)

	m.SetField(a, 0, b)
	m.SetField(b, 0, a)
	m.SetField(b, 1, leaf)
	m.SetField(a, 1, NewInteger(-12345))

	m.Collect()

	b2 := h.FieldAt(a, 0)
	if h.FieldAt(b2, 0) != a {
		t.Error("cycle broken after collection")
	}
	leaf2 := h.FieldAt(b2, 1)
	if !h.IsBinary(leaf2) || h.ByteAt(leaf2, 0) != 0xDE || h.ByteAt(leaf2, 3) != 0xAD {
		t.Error("binary body corrupted by copy")
	}
	if h.FieldAt(a, 1) != NewInteger(-12345) {
		t.Error("tagged integer field corrupted by copy")
	}
}

func TestBakerUnreachableReclaimed(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)

	kept, _ := m.AllocateOrdinary(InvalidValue, 4)
	m.RegisterStaticRoot(&kept)
	for i := 0; i < 100; i++ {
		if _, err := m.AllocateOrdinary(InvalidValue, 16); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	freeBefore := m.Stats().ActiveFreeWords
	m.Collect()
	freeAfter := m.Stats().ActiveFreeWords
	if freeAfter <= freeBefore {
		t.Errorf("collection reclaimed nothing: %d -> %d free words", freeBefore, freeAfter)
	}
}

func TestBakerInactiveSpaceEmptyAfterCollect(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)

	var roots []*Value
	for i := 0; i < 20; i++ {
		v, _ := m.AllocateOrdinary(InvalidValue, 3)
		p := new(Value)
		*p = v
		m.RegisterStaticRoot(p)
		roots = append(roots, p)
	}
	m.Collect()

	// Every root referent must live in the active space; the inactive
	// space holds only poison.
	for i, p := range roots {
		if !m.active.contains(p.wordIndex()) {
			t.Errorf("root %d points outside the active space", i)
		}
		if m.inactive.contains(p.wordIndex()) {
			t.Errorf("root %d points into the abandoned space", i)
		}
	}
	poison := Value(0xAAAAAAAA)
	for i := m.inactive.base; i < m.inactive.top; i++ {
		if m.heap.words[i] != poison {
			t.Fatalf("inactive word %d not poisoned: %08x", i, uint32(m.heap.words[i]))
		}
	}
}

func TestBakerExternalRootRegisterUnregister(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)

	obj, _ := m.AllocateOrdinary(InvalidValue, 1)
	m.RegisterRoot(&obj)
	m.Collect()
	moved := obj
	m.UnregisterRoot(&obj)
	m.Collect()
	if obj != moved {
		t.Error("unregistered root was still rewritten")
	}
}

func TestBakerCollectionTriggeredByExhaustion(t *testing.T) {
	m := NewBakerMemoryManager(16 * 1024)

	// Unrooted garbage; allocation far past one semi-space must succeed
	// by collecting.
	for i := 0; i < 2000; i++ {
		if _, err := m.AllocateOrdinary(InvalidValue, 8); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	if m.Stats().Collections == 0 {
		t.Error("no collection despite exhaustion pressure")
	}
}

func TestBakerOutOfMemory(t *testing.T) {
	m := NewBakerMemoryManager(16 * 1024)

	// Rooted objects exceeding a semi-space must eventually fail.
	var err error
	for i := 0; i < 10000; i++ {
		var v Value
		v, err = m.AllocateOrdinary(InvalidValue, 64)
		if err != nil {
			break
		}
		p := new(Value)
		*p = v
		m.RegisterStaticRoot(p)
	}
	if err != ErrOutOfMemory {
		t.Errorf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestBakerCollectionObserver(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)

	calls := 0
	m.AddCollectionObserver(func() { calls++ })
	m.Collect()
	m.Collect()
	if calls != 2 {
		t.Errorf("observer ran %d times, want 2", calls)
	}
}

func TestBakerStats(t *testing.T) {
	m := NewBakerMemoryManager(64 * 1024)

	m.AllocateOrdinary(InvalidValue, 1)
	m.AllocateBinary(InvalidValue, 10)
	m.Collect()

	st := m.Stats()
	if st.Allocations != 2 {
		t.Errorf("allocations = %d, want 2", st.Allocations)
	}
	if st.Collections != 1 {
		t.Errorf("collections = %d, want 1", st.Collections)
	}
	if st.HeapWords == 0 || st.ActiveFreeWords == 0 {
		t.Error("gauges not populated")
	}
}
