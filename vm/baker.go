package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("llst.gc")

// Poison bytes written over abandoned space after evacuation. Any value
// fetched through a stale reference decodes as garbage immediately instead
// of silently reading dead objects.
const (
	poisonActive   = 0xAA
	poisonInactive = 0xBB
)

// ---------------------------------------------------------------------------
// BakerMemoryManager: two-space copying collector
// ---------------------------------------------------------------------------

// BakerMemoryManager manages the heap as two equally sized semi-spaces. At
// steady state the active space supplies allocations by bumping a pointer
// downward; Collect evacuates live objects into the inactive space with a
// Cheney-style copy and swaps the labels.
type BakerMemoryManager struct {
	heap *Heap
	one  space
	two  space

	active   *space
	inactive *space

	externalRoots []*Value
	staticRoots   []*Value

	// gray holds word indexes of copied objects whose fields have not been
	// scanned yet. It stands in for the classic scan pointer: collection is
	// done when it drains while the allocation pointer stands still.
	gray []uint32

	nilValue Value
	nextHash int32

	observers []func()

	stats MemoryStats

	// collectFn is what allocation failure invokes. The generational
	// manager layers its own cycle over the Baker machinery by replacing
	// it.
	collectFn func()
}

// Word index 0 is reserved so that no live reference encodes as
// InvalidValue.
const heapGuardWords = 4

// MinHeapBytes is the smallest heap NewBakerMemoryManager accepts.
const MinHeapBytes = 4 * 1024

// NewBakerMemoryManager creates a manager over a fresh arena of heapBytes
// bytes, split into two equal semi-spaces.
func NewBakerMemoryManager(heapBytes int) *BakerMemoryManager {
	if heapBytes < MinHeapBytes {
		heapBytes = MinHeapBytes
	}
	words := uint32(heapBytes / 4)
	half := (words - heapGuardWords) / 2

	m := &BakerMemoryManager{
		heap: newHeap(int(words)),
	}
	m.one = space{base: heapGuardWords, top: heapGuardWords + half}
	m.two = space{base: heapGuardWords + half, top: heapGuardWords + 2*half}
	m.one.reset()
	m.two.reset()
	m.active = &m.one
	m.inactive = &m.two
	m.collectFn = m.collect
	m.stats.HeapWords = uint64(words)
	return m
}

// Heap returns the managed arena.
func (m *BakerMemoryManager) Heap() *Heap {
	return m.heap
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// AllocateOrdinary allocates an ordinary object with fieldCount fields
// initialized to nil. Existing objects never move here; only Collect moves.
func (m *BakerMemoryManager) AllocateOrdinary(class Value, fieldCount int) (Value, error) {
	return m.allocate(class, fieldCount, false)
}

// AllocateBinary allocates a binary object with a zeroed byte body.
func (m *BakerMemoryManager) AllocateBinary(class Value, byteCount int) (Value, error) {
	return m.allocate(class, byteCount, true)
}

func (m *BakerMemoryManager) allocate(class Value, count int, binary bool) (Value, error) {
	if count < 0 {
		panic("allocate: negative size")
	}
	body := uint32(count)
	if binary {
		body = (body + 3) / 4
	}
	need := headerWords + body

	// The class reference must survive the collection a failing first
	// attempt triggers.
	idx, ok := m.active.reserve(need)
	if !ok {
		m.RegisterRoot(&class)
		m.collectFn()
		m.UnregisterRoot(&class)
		idx, ok = m.active.reserve(need)
		if !ok {
			return InvalidValue, ErrOutOfMemory
		}
	}

	m.nextHash++
	m.heap.writeHeader(idx, count, binary, class, NewInteger(m.nextHash))
	body = bodyWords(uint32(m.heap.words[idx+headerSizeWord]))
	fill := m.nilValue
	if binary {
		fill = InvalidValue
	}
	for i := uint32(0); i < body; i++ {
		m.heap.words[idx+headerWords+i] = fill
	}

	m.stats.Allocations++
	return refAt(idx), nil
}

// ---------------------------------------------------------------------------
// Field stores
// ---------------------------------------------------------------------------

// SetField stores v into obj's i-th field. The Baker collector needs no
// write barrier, so this is a plain store.
func (m *BakerMemoryManager) SetField(obj Value, i int, v Value) {
	m.heap.setFieldRaw(obj, i, v)
}

// CheckRoot is a no-op for the Baker collector.
func (m *BakerMemoryManager) CheckRoot(value Value, slot uint32) {}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// RegisterRoot adds an external pointer slot to the root set. The slot is
// rewritten in place whenever its referent moves.
func (m *BakerMemoryManager) RegisterRoot(slot *Value) {
	m.externalRoots = append(m.externalRoots, slot)
}

// UnregisterRoot removes an external pointer slot. Roots are typically
// released in reverse registration order, so the scan runs from the tail.
func (m *BakerMemoryManager) UnregisterRoot(slot *Value) {
	for i := len(m.externalRoots) - 1; i >= 0; i-- {
		if m.externalRoots[i] == slot {
			m.externalRoots = append(m.externalRoots[:i], m.externalRoots[i+1:]...)
			return
		}
	}
}

// RegisterStaticRoot adds a slot in non-moving host storage to the
// permanent root set.
func (m *BakerMemoryManager) RegisterStaticRoot(slot *Value) {
	m.staticRoots = append(m.staticRoots, slot)
}

// SetNilObject records the nil singleton used to initialize fresh fields.
func (m *BakerMemoryManager) SetNilObject(v Value) {
	m.nilValue = v
	m.RegisterStaticRoot(&m.nilValue)
}

// AddCollectionObserver registers fn to run after every collection.
func (m *BakerMemoryManager) AddCollectionObserver(fn func()) {
	m.observers = append(m.observers, fn)
}

func (m *BakerMemoryManager) notifyCollection() {
	for _, fn := range m.observers {
		fn()
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs one full Baker collection: swap roles, evacuate everything
// reachable from the root set into the destination, poison the abandoned
// space, swap labels.
func (m *BakerMemoryManager) Collect() {
	m.collect()
}

func (m *BakerMemoryManager) collect() {
	start := time.Now()

	dst := m.inactive
	dst.reset()

	for _, slot := range m.externalRoots {
		*slot = m.move(*slot, dst, nil)
	}
	for _, slot := range m.staticRoots {
		*slot = m.move(*slot, dst, nil)
	}
	m.drainGray(dst, nil)

	m.poison(m.active, poisonActive)
	m.active.reset()
	m.active, m.inactive = m.inactive, m.active

	m.stats.Collections++
	m.stats.TotalCollectionDelay += time.Since(start)
	gcLog.Debugf("baker collection #%d: %d words free", m.stats.Collections, m.active.freeWords())

	m.notifyCollection()
}

// move evacuates the object v refers to into dst and returns the new
// reference. Small integers and objects already in dst (or outside the
// from-region when from is non-nil) return unchanged; forwarded objects
// resolve to their stored forwarding address.
func (m *BakerMemoryManager) move(v Value, dst *space, from *space) Value {
	if !v.IsReference() {
		return v
	}
	idx := v.wordIndex()
	if dst.contains(idx) {
		return v
	}
	if from != nil && !from.contains(idx) {
		return v
	}
	if m.heap.forwarded(idx) {
		return m.heap.forwardedRef(idx)
	}

	need := m.heap.objectWords(idx)
	to, ok := dst.reserve(need)
	if !ok {
		// Both spaces are equal; a full destination here means the heap
		// invariants are broken beyond recovery.
		panic("vm: destination space exhausted during collection")
	}
	copy(m.heap.words[to:to+need], m.heap.words[idx:idx+need])
	m.heap.forwardTo(idx, to)
	m.gray = append(m.gray, to)
	return refAt(to)
}

// drainGray scans copied objects, pushing the forwarding front until no
// unscanned copies remain.
func (m *BakerMemoryManager) drainGray(dst *space, from *space) {
	for len(m.gray) > 0 {
		idx := m.gray[len(m.gray)-1]
		m.gray = m.gray[:len(m.gray)-1]

		slot := idx + headerClassWord
		m.heap.words[slot] = m.move(m.heap.words[slot], dst, from)

		sizeWord := uint32(m.heap.words[idx+headerSizeWord])
		if sizeWord&flagBinary != 0 {
			continue
		}
		count := sizeWord >> sizeShift
		for i := uint32(0); i < count; i++ {
			fieldSlot := idx + headerWords + i
			m.heap.words[fieldSlot] = m.move(m.heap.words[fieldSlot], dst, from)
		}
	}
}

func (m *BakerMemoryManager) poison(s *space, sentinel byte) {
	b := uint32(sentinel)
	w := Value(b | b<<8 | b<<16 | b<<24)
	for i := s.base; i < s.top; i++ {
		m.heap.words[i] = w
	}
}

// Stats returns a snapshot of the manager's counters and gauges.
func (m *BakerMemoryManager) Stats() MemoryStats {
	st := m.stats
	st.ActiveFreeWords = uint64(m.active.freeWords())
	st.OldFreeWords = uint64(m.inactive.freeWords())
	return st
}
