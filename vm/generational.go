package vm

import (
	"time"
)

// ---------------------------------------------------------------------------
// GenerationalMemoryManager: two generations over the Baker machinery
// ---------------------------------------------------------------------------

// GenerationalMemoryManager layers a generational policy on the Baker
// collector. Space one holds generation 0 (young) and keeps supplying
// allocations even after collection; space two accumulates generation 1
// (old). Most objects die young, so the frequent left-to-right (minor)
// collection only evacuates young survivors into the old space. When the
// old space's free region drops below one eighth of the heap, a
// right-to-left (major) cycle recollects both generations.
//
// Old objects do not move during a minor collection, so an old-to-young
// field store must be remembered: CheckRoot maintains the cross-generation
// slot log the minor root scan starts from. Once a minor collection
// finishes, no young objects remain and the log is cleared.
type GenerationalMemoryManager struct {
	*BakerMemoryManager

	// crossgen holds arena word indexes of old-object slots currently
	// referring into the young space.
	crossgen map[uint32]struct{}
}

// NewGenerationalMemoryManager creates a generational manager over a fresh
// arena of heapBytes bytes.
func NewGenerationalMemoryManager(heapBytes int) *GenerationalMemoryManager {
	m := &GenerationalMemoryManager{
		BakerMemoryManager: NewBakerMemoryManager(heapBytes),
		crossgen:           make(map[uint32]struct{}),
	}
	// Young allocation stays in space one; space two is the old
	// generation. Allocation failure must drive the generational cycle,
	// not the plain Baker one.
	m.active = &m.one
	m.inactive = &m.two
	m.collectFn = m.collect
	return m
}

func (m *GenerationalMemoryManager) young() *space { return &m.one }
func (m *GenerationalMemoryManager) old() *space   { return &m.two }

// inYoungRegion reports whether the arena word index lies in the allocated
// part of the young space.
func (m *GenerationalMemoryManager) inYoungRegion(idx uint32) bool {
	return idx >= m.young().alloc && idx < m.young().top
}

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// CheckRoot maintains the cross-generation log. It compares the stored and
// incoming values against the young-heap bounds: a slot in an old object is
// logged when it starts referring into the young space and dropped when it
// stops. Slots inside the young space need no log entry; they are scanned
// as part of the young survivors anyway.
func (m *GenerationalMemoryManager) CheckRoot(value Value, slot uint32) {
	if m.inYoungRegion(slot) {
		return
	}
	prev := m.heap.words[slot]
	valueYoung := value.IsReference() && m.inYoungRegion(value.wordIndex())
	prevYoung := prev.IsReference() && m.inYoungRegion(prev.wordIndex())

	if valueYoung && !prevYoung {
		m.crossgen[slot] = struct{}{}
	} else if !valueYoung && prevYoung {
		delete(m.crossgen, slot)
	}
}

// SetField stores v into obj's i-th field through the write barrier.
func (m *GenerationalMemoryManager) SetField(obj Value, i int, v Value) {
	if i < 0 || i >= m.heap.SizeOf(obj) {
		panic("SetField: index out of range")
	}
	slot := m.heap.fieldSlot(obj, i)
	m.CheckRoot(v, slot)
	m.heap.words[slot] = v
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs a minor collection and escalates to a major one when the old
// space's free region falls below the threshold.
func (m *GenerationalMemoryManager) Collect() {
	m.collect()
}

func (m *GenerationalMemoryManager) collect() {
	start := time.Now()

	m.collectLeftToRight()
	if m.belowThreshold() {
		m.collectRightToLeft()
	}

	m.stats.Collections++
	m.stats.TotalCollectionDelay += time.Since(start)

	m.notifyCollection()
}

// collectLeftToRight is the minor cycle: evacuate young survivors into the
// old space and reset the young space. Roots are the cross-generation log,
// the external pointer set and those static roots referring into the young
// heap; old objects stay put.
func (m *GenerationalMemoryManager) collectLeftToRight() {
	dst := m.old()
	from := m.young()

	for slot := range m.crossgen {
		m.heap.words[slot] = m.move(m.heap.words[slot], dst, from)
	}
	// Old-to-young edges cannot exist once no young objects remain.
	clear(m.crossgen)

	for _, slot := range m.externalRoots {
		*slot = m.move(*slot, dst, from)
	}
	for _, slot := range m.staticRoots {
		*slot = m.move(*slot, dst, from)
	}
	m.drainGray(dst, from)

	m.poison(m.young(), poisonActive)
	m.young().reset()

	m.stats.LeftToRightCollections++
	gcLog.Debugf("minor collection #%d: old space %d words free",
		m.stats.LeftToRightCollections, m.old().freeWords())
}

// collectRightToLeft is the major cycle. It always runs right after a minor
// collection, with the young space empty: evacuate every reachable object
// into space one, empty space two, then run a full left-to-right pass to
// put the survivors back as generation 1. Young allocation resumes in the
// conventional half.
func (m *GenerationalMemoryManager) collectRightToLeft() {
	start := time.Now()

	one := m.young()
	two := m.old()

	one.reset()
	for _, slot := range m.externalRoots {
		*slot = m.move(*slot, one, nil)
	}
	for _, slot := range m.staticRoots {
		*slot = m.move(*slot, one, nil)
	}
	m.drainGray(one, nil)

	m.poison(two, poisonInactive)
	two.reset()

	for _, slot := range m.externalRoots {
		*slot = m.move(*slot, two, nil)
	}
	for _, slot := range m.staticRoots {
		*slot = m.move(*slot, two, nil)
	}
	m.drainGray(two, nil)

	m.poison(one, poisonActive)
	one.reset()

	m.stats.RightToLeftCollections++
	m.stats.RightCollectionDelay += time.Since(start)
	gcLog.Debugf("major collection #%d: old space %d words free",
		m.stats.RightToLeftCollections, m.old().freeWords())
}

// belowThreshold reports whether the old space's free region has dropped
// below one eighth of the total heap.
func (m *GenerationalMemoryManager) belowThreshold() bool {
	return uint64(m.old().freeWords()) < m.stats.HeapWords/8
}

// Stats returns a snapshot of the manager's counters and gauges.
func (m *GenerationalMemoryManager) Stats() MemoryStats {
	st := m.stats
	st.ActiveFreeWords = uint64(m.young().freeWords())
	st.OldFreeWords = uint64(m.old().freeWords())
	return st
}

// CrossgenSize returns the number of logged cross-generation slots.
func (m *GenerationalMemoryManager) CrossgenSize() int {
	return len(m.crossgen)
}
