package vm

// ---------------------------------------------------------------------------
// Heap: the managed arena and the object header layout
// ---------------------------------------------------------------------------

// Heap is the word arena both semi-spaces live in. Objects are addressed by
// word index (see Value); every object starts with a three-word header:
//
//	word 0: size/flags - count<<2 | flags, or a forwarding mark
//	word 1: class reference
//	word 2: identity hash (a tagged small integer, assigned at allocation)
//
// For ordinary objects the body is `count` field Values. For binary objects
// the body is `count` raw bytes packed little-endian into words and padded
// up to word alignment.
//
// The header of a live object is never rewritten except by the collector's
// forwarding step, which replaces the size word with a forwarding mark
// carrying the word index of the copy.
type Heap struct {
	words []Value
}

// Header word offsets and total header size, in words.
const (
	headerSizeWord  = 0
	headerClassWord = 1
	headerHashWord  = 2
	headerWords     = 3
)

// Size-word flag bits. The object's field/byte count occupies the bits
// above them.
const (
	flagBinary    uint32 = 0x1
	flagForwarded uint32 = 0x2
	sizeShift            = 2
)

func newHeap(words int) *Heap {
	return &Heap{words: make([]Value, words)}
}

// Words returns the total arena size in words.
func (h *Heap) Words() int {
	return len(h.words)
}

// ---------------------------------------------------------------------------
// Header access
// ---------------------------------------------------------------------------

// SizeOf returns the field count (ordinary) or byte count (binary) of obj.
func (h *Heap) SizeOf(obj Value) int {
	return int(uint32(h.words[obj.wordIndex()+headerSizeWord]) >> sizeShift)
}

// IsBinary returns true if obj is a binary (raw byte) object.
func (h *Heap) IsBinary(obj Value) bool {
	return uint32(h.words[obj.wordIndex()+headerSizeWord])&flagBinary != 0
}

// ClassOf returns the class reference stored in obj's header. Callers that
// may hold a tagged integer should go through VM.classOf, which resolves
// SmallInt's class from the image.
func (h *Heap) ClassOf(obj Value) Value {
	return h.words[obj.wordIndex()+headerClassWord]
}

// HashOf returns obj's identity hash, stable across collections.
func (h *Heap) HashOf(obj Value) Value {
	return h.words[obj.wordIndex()+headerHashWord]
}

// forwarded reports whether the object at word index idx carries a
// forwarding mark.
func (h *Heap) forwarded(idx uint32) bool {
	return uint32(h.words[idx+headerSizeWord])&flagForwarded != 0
}

// forwardTo overwrites the size word at idx with a forwarding mark pointing
// at the copy. Only the collector calls this.
func (h *Heap) forwardTo(idx, target uint32) {
	h.words[idx+headerSizeWord] = Value(target<<sizeShift | flagForwarded)
}

// forwardedRef returns the reference an object at idx was forwarded to.
func (h *Heap) forwardedRef(idx uint32) Value {
	return refAt(uint32(h.words[idx+headerSizeWord]) >> sizeShift)
}

// bodyWords returns the number of body words implied by a size word.
func bodyWords(sizeWord uint32) uint32 {
	count := sizeWord >> sizeShift
	if sizeWord&flagBinary != 0 {
		return (count + 3) / 4
	}
	return count
}

// objectWords returns the total footprint in words of the object at idx,
// header included.
func (h *Heap) objectWords(idx uint32) uint32 {
	return headerWords + bodyWords(uint32(h.words[idx+headerSizeWord]))
}

// writeHeader lays down a fresh object header at idx.
func (h *Heap) writeHeader(idx uint32, count int, binary bool, class, hash Value) {
	sizeWord := uint32(count) << sizeShift
	if binary {
		sizeWord |= flagBinary
	}
	h.words[idx+headerSizeWord] = Value(sizeWord)
	h.words[idx+headerClassWord] = class
	h.words[idx+headerHashWord] = hash
}

// ---------------------------------------------------------------------------
// Field access (ordinary objects)
// ---------------------------------------------------------------------------

// fieldSlot returns the arena word index of obj's i-th field.
func (h *Heap) fieldSlot(obj Value, i int) uint32 {
	return obj.wordIndex() + headerWords + uint32(i)
}

// FieldAt returns the i-th field of an ordinary object.
// Panics if i is out of range.
func (h *Heap) FieldAt(obj Value, i int) Value {
	if i < 0 || i >= h.SizeOf(obj) {
		panic("Heap.FieldAt: index out of range")
	}
	return h.words[h.fieldSlot(obj, i)]
}

// setFieldRaw stores v into obj's i-th field without the write barrier.
// Only the memory manager and the collector may call this; everything else
// routes stores through MemoryManager.SetField.
func (h *Heap) setFieldRaw(obj Value, i int, v Value) {
	if i < 0 || i >= h.SizeOf(obj) {
		panic("Heap.setFieldRaw: index out of range")
	}
	h.words[h.fieldSlot(obj, i)] = v
}

// ---------------------------------------------------------------------------
// Byte access (binary objects)
// ---------------------------------------------------------------------------

// ByteAt returns the i-th byte of a binary object.
// Panics if i is out of range.
func (h *Heap) ByteAt(obj Value, i int) byte {
	if i < 0 || i >= h.SizeOf(obj) {
		panic("Heap.ByteAt: index out of range")
	}
	w := uint32(h.words[obj.wordIndex()+headerWords+uint32(i/4)])
	return byte(w >> (8 * uint(i%4)))
}

// SetByte stores b into the i-th byte of a binary object. Binary bodies
// hold no references, so there is no barrier to route through.
func (h *Heap) SetByte(obj Value, i int, b byte) {
	if i < 0 || i >= h.SizeOf(obj) {
		panic("Heap.SetByte: index out of range")
	}
	slot := obj.wordIndex() + headerWords + uint32(i/4)
	shift := 8 * uint(i%4)
	w := uint32(h.words[slot])
	w = w&^(0xFF<<shift) | uint32(b)<<shift
	h.words[slot] = Value(w)
}

// BytesOf copies out the byte body of a binary object.
func (h *Heap) BytesOf(obj Value) []byte {
	n := h.SizeOf(obj)
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = h.ByteAt(obj, i)
	}
	return buf
}

// EqualBytes compares a binary object's body against a host string without
// copying. Symbols resolve by pointer identity at run time; this is for
// name resolution during image load and global lookup.
func (h *Heap) EqualBytes(obj Value, s string) bool {
	if h.SizeOf(obj) != len(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if h.ByteAt(obj, i) != s[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Well-known object layouts
// ---------------------------------------------------------------------------

// Field indexes of the distinguished classes the interpreter manipulates
// directly. Classes are runtime values, not host types; these constants are
// the only layout knowledge the host carries.

// Class fields.
const (
	ClassName         = 0 // symbol
	ClassParent       = 1 // superclass, nil at the top
	ClassMethods      = 2 // dictionary selector -> method
	ClassInstanceSize = 3 // small integer
	ClassVariables    = 4 // array of symbols
	ClassFieldCount   = 5
)

// Method fields.
const (
	MethodName          = 0 // selector symbol
	MethodByteCodes     = 1 // binary object
	MethodLiterals      = 2 // array
	MethodStackSize     = 3 // small integer
	MethodTemporarySize = 4 // small integer
	MethodArgumentSize  = 5 // small integer
	MethodClass         = 6 // owning class
	MethodText          = 7 // source string or nil
	MethodFieldCount    = 8
)

// Context fields. A Block is a Context with three extra fields, so a block
// activation can stand wherever a context is expected.
const (
	ContextMethod      = 0
	ContextArguments   = 1
	ContextTemporaries = 2
	ContextStack       = 3
	ContextBytePointer = 4 // small integer
	ContextStackTop    = 5 // small integer
	ContextPrevious    = 6 // sender, nil at the bottom frame
	ContextFieldCount  = 7
)

// Block fields (extends Context).
const (
	BlockArgumentLocation = 7 // small integer, offset into temporaries
	BlockCreatingContext  = 8 // non-local return target
	BlockBytePointer      = 9 // small integer, body entry point
	BlockFieldCount       = 10
)

// Process fields.
const (
	ProcessContext    = 0
	ProcessState      = 1 // small integer, see process states below
	ProcessResult     = 2
	ProcessFieldCount = 3
)

// Dictionary fields.
const (
	DictionaryKeys       = 0 // array of symbols
	DictionaryValues     = 1 // array
	DictionaryFieldCount = 2
)

// Process states stored in ProcessState as tagged integers.
const (
	ProcessRunning  int32 = 0
	ProcessPaused   int32 = 1
	ProcessReturned int32 = 2
	ProcessFaulted  int32 = 3
)
