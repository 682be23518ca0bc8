package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	"golang.org/x/sys/unix"
)

var imageLog = commonlog.GetLogger("llst.image")

// Record tags of the image stream. Each record is one tag byte followed by
// its payload; multi-byte words inside records are 32-bit big-endian.
const (
	tagInvalidObject  = 0
	tagOrdinaryObject = 1 // word: class index; word: field count; n child records
	tagInlineInteger  = 2 // word: integer
	tagByteObject     = 3 // word: class index; word: length; padded bytes
	tagPreviousObject = 4 // word: back-reference table index
	tagNilObject      = 5 // no payload; resolves to the first record
)

var (
	ErrImageTruncated   = errors.New("image: truncated record stream")
	ErrInvalidTag       = errors.New("image: invalid record tag")
	ErrBadBackReference = errors.New("image: back reference out of range")
	ErrBadClassIndex    = errors.New("image: class index out of range")
)

// ---------------------------------------------------------------------------
// Image: the loaded object graph's root table
// ---------------------------------------------------------------------------

// Image holds the host-side root table published after loading: the
// singletons, the distinguished classes, and the entry points. Every field
// is registered as a static root, so the collector keeps them current as
// objects move; components read them through the Image rather than caching
// raw references.
type Image struct {
	NilObject   Value
	TrueObject  Value
	FalseObject Value

	SmallIntClass Value
	ArrayClass    Value
	BlockClass    Value
	ContextClass  Value
	StringClass   Value
	IntegerClass  Value

	Globals         Value // dictionary of named globals
	InitialMethod   Value
	BadMethodSymbol Value // selector for doesNotUnderstand:

	// Selectors for the inline binary operations, in sendBinary immediate
	// order: <, <=, +.
	BinaryMessages [3]Value

	// Distinguished classes resolved by name from the globals dictionary.
	// Absent names resolve to nil.
	ObjectClass     Value
	ClassClass      Value
	MethodClass     Value
	ProcessClass    Value
	DictionaryClass Value
	SymbolClass     Value
}

// The fixed order of top-level records in an image stream.
var imageRootOrder = []string{
	"nilObject", "trueObject", "falseObject",
	"smallIntClass", "arrayClass", "blockClass", "contextClass",
	"stringClass", "integerClass",
	"globalsObject", "initialMethod", "badMethodSymbol",
	"binaryMessage<", "binaryMessage<=", "binaryMessage+",
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadImageFile memory-maps path and loads the object graph into mm's
// heap. The mapping is released before return; nothing in the heap aliases
// the file.
func LoadImageFile(mm MemoryManager, path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: open: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("image: stat: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// Pipes and some filesystems refuse mappings; fall back to a
		// plain read.
		imageLog.Debugf("mmap failed (%v), reading %s instead", err, path)
		buf, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, fmt.Errorf("image: read: %w", rerr)
		}
		return LoadImage(mm, buf)
	}
	defer unix.Munmap(data)

	return LoadImage(mm, data)
}

// LoadImage loads an image record stream into mm's heap and publishes the
// root table.
func LoadImage(mm MemoryManager, data []byte) (*Image, error) {
	r := &imageReader{
		mm:   mm,
		heap: mm.Heap(),
		data: data,
		// One record is at least one byte, so the stream bounds the
		// back-reference table. Preallocating keeps the slots at stable
		// addresses for root registration.
		indirects: make([]Value, 0, len(data)),
	}

	roots := make([]Value, len(imageRootOrder))
	for i := range roots {
		mm.RegisterRoot(&roots[i])
	}
	defer func() {
		for i := len(roots) - 1; i >= 0; i-- {
			mm.UnregisterRoot(&roots[i])
		}
		r.release()
	}()

	var err error
	for i, name := range imageRootOrder {
		roots[i], err = r.readRecord()
		if err != nil {
			return nil, fmt.Errorf("image: reading %s: %w", name, err)
		}
	}

	if err := r.patchClasses(); err != nil {
		return nil, err
	}

	img := &Image{
		NilObject:       roots[0],
		TrueObject:      roots[1],
		FalseObject:     roots[2],
		SmallIntClass:   roots[3],
		ArrayClass:      roots[4],
		BlockClass:      roots[5],
		ContextClass:    roots[6],
		StringClass:     roots[7],
		IntegerClass:    roots[8],
		Globals:         roots[9],
		InitialMethod:   roots[10],
		BadMethodSymbol: roots[11],
	}
	img.BinaryMessages[0] = roots[12]
	img.BinaryMessages[1] = roots[13]
	img.BinaryMessages[2] = roots[14]

	// The root table must be live before the temporary load roots go
	// away: publish it before the deferred cleanup drops the reader's
	// registrations.
	img.registerRoots(mm)
	mm.SetNilObject(img.NilObject)
	img.resolveNamedClasses(mm.Heap())

	imageLog.Infof("image loaded: %d objects, %d trailing bytes ignored",
		len(r.indirects), len(data)-r.pos)
	return img, nil
}

func (img *Image) registerRoots(mm MemoryManager) {
	for _, slot := range []*Value{
		&img.NilObject, &img.TrueObject, &img.FalseObject,
		&img.SmallIntClass, &img.ArrayClass, &img.BlockClass,
		&img.ContextClass, &img.StringClass, &img.IntegerClass,
		&img.Globals, &img.InitialMethod, &img.BadMethodSymbol,
		&img.BinaryMessages[0], &img.BinaryMessages[1], &img.BinaryMessages[2],
		&img.ObjectClass, &img.ClassClass, &img.MethodClass,
		&img.ProcessClass, &img.DictionaryClass, &img.SymbolClass,
	} {
		mm.RegisterStaticRoot(slot)
	}
}

func (img *Image) resolveNamedClasses(h *Heap) {
	img.ObjectClass = img.GetGlobal(h, "Object")
	img.ClassClass = img.GetGlobal(h, "Class")
	img.MethodClass = img.GetGlobal(h, "Method")
	img.ProcessClass = img.GetGlobal(h, "Process")
	img.DictionaryClass = img.GetGlobal(h, "Dictionary")
	img.SymbolClass = img.GetGlobal(h, "Symbol")
}

// GetGlobal resolves a named global from the image's globals dictionary,
// returning the nil singleton when the name is not bound.
func (img *Image) GetGlobal(h *Heap, name string) Value {
	g := img.Globals
	if !g.IsReference() || h.SizeOf(g) < DictionaryFieldCount {
		return img.NilObject
	}
	keys := h.FieldAt(g, DictionaryKeys)
	values := h.FieldAt(g, DictionaryValues)
	if !keys.IsReference() || !values.IsReference() {
		return img.NilObject
	}
	n := h.SizeOf(keys)
	for i := 0; i < n; i++ {
		k := h.FieldAt(keys, i)
		if k.IsReference() && h.IsBinary(k) && h.EqualBytes(k, name) {
			return h.FieldAt(values, i)
		}
	}
	return img.NilObject
}

// ---------------------------------------------------------------------------
// Record stream reader
// ---------------------------------------------------------------------------

type classFixup struct {
	object int // indirects index of the object to patch
	class  int // indirects index of its class
}

type imageReader struct {
	mm   MemoryManager
	heap *Heap
	data []byte
	pos  int

	// indirects maps record indexes to materialized objects so
	// previousObject records can resolve cycles. Every slot is registered
	// as a load-time root the moment it is filled: a child record's
	// allocation may collect, and the collector must be able to rewrite
	// everything materialized so far.
	indirects []Value

	// Forward class references (the bootstrap classes form cycles) are
	// patched in a second pass over the table.
	fixups []classFixup
}

func (r *imageReader) release() {
	for i := len(r.indirects) - 1; i >= 0; i-- {
		r.mm.UnregisterRoot(&r.indirects[i])
	}
}

func (r *imageReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrImageTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *imageReader) readWord() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrImageTruncated
	}
	w := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return w, nil
}

// remember appends v to the back-reference table, registers its slot as a
// load-time root, and returns its index.
func (r *imageReader) remember(v Value) int {
	r.indirects = append(r.indirects, v)
	idx := len(r.indirects) - 1
	r.mm.RegisterRoot(&r.indirects[idx])
	return idx
}

// classAt resolves a class index against the table. Forward references
// return InvalidValue and a fixup is recorded by the caller.
func (r *imageReader) classAt(idx int) (Value, bool) {
	if idx < len(r.indirects) {
		return r.indirects[idx], true
	}
	return InvalidValue, false
}

func (r *imageReader) readRecord() (Value, error) {
	tag, err := r.readByte()
	if err != nil {
		return InvalidValue, err
	}

	switch tag {
	case tagOrdinaryObject:
		return r.readOrdinary()

	case tagInlineInteger:
		w, err := r.readWord()
		if err != nil {
			return InvalidValue, err
		}
		v := NewInteger(int32(w))
		r.remember(v)
		return v, nil

	case tagByteObject:
		return r.readByteObject()

	case tagPreviousObject:
		w, err := r.readWord()
		if err != nil {
			return InvalidValue, err
		}
		if int(w) >= len(r.indirects) {
			return InvalidValue, ErrBadBackReference
		}
		return r.indirects[w], nil

	case tagNilObject:
		// The nil singleton is by convention the first record of the
		// stream.
		if len(r.indirects) == 0 {
			return InvalidValue, fmt.Errorf("%w: nil before first record", ErrInvalidTag)
		}
		return r.indirects[0], nil

	case tagInvalidObject:
		return InvalidValue, ErrInvalidTag

	default:
		return InvalidValue, fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}
}

func (r *imageReader) readOrdinary() (Value, error) {
	classIdx, err := r.readWord()
	if err != nil {
		return InvalidValue, err
	}
	count, err := r.readWord()
	if err != nil {
		return InvalidValue, err
	}
	if count > uint32(len(r.data)) {
		return InvalidValue, fmt.Errorf("image: implausible field count %d", count)
	}

	class, ok := r.classAt(int(classIdx))
	obj, err := r.mm.AllocateOrdinary(class, int(count))
	if err != nil {
		return InvalidValue, err
	}
	mine := r.remember(obj)
	if !ok {
		r.fixups = append(r.fixups, classFixup{object: mine, class: int(classIdx)})
	}

	for i := 0; i < int(count); i++ {
		child, err := r.readRecord()
		if err != nil {
			return InvalidValue, err
		}
		// Materializing the child may have collected; the slot in the
		// back-reference table is the authoritative address.
		r.mm.SetField(r.indirects[mine], i, child)
	}
	return r.indirects[mine], nil
}

func (r *imageReader) readByteObject() (Value, error) {
	classIdx, err := r.readWord()
	if err != nil {
		return InvalidValue, err
	}
	length, err := r.readWord()
	if err != nil {
		return InvalidValue, err
	}
	padded := (int(length) + 3) &^ 3
	if r.pos+padded > len(r.data) {
		return InvalidValue, ErrImageTruncated
	}

	class, ok := r.classAt(int(classIdx))
	obj, err := r.mm.AllocateBinary(class, int(length))
	if err != nil {
		return InvalidValue, err
	}
	mine := r.remember(obj)
	if !ok {
		r.fixups = append(r.fixups, classFixup{object: mine, class: int(classIdx)})
	}

	for i := 0; i < int(length); i++ {
		r.heap.SetByte(obj, i, r.data[r.pos+i])
	}
	r.pos += padded
	return obj, nil
}

// patchClasses resolves the forward class references recorded during the
// first pass.
func (r *imageReader) patchClasses() error {
	for _, f := range r.fixups {
		if f.class >= len(r.indirects) {
			return ErrBadClassIndex
		}
		obj := r.indirects[f.object]
		class := r.indirects[f.class]
		slot := obj.wordIndex() + headerClassWord
		r.mm.CheckRoot(class, slot)
		r.heap.words[slot] = class
	}
	r.fixups = nil
	return nil
}
