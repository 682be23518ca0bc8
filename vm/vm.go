package vm

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("llst.vm")

// ---------------------------------------------------------------------------
// ExecuteResult
// ---------------------------------------------------------------------------

// ExecuteResult is the outcome of one Execute call. The numeric values
// double as process exit codes.
type ExecuteResult int

const (
	ReturnError       ExecuteResult = 2
	ReturnBadMethod   ExecuteResult = 3
	ReturnReturned    ExecuteResult = 4
	ReturnTimeExpired ExecuteResult = 5
	ReturnBreak       ExecuteResult = 6

	ReturnNoReturn ExecuteResult = 255
)

// String implements the Stringer interface.
func (r ExecuteResult) String() string {
	switch r {
	case ReturnError:
		return "error"
	case ReturnBadMethod:
		return "badMethod"
	case ReturnReturned:
		return "returned"
	case ReturnTimeExpired:
		return "timeExpired"
	case ReturnBreak:
		return "break"
	case ReturnNoReturn:
		return "noReturn"
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// VM couples the interpreter to a memory manager and a loaded image. It is
// single-threaded and cooperative: the interpreter loop is the only
// mutator, the collector runs synchronously on the same goroutine, and the
// host may inspect state only between Execute calls.
//
// The execution registers (process, context) are registered as collector
// roots, so they stay valid across any allocation the interpreter performs.
// Everything derived from them (method, bytecode vector, operand stack) is
// re-fetched through the heap rather than cached across allocation points.
type VM struct {
	ID uuid.UUID

	mm    MemoryManager
	heap  *Heap
	image *Image
	cache *MethodCache

	// Execution registers, rooted for the life of the VM.
	process Value
	context Value

	// Send-site counters for the JIT profiler, nil until enabled.
	hotSends map[sendSite]uint64

	ticksExecuted uint64
	startTime     time.Time
}

var (
	errBadMethod    = errors.New("vm: message not understood")
	errEscapedBlock = errors.New("vm: non-local return target escaped")
)

// NewVM creates a VM over a memory manager and its loaded image. The
// method cache is flushed automatically whenever the manager finishes a
// collection.
func NewVM(mm MemoryManager, image *Image) *VM {
	vm := &VM{
		ID:        uuid.New(),
		mm:        mm,
		heap:      mm.Heap(),
		image:     image,
		cache:     NewMethodCache(),
		startTime: time.Now(),
	}
	vm.process = image.NilObject
	vm.context = image.NilObject
	mm.RegisterStaticRoot(&vm.process)
	mm.RegisterStaticRoot(&vm.context)
	mm.AddCollectionObserver(vm.cache.Flush)
	vmLog.Debugf("vm %s created", vm.ID)
	return vm
}

// Image returns the loaded image's root table.
func (vm *VM) Image() *Image {
	return vm.image
}

// Heap returns the managed arena.
func (vm *VM) Heap() *Heap {
	return vm.heap
}

// MemoryManager returns the VM's memory manager.
func (vm *VM) MemoryManager() MemoryManager {
	return vm.mm
}

// Cache returns the method cache.
func (vm *VM) Cache() *MethodCache {
	return vm.cache
}

// TicksExecuted returns the number of bytecodes executed so far.
func (vm *VM) TicksExecuted() uint64 {
	return vm.ticksExecuted
}

// FlushCaches invalidates every cached method lookup. Called internally on
// collection and on structural image mutation; exposed for hosts that
// mutate classes between Execute calls.
func (vm *VM) FlushCaches() {
	vm.cache.Flush()
}

// protect registers the given slots as collector roots and returns the
// function releasing them, in reverse order. The hptr idiom: any local
// that must survive an allocation goes through here.
func (vm *VM) protect(slots ...*Value) func() {
	for _, s := range slots {
		vm.mm.RegisterRoot(s)
	}
	return func() {
		for i := len(slots) - 1; i >= 0; i-- {
			vm.mm.UnregisterRoot(slots[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Object model glue
// ---------------------------------------------------------------------------

// classOf resolves the class of any value: SmallInt's class for tagged
// integers, the header class otherwise.
func (vm *VM) classOf(v Value) Value {
	if v.IsSmallInt() {
		return vm.image.SmallIntClass
	}
	return vm.heap.ClassOf(v)
}

// isNil reports whether v is the nil singleton.
func (vm *VM) isNil(v Value) bool {
	return v == vm.image.NilObject
}

// boolValue maps a host bool onto the true/false singletons.
func (vm *VM) boolValue(b bool) Value {
	if b {
		return vm.image.TrueObject
	}
	return vm.image.FalseObject
}

// smallIntField reads a field expected to hold a tagged integer, with a
// fallback for nil slots in hand-built images.
func (vm *VM) smallIntField(obj Value, i int) int {
	v := vm.heap.FieldAt(obj, i)
	if !v.IsSmallInt() {
		return 0
	}
	return int(v.Int())
}

// ---------------------------------------------------------------------------
// Method lookup
// ---------------------------------------------------------------------------

// lookupMethod walks the class hierarchy from class upward until a method
// dictionary binds selector. Returns InvalidValue when the walk falls off
// the top. Selectors are interned symbols, so the comparison is pointer
// identity.
func (vm *VM) lookupMethod(selector, class Value) Value {
	h := vm.heap
	for class.IsReference() && !vm.isNil(class) {
		methods := h.FieldAt(class, ClassMethods)
		if methods.IsReference() && !vm.isNil(methods) {
			keys := h.FieldAt(methods, DictionaryKeys)
			values := h.FieldAt(methods, DictionaryValues)
			if keys.IsReference() && values.IsReference() {
				n := h.SizeOf(keys)
				for i := 0; i < n; i++ {
					if h.FieldAt(keys, i) == selector {
						return h.FieldAt(values, i)
					}
				}
			}
		}
		class = h.FieldAt(class, ClassParent)
	}
	return InvalidValue
}

// lookupMethodInCache consults the method cache before walking the
// hierarchy, writing back on miss.
func (vm *VM) lookupMethodInCache(selector, class Value) Value {
	if m := vm.cache.Lookup(selector, class); m != InvalidValue {
		return m
	}
	m := vm.lookupMethod(selector, class)
	if m != InvalidValue {
		vm.cache.Insert(selector, class, m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Activation and process construction
// ---------------------------------------------------------------------------

// newContext builds an activation of method with the given arguments
// array: temporaries and operand stack sized per the method, byte pointer
// at zero, sender left nil for the caller to wire. All inputs are
// protected across the allocations.
func (vm *VM) newContext(method, args Value) (Value, error) {
	ctx := vm.image.NilObject
	temps := vm.image.NilObject
	stack := vm.image.NilObject
	release := vm.protect(&method, &args, &ctx, &temps, &stack)
	defer release()

	var err error
	ctx, err = vm.mm.AllocateOrdinary(vm.image.ContextClass, ContextFieldCount)
	if err != nil {
		return InvalidValue, err
	}
	temps, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, vm.smallIntField(method, MethodTemporarySize))
	if err != nil {
		return InvalidValue, err
	}
	stack, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, vm.smallIntField(method, MethodStackSize))
	if err != nil {
		return InvalidValue, err
	}

	vm.mm.SetField(ctx, ContextMethod, method)
	vm.mm.SetField(ctx, ContextArguments, args)
	vm.mm.SetField(ctx, ContextTemporaries, temps)
	vm.mm.SetField(ctx, ContextStack, stack)
	vm.mm.SetField(ctx, ContextBytePointer, NewInteger(0))
	vm.mm.SetField(ctx, ContextStackTop, NewInteger(0))
	vm.mm.SetField(ctx, ContextPrevious, vm.image.NilObject)
	return ctx, nil
}

// NewProcess builds a process around a bootstrap activation of method.
// The receiver of the bottom frame is nil. The returned reference is not
// rooted; a host that keeps it across operations that may collect must
// register the slot holding it.
func (vm *VM) NewProcess(method Value) (Value, error) {
	args := vm.image.NilObject
	ctx := vm.image.NilObject
	release := vm.protect(&method, &args, &ctx)
	defer release()

	var err error
	args, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, 1)
	if err != nil {
		return InvalidValue, err
	}
	ctx, err = vm.newContext(method, args)
	if err != nil {
		return InvalidValue, err
	}

	class := vm.image.ProcessClass
	if class == InvalidValue || vm.isNil(class) {
		class = vm.image.ObjectClass
	}
	proc, err := vm.mm.AllocateOrdinary(class, ProcessFieldCount)
	if err != nil {
		return InvalidValue, err
	}
	vm.mm.SetField(proc, ProcessContext, ctx)
	vm.mm.SetField(proc, ProcessState, NewInteger(ProcessRunning))
	vm.mm.SetField(proc, ProcessResult, vm.image.NilObject)
	return proc, nil
}

// Result returns the saved result slot of a process.
func (vm *VM) Result(process Value) Value {
	return vm.heap.FieldAt(process, ProcessResult)
}
