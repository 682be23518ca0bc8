package vm

// ---------------------------------------------------------------------------
// JIT collaborator contract
// ---------------------------------------------------------------------------

// JITRuntime is the contract the core exposes to a native-code translator.
// Generated code may call these entry points and may assume the tagged
// integer layout and the object header layout, and nothing else:
//
//   - Every field store into a heap object goes through CheckRoot (or a
//     sequence ending in it) before the raw write.
//   - A heap address must not be cached across any call that can allocate
//     unless the slot holding it was registered as a root; the address is
//     re-read from the slot afterward.
//   - Non-local returns go through EmitBlockReturn so the sender chain is
//     validated and unwound exactly as the interpreter would.
//
// The translator itself is not part of the core; the profiler below tells
// a back end which send sites are worth compiling.
type JITRuntime struct {
	vm *VM
}

// NewJITRuntime creates the runtime support interface for a translator
// attached to vm.
func NewJITRuntime(vm *VM) *JITRuntime {
	return &JITRuntime{vm: vm}
}

// NewOrdinaryObject allocates an ordinary object with fieldCount nil
// fields. May collect: every live reference the caller holds must be
// rooted before the call.
func (rt *JITRuntime) NewOrdinaryObject(class Value, fieldCount int) (Value, error) {
	return rt.vm.mm.AllocateOrdinary(class, fieldCount)
}

// CheckRoot is the write barrier. Call it with the new value and the arena
// word index of the slot before storing into a published object.
func (rt *JITRuntime) CheckRoot(value Value, slot uint32) {
	rt.vm.mm.CheckRoot(value, slot)
}

// SendMessage performs a full message send from callingContext: method
// lookup through the shared cache, activation, and sender wiring. On
// return the VM's current context is the new activation; the caller
// resumes interpretation (or compiled code) from there.
func (rt *JITRuntime) SendMessage(callingContext, selector, argumentsArray Value) error {
	rt.vm.context = callingContext
	switch rt.vm.sendMessage(selector, argumentsArray, InvalidValue) {
	case sendBadMethod:
		return errBadMethod
	case sendFatal:
		return ErrOutOfMemory
	}
	return nil
}

// EmitBlockReturn unwinds the sender chain to targetContext and returns
// value from it, discarding every intervening activation. Returns
// errEscapedBlock when targetContext is no longer on the chain.
func (rt *JITRuntime) EmitBlockReturn(value, targetContext Value) error {
	vm := rt.vm
	c := vm.context
	for c.IsReference() && !vm.isNil(c) && c != targetContext {
		c = vm.heap.FieldAt(c, ContextPrevious)
	}
	if c != targetContext {
		return errEscapedBlock
	}
	vm.context = targetContext
	vm.doReturn(value)
	return nil
}

// ---------------------------------------------------------------------------
// Hot-send profiler
// ---------------------------------------------------------------------------

// sendSite keys the profiler by (selector, receiver class). The keys are
// raw references, so the table is dropped whenever a collection moves
// pointers; hot sites re-heat quickly.
type sendSite struct {
	selector Value
	class    Value
}

// HotSendThreshold is the send count past which a site is reported hot.
const HotSendThreshold = 1 << 12

func (vm *VM) recordSend(selector, class Value) {
	if vm.hotSends == nil {
		return
	}
	vm.hotSends[sendSite{selector, class}]++
}

// EnableSendProfile turns on send-site counting for a JIT back end.
func (vm *VM) EnableSendProfile() {
	if vm.hotSends != nil {
		return
	}
	vm.hotSends = make(map[sendSite]uint64)
	vm.mm.AddCollectionObserver(func() {
		clear(vm.hotSends)
	})
}

// HotSendCount returns how many profiled sites have crossed the hot
// threshold since the last collection.
func (vm *VM) HotSendCount() int {
	n := 0
	for _, c := range vm.hotSends {
		if c >= HotSendThreshold {
			n++
		}
	}
	return n
}
