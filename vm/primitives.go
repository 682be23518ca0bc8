package vm

import (
	"os"
)

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

// Primitive numbers. A primitive that fails pops its arguments and leaves
// nil for the fallback bytecodes; a primitive that succeeds returns its
// result from the current activation. Block invocation transfers control
// instead.
const (
	PrimIdentity    = 1
	PrimClass       = 2
	PrimPutChar     = 3
	PrimSize        = 4
	PrimAtPut       = 5
	PrimAt          = 6
	PrimNewOrdinary = 7
	PrimBlockInvoke = 8
	PrimNewBinary   = 9

	PrimSmallIntAdd       = 10
	PrimSmallIntSub       = 11
	PrimSmallIntMul       = 12
	PrimSmallIntDiv       = 13
	PrimSmallIntRem       = 14
	PrimSmallIntLess      = 15
	PrimSmallIntLessEqual = 16
	PrimSmallIntEqual     = 17
)

// executePrimitive pops argc operands and runs primitive prim over them.
// failed selects the bytecode fallback path; transferred means control
// moved into a new activation (block invocation). A non-nil error is fatal
// (allocation failure).
func (vm *VM) executePrimitive(prim, argc int) (res Value, failed, transferred bool, err error) {
	args := make([]Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}

	nil_ := vm.image.NilObject

	switch prim {
	case PrimIdentity:
		if argc != 2 {
			return nil_, true, false, nil
		}
		return vm.boolValue(args[0] == args[1]), false, false, nil

	case PrimClass:
		if argc != 1 {
			return nil_, true, false, nil
		}
		return vm.classOf(args[0]), false, false, nil

	case PrimPutChar:
		if argc != 1 || !args[0].IsSmallInt() {
			return nil_, true, false, nil
		}
		os.Stdout.Write([]byte{byte(args[0].Int())})
		return nil_, false, false, nil

	case PrimSize:
		if argc != 1 {
			return nil_, true, false, nil
		}
		if args[0].IsSmallInt() {
			return NewInteger(0), false, false, nil
		}
		return NewInteger(int32(vm.heap.SizeOf(args[0]))), false, false, nil

	case PrimAtPut:
		return vm.primAtPut(args)

	case PrimAt:
		return vm.primAt(args)

	case PrimNewOrdinary, PrimNewBinary:
		if argc != 2 || !args[0].IsReference() || !args[1].IsSmallInt() {
			return nil_, true, false, nil
		}
		size := int(args[1].Int())
		if size < 0 {
			return nil_, true, false, nil
		}
		var obj Value
		if prim == PrimNewOrdinary {
			obj, err = vm.mm.AllocateOrdinary(args[0], size)
		} else {
			obj, err = vm.mm.AllocateBinary(args[0], size)
		}
		if err != nil {
			return InvalidValue, false, false, err
		}
		return obj, false, false, nil

	case PrimBlockInvoke:
		return vm.primBlockInvoke(args)

	case PrimSmallIntAdd, PrimSmallIntSub, PrimSmallIntMul,
		PrimSmallIntDiv, PrimSmallIntRem,
		PrimSmallIntLess, PrimSmallIntLessEqual, PrimSmallIntEqual:
		if argc != 2 || !args[0].IsSmallInt() || !args[1].IsSmallInt() {
			return nil_, true, false, nil
		}
		return vm.primSmallInt(prim, args[0].Int(), args[1].Int())

	default:
		vmLog.Warningf("unknown primitive %d", prim)
		return nil_, true, false, nil
	}
}

// primSmallInt performs two-operand small integer arithmetic. Overflow and
// division by zero have no well-defined result here and take the fallback
// path.
func (vm *VM) primSmallInt(prim int, l, r int32) (Value, bool, bool, error) {
	nil_ := vm.image.NilObject
	switch prim {
	case PrimSmallIntAdd:
		if v, ok := TryNewInteger(int64(l) + int64(r)); ok {
			return v, false, false, nil
		}
	case PrimSmallIntSub:
		if v, ok := TryNewInteger(int64(l) - int64(r)); ok {
			return v, false, false, nil
		}
	case PrimSmallIntMul:
		if v, ok := TryNewInteger(int64(l) * int64(r)); ok {
			return v, false, false, nil
		}
	case PrimSmallIntDiv:
		if r != 0 {
			if v, ok := TryNewInteger(int64(l) / int64(r)); ok {
				return v, false, false, nil
			}
		}
	case PrimSmallIntRem:
		if r != 0 {
			return NewInteger(l % r), false, false, nil
		}
	case PrimSmallIntLess:
		return vm.boolValue(l < r), false, false, nil
	case PrimSmallIntLessEqual:
		return vm.boolValue(l <= r), false, false, nil
	case PrimSmallIntEqual:
		return vm.boolValue(l == r), false, false, nil
	}
	return nil_, true, false, nil
}

// primAt reads a 1-based indexed element from an ordinary or binary
// object.
func (vm *VM) primAt(args []Value) (Value, bool, bool, error) {
	nil_ := vm.image.NilObject
	if len(args) != 2 || !args[0].IsReference() || !args[1].IsSmallInt() {
		return nil_, true, false, nil
	}
	obj := args[0]
	i := int(args[1].Int()) - 1
	if i < 0 || i >= vm.heap.SizeOf(obj) {
		return nil_, true, false, nil
	}
	if vm.heap.IsBinary(obj) {
		return NewInteger(int32(vm.heap.ByteAt(obj, i))), false, false, nil
	}
	return vm.heap.FieldAt(obj, i), false, false, nil
}

// primAtPut stores a 1-based indexed element. Storing into a dictionary
// can rebind a selector, so the method cache is flushed for dictionary
// receivers.
func (vm *VM) primAtPut(args []Value) (Value, bool, bool, error) {
	nil_ := vm.image.NilObject
	if len(args) != 3 || !args[0].IsReference() || !args[1].IsSmallInt() {
		return nil_, true, false, nil
	}
	obj, idx, val := args[0], args[1], args[2]
	i := int(idx.Int()) - 1
	if i < 0 || i >= vm.heap.SizeOf(obj) {
		return nil_, true, false, nil
	}
	if vm.heap.IsBinary(obj) {
		if !val.IsSmallInt() || val.Int() < 0 || val.Int() > 255 {
			return nil_, true, false, nil
		}
		vm.heap.SetByte(obj, i, byte(val.Int()))
		return val, false, false, nil
	}
	vm.mm.SetField(obj, i, val)
	if vm.classOf(obj) == vm.image.DictionaryClass && !vm.isNil(vm.image.DictionaryClass) {
		vm.cache.Flush()
	}
	return val, false, false, nil
}

// primBlockInvoke builds a fresh activation over the block's method,
// resuming at the block's byte pointer, and transfers control into it.
// Temporaries are shared with the creating activation; invocation
// arguments land at the block's argument offset.
func (vm *VM) primBlockInvoke(args []Value) (Value, bool, bool, error) {
	nil_ := vm.image.NilObject
	if len(args) < 1 {
		return nil_, true, false, nil
	}
	block := args[0]
	if !block.IsReference() || vm.classOf(block) != vm.image.BlockClass {
		return nil_, true, false, nil
	}

	h := vm.heap
	temps := h.FieldAt(block, ContextTemporaries)
	argLoc := vm.smallIntField(block, BlockArgumentLocation)
	if !vm.isNil(temps) && argLoc+len(args)-1 > h.SizeOf(temps) {
		return nil_, true, false, nil
	}

	slots := make([]*Value, len(args))
	for i := range args {
		slots[i] = &args[i]
	}
	ctx := nil_
	stack := nil_
	release := vm.protect(append(slots, &ctx, &stack)...)
	defer release()

	var err error
	ctx, err = vm.mm.AllocateOrdinary(vm.image.BlockClass, BlockFieldCount)
	if err != nil {
		return InvalidValue, false, false, err
	}
	method := h.FieldAt(args[0], ContextMethod)
	stack, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, vm.smallIntField(method, MethodStackSize))
	if err != nil {
		return InvalidValue, false, false, err
	}

	block = args[0]
	vm.mm.SetField(ctx, ContextMethod, h.FieldAt(block, ContextMethod))
	vm.mm.SetField(ctx, ContextArguments, h.FieldAt(block, ContextArguments))
	vm.mm.SetField(ctx, ContextTemporaries, h.FieldAt(block, ContextTemporaries))
	vm.mm.SetField(ctx, ContextStack, stack)
	vm.mm.SetField(ctx, ContextBytePointer, h.FieldAt(block, BlockBytePointer))
	vm.mm.SetField(ctx, ContextStackTop, NewInteger(0))
	vm.mm.SetField(ctx, ContextPrevious, vm.context)
	vm.mm.SetField(ctx, BlockArgumentLocation, h.FieldAt(block, BlockArgumentLocation))
	vm.mm.SetField(ctx, BlockCreatingContext, h.FieldAt(block, BlockCreatingContext))
	vm.mm.SetField(ctx, BlockBytePointer, h.FieldAt(block, BlockBytePointer))

	temps = h.FieldAt(block, ContextTemporaries)
	for i := 1; i < len(args); i++ {
		vm.mm.SetField(temps, argLoc+i-1, args[i])
	}

	vm.context = ctx
	return InvalidValue, false, true, nil
}
