package vm

// ---------------------------------------------------------------------------
// The bytecode interpreter
// ---------------------------------------------------------------------------

// Execution state lives in the current Context object: byte pointer and
// stack top are committed to it as they change, so the machine can be
// suspended at any bytecode boundary and every allocation point is safe.
// The cost is a few heap accesses per bytecode; the structure in exchange
// is that no raw reference is ever cached across a point that can collect.

// bp returns the current context's byte pointer.
func (vm *VM) bp() int {
	return vm.smallIntField(vm.context, ContextBytePointer)
}

func (vm *VM) setBP(n int) {
	vm.mm.SetField(vm.context, ContextBytePointer, NewInteger(int32(n)))
}

func (vm *VM) stackTopIdx() int {
	return vm.smallIntField(vm.context, ContextStackTop)
}

func (vm *VM) setStackTop(n int) {
	vm.mm.SetField(vm.context, ContextStackTop, NewInteger(int32(n)))
}

// push stores v on the current context's operand stack.
func (vm *VM) push(v Value) {
	stack := vm.heap.FieldAt(vm.context, ContextStack)
	st := vm.stackTopIdx()
	if st >= vm.heap.SizeOf(stack) {
		panic("interpreter: operand stack overflow")
	}
	vm.mm.SetField(stack, st, v)
	vm.setStackTop(st + 1)
}

// pop removes and returns the top of the operand stack.
func (vm *VM) pop() Value {
	st := vm.stackTopIdx() - 1
	if st < 0 {
		panic("interpreter: operand stack underflow")
	}
	stack := vm.heap.FieldAt(vm.context, ContextStack)
	v := vm.heap.FieldAt(stack, st)
	vm.setStackTop(st)
	return v
}

// peek returns the top of the operand stack without removing it.
func (vm *VM) peek() Value {
	st := vm.stackTopIdx() - 1
	if st < 0 {
		panic("interpreter: operand stack underflow")
	}
	stack := vm.heap.FieldAt(vm.context, ContextStack)
	return vm.heap.FieldAt(stack, st)
}

func (vm *VM) setProcessState(state int32) {
	vm.mm.SetField(vm.process, ProcessState, NewInteger(state))
}

// storeContext saves the current activation into the process so a later
// Execute call resumes where this one stopped.
func (vm *VM) storeContext() {
	vm.mm.SetField(vm.process, ProcessContext, vm.context)
}

// fault records a faulted process and produces the error result.
func (vm *VM) fault(format string, args ...any) ExecuteResult {
	vmLog.Errorf("interpreter fault: "+format, args...)
	vm.setProcessState(ProcessFaulted)
	vm.storeContext()
	return ReturnError
}

// ---------------------------------------------------------------------------
// Message send
// ---------------------------------------------------------------------------

type sendOutcome int

const (
	sendOK sendOutcome = iota
	sendBadMethod
	sendFatal
)

// sendMessage activates the method bound to selector for the receiver in
// args[0]. lookupClass overrides the starting class of the hierarchy walk
// (super sends); pass InvalidValue to derive it from the receiver. On a
// total miss the doesNotUnderstand: method runs with a fresh
// [receiver, selector] argument array; if that too is missing, the send
// fails with sendBadMethod.
func (vm *VM) sendMessage(selector, args, lookupClass Value) sendOutcome {
	release := vm.protect(&selector, &args)
	defer release()

	receiver := vm.heap.FieldAt(args, 0)
	if lookupClass == InvalidValue {
		lookupClass = vm.classOf(receiver)
	}
	vm.recordSend(selector, lookupClass)

	method := vm.lookupMethodInCache(selector, lookupClass)
	if method == InvalidValue {
		dnu := vm.lookupMethod(vm.image.BadMethodSymbol, vm.classOf(receiver))
		if dnu == InvalidValue {
			return sendBadMethod
		}
		dnuArgs := vm.image.NilObject
		rel := vm.protect(&dnu, &dnuArgs)
		var err error
		dnuArgs, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, 2)
		if err != nil {
			rel()
			return sendFatal
		}
		vm.mm.SetField(dnuArgs, 0, vm.heap.FieldAt(args, 0))
		vm.mm.SetField(dnuArgs, 1, selector)
		method = dnu
		args = dnuArgs
		rel()
	}

	ctx, err := vm.newContext(method, args)
	if err != nil {
		return sendFatal
	}
	vm.mm.SetField(ctx, ContextPrevious, vm.context)
	vm.context = ctx
	return sendOK
}

// doReturn pops the current activation, pushing val on the sender's stack.
// Returns true when the bottom frame returned, with val saved as the
// process result.
func (vm *VM) doReturn(val Value) bool {
	prev := vm.heap.FieldAt(vm.context, ContextPrevious)
	if !prev.IsReference() || vm.isNil(prev) {
		vm.mm.SetField(vm.process, ProcessResult, val)
		vm.context = vm.image.NilObject
		return true
	}
	vm.context = prev
	vm.push(val)
	return false
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

// Execute interprets process for at most ticks bytecodes. It returns when
// the budget is exhausted (ReturnTimeExpired; the process resumes on the
// next call), the bottom frame returns (ReturnReturned, result in the
// process result slot), a breakpoint fires (ReturnBreak), lookup falls
// through doesNotUnderstand: (ReturnBadMethod), or an unrecoverable error
// occurs (ReturnError).
func (vm *VM) Execute(process Value, ticks uint32) (result ExecuteResult) {
	if !process.IsReference() || vm.isNil(process) {
		return ReturnError
	}
	vm.process = process
	vm.context = vm.heap.FieldAt(process, ProcessContext)
	if !vm.context.IsReference() || vm.isNil(vm.context) {
		return ReturnNoReturn
	}
	vm.setProcessState(ProcessRunning)

	defer func() {
		if r := recover(); r != nil {
			vmLog.Criticalf("interpreter panic: %v", r)
			vm.setProcessState(ProcessFaulted)
			result = ReturnError
		}
	}()

	h := vm.heap
	for {
		if ticks == 0 {
			vm.setProcessState(ProcessPaused)
			vm.storeContext()
			return ReturnTimeExpired
		}
		ticks--
		vm.ticksExecuted++

		ctx := vm.context
		method := h.FieldAt(ctx, ContextMethod)
		bcodes := h.FieldAt(method, MethodByteCodes)
		bp := vm.bp()
		if bp >= h.SizeOf(bcodes) {
			return vm.fault("byte pointer %d past method end", bp)
		}

		b := h.ByteAt(bcodes, bp)
		bp++
		high := Opcode(b >> 4)
		low := int(b & 0x0F)
		if high == OpExtended {
			high = Opcode(low)
			low = int(h.ByteAt(bcodes, bp))
			bp++
		}
		vm.setBP(bp)

		switch high {
		case OpPushInstance:
			self := h.FieldAt(h.FieldAt(ctx, ContextArguments), 0)
			vm.push(h.FieldAt(self, low))

		case OpPushArgument:
			vm.push(h.FieldAt(h.FieldAt(ctx, ContextArguments), low))

		case OpPushTemporary:
			vm.push(h.FieldAt(h.FieldAt(ctx, ContextTemporaries), low))

		case OpPushLiteral:
			vm.push(h.FieldAt(h.FieldAt(method, MethodLiterals), low))

		case OpPushConstant:
			switch {
			case low <= 9:
				vm.push(NewInteger(int32(low)))
			case low == ConstNil:
				vm.push(vm.image.NilObject)
			case low == ConstTrue:
				vm.push(vm.image.TrueObject)
			case low == ConstFalse:
				vm.push(vm.image.FalseObject)
			default:
				return vm.fault("bad pushConstant immediate %d", low)
			}

		case OpAssignInstance:
			self := h.FieldAt(h.FieldAt(ctx, ContextArguments), 0)
			vm.mm.SetField(self, low, vm.peek())

		case OpAssignTemporary:
			vm.mm.SetField(h.FieldAt(ctx, ContextTemporaries), low, vm.peek())

		case OpMarkArguments:
			args := vm.image.NilObject
			rel := vm.protect(&args)
			var err error
			args, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, low)
			if err != nil {
				rel()
				return vm.fault("markArguments: %v", err)
			}
			st := vm.stackTopIdx()
			stack := h.FieldAt(vm.context, ContextStack)
			for i := 0; i < low; i++ {
				vm.mm.SetField(args, i, h.FieldAt(stack, st-low+i))
			}
			vm.setStackTop(st - low)
			vm.push(args)
			rel()

		case OpSendMessage:
			selector := h.FieldAt(h.FieldAt(method, MethodLiterals), low)
			args := vm.pop()
			switch vm.sendMessage(selector, args, InvalidValue) {
			case sendBadMethod:
				return vm.faultBadMethod(selector)
			case sendFatal:
				return vm.fault("send: allocation failed")
			}

		case OpSendUnary:
			v := vm.pop()
			switch low {
			case UnaryIsNil:
				vm.push(vm.boolValue(vm.isNil(v)))
			case UnaryNotNil:
				vm.push(vm.boolValue(!vm.isNil(v)))
			default:
				return vm.fault("bad sendUnary immediate %d", low)
			}

		case OpSendBinary:
			if r := vm.sendBinary(low); r != ReturnNoReturn {
				return r
			}

		case OpPushBlock:
			if bp+2 > h.SizeOf(bcodes) {
				return vm.fault("pushBlock: truncated offset")
			}
			end := int(h.ByteAt(bcodes, bp)) | int(h.ByteAt(bcodes, bp+1))<<8
			entry := bp + 2
			if end < entry || end > h.SizeOf(bcodes) {
				return vm.fault("pushBlock: bad end offset %d", end)
			}
			if r := vm.pushBlock(low, entry, end); r != ReturnNoReturn {
				return r
			}

		case OpDoPrimitive:
			if bp >= h.SizeOf(bcodes) {
				return vm.fault("doPrimitive: truncated")
			}
			prim := int(h.ByteAt(bcodes, bp))
			vm.setBP(bp + 1)
			res, failed, transferred, err := vm.executePrimitive(prim, low)
			if err != nil {
				return vm.fault("primitive %d: %v", prim, err)
			}
			if transferred {
				continue
			}
			if failed {
				// Fall through to the fallback bytecodes with nil marking
				// the failure.
				vm.push(vm.image.NilObject)
				continue
			}
			if vm.doReturn(res) {
				vm.setProcessState(ProcessReturned)
				return ReturnReturned
			}

		case OpDoSpecial:
			r := vm.doSpecial(low)
			if r != ReturnNoReturn {
				return r
			}

		default:
			return vm.fault("bad opcode %d", high)
		}
	}
}

// faultBadMethod reports a lookup that fell through the top of the class
// chain with doesNotUnderstand: itself missing.
func (vm *VM) faultBadMethod(selector Value) ExecuteResult {
	name := "?"
	if selector.IsReference() && vm.heap.IsBinary(selector) {
		name = string(vm.heap.BytesOf(selector))
	}
	vmLog.Errorf("message not understood and no doesNotUnderstand:: #%s", name)
	vm.setProcessState(ProcessFaulted)
	vm.storeContext()
	return ReturnBadMethod
}

// sendBinary executes the inline <, <= or + when both operands are tagged
// integers, lowering to a full message send otherwise (and on + overflow).
// Returns ReturnNoReturn when execution should continue.
func (vm *VM) sendBinary(which int) ExecuteResult {
	right := vm.pop()
	left := vm.pop()

	if left.IsSmallInt() && right.IsSmallInt() {
		l, r := left.Int(), right.Int()
		switch which {
		case BinaryLess:
			vm.push(vm.boolValue(l < r))
			return ReturnNoReturn
		case BinaryLessEqual:
			vm.push(vm.boolValue(l <= r))
			return ReturnNoReturn
		case BinaryAdd:
			if sum, ok := TryNewInteger(int64(l) + int64(r)); ok {
				vm.push(sum)
				return ReturnNoReturn
			}
			// Overflow lowers to a full send so the image's integer
			// protocol can widen.
		default:
			return vm.fault("bad sendBinary immediate %d", which)
		}
	} else if which > BinaryAdd {
		return vm.fault("bad sendBinary immediate %d", which)
	}

	args := vm.image.NilObject
	rel := vm.protect(&left, &right, &args)
	var err error
	args, err = vm.mm.AllocateOrdinary(vm.image.ArrayClass, 2)
	if err != nil {
		rel()
		return vm.fault("sendBinary: %v", err)
	}
	vm.mm.SetField(args, 0, left)
	vm.mm.SetField(args, 1, right)
	selector := vm.image.BinaryMessages[which]
	rel()

	switch vm.sendMessage(selector, args, InvalidValue) {
	case sendBadMethod:
		return vm.faultBadMethod(selector)
	case sendFatal:
		return vm.fault("sendBinary: allocation failed")
	}
	return ReturnNoReturn
}

// pushBlock materializes a block literal: a Block capturing the current
// activation as creating context, entering at entry, and skips the byte
// pointer past the body. Blocks created inside blocks propagate the home
// activation so a non-local return always targets the method that
// lexically encloses them.
func (vm *VM) pushBlock(argLocation, entry, end int) ExecuteResult {
	block := vm.image.NilObject
	rel := vm.protect(&block)
	defer rel()

	var err error
	block, err = vm.mm.AllocateOrdinary(vm.image.BlockClass, BlockFieldCount)
	if err != nil {
		return vm.fault("pushBlock: %v", err)
	}

	h := vm.heap
	ctx := vm.context
	creating := ctx
	if vm.classOf(ctx) == vm.image.BlockClass {
		creating = h.FieldAt(ctx, BlockCreatingContext)
	}

	method := h.FieldAt(ctx, ContextMethod)
	vm.mm.SetField(block, ContextMethod, method)
	vm.mm.SetField(block, ContextArguments, h.FieldAt(ctx, ContextArguments))
	vm.mm.SetField(block, ContextTemporaries, h.FieldAt(ctx, ContextTemporaries))
	vm.mm.SetField(block, ContextStack, vm.image.NilObject)
	vm.mm.SetField(block, ContextBytePointer, NewInteger(0))
	vm.mm.SetField(block, ContextStackTop, NewInteger(0))
	vm.mm.SetField(block, ContextPrevious, vm.image.NilObject)
	vm.mm.SetField(block, BlockArgumentLocation, NewInteger(int32(argLocation)))
	vm.mm.SetField(block, BlockCreatingContext, creating)
	vm.mm.SetField(block, BlockBytePointer, NewInteger(int32(entry)))

	vm.push(block)
	vm.setBP(end)
	return ReturnNoReturn
}

// doSpecial executes a doSpecial subopcode. Returns ReturnNoReturn when
// execution should continue.
func (vm *VM) doSpecial(sub int) ExecuteResult {
	h := vm.heap

	switch sub {
	case SpecialSelfReturn:
		self := h.FieldAt(h.FieldAt(vm.context, ContextArguments), 0)
		if vm.doReturn(self) {
			vm.setProcessState(ProcessReturned)
			return ReturnReturned
		}

	case SpecialStackReturn:
		if vm.doReturn(vm.pop()) {
			vm.setProcessState(ProcessReturned)
			return ReturnReturned
		}

	case SpecialBlockReturn:
		val := vm.pop()
		ctx := vm.context
		if vm.classOf(ctx) != vm.image.BlockClass {
			return vm.fault("blockReturn outside a block activation")
		}
		target := h.FieldAt(ctx, BlockCreatingContext)
		// The creating context must still be on the sender chain;
		// everything below it is discarded.
		c := ctx
		for c.IsReference() && !vm.isNil(c) && c != target {
			c = h.FieldAt(c, ContextPrevious)
		}
		if c != target {
			return vm.fault("non-local return target escaped")
		}
		vm.context = target
		if vm.doReturn(val) {
			vm.setProcessState(ProcessReturned)
			return ReturnReturned
		}

	case SpecialDuplicate:
		vm.push(vm.peek())

	case SpecialPopTop:
		vm.pop()

	case SpecialBranch:
		target, r := vm.branchTarget()
		if r != ReturnNoReturn {
			return r
		}
		vm.setBP(target)

	case SpecialBranchIfTrue:
		target, r := vm.branchTarget()
		if r != ReturnNoReturn {
			return r
		}
		if vm.pop() == vm.image.TrueObject {
			vm.setBP(target)
		}

	case SpecialBranchIfFalse:
		target, r := vm.branchTarget()
		if r != ReturnNoReturn {
			return r
		}
		if vm.pop() == vm.image.FalseObject {
			vm.setBP(target)
		}

	case SpecialSendToSuper:
		method := h.FieldAt(vm.context, ContextMethod)
		bcodes := h.FieldAt(method, MethodByteCodes)
		bp := vm.bp()
		if bp >= h.SizeOf(bcodes) {
			return vm.fault("sendToSuper: truncated")
		}
		lit := int(h.ByteAt(bcodes, bp))
		vm.setBP(bp + 1)
		selector := h.FieldAt(h.FieldAt(method, MethodLiterals), lit)
		args := vm.pop()
		// Lookup begins above the class the running method belongs to,
		// not the receiver's class.
		super := h.FieldAt(h.FieldAt(method, MethodClass), ClassParent)
		switch vm.sendMessage(selector, args, super) {
		case sendBadMethod:
			return vm.faultBadMethod(selector)
		case sendFatal:
			return vm.fault("sendToSuper: allocation failed")
		}

	case SpecialBreakpoint:
		vm.setProcessState(ProcessPaused)
		vm.storeContext()
		return ReturnBreak

	default:
		return vm.fault("bad doSpecial %d", sub)
	}
	return ReturnNoReturn
}

// branchTarget reads the 16-bit absolute offset operand at the byte
// pointer and advances past it.
func (vm *VM) branchTarget() (int, ExecuteResult) {
	h := vm.heap
	method := h.FieldAt(vm.context, ContextMethod)
	bcodes := h.FieldAt(method, MethodByteCodes)
	bp := vm.bp()
	if bp+2 > h.SizeOf(bcodes) {
		return 0, vm.fault("branch: truncated offset")
	}
	target := int(h.ByteAt(bcodes, bp)) | int(h.ByteAt(bcodes, bp+1))<<8
	vm.setBP(bp + 2)
	if target > h.SizeOf(bcodes) {
		return 0, vm.fault("branch: target %d out of range", target)
	}
	return target, ReturnNoReturn
}
