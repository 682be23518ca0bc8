package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Bytecodes are one byte: the high nibble selects the opcode class, the low
// nibble carries the immediate. The Extended sentinel in the high nibble
// means "use the low nibble as the opcode class and read the next byte as
// the immediate", which admits immediates above 15.

// Opcode identifies a bytecode class (a high nibble, or the low nibble of
// an extended form).
type Opcode byte

const (
	OpExtended        Opcode = 0
	OpPushInstance    Opcode = 1
	OpPushArgument    Opcode = 2
	OpPushTemporary   Opcode = 3
	OpPushLiteral     Opcode = 4
	OpPushConstant    Opcode = 5
	OpAssignInstance  Opcode = 6
	OpAssignTemporary Opcode = 7
	OpMarkArguments   Opcode = 8
	OpSendMessage     Opcode = 9
	OpSendUnary       Opcode = 10
	OpSendBinary      Opcode = 11
	OpPushBlock       Opcode = 12
	OpDoPrimitive     Opcode = 13
	OpDoSpecial       Opcode = 14
)

// doSpecial subopcodes.
const (
	SpecialSelfReturn    = 1
	SpecialStackReturn   = 2
	SpecialBlockReturn   = 3
	SpecialDuplicate     = 4
	SpecialPopTop        = 5
	SpecialBranch        = 6
	SpecialBranchIfTrue  = 7
	SpecialBranchIfFalse = 8
	SpecialSendToSuper   = 11
	SpecialBreakpoint    = 12
)

// pushConstant immediates above the literal digits.
const (
	ConstNil   = 10
	ConstTrue  = 11
	ConstFalse = 12
)

// sendUnary immediates.
const (
	UnaryIsNil  = 0
	UnaryNotNil = 1
)

// sendBinary immediates. The corresponding selectors live in the image's
// binaryMessages root table in the same order.
const (
	BinaryLess      = 0
	BinaryLessEqual = 1
	BinaryAdd       = 2
)

var opcodeNames = [...]string{
	"extended", "pushInstance", "pushArgument", "pushTemporary",
	"pushLiteral", "pushConstant", "assignInstance", "assignTemporary",
	"markArguments", "sendMessage", "sendUnary", "sendBinary",
	"pushBlock", "doPrimitive", "doSpecial",
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("unknown_%d", byte(op))
}

// Instruction is one decoded bytecode: an opcode class and its immediate.
type Instruction struct {
	High Opcode
	Low  uint8
}

// DecodeInstruction decodes the instruction at pc, resolving the extended
// form, and returns it with the position of the next byte. Operand bytes
// that follow some instructions (branch targets, block offsets, primitive
// numbers) are not consumed here.
func DecodeInstruction(code []byte, pc int) (Instruction, int) {
	b := code[pc]
	pc++
	in := Instruction{High: Opcode(b >> 4), Low: b & 0x0F}
	if in.High == OpExtended {
		in.High = Opcode(in.Low)
		in.Low = code[pc]
		pc++
	}
	return in, pc
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// Assembler builds bytecode vectors in the instruction encoding above.
// Tests assemble method bodies with it directly.
type Assembler struct {
	code []byte
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{code: make([]byte, 0, 32)}
}

// Bytes returns the assembled bytecode.
func (a *Assembler) Bytes() []byte {
	return a.code
}

// Len returns the current bytecode length.
func (a *Assembler) Len() int {
	return len(a.code)
}

// Emit appends one instruction, choosing the extended form when the
// immediate exceeds a nibble.
func (a *Assembler) Emit(op Opcode, immediate int) {
	if op == OpExtended {
		panic("Assembler.Emit: extended is not a real opcode")
	}
	if immediate < 0 || immediate > 0xFF {
		panic("Assembler.Emit: immediate out of range")
	}
	if immediate < 16 {
		a.code = append(a.code, byte(op)<<4|byte(immediate))
		return
	}
	a.code = append(a.code, byte(op), byte(immediate))
}

// emitWord appends a 16-bit little-endian operand.
func (a *Assembler) emitWord(v int) {
	a.code = append(a.code, byte(v), byte(v>>8))
}

func (a *Assembler) PushInstance(i int)    { a.Emit(OpPushInstance, i) }
func (a *Assembler) PushArgument(i int)    { a.Emit(OpPushArgument, i) }
func (a *Assembler) PushTemporary(i int)   { a.Emit(OpPushTemporary, i) }
func (a *Assembler) PushLiteral(i int)     { a.Emit(OpPushLiteral, i) }
func (a *Assembler) PushConstant(c int)    { a.Emit(OpPushConstant, c) }
func (a *Assembler) AssignInstance(i int)  { a.Emit(OpAssignInstance, i) }
func (a *Assembler) AssignTemporary(i int) { a.Emit(OpAssignTemporary, i) }
func (a *Assembler) MarkArguments(n int)   { a.Emit(OpMarkArguments, n) }
func (a *Assembler) SendMessage(lit int)   { a.Emit(OpSendMessage, lit) }
func (a *Assembler) SendUnary(which int)   { a.Emit(OpSendUnary, which) }
func (a *Assembler) SendBinary(which int)  { a.Emit(OpSendBinary, which) }

// DoPrimitive emits a primitive call: the immediate is the argument count
// and the following byte the primitive number.
func (a *Assembler) DoPrimitive(primitive, argc int) {
	a.Emit(OpDoPrimitive, argc)
	a.code = append(a.code, byte(primitive))
}

func (a *Assembler) SelfReturn()  { a.Emit(OpDoSpecial, SpecialSelfReturn) }
func (a *Assembler) StackReturn() { a.Emit(OpDoSpecial, SpecialStackReturn) }
func (a *Assembler) BlockReturn() { a.Emit(OpDoSpecial, SpecialBlockReturn) }
func (a *Assembler) Duplicate()   { a.Emit(OpDoSpecial, SpecialDuplicate) }
func (a *Assembler) PopTop()      { a.Emit(OpDoSpecial, SpecialPopTop) }
func (a *Assembler) Breakpoint()  { a.Emit(OpDoSpecial, SpecialBreakpoint) }

// SendToSuper emits a super send; lit is the literal index of the selector.
func (a *Assembler) SendToSuper(lit int) {
	a.Emit(OpDoSpecial, SpecialSendToSuper)
	a.code = append(a.code, byte(lit))
}

// ---------------------------------------------------------------------------
// Labels: absolute 16-bit branch and block-end targets
// ---------------------------------------------------------------------------

// Label is a forward or backward reference to an absolute bytecode offset.
type Label struct {
	resolved bool
	target   int
	refs     []int
}

// NewLabel creates an unresolved label.
func (a *Assembler) NewLabel() *Label {
	return &Label{}
}

// Mark resolves the label to the current position and patches every
// recorded forward reference.
func (a *Assembler) Mark(l *Label) {
	if l.resolved {
		panic("Assembler.Mark: label already resolved")
	}
	l.resolved = true
	l.target = len(a.code)
	for _, ref := range l.refs {
		a.code[ref] = byte(l.target)
		a.code[ref+1] = byte(l.target >> 8)
	}
	l.refs = nil
}

func (a *Assembler) emitTarget(l *Label) {
	if l.resolved {
		a.emitWord(l.target)
		return
	}
	l.refs = append(l.refs, len(a.code))
	a.emitWord(0)
}

// Branch emits an unconditional jump to the label's absolute offset.
func (a *Assembler) Branch(l *Label) {
	a.Emit(OpDoSpecial, SpecialBranch)
	a.emitTarget(l)
}

// BranchIfTrue emits a pop-and-jump taken when the popped value is the
// true singleton.
func (a *Assembler) BranchIfTrue(l *Label) {
	a.Emit(OpDoSpecial, SpecialBranchIfTrue)
	a.emitTarget(l)
}

// BranchIfFalse emits a pop-and-jump taken when the popped value is the
// false singleton.
func (a *Assembler) BranchIfFalse(l *Label) {
	a.Emit(OpDoSpecial, SpecialBranchIfFalse)
	a.emitTarget(l)
}

// PushBlock emits a block literal whose invocation arguments land in the
// temporaries starting at argLocation. The block body follows; Mark the returned label just past the body's final
// instruction.
func (a *Assembler) PushBlock(argLocation int) *Label {
	a.Emit(OpPushBlock, argLocation)
	end := a.NewLabel()
	a.emitTarget(end)
	return end
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a bytecode vector one instruction per line, mainly
// for test failures and logging.
func Disassemble(code []byte) string {
	var sb strings.Builder
	pc := 0
	for pc < len(code) {
		pos := pc
		in, next := DecodeInstruction(code, pc)
		pc = next
		fmt.Fprintf(&sb, "%04d  %s %d", pos, in.High, in.Low)
		switch {
		case in.High == OpDoPrimitive:
			fmt.Fprintf(&sb, " #%d", code[pc])
			pc++
		case in.High == OpPushBlock:
			fmt.Fprintf(&sb, " end=%d", int(code[pc])|int(code[pc+1])<<8)
			pc += 2
		case in.High == OpDoSpecial && (in.Low == SpecialBranch ||
			in.Low == SpecialBranchIfTrue || in.Low == SpecialBranchIfFalse):
			fmt.Fprintf(&sb, " ->%d", int(code[pc])|int(code[pc+1])<<8)
			pc += 2
		case in.High == OpDoSpecial && in.Low == SpecialSendToSuper:
			fmt.Fprintf(&sb, " lit=%d", code[pc])
			pc++
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
