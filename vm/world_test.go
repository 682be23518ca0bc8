package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// testWorld: a hand-built minimal image for interpreter and GC tests
// ---------------------------------------------------------------------------

// testWorld bootstraps the singletons, the distinguished classes and an
// empty globals dictionary directly through a memory manager, the way the
// image loader would. Everything it builds is pinned via static roots, so
// worlds survive any number of collections a test forces.
type testWorld struct {
	t  *testing.T
	mm MemoryManager
	h  *Heap
	vm *VM

	img *Image

	symbols map[string]*Value

	ClassClass     Value
	ObjectClass    Value
	UndefinedClass Value
	BooleanClass   Value
}

func newTestWorld(t *testing.T, mm MemoryManager) *testWorld {
	t.Helper()
	w := &testWorld{
		t:       t,
		mm:      mm,
		h:       mm.Heap(),
		symbols: make(map[string]*Value),
	}

	nilObj := w.alloc(InvalidValue, 0, false)
	mm.SetNilObject(nilObj)

	// Class objects come first, unnamed; names and dictionaries need the
	// classes to exist.
	w.ClassClass = w.alloc(InvalidValue, ClassFieldCount, false)
	w.h.words[w.ClassClass.wordIndex()+headerClassWord] = w.ClassClass

	w.ObjectClass = w.allocClass()
	w.UndefinedClass = w.allocClass()
	w.BooleanClass = w.allocClass()
	symbolClass := w.allocClass()
	arrayClass := w.allocClass()
	dictionaryClass := w.allocClass()
	methodClass := w.allocClass()
	contextClass := w.allocClass()
	blockClass := w.allocClass()
	processClass := w.allocClass()
	integerClass := w.allocClass()
	smallIntClass := w.allocClass()
	stringClass := w.allocClass()

	w.h.words[nilObj.wordIndex()+headerClassWord] = w.UndefinedClass

	img := &Image{
		NilObject:       nilObj,
		SmallIntClass:   smallIntClass,
		ArrayClass:      arrayClass,
		BlockClass:      blockClass,
		ContextClass:    contextClass,
		StringClass:     stringClass,
		IntegerClass:    integerClass,
		ObjectClass:     w.ObjectClass,
		ClassClass:      w.ClassClass,
		MethodClass:     methodClass,
		ProcessClass:    processClass,
		DictionaryClass: dictionaryClass,
		SymbolClass:     symbolClass,
	}
	w.img = img

	img.TrueObject = w.alloc(w.BooleanClass, 0, false)
	img.FalseObject = w.alloc(w.BooleanClass, 0, false)

	w.initClass(w.ClassClass, "Class", w.ObjectClass)
	w.initClass(w.ObjectClass, "Object", nilObj)
	w.initClass(w.UndefinedClass, "UndefinedObject", w.ObjectClass)
	w.initClass(w.BooleanClass, "Boolean", w.ObjectClass)
	w.initClass(symbolClass, "Symbol", w.ObjectClass)
	w.initClass(arrayClass, "Array", w.ObjectClass)
	w.initClass(dictionaryClass, "Dictionary", w.ObjectClass)
	w.initClass(methodClass, "Method", w.ObjectClass)
	w.initClass(contextClass, "Context", w.ObjectClass)
	w.initClass(blockClass, "Block", w.ObjectClass)
	w.initClass(processClass, "Process", w.ObjectClass)
	w.initClass(integerClass, "Integer", w.ObjectClass)
	w.initClass(smallIntClass, "SmallInt", integerClass)
	w.initClass(stringClass, "String", w.ObjectClass)

	img.Globals = w.newDictionary()
	img.InitialMethod = nilObj
	img.BadMethodSymbol = w.symbol("doesNotUnderstand:")
	img.BinaryMessages[0] = w.symbol("<")
	img.BinaryMessages[1] = w.symbol("<=")
	img.BinaryMessages[2] = w.symbol("+")

	img.registerRoots(mm)
	w.vm = NewVM(mm, img)
	return w
}

// newWorld builds a test world over a generational manager with a roomy
// heap.
func newWorld(t *testing.T) *testWorld {
	return newTestWorld(t, NewGenerationalMemoryManager(4*1024*1024))
}

// alloc allocates and pins an object.
func (w *testWorld) alloc(class Value, n int, binary bool) Value {
	w.t.Helper()
	var v Value
	var err error
	if binary {
		v, err = w.mm.AllocateBinary(class, n)
	} else {
		v, err = w.mm.AllocateOrdinary(class, n)
	}
	if err != nil {
		w.t.Fatalf("testWorld: allocation failed: %v", err)
	}
	p := new(Value)
	*p = v
	w.mm.RegisterStaticRoot(p)
	return v
}

func (w *testWorld) allocClass() Value {
	return w.alloc(w.ClassClass, ClassFieldCount, false)
}

func (w *testWorld) initClass(class Value, name string, parent Value) {
	w.mm.SetField(class, ClassName, w.symbol(name))
	w.mm.SetField(class, ClassParent, parent)
	w.mm.SetField(class, ClassMethods, w.newDictionary())
	w.mm.SetField(class, ClassInstanceSize, NewInteger(0))
	w.mm.SetField(class, ClassVariables, w.newArray())
}

// symbol interns a selector symbol; repeated names return the identical
// object, matching the pointer-identity lookup contract.
func (w *testWorld) symbol(name string) Value {
	if p, ok := w.symbols[name]; ok {
		return *p
	}
	v := w.alloc(w.img.SymbolClass, len(name), true)
	for i := 0; i < len(name); i++ {
		w.h.SetByte(v, i, name[i])
	}
	p := new(Value)
	*p = v
	w.mm.RegisterStaticRoot(p)
	w.symbols[name] = p
	return v
}

func (w *testWorld) newArray(elems ...Value) Value {
	arr := w.alloc(w.img.ArrayClass, len(elems), false)
	for i, e := range elems {
		w.mm.SetField(arr, i, e)
	}
	return arr
}

func (w *testWorld) newDictionary() Value {
	d := w.alloc(w.img.DictionaryClass, DictionaryFieldCount, false)
	w.mm.SetField(d, DictionaryKeys, w.newArray())
	w.mm.SetField(d, DictionaryValues, w.newArray())
	return d
}

// newMethod builds a method object owned by class. stackSize is generous
// by default so tests do not have to compute exact depths.
func (w *testWorld) newMethod(class Value, selector string, code []byte, literals []Value) Value {
	m := w.alloc(w.img.MethodClass, MethodFieldCount, false)
	bc := w.alloc(w.img.StringClass, len(code), true)
	for i, b := range code {
		w.h.SetByte(bc, i, b)
	}
	w.mm.SetField(m, MethodName, w.symbol(selector))
	w.mm.SetField(m, MethodByteCodes, bc)
	w.mm.SetField(m, MethodLiterals, w.newArray(literals...))
	w.mm.SetField(m, MethodStackSize, NewInteger(32))
	w.mm.SetField(m, MethodTemporarySize, NewInteger(8))
	w.mm.SetField(m, MethodArgumentSize, NewInteger(1))
	w.mm.SetField(m, MethodClass, class)
	w.mm.SetField(m, MethodText, w.img.NilObject)
	return m
}

// addMethod binds selector to a fresh method on class and returns it.
// Method dictionaries are fixed-size arrays, so binding rebuilds them.
func (w *testWorld) addMethod(class Value, selector string, code []byte, literals []Value) Value {
	m := w.newMethod(class, selector, code, literals)
	dict := w.h.FieldAt(class, ClassMethods)
	keys := w.h.FieldAt(dict, DictionaryKeys)
	values := w.h.FieldAt(dict, DictionaryValues)

	n := w.h.SizeOf(keys)
	newKeys := w.alloc(w.img.ArrayClass, n+1, false)
	newValues := w.alloc(w.img.ArrayClass, n+1, false)
	for i := 0; i < n; i++ {
		w.mm.SetField(newKeys, i, w.h.FieldAt(keys, i))
		w.mm.SetField(newValues, i, w.h.FieldAt(values, i))
	}
	w.mm.SetField(newKeys, n, w.symbol(selector))
	w.mm.SetField(newValues, n, m)
	w.mm.SetField(dict, DictionaryKeys, newKeys)
	w.mm.SetField(dict, DictionaryValues, newValues)

	w.vm.FlushCaches()
	return m
}

// run boots a process around method and executes it with the given budget.
// The process reference rides a registered root so it stays valid across
// any collections the run triggers.
func (w *testWorld) run(method Value, ticks uint32) (ExecuteResult, Value) {
	w.t.Helper()
	proc, err := w.vm.NewProcess(method)
	if err != nil {
		w.t.Fatalf("NewProcess: %v", err)
	}
	w.mm.RegisterRoot(&proc)
	defer w.mm.UnregisterRoot(&proc)
	res := w.vm.Execute(proc, ticks)
	return res, w.vm.Result(proc)
}
