// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

// The DBI host framework is an external collaborator. The interfaces
// in this file describe exactly the services the client consumes:
// lifecycle hooks, raw TLS, raw memory, per-basic-block emission
// primitives, and an application-instruction view.

// Register identifies a machine register known to the host framework.
type Register uint16

// RegNull is the absent register.
const RegNull Register = 0

// Pointer-sized general purpose registers.
const (
	RegRAX Register = iota + 1
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// 32-bit aliases.
const (
	RegEAX Register = iota + 17
	RegECX
	RegEDX
	RegEBX
	RegESP
	RegEBP
	RegESI
	RegEDI
	RegR8D
	RegR9D
	RegR10D
	RegR11D
	RegR12D
	RegR13D
	RegR14D
	RegR15D
)

// 16-bit aliases.
const (
	RegAX Register = iota + 33
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8W
	RegR9W
	RegR10W
	RegR11W
	RegR12W
	RegR13W
	RegR14W
	RegR15W
)

// Low-byte aliases.
const (
	RegAL Register = iota + 49
	RegCL
	RegDL
	RegBL
	RegSPL
	RegBPL
	RegSIL
	RegDIL
	RegR8B
	RegR9B
	RegR10B
	RegR11B
	RegR12B
	RegR13B
	RegR14B
	RegR15B
)

// Segment registers handed out by AllocRawTLS.
const (
	RegFS Register = 65
	RegGS Register = 66
)

const numGPRegisters = 16

var regNames = [...]string{
	"", "rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
	"fs", "gs",
}

// Name returns the host name for the register.
func (r Register) Name() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return ""
}

// PointerSized widens the register to its pointer-sized alias. RegNull
// and non general-purpose registers widen to RegNull.
func (r Register) PointerSized() Register {
	if r >= RegRAX && r <= RegR15B {
		return (r-1)%numGPRegisters + 1
	}
	return RegNull
}

// IsPointerSized reports whether the register is itself pointer sized.
func (r Register) IsPointerSized() bool {
	return r >= RegRAX && r <= RegR15
}

// Overlaps reports whether two registers alias the same storage.
func (r Register) Overlaps(o Register) bool {
	pr, po := r.PointerSized(), o.PointerSized()
	return pr != RegNull && pr == po
}

// regNameToken returns the interned-name token stored in trace records
// in place of the host's register-name pointer.
func regNameToken(r Register) uint64 {
	return uint64(r)
}

// regNameFromToken resolves an interned-name token back to a string.
func regNameFromToken(t uint64) string {
	return Register(t).Name()
}

// RegisterSet is an allowed-set of pointer-sized scratch registers used
// when reserving registers from the host.
type RegisterSet struct {
	bits uint32
}

// AllGPRegisters returns the set of every pointer-sized GP register.
func AllGPRegisters() RegisterSet {
	return RegisterSet{bits: (1 << numGPRegisters) - 1}
}

// Remove takes the register's pointer-sized alias out of the set.
func (s *RegisterSet) Remove(r Register) {
	p := r.PointerSized()
	if p != RegNull {
		s.bits &^= 1 << (p - 1)
	}
}

// Contains reports whether the register's pointer-sized alias is in
// the set.
func (s RegisterSet) Contains(r Register) bool {
	p := r.PointerSized()
	return p != RegNull && s.bits&(1<<(p-1)) != 0
}

// OperandKind classifies an application operand.
type OperandKind uint8

const (
	// OpndNone is an operand shape the client does not decode.
	OpndNone OperandKind = iota
	// OpndReg is a register operand.
	OpndReg
	// OpndImm is an immediate operand.
	OpndImm
	// OpndAbsMem is an absolute memory address operand.
	OpndAbsMem
	// OpndBaseDisp is a base+displacement memory operand.
	OpndBaseDisp
	// OpndPC is a direct branch-target operand.
	OpndPC
)

// Operand is the host view of one application operand.
type Operand struct {
	Kind  OperandKind
	Reg   Register
	Imm   int64
	Addr  uint64
	Far   bool
	Base  Register
	Index Register
	Scale int
	Disp  int32
	Size  uint8
	// Sym is the callee symbol for a direct branch target, when the
	// host can name it at instrument time.
	Sym string
}

// MemRef describes a memory reference for an emitted load or store.
type MemRef struct {
	Abs   bool
	Addr  uint64
	Base  Register
	Index Register
	Scale int
	Disp  int32
	Size  uint8
}

// AbsMemRef builds an absolute memory reference.
func AbsMemRef(addr uint64, size uint8) MemRef {
	return MemRef{Abs: true, Addr: addr, Size: size}
}

// BaseDispMemRef builds a base+displacement memory reference.
func BaseDispMemRef(base, index Register, scale int, disp int32, size uint8) MemRef {
	return MemRef{Base: base, Index: index, Scale: scale, Disp: disp, Size: size}
}

// Instr is the host view of one application instruction.
type Instr interface {
	// AppPC returns the application program counter of the instruction.
	AppPC() uint64

	// Opcode returns the host opcode identifier.
	Opcode() int

	// NumSrcs returns the number of source operands.
	NumSrcs() int

	// Src returns the i-th source operand.
	Src(i int) Operand

	// NumDsts returns the number of destination operands.
	NumDsts() int

	// Dst returns the i-th destination operand.
	Dst(i int) Operand

	// ReadsMemory reports whether the instruction reads memory.
	ReadsMemory() bool

	// IsApp reports whether this is an application instruction rather
	// than meta code added by another client.
	IsApp() bool
}

// Emitter inserts machine instructions before the current application
// instruction. All emission happens at instrumentation time; the
// emitted code runs when the application reaches this point.
type Emitter interface {
	// ReserveRegister reserves a scratch GP register, optionally
	// constrained to an allowed set. A nil set means any register.
	ReserveRegister(allowed *RegisterSet) (Register, error)

	// UnreserveRegister releases a previously reserved register.
	UnreserveRegister(r Register)

	// ReadRawTLS loads the raw TLS word at segm:offset into dst.
	ReadRawTLS(segm Register, offset int, dst Register)

	// WriteRawTLS stores src into the raw TLS word at segm:offset.
	WriteRawTLS(segm Register, offset int, src Register)

	// MovImmediate loads a pointer-sized immediate into dst.
	MovImmediate(val uint64, dst Register)

	// Load loads from the memory reference into dst.
	Load(dst Register, mem MemRef)

	// Store stores src to the memory reference.
	Store(mem MemRef, src Register)

	// Move copies src into dst.
	Move(dst, src Register)

	// AddImmediate adds a small immediate to dst in place.
	AddImmediate(dst Register, amount int)

	// InsertCleanCall inserts a call into the client at this point in
	// the emitted sequence, executed with full context switching.
	InsertCleanCall(fn func(tc ThreadContext))
}

// ThreadContext is the host handle for one application thread.
type ThreadContext interface {
	// ID returns the host thread identifier.
	ID() int

	// RawTLS returns the raw TLS word at the given offset for this
	// thread.
	RawTLS(offset int) *uint64

	// SetField attaches a client value to the thread.
	SetField(v interface{})

	// Field returns the value attached with SetField.
	Field() interface{}
}

// RawMem is host-allocated raw memory addressable by emitted code.
type RawMem interface {
	// Base returns the virtual address of the allocation.
	Base() uint64

	// Bytes returns the backing bytes of the allocation.
	Bytes() []byte

	// Free releases the allocation.
	Free()
}

// ModuleInfo describes a loaded module.
type ModuleInfo struct {
	Path  string
	Start uint64
	End   uint64
}

// Contains reports whether pc falls inside the module image.
func (m ModuleInfo) Contains(pc uint64) bool {
	return pc >= m.Start && pc < m.End
}

// BBInstrumentFunc is called once per application instruction during
// basic-block instrumentation. first is true for the first application
// instruction of the block.
type BBInstrumentFunc func(tc ThreadContext, em Emitter, ins Instr, first bool) error

// Host is the DBI framework surface the client registers against.
type Host interface {
	// RegisterExitEvent registers a hook run once at process exit.
	RegisterExitEvent(fn func())

	// RegisterThreadInitEvent registers a per-thread init hook.
	RegisterThreadInitEvent(fn func(tc ThreadContext))

	// RegisterThreadExitEvent registers a per-thread exit hook.
	RegisterThreadExitEvent(fn func(tc ThreadContext))

	// RegisterModuleLoadEvent registers a module-load hook.
	RegisterModuleLoadEvent(fn func(m ModuleInfo))

	// RegisterModuleUnloadEvent registers a module-unload hook.
	RegisterModuleUnloadEvent(fn func(m ModuleInfo))

	// RegisterBBEvent registers the basic-block instrumentation hook.
	RegisterBBEvent(fn BBInstrumentFunc)

	// AllocRawTLS allocates contiguous raw TLS slots and returns the
	// segment register and byte offset addressing the first slot.
	AllocRawTLS(slots int) (segm Register, offset int, err error)

	// FreeRawTLS releases slots allocated with AllocRawTLS.
	FreeRawTLS(offset, slots int)

	// AllocRawMem allocates raw memory addressable by emitted code.
	AllocRawMem(size int) (RawMem, error)

	// MainModule returns the descriptor of the target's main module.
	MainModule() (ModuleInfo, error)

	// ModuleAt returns the module containing pc, if any.
	ModuleAt(pc uint64) (ModuleInfo, bool)

	// OpcodeName decodes a host opcode identifier into its mnemonic.
	OpcodeName(op int) string
}
