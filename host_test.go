// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"encoding/binary"
	"fmt"
)

// The fakes in this file stand in for the DBI host framework. The
// fake emitter records emission as a list of ops; the machine then
// executes the ops against a register file and the host's raw memory,
// so tests observe exactly what the emitted code would have written.

type fakeMem struct {
	base  uint64
	buf   []byte
	freed bool
}

func (m *fakeMem) Base() uint64  { return m.base }
func (m *fakeMem) Bytes() []byte { return m.buf }
func (m *fakeMem) Free()         { m.freed = true }

func (m *fakeMem) contains(addr uint64) bool {
	return addr >= m.base && addr+word <= m.base+uint64(len(m.buf))
}

type fakeThread struct {
	id    int
	tls   map[int]*uint64
	field interface{}
}

func newFakeThread(id int) *fakeThread {
	return &fakeThread{id: id, tls: make(map[int]*uint64)}
}

func (t *fakeThread) ID() int { return t.id }

func (t *fakeThread) RawTLS(offset int) *uint64 {
	if p, ok := t.tls[offset]; ok {
		return p
	}
	p := new(uint64)
	t.tls[offset] = p
	return p
}

func (t *fakeThread) SetField(v interface{}) { t.field = v }
func (t *fakeThread) Field() interface{}     { return t.field }

type fakeHost struct {
	mems     []*fakeMem
	nextBase uint64

	tlsSegm   Register
	tlsOffset int
	tlsFreed  bool

	exitFn       func()
	threadInitFn func(ThreadContext)
	threadExitFn func(ThreadContext)
	modLoadFn    func(ModuleInfo)
	modUnloadFn  func(ModuleInfo)
	bbFn         BBInstrumentFunc

	main    ModuleInfo
	modules []ModuleInfo

	opcodeNames map[int]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextBase:  0x7f0000100000,
		tlsSegm:   RegGS,
		tlsOffset: 0x40,
		main: ModuleInfo{
			Path:  "/opt/target/app",
			Start: 0x555555554000,
			End:   0x555555600000,
		},
		opcodeNames: map[int]string{
			1: "add", 2: "call", 3: "cmp", 4: "jnz", 5: "mov", 6: "ret",
		},
	}
}

func (h *fakeHost) RegisterExitEvent(fn func())                    { h.exitFn = fn }
func (h *fakeHost) RegisterThreadInitEvent(fn func(ThreadContext)) { h.threadInitFn = fn }
func (h *fakeHost) RegisterThreadExitEvent(fn func(ThreadContext)) { h.threadExitFn = fn }
func (h *fakeHost) RegisterModuleLoadEvent(fn func(ModuleInfo))    { h.modLoadFn = fn }
func (h *fakeHost) RegisterModuleUnloadEvent(fn func(ModuleInfo))  { h.modUnloadFn = fn }
func (h *fakeHost) RegisterBBEvent(fn BBInstrumentFunc)            { h.bbFn = fn }

func (h *fakeHost) AllocRawTLS(slots int) (Register, int, error) {
	return h.tlsSegm, h.tlsOffset, nil
}

func (h *fakeHost) FreeRawTLS(offset, slots int) { h.tlsFreed = true }

func (h *fakeHost) AllocRawMem(size int) (RawMem, error) {
	m := &fakeMem{base: h.nextBase, buf: make([]byte, size)}
	h.nextBase += uint64(size+0xfff) &^ 0xfff
	h.mems = append(h.mems, m)
	return m, nil
}

func (h *fakeHost) MainModule() (ModuleInfo, error) { return h.main, nil }

func (h *fakeHost) ModuleAt(pc uint64) (ModuleInfo, bool) {
	if h.main.Contains(pc) {
		return h.main, true
	}
	for _, m := range h.modules {
		if m.Contains(pc) {
			return m, true
		}
	}
	return ModuleInfo{}, false
}

func (h *fakeHost) OpcodeName(op int) string {
	if name, ok := h.opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op%d", op)
}

type emOpKind int

const (
	opReserve emOpKind = iota
	opUnreserve
	opReadTLS
	opWriteTLS
	opMovImm
	opLoad
	opStore
	opMove
	opAddImm
	opCleanCall
)

type emOp struct {
	kind   emOpKind
	reg    Register
	dst    Register
	src    Register
	imm    uint64
	amount int
	tlsOff int
	mem    MemRef
	clean  func(ThreadContext)
}

// fakeEmitter hands out scratch registers from a fixed pool and
// records every emission in order.
type fakeEmitter struct {
	ops      []emOp
	pool     []Register
	reserved map[Register]bool

	reserves   int
	unreserves int

	// failReserveAfter makes every reservation fail once that many
	// have succeeded; negative means never fail.
	failReserveAfter int
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		pool:             []Register{RegR10, RegR11, RegR12, RegR13, RegR14, RegR15},
		reserved:         make(map[Register]bool),
		failReserveAfter: -1,
	}
}

func (e *fakeEmitter) ReserveRegister(allowed *RegisterSet) (Register, error) {
	if e.failReserveAfter >= 0 && e.reserves >= e.failReserveAfter {
		return RegNull, ErrRegisterStarvation
	}
	for _, r := range e.pool {
		if e.reserved[r] {
			continue
		}
		if allowed != nil && !allowed.Contains(r) {
			continue
		}
		e.reserved[r] = true
		e.reserves++
		e.ops = append(e.ops, emOp{kind: opReserve, reg: r})
		return r, nil
	}
	return RegNull, ErrRegisterStarvation
}

func (e *fakeEmitter) UnreserveRegister(r Register) {
	delete(e.reserved, r)
	e.unreserves++
	e.ops = append(e.ops, emOp{kind: opUnreserve, reg: r})
}

func (e *fakeEmitter) ReadRawTLS(segm Register, offset int, dst Register) {
	e.ops = append(e.ops, emOp{kind: opReadTLS, tlsOff: offset, dst: dst})
}

func (e *fakeEmitter) WriteRawTLS(segm Register, offset int, src Register) {
	e.ops = append(e.ops, emOp{kind: opWriteTLS, tlsOff: offset, src: src})
}

func (e *fakeEmitter) MovImmediate(val uint64, dst Register) {
	e.ops = append(e.ops, emOp{kind: opMovImm, imm: val, dst: dst})
}

func (e *fakeEmitter) Load(dst Register, mem MemRef) {
	e.ops = append(e.ops, emOp{kind: opLoad, dst: dst, mem: mem})
}

func (e *fakeEmitter) Store(mem MemRef, src Register) {
	e.ops = append(e.ops, emOp{kind: opStore, src: src, mem: mem})
}

func (e *fakeEmitter) Move(dst, src Register) {
	e.ops = append(e.ops, emOp{kind: opMove, dst: dst, src: src})
}

func (e *fakeEmitter) AddImmediate(dst Register, amount int) {
	e.ops = append(e.ops, emOp{kind: opAddImm, dst: dst, amount: amount})
}

func (e *fakeEmitter) InsertCleanCall(fn func(tc ThreadContext)) {
	e.ops = append(e.ops, emOp{kind: opCleanCall, clean: fn})
}

// machine executes recorded ops. Reserving a register saves the
// application value; unreserving restores it, the way the host's
// register manager does around tool uses.
type machine struct {
	host   *fakeHost
	regs   map[Register]uint64
	spill  map[Register]uint64
	appMem map[uint64]uint64
}

func newMachine(h *fakeHost) *machine {
	return &machine{
		host:   h,
		regs:   make(map[Register]uint64),
		spill:  make(map[Register]uint64),
		appMem: make(map[uint64]uint64),
	}
}

func (m *machine) readWord(addr uint64) uint64 {
	for _, mem := range m.host.mems {
		if mem.contains(addr) {
			return binary.LittleEndian.Uint64(mem.buf[addr-mem.base:])
		}
	}
	return m.appMem[addr]
}

func (m *machine) writeWord(addr, val uint64) {
	for _, mem := range m.host.mems {
		if mem.contains(addr) {
			binary.LittleEndian.PutUint64(mem.buf[addr-mem.base:], val)
			return
		}
	}
	m.appMem[addr] = val
}

func (m *machine) memAddr(ref MemRef) uint64 {
	if ref.Abs {
		return ref.Addr
	}
	addr := m.regs[ref.Base]
	if ref.Index != RegNull {
		addr += m.regs[ref.Index] * uint64(ref.Scale)
	}
	return addr + uint64(int64(ref.Disp))
}

func (m *machine) exec(tc ThreadContext, ops []emOp) {
	for _, op := range ops {
		switch op.kind {
		case opReserve:
			m.spill[op.reg] = m.regs[op.reg]
		case opUnreserve:
			m.regs[op.reg] = m.spill[op.reg]
		case opReadTLS:
			m.regs[op.dst] = *tc.RawTLS(op.tlsOff)
		case opWriteTLS:
			*tc.RawTLS(op.tlsOff) = m.regs[op.src]
		case opMovImm:
			m.regs[op.dst] = op.imm
		case opLoad:
			m.regs[op.dst] = m.readWord(m.memAddr(op.mem))
		case opStore:
			m.writeWord(m.memAddr(op.mem), m.regs[op.src])
		case opMove:
			m.regs[op.dst] = m.regs[op.src]
		case opAddImm:
			m.regs[op.dst] = uint64(int64(m.regs[op.dst]) + int64(op.amount))
		case opCleanCall:
			op.clean(tc)
		}
	}
}

// fakeInstr is a synthetic application instruction.
type fakeInstr struct {
	pc       uint64
	opcode   int
	srcs     []Operand
	dsts     []Operand
	readsMem bool
	meta     bool
}

func (i *fakeInstr) AppPC() uint64     { return i.pc }
func (i *fakeInstr) Opcode() int       { return i.opcode }
func (i *fakeInstr) NumSrcs() int      { return len(i.srcs) }
func (i *fakeInstr) Src(n int) Operand { return i.srcs[n] }
func (i *fakeInstr) NumDsts() int      { return len(i.dsts) }
func (i *fakeInstr) Dst(n int) Operand { return i.dsts[n] }
func (i *fakeInstr) ReadsMemory() bool { return i.readsMem }
func (i *fakeInstr) IsApp() bool       { return !i.meta }

func regOpnd(r Register) Operand {
	return Operand{Kind: OpndReg, Reg: r, Size: 8}
}

func immOpnd(v int64) Operand {
	return Operand{Kind: OpndImm, Imm: v, Size: 8}
}

func absMemOpnd(addr uint64) Operand {
	return Operand{Kind: OpndAbsMem, Addr: addr, Size: 8}
}

func baseDispOpnd(base Register, disp int32) Operand {
	return Operand{Kind: OpndBaseDisp, Base: base, Disp: disp, Size: 8}
}

func pcOpnd(pc uint64, sym string) Operand {
	return Operand{Kind: OpndPC, Addr: pc, Sym: sym}
}
