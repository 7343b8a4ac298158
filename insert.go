// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

// The inserter emits, before each application instruction, a straight
// line of host primitives that writes one trace record at the cursor
// held in raw TLS and bumps the cursor. Two scratch registers carry
// the whole sequence: regDst points at the record, regVal is free to
// clobber between stores. Whenever an operand save needs to read an
// application register that aliases one of the two, the assignment is
// repaired before the read (see ensureNotUsing).

type insertContext struct {
	em     Emitter
	instr  Instr
	regDst Register
	regVal Register
}

// InsertInstrumentation emits recording code before instr. The record
// is written at the address held in the raw TLS word segm:tlsOffset,
// which is then advanced by RecordSize. Returns ErrRegisterStarvation
// if the host cannot provide a scratch register; in that case the
// cursor is not advanced, so any part of the record already written by
// the emitted code is overwritten by the next record.
func InsertInstrumentation(em Emitter, instr Instr, segm Register, tlsOffset int) error {
	cont, err := newInsertContext(em, instr)
	if err != nil {
		return err
	}

	cont.loadPointer(segm, tlsOffset)

	cont.savePC()
	cont.saveOpcode()
	err = cont.saveFrameBase()
	if err == nil {
		err = cont.saveOperands()
	}

	if err == nil {
		cont.addPointer(RecordSize)
		cont.storePointer(segm, tlsOffset)
	}
	cont.destroy()
	return err
}

func newInsertContext(em Emitter, instr Instr) (*insertContext, error) {
	regDst, err := em.ReserveRegister(nil)
	if err != nil {
		return nil, err
	}

	regVal, err := em.ReserveRegister(nil)
	if err != nil {
		em.UnreserveRegister(regDst)
		return nil, err
	}

	return &insertContext{em: em, instr: instr, regDst: regDst, regVal: regVal}, nil
}

// destroy releases the scratch registers. Reservation parity holds on
// every path: a register lost to starvation inside ensureNotUsing is
// RegNull here and already unreserved.
func (c *insertContext) destroy() {
	if c.regVal != RegNull {
		c.em.UnreserveRegister(c.regVal)
	}
	if c.regDst != RegNull {
		c.em.UnreserveRegister(c.regDst)
	}
}

func (c *insertContext) loadPointer(segm Register, offset int) {
	c.em.ReadRawTLS(segm, offset, c.regDst)
}

func (c *insertContext) addPointer(amount int) {
	c.em.AddImmediate(c.regDst, amount)
}

func (c *insertContext) storePointer(segm Register, offset int) {
	c.em.WriteRawTLS(segm, offset, c.regDst)
}

func (c *insertContext) loadValueImm(val uint64) {
	c.em.MovImmediate(val, c.regVal)
}

func (c *insertContext) loadValueMem(mem MemRef) {
	c.em.Load(c.regVal, mem)
}

// storeValue stores regVal at an offset into the record.
func (c *insertContext) storeValue(offset int) {
	c.storeReg(c.regVal, offset)
}

// storeReg stores a register at an offset into the record.
func (c *insertContext) storeReg(reg Register, offset int) {
	c.em.Store(BaseDispMemRef(c.regDst, RegNull, 0, int32(offset), word), reg)
}

func (c *insertContext) savePC() {
	c.loadValueImm(c.instr.AppPC())
	c.storeValue(recPC)
}

func (c *insertContext) saveOpcode() {
	c.loadValueImm(uint64(c.instr.Opcode()))
	c.storeValue(recOpcode)
}

// saveFrameBase records the frame base register so the writer can
// approximate the caller stack pointer.
func (c *insertContext) saveFrameBase() error {
	if err := c.ensureNotUsing(RegRBP, RegNull); err != nil {
		return err
	}
	c.storeReg(RegRBP, recBP)
	return nil
}

func (c *insertContext) saveOperands() error {
	numVals := 0

	srcs := c.instr.NumSrcs()
	for i := 0; i < srcs && numVals < ValsLen; i++ {
		if err := c.saveOpnd(c.instr.Src(i), &numVals); err != nil {
			return err
		}
	}

	dsts := c.instr.NumDsts()
	for i := 0; i < dsts && numVals < ValsLen; i++ {
		if err := c.saveOpnd(c.instr.Dst(i), &numVals); err != nil {
			return err
		}
	}

	c.loadValueImm(uint64(numVals))
	c.storeValue(recNumVals)
	return nil
}

func operandTag(opnd Operand) uint64 {
	switch opnd.Kind {
	case OpndReg:
		return tagRegister
	case OpndImm:
		return tagImmediate
	case OpndAbsMem:
		return tagMemory
	case OpndBaseDisp:
		return tagIndirect
	case OpndPC:
		return tagTarget
	default:
		return tagUnknown
	}
}

func (c *insertContext) saveOpnd(opnd Operand, numVals *int) error {
	tag := operandTag(opnd)
	c.loadValueImm(tag)
	c.storeValue(operandOffset(*numVals) + opndType)

	var err error
	switch tag {
	case tagRegister:
		err = c.saveReg(opnd, *numVals)

	case tagImmediate:
		c.saveImm(opnd, *numVals)

	case tagMemory:
		c.saveMem(opnd, *numVals)

	case tagIndirect:
		err = c.saveIndir(opnd, *numVals)

	case tagTarget:
		err = c.saveTarget(opnd, *numVals)
	}

	*numVals++
	return err
}

func (c *insertContext) saveReg(opnd Operand, i int) error {
	val := operandOffset(i) + opndVal

	// Save the register name as seen in the operand, then the value of
	// its pointer-sized alias when it has one.
	c.loadValueImm(regNameToken(opnd.Reg))
	c.storeValue(val + regNameOff)

	reg := opnd.Reg.PointerSized()
	if reg.IsPointerSized() {
		if err := c.ensureNotUsing(reg, reg); err != nil {
			return err
		}
		c.storeReg(reg, val+regValOff)
	}
	return nil
}

func (c *insertContext) saveImm(opnd Operand, i int) {
	val := operandOffset(i) + opndVal

	// Widened to pointer size; sign extension matches the host's
	// immediate decoding.
	c.loadValueImm(uint64(opnd.Imm))
	c.storeValue(val + immValOff)
}

func (c *insertContext) saveMem(opnd Operand, i int) {
	val := operandOffset(i) + opndVal

	var isFar uint64
	if opnd.Far {
		isFar = 1
	}
	c.loadValueImm(isFar)
	c.storeValue(val + memIsFarOff)

	c.loadValueImm(opnd.Addr)
	c.storeValue(val + memAddrOff)

	c.loadValueMem(AbsMemRef(opnd.Addr, word))
	c.storeReg(c.regVal, val+memValOff)
}

func (c *insertContext) saveIndir(opnd Operand, i int) error {
	val := operandOffset(i) + opndVal

	var isFar uint64
	if opnd.Far {
		isFar = 1
	}
	c.loadValueImm(isFar)
	c.storeValue(val + indirIsFarOff)

	c.loadValueImm(uint64(int64(opnd.Disp)))
	c.storeValue(val + indirDispOff)

	c.loadValueImm(regNameToken(opnd.Base))
	c.storeValue(val + indirBaseNameOff)
	base := opnd.Base.PointerSized()
	index := opnd.Index.PointerSized()
	if err := c.ensureNotUsing(base, index); err != nil {
		return err
	}

	baseNull := !opnd.Base.IsPointerSized()
	var baseNullWord uint64
	if baseNull {
		baseNullWord = 1
	}
	c.loadValueImm(baseNullWord)
	c.storeValue(val + indirBaseNullOff)
	if !baseNull {
		c.storeReg(base, val+indirBaseValOff)
	}

	validOpcode := c.instr.ReadsMemory() && !opnd.Far

	var valNull uint64
	if !validOpcode {
		valNull = 1
	}
	c.loadValueImm(valNull)
	c.storeValue(val + indirValNullOff)

	if validOpcode {
		c.loadValueMem(BaseDispMemRef(base, index, opnd.Scale, opnd.Disp, word))
		c.storeReg(c.regVal, val+indirValOff)
	}
	return nil
}

// saveTarget records a direct branch target: the callee pc, the callee
// name embedded as eight immediate words, and the stack pointer at
// call time.
func (c *insertContext) saveTarget(opnd Operand, i int) error {
	val := operandOffset(i) + opndVal

	c.loadValueImm(opnd.Addr)
	c.storeValue(val + targetPCOff)

	var name [TargetNameLen]byte
	copy(name[:TargetNameLen-1], opnd.Sym)
	for j := 0; j < TargetNameLen/word; j++ {
		c.loadValueImm(wordAt(name[:], j*word))
		c.storeValue(val + targetNameOff + j*word)
	}

	if err := c.ensureNotUsing(RegRSP, RegNull); err != nil {
		return err
	}
	c.storeReg(RegRSP, val+targetSPOff)
	return nil
}

// ensureNotUsing repairs the scratch assignment so that neither
// regDst nor regVal aliases the given application registers. The
// record pointer is never spilled: if regDst conflicts it is moved
// into regVal and the roles swap, then a conflicting regVal is
// reseated from the allowed set. Terminal state: regDst and regVal
// are both outside {reg1, reg2}.
func (c *insertContext) ensureNotUsing(reg1, reg2 Register) error {
	allowed := AllGPRegisters()
	if reg1.IsPointerSized() {
		allowed.Remove(reg1)
	}
	if reg2.IsPointerSized() {
		allowed.Remove(reg2)
	}

	if reg1.Overlaps(c.regDst) || reg2.Overlaps(c.regDst) {
		// When both scratch registers conflict, reseat regVal first so
		// the record pointer lands outside {reg1, reg2} after the swap.
		if reg1.Overlaps(c.regVal) || reg2.Overlaps(c.regVal) {
			c.em.UnreserveRegister(c.regVal)
			regVal, err := c.em.ReserveRegister(&allowed)
			if err != nil {
				c.regVal = RegNull
				return err
			}
			c.regVal = regVal
		}
		c.em.Move(c.regVal, c.regDst)
		c.regDst, c.regVal = c.regVal, c.regDst
	}

	if reg1.Overlaps(c.regVal) || reg2.Overlaps(c.regVal) {
		c.em.UnreserveRegister(c.regVal)
		regVal, err := c.em.ReserveRegister(&allowed)
		if err != nil {
			c.regVal = RegNull
			return err
		}
		c.regVal = regVal
	}
	return nil
}
