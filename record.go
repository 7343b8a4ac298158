// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"encoding/binary"
)

// The trace record layout is frozen: the inserter writes fields with
// constant displacements from the record base pointer, and the drain
// decodes the same displacements. Every scalar field is one
// pointer-sized word so no implicit padding can appear.

const (
	word = 8

	// ValsLen is the operand capacity of one trace record.
	ValsLen = 32

	recPC      = 0 * word
	recOpcode  = 1 * word
	recNumVals = 2 * word
	recBP      = 3 * word
	recVals    = 4 * word

	opndType = 0 * word
	opndVal  = 1 * word

	// register payload, relative to opndVal.
	regNameOff = 0 * word
	regValOff  = 1 * word

	// immediate payload.
	immValOff = 0 * word

	// memory payload.
	memIsFarOff = 0 * word
	memAddrOff  = 1 * word
	memValOff   = 2 * word

	// indirect payload.
	indirIsFarOff    = 0 * word
	indirBaseNullOff = 1 * word
	indirBaseNameOff = 2 * word
	indirBaseValOff  = 3 * word
	indirDispOff     = 4 * word
	indirValNullOff  = 5 * word
	indirValOff      = 6 * word

	// call-target payload.
	targetPCOff   = 0 * word
	targetNameOff = 1 * word
	// TargetNameLen is the embedded callee-name capacity in bytes.
	TargetNameLen = 64
	targetSPOff   = targetNameOff + TargetNameLen

	// The payload union is sized by its largest variant, the call
	// target.
	opndUnionSize = targetSPOff + word

	// OperandSize is the wire size of one tagged operand value.
	OperandSize = opndVal + opndUnionSize

	// RecordSize is the wire size of one trace record.
	RecordSize = recVals + ValsLen*OperandSize
)

// Operand discriminator tags.
const (
	tagUnknown = iota
	tagRegister
	tagImmediate
	tagMemory
	tagIndirect
	tagTarget
)

// operandOffset returns the record-relative offset of the i-th operand
// value.
func operandOffset(i int) int {
	return recVals + i*OperandSize
}

// Record is the decoded view of one trace record, produced by the
// drain from the wire layout.
type Record struct {
	PC       uint64
	Opcode   int
	BP       uint64
	Operands []OperandValue
}

// OperandValue is one decoded operand value. The concrete type is one
// of UnknownValue, RegisterValue, ImmediateValue, MemoryValue,
// IndirectValue or TargetValue.
type OperandValue interface {
	operandValue()
}

// UnknownValue is an operand the inserter did not recognize.
type UnknownValue struct{}

// RegisterValue is a recorded register operand.
type RegisterValue struct {
	Name string
	Val  uint64
}

// ImmediateValue is a recorded immediate operand.
type ImmediateValue struct {
	Val uint64
}

// MemoryValue is a recorded absolute-address memory operand.
type MemoryValue struct {
	IsFar bool
	Addr  uint64
	Val   uint64
}

// IndirectValue is a recorded base+displacement memory operand.
type IndirectValue struct {
	IsFar    bool
	BaseNull bool
	Base     string
	BaseVal  uint64
	Disp     uint64
	ValNull  bool
	Val      uint64
}

// TargetValue is a recorded direct branch target.
type TargetValue struct {
	PC   uint64
	Name string
	SP   uint64
}

func (UnknownValue) operandValue()   {}
func (RegisterValue) operandValue()  {}
func (ImmediateValue) operandValue() {}
func (MemoryValue) operandValue()    {}
func (IndirectValue) operandValue()  {}
func (TargetValue) operandValue()    {}

func wordAt(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+word])
}

// decodeRecord decodes one wire record. b must hold RecordSize bytes.
func decodeRecord(b []byte) Record {
	rec := Record{
		PC:     wordAt(b, recPC),
		Opcode: int(wordAt(b, recOpcode)),
		BP:     wordAt(b, recBP),
	}

	numVals := wordAt(b, recNumVals)
	if numVals > ValsLen {
		numVals = ValsLen
	}

	rec.Operands = make([]OperandValue, 0, numVals)
	for i := 0; i < int(numVals); i++ {
		rec.Operands = append(rec.Operands, decodeOperand(b[operandOffset(i):]))
	}
	return rec
}

// decodeOperand decodes one tagged operand value. b points at the
// operand's type word.
func decodeOperand(b []byte) OperandValue {
	val := b[opndVal:]

	switch wordAt(b, opndType) {
	case tagRegister:
		return RegisterValue{
			Name: regNameFromToken(wordAt(val, regNameOff)),
			Val:  wordAt(val, regValOff),
		}

	case tagImmediate:
		return ImmediateValue{Val: wordAt(val, immValOff)}

	case tagMemory:
		return MemoryValue{
			IsFar: wordAt(val, memIsFarOff) != 0,
			Addr:  wordAt(val, memAddrOff),
			Val:   wordAt(val, memValOff),
		}

	case tagIndirect:
		return IndirectValue{
			IsFar:    wordAt(val, indirIsFarOff) != 0,
			BaseNull: wordAt(val, indirBaseNullOff) != 0,
			Base:     regNameFromToken(wordAt(val, indirBaseNameOff)),
			BaseVal:  wordAt(val, indirBaseValOff),
			Disp:     wordAt(val, indirDispOff),
			ValNull:  wordAt(val, indirValNullOff) != 0,
			Val:      wordAt(val, indirValOff),
		}

	case tagTarget:
		name := val[targetNameOff : targetNameOff+TargetNameLen]
		n := 0
		for n < TargetNameLen && name[n] != 0 {
			n++
		}
		return TargetValue{
			PC:   wordAt(val, targetPCOff),
			Name: string(name[:n]),
			SP:   wordAt(val, targetSPOff),
		}
	}

	return UnknownValue{}
}
