// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"
	"sort"

	mmap "github.com/edsrzf/mmap-go"
)

// Initial capacity of the info-table sequences.
const minTableCapacity = 16

// DWARF expression opcodes the loader accepts in single-op location
// expressions.
const (
	dwOpAddr  = 0x03
	dwOpFbreg = 0x91
)

// TypeInfo describes a scalar base type. A zero Size marks an
// unresolved type and rejects the entry referencing it.
type TypeInfo struct {
	Name string `json:"name"`
	Size uint32 `json:"size"`
	Path string `json:"path,omitempty"`
}

// VariableInfo is the identity shared by local and static variables.
type VariableInfo struct {
	Name    string   `json:"name"`
	Type    TypeInfo `json:"type"`
	IsLocal bool     `json:"local"`
}

// LocalVariable is a frame-relative variable of one function.
type LocalVariable struct {
	VariableInfo
	// Offset is the signed displacement from the call-frame base as
	// recorded in the location expression.
	Offset int32 `json:"offset"`
}

// StaticVariable is a file-scope variable with an absolute address.
type StaticVariable struct {
	VariableInfo
	Path string `json:"path,omitempty"`
	Addr uint64 `json:"address"`
}

// FunctionInfo describes one function and its locals. The half-open
// range [LowPC, LowPC+Length) never overlaps another function in the
// same table.
type FunctionInfo struct {
	Name   string          `json:"name"`
	Path   string          `json:"path,omitempty"`
	LowPC  uint64          `json:"low_pc"`
	Length uint32          `json:"length"`
	Vars   []LocalVariable `json:"vars,omitempty"`
}

type lineEntry struct {
	Addr uint64
	File string
	Line int
}

// DebugInfo is the in-memory info table built once at client load and
// read-only afterwards.
type DebugInfo struct {
	Funcs []FunctionInfo   `json:"functions"`
	Vars  []StaticVariable `json:"variables"`
	Types []TypeInfo       `json:"types"`

	lines []lineEntry
}

// typeResolver resolves a DWARF type reference (a global DIE offset)
// into a type descriptor.
type typeResolver func(off dwarf.Offset) (TypeInfo, bool)

// dwarfSession holds the open debug-format session during a load. The
// target file is memory mapped and closed before LoadDebugInfo
// returns; no descriptor is held past that point.
type dwarfSession struct {
	f    *os.File
	data mmap.MMap
	elf  *elf.File
	dw   *dwarf.Data
}

// LoadDebugInfo parses the target's debugging records and returns the
// info table. A file that cannot be opened is an I/O error; a file
// without usable debugging records wraps ErrNoDebugData. Partial
// tables are never returned.
func LoadDebugInfo(path string) (*DebugInfo, error) {
	ses, err := openDwarfSession(path)
	if err != nil {
		return nil, err
	}
	defer ses.close()

	info := &DebugInfo{
		Funcs: make([]FunctionInfo, 0, minTableCapacity),
		Vars:  make([]StaticVariable, 0, minTableCapacity),
		Types: make([]TypeInfo, 0, minTableCapacity),
	}

	if err := ses.populate(info); err != nil {
		return nil, err
	}

	sort.Slice(info.lines, func(i, j int) bool {
		return info.lines[i].Addr < info.lines[j].Addr
	})
	return info, nil
}

func openDwarfSession(path string) (*dwarfSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoDebugData, err)
	}

	dw, err := ef.DWARF()
	if err != nil {
		ef.Close()
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoDebugData, err)
	}

	return &dwarfSession{f: f, data: data, elf: ef, dw: dw}, nil
}

func (s *dwarfSession) close() {
	s.elf.Close()
	s.data.Unmap()
	s.f.Close()
}

// populate walks every compilation unit and collects its entries.
func (s *dwarfSession) populate(info *DebugInfo) error {
	r := s.dw.Reader()
	for {
		cu, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoDebugData, err)
		}
		if cu == nil {
			return nil
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		if err := s.addCU(r, cu, info); err != nil {
			return err
		}
	}
}

// addCU descends one level into the CU and classifies each child.
func (s *dwarfSession) addCU(r *dwarf.Reader, cu *dwarf.Entry, info *DebugInfo) error {
	path := cuFilePath(cu)
	s.addCULines(cu, info)

	if !cu.Children {
		return nil
	}
	for {
		child, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoDebugData, err)
		}
		if child == nil || child.Tag == 0 {
			return nil
		}
		s.addEntry(r, child, info, path)
	}
}

// addCULines folds the CU's line table into the address index.
func (s *dwarfSession) addCULines(cu *dwarf.Entry, info *DebugInfo) {
	lr, err := s.dw.LineReader(cu)
	if err != nil || lr == nil {
		return
	}

	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			return
		}
		if le.EndSequence || le.File == nil {
			continue
		}
		info.lines = append(info.lines, lineEntry{
			Addr: le.Address,
			File: le.File.Name,
			Line: le.Line,
		})
	}
}

func cuFilePath(cu *dwarf.Entry) string {
	dir, _ := cu.Val(dwarf.AttrCompDir).(string)
	name, _ := cu.Val(dwarf.AttrName).(string)
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

type entryKind int

const (
	entryNone entryKind = iota
	entryFunc
	entryVar
	entryType
)

// classifyEntry classifies a DIE by its distinguishing attribute: a
// low-pc makes a function, a location a variable, a byte size a type.
func classifyEntry(die *dwarf.Entry) entryKind {
	if die.AttrField(dwarf.AttrLowpc) != nil {
		return entryFunc
	}
	if die.AttrField(dwarf.AttrLocation) != nil {
		return entryVar
	}
	if die.AttrField(dwarf.AttrByteSize) != nil {
		return entryType
	}
	return entryNone
}

// addEntry dispatches one CU child. Entries missing required
// attributes are dropped silently.
func (s *dwarfSession) addEntry(r *dwarf.Reader, die *dwarf.Entry, info *DebugInfo, path string) {
	switch classifyEntry(die) {
	case entryFunc:
		s.addFunc(r, die, info, path)
		return

	case entryVar:
		if v, ok := staticVarEntry(die, path, s.typeAt); ok {
			info.Vars = append(info.Vars, v)
		}

	case entryType:
		if t, ok := typeEntry(die, path); ok {
			info.Types = append(info.Types, t)
		}
	}

	if die.Children {
		r.SkipChildren()
	}
}

// addFunc builds a function entry and descends once into its children
// for locals.
func (s *dwarfSession) addFunc(r *dwarf.Reader, die *dwarf.Entry, info *DebugInfo, path string) {
	fn, ok := funcEntry(die, path)
	if !ok {
		if die.Children {
			r.SkipChildren()
		}
		return
	}

	if die.Children {
		for {
			child, err := r.Next()
			if err != nil || child == nil || child.Tag == 0 {
				break
			}
			if lv, ok := localVarEntry(child, s.typeAt); ok {
				fn.Vars = append(fn.Vars, lv)
			}
			if child.Children {
				r.SkipChildren()
			}
		}
	}

	info.Funcs = append(info.Funcs, fn)
}

// typeAt resolves a type-reference offset to the DIE it points at and
// extracts a type descriptor from it. debug/dwarf already folds the
// CU-relative reference into the CU's global offset.
func (s *dwarfSession) typeAt(off dwarf.Offset) (TypeInfo, bool) {
	r := s.dw.Reader()
	r.Seek(off)

	die, err := r.Next()
	if err != nil || die == nil {
		return TypeInfo{}, false
	}
	return typeEntry(die, "")
}

// funcEntry extracts name, low pc and length. The high-pc attribute
// is a length when constant-class and an end address when
// address-class.
func funcEntry(die *dwarf.Entry, path string) (FunctionInfo, bool) {
	fn := FunctionInfo{
		Path: path,
		Vars: make([]LocalVariable, 0, minTableCapacity),
	}

	name, ok := die.Val(dwarf.AttrName).(string)
	if !ok {
		return FunctionInfo{}, false
	}
	fn.Name = name

	lowPC, ok := die.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return FunctionInfo{}, false
	}
	fn.LowPC = lowPC

	high := die.AttrField(dwarf.AttrHighpc)
	if high == nil {
		return FunctionInfo{}, false
	}
	switch high.Class {
	case dwarf.ClassConstant:
		fn.Length = uint32(high.Val.(int64))
	case dwarf.ClassAddress:
		fn.Length = uint32(high.Val.(uint64) - lowPC)
	default:
		return FunctionInfo{}, false
	}
	if fn.Length == 0 {
		return FunctionInfo{}, false
	}

	return fn, true
}

// localVarEntry extracts a local: name, resolvable scalar type, and a
// single-op frame-relative location expression.
func localVarEntry(die *dwarf.Entry, typeOf typeResolver) (LocalVariable, bool) {
	var lv LocalVariable

	name, ok := die.Val(dwarf.AttrName).(string)
	if !ok {
		return LocalVariable{}, false
	}
	lv.Name = name

	typ, ok := typeFromRef(die, typeOf)
	if !ok || typ.Size == 0 {
		return LocalVariable{}, false
	}
	lv.Type = typ

	offset, ok := frameOffsetFromLocation(die)
	if !ok {
		return LocalVariable{}, false
	}
	lv.Offset = offset

	return lv, true
}

// staticVarEntry extracts a file-scope variable: name, resolvable
// scalar type, and a single-op absolute-address location expression.
func staticVarEntry(die *dwarf.Entry, path string, typeOf typeResolver) (StaticVariable, bool) {
	var sv StaticVariable
	sv.Path = path

	name, ok := die.Val(dwarf.AttrName).(string)
	if !ok {
		return StaticVariable{}, false
	}
	sv.Name = name

	typ, ok := typeFromRef(die, typeOf)
	if !ok || typ.Size == 0 {
		return StaticVariable{}, false
	}
	sv.Type = typ

	addr, ok := addrFromLocation(die)
	if !ok {
		return StaticVariable{}, false
	}
	sv.Addr = addr

	return sv, true
}

// typeEntry extracts a type descriptor from a DIE. Only entries that
// themselves carry a name and a non-zero byte size qualify; pointer,
// typedef and composite chains without a direct byte size yield
// nothing and the referencing variable is dropped.
func typeEntry(die *dwarf.Entry, path string) (TypeInfo, bool) {
	t := TypeInfo{Path: path}

	name, ok := die.Val(dwarf.AttrName).(string)
	if !ok {
		return TypeInfo{}, false
	}
	t.Name = name

	size, ok := die.Val(dwarf.AttrByteSize).(int64)
	if !ok || size == 0 {
		return TypeInfo{}, false
	}
	t.Size = uint32(size)

	return t, true
}

func typeFromRef(die *dwarf.Entry, typeOf typeResolver) (TypeInfo, bool) {
	off, ok := die.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return TypeInfo{}, false
	}
	return typeOf(off)
}

// locationExpr returns the DIE's location expression when it is an
// inline expression block.
func locationExpr(die *dwarf.Entry) ([]byte, bool) {
	f := die.AttrField(dwarf.AttrLocation)
	if f == nil || f.Class != dwarf.ClassExprLoc {
		return nil, false
	}
	expr, ok := f.Val.([]byte)
	return expr, ok
}

// addrFromLocation expects a single DW_OP_addr operation and returns
// its absolute address operand.
func addrFromLocation(die *dwarf.Entry) (uint64, bool) {
	expr, ok := locationExpr(die)
	if !ok || len(expr) != 1+word || expr[0] != dwOpAddr {
		return 0, false
	}
	return wordAt(expr, 1), true
}

// frameOffsetFromLocation expects a single DW_OP_fbreg operation and
// returns its signed frame offset.
func frameOffsetFromLocation(die *dwarf.Entry) (int32, bool) {
	expr, ok := locationExpr(die)
	if !ok || len(expr) < 2 || expr[0] != dwOpFbreg {
		return 0, false
	}

	off, n := sleb128(expr[1:])
	if n != len(expr)-1 {
		return 0, false
	}
	return int32(off), true
}

// sleb128 decodes a signed LEB128 value, returning the value and the
// number of bytes consumed (0 on truncated input).
func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	for i, c := range b {
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1
		}
	}
	return 0, 0
}

// LineAt returns the source file and line covering the given
// module-relative pc.
func (info *DebugInfo) LineAt(pc uint64) (string, int, bool) {
	if len(info.lines) == 0 {
		return "", 0, false
	}

	i := sort.Search(len(info.lines), func(i int) bool {
		return info.lines[i].Addr > pc
	})
	if i == 0 {
		return "", 0, false
	}
	le := info.lines[i-1]
	return le.File, le.Line, true
}
