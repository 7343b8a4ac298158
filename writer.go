// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"bufio"
	"fmt"
	"io"
)

// Trace output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// TraceWriter renders drained records into one per-thread trace file.
// The JSON format is an array framed [\n ... \n]; records within it
// keep the tracer's native hex literals.
type TraceWriter struct {
	w         *bufio.Writer
	format    string
	firstLine bool

	info       *DebugInfo
	mainModule ModuleInfo
	moduleAt   func(pc uint64) (ModuleInfo, bool)
	opcodeName func(op int) string

	// spSlop approximates the caller stack pointer as bp+spSlop; set
	// from the configured ABI.
	spSlop  uint64
	useSlop bool

	// Resolver context from the last record seen inside the main
	// module.
	pc uint64
	sp uint64
}

// TraceWriterConfig carries the collaborators a TraceWriter consults
// while rendering.
type TraceWriterConfig struct {
	Format     string
	Info       *DebugInfo
	MainModule ModuleInfo
	ModuleAt   func(pc uint64) (ModuleInfo, bool)
	OpcodeName func(op int) string
	SPSlop     uint64
	UseSlop    bool
}

// NewTraceWriter starts a trace on w and writes the opening framing.
func NewTraceWriter(w io.Writer, cfg TraceWriterConfig) *TraceWriter {
	tw := &TraceWriter{
		w:          bufio.NewWriter(w),
		format:     cfg.Format,
		firstLine:  true,
		info:       cfg.Info,
		mainModule: cfg.MainModule,
		moduleAt:   cfg.ModuleAt,
		opcodeName: cfg.OpcodeName,
		spSlop:     cfg.SPSlop,
		useSlop:    cfg.UseSlop,
	}
	if tw.format == "" {
		tw.format = FormatJSON
	}
	if tw.opcodeName == nil {
		tw.opcodeName = func(int) string { return "" }
	}

	if tw.format == FormatJSON {
		tw.w.WriteString("[\n")
	}
	return tw
}

// Close writes the closing framing and flushes. The underlying file is
// owned by the caller.
func (t *TraceWriter) Close() error {
	if t.format == FormatJSON {
		t.w.WriteString("\n]")
	}
	return t.w.Flush()
}

// WriteRecord renders one decoded record.
func (t *TraceWriter) WriteRecord(rec Record) {
	if t.format == FormatText {
		t.writeTextRecord(rec)
		return
	}

	if !t.firstLine {
		t.w.WriteString(",\n")
	}
	t.firstLine = false

	fmt.Fprintf(t.w, `{"pc": %s, "opcode": {"value": %d, "name": "%s"}, `,
		hexWord(rec.PC), rec.Opcode, t.opcodeName(rec.Opcode))

	inMain := t.inMainModule(rec.PC)
	if inMain {
		if file, line, ok := t.lineFor(rec.PC); ok {
			fmt.Fprintf(t.w, `"file": "%s", "line": %d, `, file, line)
		}
		t.pc = rec.PC
		if t.useSlop {
			t.sp = rec.BP + t.spSlop
		} else {
			t.sp = 0
		}
	}

	t.w.WriteString(`"operands": [`)
	for i, op := range rec.Operands {
		if i != 0 {
			t.w.WriteString(", ")
		}
		t.writeOpnd(op)
	}
	t.w.WriteString("]}")
}

func (t *TraceWriter) inMainModule(pc uint64) bool {
	if t.moduleAt != nil {
		m, ok := t.moduleAt(pc)
		return ok && m.Path == t.mainModule.Path
	}
	return t.mainModule.Contains(pc)
}

func (t *TraceWriter) lineFor(pc uint64) (string, int, bool) {
	if t.info == nil {
		return "", 0, false
	}
	return t.info.LineAt(pc - t.mainModule.Start)
}

func (t *TraceWriter) writeOpnd(op OperandValue) {
	switch v := op.(type) {
	case RegisterValue:
		fmt.Fprintf(t.w, `{"type": "register", "name": "%s", "value": %s}`,
			v.Name, hexWord(v.Val))

	case ImmediateValue:
		fmt.Fprintf(t.w, `{"type": "immediate", "value": %s}`, hexWord(v.Val))

	case MemoryValue:
		fmt.Fprintf(t.w, `{"type": "memory", "distance": "%s", "address": %s, "value": %s}`,
			distance(v.IsFar), hexWord(v.Addr), hexWord(v.Val))

	case IndirectValue:
		t.writeIndir(v)

	case TargetValue:
		fmt.Fprintf(t.w, `{"type": "target", "pc": %s, "name": "%s"}`,
			hexWord(v.PC), v.Name)

	default:
		t.w.WriteString(`{"type": null}`)
	}
}

func (t *TraceWriter) writeIndir(v IndirectValue) {
	fmt.Fprintf(t.w, `{"type": "indirect", "distance": "%s", `, distance(v.IsFar))

	if v.BaseNull {
		t.w.WriteString(`"base": null, "baseValue": null, `)
	} else {
		fmt.Fprintf(t.w, `"base": "%s", "baseValue": %s, `, v.Base, hexWord(v.BaseVal))
	}

	fmt.Fprintf(t.w, `"offset": %s, `, hexSigned(int64(v.Disp)))

	if v.ValNull {
		t.w.WriteString(`"value": null`)
	} else {
		fmt.Fprintf(t.w, `"value": %s`, hexWord(v.Val))
	}

	if t.info != nil && !v.BaseNull {
		addr := v.BaseVal + v.Disp
		if id, ok := t.info.VariableAt(addr, t.pc, t.mainModule.Start, t.sp); ok {
			t.w.WriteString(`, "variable": `)
			t.writeVar(id)
		}
	}

	t.w.WriteString("}")
}

func (t *TraceWriter) writeVar(id VariableInfo) {
	fmt.Fprintf(t.w, `{"name": "%s", "local": %t`, id.Name, id.IsLocal)

	if id.Type.Name != "" {
		fmt.Fprintf(t.w, `, "type": {"name": "%s", "size": %d}`,
			id.Type.Name, id.Type.Size)
	}
	t.w.WriteString("}")
}

// writeTextRecord renders the human-readable line format.
func (t *TraceWriter) writeTextRecord(rec Record) {
	fmt.Fprintf(t.w, "PC: %d, Opcode %s - Operands: ",
		rec.PC, t.opcodeName(rec.Opcode))

	for _, op := range rec.Operands {
		switch v := op.(type) {
		case RegisterValue:
			fmt.Fprintf(t.w, "Reg %s: %x, ", v.Name, v.Val)

		case ImmediateValue:
			fmt.Fprintf(t.w, "Imm: %x, ", v.Val)

		case MemoryValue:
			fmt.Fprintf(t.w, "%s Absolute Memory Address %x: %x, ",
				distanceText(v.IsFar), v.Addr, v.Val)

		case IndirectValue:
			fmt.Fprintf(t.w, "%s Indirect ", distanceText(v.IsFar))
			if v.BaseNull {
				t.w.WriteString("No Base + ")
			} else {
				fmt.Fprintf(t.w, "Base %s (%x) + ", v.Base, v.BaseVal)
			}
			fmt.Fprintf(t.w, "Offset %x: ", v.Disp)
			if v.ValNull {
				t.w.WriteString("No value read, ")
			} else {
				fmt.Fprintf(t.w, "%x, ", v.Val)
			}
		}
	}
	t.w.WriteString("\n")
}

func distance(isFar bool) string {
	if isFar {
		return "far"
	}
	return "near"
}

func distanceText(isFar bool) string {
	if isFar {
		return "Far"
	}
	return "Near"
}
