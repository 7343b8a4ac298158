// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import "testing"

func testInfoTable() *DebugInfo {
	return &DebugInfo{
		Funcs: []FunctionInfo{
			{
				Name:   "compute_total",
				LowPC:  0x1200,
				Length: 0x100,
				Vars: []LocalVariable{
					{
						VariableInfo: VariableInfo{
							Name: "counter",
							Type: TypeInfo{Name: "int", Size: 4},
						},
						Offset: -0x20,
					},
					{
						VariableInfo: VariableInfo{
							Name: "mean",
							Type: TypeInfo{Name: "double", Size: 8},
						},
						Offset: -0x18,
					},
				},
			},
			{
				Name:   "parse_line",
				LowPC:  0x1400,
				Length: 0x80,
			},
		},
		Vars: []StaticVariable{
			{
				VariableInfo: VariableInfo{
					Name: "flags",
					Type: TypeInfo{Name: "unsigned int", Size: 4},
				},
				Addr: 0x404028,
			},
			// Overlapping on purpose: first match wins.
			{
				VariableInfo: VariableInfo{
					Name: "flags_alias",
					Type: TypeInfo{Name: "unsigned int", Size: 4},
				},
				Addr: 0x404028,
			},
		},
	}
}

func TestVariableAt(t *testing.T) {
	info := testInfoTable()
	const segmBase = 0x555555554000
	const sp = 0x7ffd20001010

	tests := []struct {
		name      string
		addr      uint64
		pc        uint64
		sp        uint64
		wantName  string
		wantLocal bool
		wantOk    bool
	}{
		{
			name:      "local hit at frame offset",
			addr:      sp - 0x20,
			pc:        segmBase + 0x1234,
			sp:        sp,
			wantName:  "counter",
			wantLocal: true,
			wantOk:    true,
		},
		{
			name:      "local hit inside interval",
			addr:      sp - 0x1d,
			pc:        segmBase + 0x1234,
			sp:        sp,
			wantName:  "counter",
			wantLocal: true,
			wantOk:    true,
		},
		{
			name:      "second local",
			addr:      sp - 0x18,
			pc:        segmBase + 0x12ff,
			sp:        sp,
			wantName:  "mean",
			wantLocal: true,
			wantOk:    true,
		},
		{
			name:     "static hit when pc outside any function",
			addr:     segmBase + 0x404028,
			pc:       segmBase + 0x2000,
			sp:       sp,
			wantName: "flags",
			wantOk:   true,
		},
		{
			name:     "static hit from function without locals",
			addr:     segmBase + 0x40402b,
			pc:       segmBase + 0x1410,
			sp:       sp,
			wantName: "flags",
			wantOk:   true,
		},
		{
			name:   "miss above local interval",
			addr:   sp - 0x30,
			pc:     segmBase + 0x1234,
			sp:     sp,
			wantOk: false,
		},
		{
			name:   "miss past function range",
			addr:   sp - 0x20,
			pc:     segmBase + 0x1300,
			sp:     sp,
			wantOk: false,
		},
		{
			name:   "miss past static interval",
			addr:   segmBase + 0x40402c,
			pc:     segmBase + 0x2000,
			sp:     sp,
			wantOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := info.VariableAt(tt.addr, tt.pc, segmBase, tt.sp)
			if ok != tt.wantOk {
				t.Fatalf("ok got %t, want %t", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if id.Name != tt.wantName {
				t.Errorf("name got %q, want %q", id.Name, tt.wantName)
			}
			if id.IsLocal != tt.wantLocal {
				t.Errorf("local got %t, want %t", id.IsLocal, tt.wantLocal)
			}
		})
	}
}

// A local of the current function shadows a static occupying the same
// segment offset.
func TestVariableAtLocalPriority(t *testing.T) {
	const segmBase = 0x555555554000
	const sp = 0x7ffd20001010

	info := testInfoTable()
	// Make the static interval cover the same runtime address the
	// local resolves at.
	info.Vars[0].Addr = (sp - 0x20) - segmBase

	id, ok := info.VariableAt(sp-0x20, segmBase+0x1234, segmBase, sp)
	if !ok {
		t.Fatal("expected a hit")
	}
	if !id.IsLocal || id.Name != "counter" {
		t.Errorf("got (%q, local=%t), want the local to win", id.Name, id.IsLocal)
	}
}

// The segment base normalizes the pc for position-independent
// binaries: the same table resolves under any load address.
func TestVariableAtRebased(t *testing.T) {
	info := testInfoTable()
	const sp = 0x7ffe30002010

	for _, base := range []uint64{0, 0x555555554000, 0x7f1234560000} {
		id, ok := info.VariableAt(sp-0x20, base+0x1234, base, sp)
		if !ok || id.Name != "counter" {
			t.Errorf("base %#x: got (%v, %t), want counter", base, id, ok)
		}
	}
}
