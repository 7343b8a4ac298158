// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

// VariableAt returns the variable whose storage contains addr at the
// moment pc is executing, or false. pc is normalized against the
// segment base so position-independent binaries resolve; sp is the
// stack pointer prior to the current call. Locals of the function
// containing pc win over file-scope variables; within each table the
// first match in load order wins.
func (info *DebugInfo) VariableAt(addr, pc, segmBase, sp uint64) (VariableInfo, bool) {
	pcRel := pc - segmBase
	stackOffset := int64(addr - sp)

	for i := range info.Funcs {
		fn := &info.Funcs[i]
		if pcRel < fn.LowPC || pcRel >= fn.LowPC+uint64(fn.Length) {
			continue
		}

		for j := range fn.Vars {
			v := &fn.Vars[j]
			if stackOffset >= int64(v.Offset) &&
				stackOffset < int64(v.Offset)+int64(v.Type.Size) {

				id := v.VariableInfo
				id.IsLocal = true
				return id, true
			}
		}
	}

	segmOffset := addr - segmBase
	for i := range info.Vars {
		v := &info.Vars[i]
		if segmOffset >= v.Addr && segmOffset < v.Addr+uint64(v.Type.Size) {
			id := v.VariableInfo
			id.IsLocal = false
			return id, true
		}
	}

	return VariableInfo{}, false
}
