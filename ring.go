// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"fmt"
)

// ring is the per-thread record buffer. The emitted code advances a
// cursor held in raw TLS; the drain walks buf..cursor and resets the
// cursor to the base. The memory is host raw memory so the emitted
// stores can address it directly.
type ring struct {
	mem     RawMem
	entries int
}

func newRing(h Host, entries int) (*ring, error) {
	mem, err := h.AllocRawMem(entries * RecordSize)
	if err != nil {
		return nil, fmt.Errorf("allocating record ring: %w", err)
	}
	return &ring{mem: mem, entries: entries}, nil
}

// base returns the virtual address of the first record.
func (r *ring) base() uint64 {
	return r.mem.Base()
}

// end returns one past the last valid cursor position.
func (r *ring) end() uint64 {
	return r.mem.Base() + uint64(r.entries*RecordSize)
}

// records returns the raw bytes of every full record between the ring
// base and the cursor. A cursor outside [base, end] violates the ring
// invariant; the walk is clamped and an error returned alongside the
// records that are in range.
func (r *ring) records(cursor uint64) ([][]byte, error) {
	var err error
	if cursor < r.base() || cursor > r.end() {
		err = fmt.Errorf("%w: cursor %#x outside [%#x, %#x]",
			errRingCursor, cursor, r.base(), r.end())
		if cursor < r.base() {
			cursor = r.base()
		} else {
			cursor = r.end()
		}
	}

	n := int(cursor-r.base()) / RecordSize
	buf := r.mem.Bytes()

	recs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, buf[i*RecordSize:(i+1)*RecordSize])
	}
	return recs, err
}

func (r *ring) free() {
	r.mem.Free()
}
