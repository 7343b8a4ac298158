// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"errors"
	"testing"
)

func TestRingRecords(t *testing.T) {
	host := newFakeHost()
	r, err := newRing(host, 8)
	if err != nil {
		t.Fatalf("newRing failed, reason: %v", err)
	}

	tests := []struct {
		name    string
		cursor  uint64
		want    int
		wantErr bool
	}{
		{"empty", r.base(), 0, false},
		{"three records", r.base() + 3*RecordSize, 3, false},
		{"full", r.end(), 8, false},
		{"cursor below base", r.base() - RecordSize, 0, true},
		{"cursor past end", r.end() + RecordSize, 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := r.records(tt.cursor)
			if (err != nil) != tt.wantErr {
				t.Fatalf("records(%#x) err got %v, wantErr %t", tt.cursor, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errRingCursor) {
				t.Errorf("err got %v, want errRingCursor", err)
			}
			if len(recs) != tt.want {
				t.Errorf("records(%#x) got %d records, want %d", tt.cursor, len(recs), tt.want)
			}
		})
	}
}

func TestRingRecordBytes(t *testing.T) {
	host := newFakeHost()
	r, err := newRing(host, 4)
	if err != nil {
		t.Fatalf("newRing failed, reason: %v", err)
	}

	putWord(r.mem.Bytes(), 1*RecordSize+recPC, 0x401234)

	recs, err := r.records(r.base() + 2*RecordSize)
	if err != nil {
		t.Fatalf("records failed, reason: %v", err)
	}
	if got := wordAt(recs[1], recPC); got != 0x401234 {
		t.Errorf("record 1 pc got %#x, want 0x401234", got)
	}
}

func TestRingFree(t *testing.T) {
	host := newFakeHost()
	r, err := newRing(host, 2)
	if err != nil {
		t.Fatalf("newRing failed, reason: %v", err)
	}

	r.free()
	if !host.mems[0].freed {
		t.Error("ring memory not freed")
	}
}
