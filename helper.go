// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jsontracer

import (
	"errors"
	"fmt"
	"strconv"
)

// Errors
var (
	// ErrRegisterStarvation is returned when the host framework cannot
	// provide a scratch register satisfying the allowed set. The
	// affected basic block is left uninstrumented.
	ErrRegisterStarvation = errors.New("host cannot provide a scratch register")

	// ErrNoDebugData is returned when the target binary carries no
	// usable debugging records. Tracing proceeds without variable
	// resolution.
	ErrNoDebugData = errors.New("no debugging records in target binary")

	// errRingCursor is reported when a thread's ring cursor escapes
	// the ring bounds. The drain clamps the walk to the valid range.
	errRingCursor = errors.New("ring cursor out of bounds")

	// errBadOptions is returned for configuration values outside the
	// accepted set.
	errBadOptions = errors.New("invalid tracer options")
)

// hexWord formats an unsigned word the way the trace format spells
// hex literals.
func hexWord(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// hexSigned formats a signed word as a hex literal, quoting negative
// values since a bare minus sign cannot head a hex literal.
func hexSigned(v int64) string {
	if v < 0 {
		return `"-0x` + strconv.FormatUint(uint64(-v), 16) + `"`
	}
	return "0x" + strconv.FormatInt(v, 16)
}

// uniqueTraceName builds the per-thread trace file name.
func uniqueTraceName(prefix string, tid, attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("%s.%04d.log", prefix, tid)
	}
	return fmt.Sprintf("%s.%04d.%d.log", prefix, tid, attempt)
}
