// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

import (
	"fmt"
	"os"
)

// Helper is a logger helper providing sprint-style leveled output.
type Helper struct {
	logger Logger
}

// NewHelper returns a helper attached to the given logger.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

// Debug logs a message at debug level.
func (h *Helper) Debug(a ...interface{}) {
	_ = h.logger.Log(LevelDebug, "msg", fmt.Sprint(a...))
}

// Debugf logs a formatted message at debug level.
func (h *Helper) Debugf(format string, a ...interface{}) {
	_ = h.logger.Log(LevelDebug, "msg", fmt.Sprintf(format, a...))
}

// Info logs a message at info level.
func (h *Helper) Info(a ...interface{}) {
	_ = h.logger.Log(LevelInfo, "msg", fmt.Sprint(a...))
}

// Infof logs a formatted message at info level.
func (h *Helper) Infof(format string, a ...interface{}) {
	_ = h.logger.Log(LevelInfo, "msg", fmt.Sprintf(format, a...))
}

// Warn logs a message at warn level.
func (h *Helper) Warn(a ...interface{}) {
	_ = h.logger.Log(LevelWarn, "msg", fmt.Sprint(a...))
}

// Warnf logs a formatted message at warn level.
func (h *Helper) Warnf(format string, a ...interface{}) {
	_ = h.logger.Log(LevelWarn, "msg", fmt.Sprintf(format, a...))
}

// Error logs a message at error level.
func (h *Helper) Error(a ...interface{}) {
	_ = h.logger.Log(LevelError, "msg", fmt.Sprint(a...))
}

// Errorf logs a formatted message at error level.
func (h *Helper) Errorf(format string, a ...interface{}) {
	_ = h.logger.Log(LevelError, "msg", fmt.Sprintf(format, a...))
}

// Fatal logs a message at fatal level and exits.
func (h *Helper) Fatal(a ...interface{}) {
	_ = h.logger.Log(LevelFatal, "msg", fmt.Sprint(a...))
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits.
func (h *Helper) Fatalf(format string, a ...interface{}) {
	_ = h.logger.Log(LevelFatal, "msg", fmt.Sprintf(format, a...))
	os.Exit(1)
}
