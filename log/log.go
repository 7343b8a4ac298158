// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides the leveled logging used across the tracer.
package log

import (
	stdlog "log"
)

// DefaultLogger is the package default logger.
var DefaultLogger Logger = NewStdLogger(stdlog.Writer())

// Logger is a generic logger interface.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

type logger struct {
	logger Logger
	prefix []interface{}
}

func (c *logger) Log(level Level, keyvals ...interface{}) error {
	kvs := make([]interface{}, 0, len(c.prefix)+len(keyvals))
	kvs = append(kvs, c.prefix...)
	kvs = append(kvs, keyvals...)
	return c.logger.Log(level, kvs...)
}

// With returns a logger that prepends the given key-value pairs to
// every log record.
func With(l Logger, kv ...interface{}) Logger {
	c, ok := l.(*logger)
	if !ok {
		return &logger{logger: l, prefix: kv}
	}
	kvs := make([]interface{}, 0, len(c.prefix)+len(kv))
	kvs = append(kvs, c.prefix...)
	kvs = append(kvs, kv...)
	return &logger{logger: c.logger, prefix: kvs}
}
