// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package corelog wraps zap with the handful of log levels the allocators
// care about. A nil *Log is valid and simply discards everything, matching
// the "log handle ... may be null" contract both allocators are built
// against.
package corelog

import "go.uber.org/zap"

// Log is a leveled, nilable log handle carrying a pool/region context
// string so that multiple shared pools can be told apart in one stream.
type Log struct {
	z       *zap.Logger
	context string
}

// New wraps z (which may itself be nil) with a context string attached to
// every subsequent message. An empty context is fine.
func New(z *zap.Logger, context string) *Log {
	return &Log{z: z, context: context}
}

// WithContext returns a copy of l that reports under a different context
// string, keeping the same underlying logger.
func (l *Log) WithContext(context string) *Log {
	if l == nil {
		return nil
	}
	return &Log{z: l.z, context: context}
}

func (l *Log) fields(kv []interface{}) []zap.Field {
	fs := make([]zap.Field, 0, len(kv)/2+1)
	if l.context != "" {
		fs = append(fs, zap.String("pool", l.context))
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		fs = append(fs, zap.Any(key, kv[i+1]))
	}
	return fs
}

// Debug logs allocation/free tracing. Corresponds to NGX_LOG_DEBUG_ALLOC.
func (l *Log) Debug(msg string, kv ...interface{}) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Debug(msg, l.fields(kv)...)
}

// Error logs a recoverable error (OOM). Corresponds to NGX_LOG_CRIT in the
// "no memory" paths.
func (l *Log) Error(msg string, kv ...interface{}) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Error(msg, l.fields(kv)...)
}

// Alert logs a programming-error condition (double free, wrong chunk,
// pointer outside the pool). The allocator does not otherwise surface
// these: it logs and returns normally. Corresponds to NGX_LOG_ALERT.
func (l *Log) Alert(msg string, kv ...interface{}) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Error(msg, append(l.fields(kv), zap.Bool("alert", true))...)
}
