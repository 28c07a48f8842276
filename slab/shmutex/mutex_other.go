// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package shmutex

import "runtime"

// Non-linux targets get a spin-only fallback: no portable cross-process
// futex-equivalent is wired into this build. Mutex still works correctly
// across processes (the CAS in mutex.go operates on memory the processes
// share), it just never parks a waiter with the OS; it yields the
// scheduler instead.
func futexWaitOp(word *uint32, expect uint32) {
	runtime.Gosched()
}

func futexWakeOp(word *uint32, n int32) {}
