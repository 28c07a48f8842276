// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package shmutex

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux backs the block/wake path with the futex syscall. FUTEX_WAIT and
// FUTEX_WAKE (without the _PRIVATE variants, which assume a single
// address space) are the only two operations used, since this mutex
// must work across processes sharing the memory, not just threads of
// one process.
const (
	futexWait = 0
	futexWake = 1
)

func futexWaitOp(word *uint32, expect uint32) {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)), futexWait, uintptr(expect), 0, 0, 0)
	// EAGAIN means *word != expect by the time the kernel looked; EINTR
	// means a spurious wake. Both are handled by the caller's re-check
	// loop, not here.
	_ = errno
}

func futexWakeOp(word *uint32, n int32) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)), futexWake, uintptr(n), 0, 0, 0)
}
