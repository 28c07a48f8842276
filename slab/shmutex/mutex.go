// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shmutex implements a mutex whose lock word lives in memory
// shared across process boundaries: a single atomic word plus an OS
// wait/wake primitive, so that lockers in different processes mapping
// the same segment can block each other without busy-spinning
// indefinitely.
package shmutex

import (
	"runtime"
	"sync/atomic"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1
	// contended marks that at least one waiter parked and must be woken
	// on unlock; without this third state every Unlock would have to
	// call futexWakeOp unconditionally, which is correct but needlessly
	// syscalls on the uncontended path.
	contended uint32 = 2
)

// spinLimit is how many times Lock spins before parking. It mirrors the
// small fixed spin count nginx's own ngx_shmtx falls back to when built
// without a native atomic CAS primitive, trading a handful of wasted
// cycles for avoiding a syscall on short critical sections.
const spinLimit = 40

// Mutex is a non-reentrant, process-shared lock. The zero value is an
// unlocked mutex, but Mutex is normally embedded at a fixed offset inside
// a shared-memory segment rather than constructed directly: every
// process mapping that segment gets a *Mutex pointing at the same word.
type Mutex struct {
	word uint32
}

// Lock spins briefly, then parks via the platform wait primitive,
// waking whenever Unlock posts a wake. It never returns early: there is
// no timeout or cancellation.
func (m *Mutex) Lock() {
	for i := 0; i < spinLimit; i++ {
		if atomic.CompareAndSwapUint32(&m.word, unlocked, locked) {
			return
		}
		runtime.Gosched()
	}

	for {
		state := atomic.LoadUint32(&m.word)
		if state == unlocked {
			// Acquire as contended, not locked: other waiters may still be
			// parked, and only a contended word makes Unlock wake them.
			if atomic.CompareAndSwapUint32(&m.word, unlocked, contended) {
				return
			}
			continue
		}
		if state == locked {
			// Announce contention so the holder's Unlock knows to wake
			// us; if it already unlocked between the Load and here, the
			// CAS fails harmlessly and we re-check.
			if !atomic.CompareAndSwapUint32(&m.word, locked, contended) {
				continue
			}
			state = contended
		}
		futexWaitOp(&m.word, contended)
	}
}

// Unlock releases the mutex, waking one parked waiter if any were
// recorded. Unlocking a mutex the caller does not hold is a programming
// error and corrupts the lock state, same as every other non-reentrant
// mutex.
func (m *Mutex) Unlock() {
	if atomic.SwapUint32(&m.word, unlocked) == contended {
		futexWakeOp(&m.word, 1)
	}
}

// TryLock attempts to acquire the mutex without blocking, returning
// whether it succeeded.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.word, unlocked, locked)
}
