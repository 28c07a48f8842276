// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shmutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryLockUncontended(t *testing.T) {
	var m Mutex
	assert.True(t, m.TryLock())
	assert.False(t, m.TryLock(), "a second TryLock while held must fail")
	m.Unlock()
	assert.True(t, m.TryLock())
}

func TestLockSerializesConcurrentIncrements(t *testing.T) {
	var m Mutex
	counter := 0
	const goroutines = 32
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, counter)
}
