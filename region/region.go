// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region implements a scoped bump-pointer arena: many small
// short-lived allocations backed by a chain of fixed-size blocks, plus an
// overflow path for requests too large for a block and a registry of
// cleanup callbacks run at destruction.
//
// A Region is single-owner and not safe for concurrent use: callers that
// need per-goroutine scratch space should keep one Region per worker
// rather than share one under a lock. Every byte slice handed back by a
// Region aliases memory owned by that Region; none of it is valid after
// Reset or Destroy.
package region

import (
	"errors"
	"os"
	"unsafe"

	"github.com/arcedge/memcore/corelog"
	"github.com/arcedge/memcore/internal/memutil"
)

// pageSize bounds the small-allocation threshold, matching ngx_create_pool's
// pool->max = min(size, NGX_MAX_ALLOC_FROM_POOL) where the OS page size
// stands in for nginx's own constant.
var pageSize = os.Getpagesize()

// Align is the alignment granularity for the small allocation path. 16
// covers SIMD-friendly structs on every architecture this module targets.
const Align = 16

// DefaultBlockSize is used when Config.BlockSize is left at zero.
const DefaultBlockSize = 16 * 1024

// maxFailCount is the soft-eviction threshold: a block that fails to
// satisfy an allocation more than this many times is skipped by future
// scans even though it is never freed, matching ngx_palloc_block's own
// fail_count > 4 rule.
const maxFailCount = 4

// maxLargeScan bounds how far a large allocation walks the large-object
// records looking for a reusable (vacated) slot: it inspects at most
// maxLargeScan+1 records before giving up and pushing a fresh one.
const maxLargeScan = 3

// ErrNoMemory is returned whenever the backing allocator cannot satisfy a
// request. It is the only error callers are expected to handle; every
// other failure mode is a programming error and is logged, not returned.
var ErrNoMemory = errors.New("region: no memory")

// CleanupFunc is invoked at Destroy time (or early, via RunFileCleanup)
// with the data slice registered via AddCleanup.
type CleanupFunc func(data []byte)

// block is a single fixed-size backing buffer within the region's chain.
// Kept as an ordinary Go heap object (not carved out of buf itself) so
// that next and failCount stay plain, GC-visible fields: nothing here
// ever hides a pointer inside byte-shaped memory.
type block struct {
	buf       []byte
	cursor    int
	next      *block
	failCount int
}

// largeNode anchors one large (overflow) allocation on the region's large
// list. buf is nil once the slot has been freed and is available again.
type largeNode struct {
	buf  []byte
	next *largeNode
}

// Cleanup is a single registered cleanup handler. Handler must be set by
// the caller after AddCleanup returns; Data is the aux_size-byte payload
// requested, or nil.
type Cleanup struct {
	Handler CleanupFunc
	Data    []byte
	next    *Cleanup

	// fd/isFile/consumed back ngx_pool_run_cleanup_file's early-close
	// fast path: a cleanup registered through AddFileCleanup carries its
	// fd here so RunFileCleanup can find it without inspecting Data, and
	// consumed marks it so Destroy does not invoke it a second time.
	fd       uintptr
	isFile   bool
	consumed bool
}

// Config holds the tunables for New. Its zero value is valid and produces
// a region with DefaultBlockSize blocks and no logging.
type Config struct {
	// BlockSize is the size of each block in the chain. It is rounded up
	// to Align and must be large enough to hold a handful of
	// bookkeeping-sized allocations; smaller values are raised to that
	// floor, exactly as ngx_create_pool enforces NGX_MIN_POOL_SIZE.
	BlockSize int

	// PoolName tags every log line this region emits, so that several
	// regions logging to the same sink can be told apart.
	PoolName string
}

// Region is a scope-bound arena. Individual allocations are never freed;
// the entire region is released at once via Reset or Destroy.
type Region struct {
	head      *block
	current   *block
	max       int
	blockSize int
	large     *largeNode
	cleanup   *Cleanup
	log       *corelog.Log
}

const bookkeepingFloor = 256 // room for a handful of cleanup/large records

// New creates a region backed by one block of cfg.BlockSize bytes. The
// block size is rounded up to Align and raised to a floor large enough to
// carry the region's own bookkeeping allocations.
func New(cfg Config, log *corelog.Log) (*Region, error) {
	bs := cfg.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	bs = memutil.Roundup(bs, Align)
	if bs < bookkeepingFloor {
		bs = bookkeepingFloor
	}

	if log != nil && cfg.PoolName != "" {
		log = log.WithContext(cfg.PoolName)
	}

	r := &Region{blockSize: bs, log: log}
	b, err := newBlock(bs)
	if err != nil {
		return nil, err
	}
	r.head = b
	r.current = b

	payload := bs
	if payload > pageSize-1 {
		payload = pageSize - 1
	}
	r.max = payload

	return r, nil
}

// newBlock carves a fresh block out of the Go heap. make never fails for
// ordinary sizes but can panic for a pathological request; that panic is
// this package's analogue of ngx_memalign returning NULL and is converted
// back into the ErrNoMemory sentinel every other failure path uses.
func newBlock(size int) (b *block, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b, err = nil, ErrNoMemory
		}
	}()
	return &block{buf: make([]byte, size)}, nil
}

// Alloc returns an Align-aligned slice of n bytes, taking the small path
// while n fits the region's threshold and the large path otherwise.
func (r *Region) Alloc(n int) ([]byte, error) {
	if n <= r.max {
		return r.allocSmall(n, true)
	}
	return r.allocLarge(n)
}

// AllocUnaligned is Alloc without alignment padding on the small path.
func (r *Region) AllocUnaligned(n int) ([]byte, error) {
	if n <= r.max {
		return r.allocSmall(n, false)
	}
	return r.allocLarge(n)
}

// AllocZeroed is like Alloc except the returned memory is zeroed,
// matching ngx_pcalloc.
func (r *Region) AllocZeroed(n int) ([]byte, error) {
	b, err := r.Alloc(n)
	if err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// AllocMemalign always takes the large path (like ngx_pmemalign) and
// aligns the returned slice's address to align, which must be a power of
// two.
func (r *Region) AllocMemalign(n int, align int) ([]byte, error) {
	raw := make([]byte, n+align-1)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := int((uintptr(align) - base%uintptr(align)) % uintptr(align))
	b := raw[pad : pad+n : pad+n]

	if err := r.pushLarge(b); err != nil {
		return nil, err
	}
	return b, nil
}

// allocSmall walks blocks starting at current, returning the first slice
// that fits; growing the chain if none does.
func (r *Region) allocSmall(n int, aligned bool) ([]byte, error) {
	for b := r.current; b != nil; b = b.next {
		cursor := b.cursor
		if aligned {
			cursor = memutil.Roundup(cursor, Align)
		}
		if len(b.buf)-cursor >= n {
			b.cursor = cursor + n
			return b.buf[cursor : cursor+n : cursor+n], nil
		}
	}
	return r.growAndAlloc(n, aligned)
}

// growAndAlloc allocates a new block of the region's standard size, links
// it onto the chain, satisfies the request from it, then runs the "skip"
// pass over the blocks that failed, matching ngx_palloc_block.
func (r *Region) growAndAlloc(n int, aligned bool) ([]byte, error) {
	size := r.blockSize
	if n > size {
		// A request that cannot even fit a freshly carved standard
		// block would not have been routed to the small path in the
		// first place (n <= r.max <= blockSize), but stay defensive.
		size = n
	}
	nb, err := newBlock(size)
	if err != nil {
		r.log.Error("region: grow failed", "size", size)
		return nil, err
	}

	cursor := 0
	if aligned {
		cursor = memutil.Roundup(0, Align)
	}
	nb.cursor = cursor + n

	tail := r.current
	newCurrent := r.current
	for tail.next != nil {
		tail.failCount++
		if tail.failCount > maxFailCount {
			newCurrent = tail.next
		}
		tail = tail.next
	}
	tail.failCount++
	if tail.failCount > maxFailCount {
		newCurrent = nb
	}
	tail.next = nb
	r.current = newCurrent

	return nb.buf[cursor : cursor+n : cursor+n], nil
}

// allocLarge obtains a fresh buffer directly from the Go heap (the
// region's equivalent of the system allocator) and records it on the
// large list, reusing a vacated slot if one is found within the first
// few records.
func (r *Region) allocLarge(n int) (b []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b, err = nil, ErrNoMemory
		}
	}()
	buf := make([]byte, n)
	if err := r.pushLarge(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// pushLarge records buf on the region's large-object list, reusing a
// vacated slot within the first maxLargeScan+1 records if one exists,
// otherwise allocating a fresh record from the region itself.
func (r *Region) pushLarge(buf []byte) error {
	n := 0
	for l := r.large; l != nil; l = l.next {
		if l.buf == nil {
			l.buf = buf
			return nil
		}
		if n++; n > maxLargeScan {
			break
		}
	}

	l := &largeNode{buf: buf, next: r.large}
	r.large = l
	return nil
}

// FreeLarge searches the large list for a record backed by buf; on a hit
// it releases the slot (letting the GC reclaim the backing array) and
// returns true. A miss returns false, matching ngx_pfree's
// NGX_OK/NGX_DECLINED split.
func (r *Region) FreeLarge(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	want := &buf[0]
	for l := r.large; l != nil; l = l.next {
		if len(l.buf) > 0 && &l.buf[0] == want {
			l.buf = nil
			return true
		}
	}
	return false
}

// Reset releases every large object and rewinds every block's cursor
// back to zero, without freeing the block chain itself.
func (r *Region) Reset() {
	for l := r.large; l != nil; l = l.next {
		l.buf = nil
	}
	r.large = nil

	for b := r.head; b != nil; b = b.next {
		b.cursor = 0
		b.failCount = 0
	}
	r.current = r.head
}

// Destroy runs every registered cleanup handler in reverse insertion
// order, releases large objects, and drops the region's reference to
// every block so they become eligible for garbage collection.
func (r *Region) Destroy() {
	for c := r.cleanup; c != nil; c = c.next {
		if c.consumed || c.Handler == nil {
			continue
		}
		c.Handler(c.Data)
		c.consumed = true
	}

	for l := r.large; l != nil; l = l.next {
		l.buf = nil
	}
	r.large = nil
	r.head = nil
	r.current = nil
	r.cleanup = nil
}

// AddCleanup allocates a cleanup record; if dataSize > 0 it also
// allocates dataSize bytes from the region and attaches them as Data. The
// record itself lives on the Go heap (it holds a func value, which must
// never be hidden inside byte-shaped arena memory), but the dataSize
// bytes it carries are genuinely carved out of the region like any other
// small allocation.
func (r *Region) AddCleanup(dataSize int) (*Cleanup, error) {
	c := &Cleanup{next: r.cleanup}
	if dataSize > 0 {
		data, err := r.Alloc(dataSize)
		if err != nil {
			return nil, err
		}
		c.Data = data
	}
	r.cleanup = c
	return c, nil
}

// FileCleanupData pairs a file descriptor with its name. AddFileCleanup
// does not store one: its record's Data is nil, the fd is kept on the
// record itself, and the name is captured by the record's Handler.
type FileCleanupData struct {
	Fd   uintptr
	Name string
}

// AddFileCleanup registers a cleanup that closes fd at Destroy time via
// closeFn. The returned Cleanup's Handler closes the fd; RunFileCleanup
// can later find and run this specific record early.
func AddFileCleanup(r *Region, fd uintptr, name string, closeFn func(uintptr) error) (*Cleanup, error) {
	c, err := r.AddCleanup(0)
	if err != nil {
		return nil, err
	}
	c.fd = fd
	c.isFile = true

	log := r.log
	c.Handler = func([]byte) {
		if err := closeFn(fd); err != nil {
			log.Alert("region: close failed", "fd", fd, "name", name, "err", err)
		}
	}
	return c, nil
}

// RunFileCleanup walks the cleanup list for an unconsumed file-cleanup
// entry matching fd, invokes it immediately, and marks it consumed so
// Destroy does not run it a second time.
func (r *Region) RunFileCleanup(fd uintptr) {
	for c := r.cleanup; c != nil; c = c.next {
		if c.isFile && c.fd == fd && !c.consumed {
			if c.Handler != nil {
				c.Handler(c.Data)
			}
			c.consumed = true
			return
		}
	}
}
