// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slab implements a fixed-extent allocator over a caller-supplied
// contiguous byte segment: pages classified by power-of-two chunk size,
// bitmap occupancy within a page, and a non-coalescing free-page list,
// guarded by a mutex suitable for use from multiple processes mapping the
// same segment.
//
// Unlike package region, a slab Pool never calls back into the Go
// allocator after Init: every byte it hands out, and every byte of its
// own bookkeeping, comes from the segment the caller supplied. That
// segment may be a plain heap buffer for single-process use, or a real
// POSIX shared-memory mapping; this package does not care which, and
// never allocates one itself.
package slab

import (
	"errors"
	"unsafe"

	"github.com/arcedge/memcore/corelog"
	"github.com/arcedge/memcore/internal/memutil"
	"github.com/arcedge/memcore/slab/shmutex"
)

// Page-class tags, carried in the low two bits of a descriptor's prev
// link. Values match ngx_slab.c's NGX_SLAB_PAGE/BIG/EXACT/SMALL exactly;
// nothing depends on the numeric values beyond internal consistency, but
// keeping them identical to the source makes this package easy to audit
// against it.
const (
	tagPage  uint32 = 0
	tagBig   uint32 = 1
	tagExact uint32 = 2
	tagSmall uint32 = 3

	tagMask uint32 = 3
)

// slab-word tag values, sized to 64 bits regardless of host word size so
// the on-disk/in-segment layout does not vary between 32- and 64-bit
// builds sharing the same segment.
const (
	slabFree  uint64 = 0
	slabBusy  uint64 = ^uint64(0)
	slabStart uint64 = uint64(1) << 63

	shiftMask uint64 = 0xf
	mapMask   uint64 = 0xffffffff00000000
	mapShift         = 32
)

// ErrNoMemory is returned when the pool has no free run long enough to
// satisfy a page allocation.
var ErrNoMemory = errors.New("slab: no memory")

// ErrSegmentTooSmall is returned by Init when the segment cannot hold a
// header, a non-empty size-class table, and at least one data page.
var ErrSegmentTooSmall = errors.New("slab: segment too small")

// descriptor is the per-page (and, reused, per-size-class-sentinel)
// bookkeeping word triple. It is pointer-free by construction: next/prev
// are indices into the pool's unified node space, never Go pointers, so
// casting it directly onto segment bytes is sound. This mirrors how the
// teacher casts its own pointer-free page header onto raw mmap'd memory.
type descriptor struct {
	slab uint64
	next uint32
	prev uint32
}

const descriptorSize = 16 // unsafe.Sizeof(descriptor{}), pinned so layout never depends on struct padding

// poolHeader is the fixed-size block at offset 0 of every segment Init is
// called on. Like descriptor, every field is pointer-free.
type poolHeader struct {
	lock uint32
	_    uint32

	minSize   uint64
	minShift  uint64
	numSlots  uint64
	pageCount uint64

	slotsOff uint64
	descOff  uint64
	dataOff  uint64
	dataEnd  uint64

	free descriptor

	poisonOnFree uint32
	_            uint32
}

const poolHeaderSize = 96 // unsafe.Sizeof(poolHeader{}), pinned for the same reason as descriptorSize

// Config holds the tunables for Init. Its zero value selects min_shift=3
// (8-byte minimum chunk) and the OS page size.
type Config struct {
	// MinShift is the log2 of the smallest chunk size the pool serves.
	// Zero selects 3 (min_size = 8), matching ngx_slab's own default.
	MinShift uint

	// PageSize overrides the page granularity the pool lays its data
	// area out in. Zero selects os.Getpagesize(). Must be a power of two
	// at least 2*MinShift wide if set explicitly.
	PageSize int

	// PoolName tags every log line this pool emits.
	PoolName string

	// PoisonOnFree overwrites freed chunks with a fixed byte pattern,
	// the always-on analogue of ngx_slab's NGX_DEBUG_MALLOC-gated
	// ngx_slab_junk. Off by default, same as the original's release
	// build.
	PoisonOnFree bool
}

// Pool is a slab allocator over one caller-supplied segment. A Pool value
// must not be copied after Init.
type Pool struct {
	segment []byte
	hdr     *poolHeader
	slots   []descriptor
	descs   []descriptor
	data    []byte

	mu   *shmutex.Mutex
	log  *corelog.Log
	name string

	pageSize   int
	pageShift  uint
	minShift   uint
	minSize    int
	exactShift uint
	exactSize  int
	maxClass   int

	pageDescBase int // unified index of descs[0]
}

// Init lays out a pool header, size-class sentinel table, page descriptor
// array, and data area inside segment, in that order, and returns a Pool
// ready to serve Alloc/Free. segment is retained by the returned Pool
// (never copied) and must outlive it.
func Init(segment []byte, cfg Config, log *corelog.Log) (*Pool, error) {
	minShift := cfg.MinShift
	if minShift == 0 {
		minShift = 3
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = osPageSize()
	}
	pageShift := memutil.CeilLog2(pageSize)

	if log != nil && cfg.PoolName != "" {
		log = log.WithContext(cfg.PoolName)
	}

	if len(segment) < poolHeaderSize+pageSize {
		return nil, ErrSegmentTooSmall
	}

	p := &Pool{
		segment:    segment,
		log:        log,
		name:       cfg.PoolName,
		pageSize:   pageSize,
		pageShift:  pageShift,
		minShift:   minShift,
		minSize:    1 << minShift,
		exactSize:  pageSize / (8 * int(memutil.WordBytes)),
		maxClass:   pageSize / 2,
		hdr:        (*poolHeader)(unsafe.Pointer(&segment[0])),
	}
	p.exactShift = memutil.CeilLog2(p.exactSize)
	p.mu = (*shmutex.Mutex)(unsafe.Pointer(&p.hdr.lock))

	numSlots := int(pageShift) - int(minShift)
	if numSlots <= 0 {
		return nil, ErrSegmentTooSmall
	}

	slotsOff := poolHeaderSize
	// byte budget available for slots+descriptors+data, mirroring
	// ngx_slab_init's `size = pool->end - p` measured from right after
	// the fixed header.
	budget := len(segment) - slotsOff

	descOff := slotsOff + numSlots*descriptorSize
	pageCount := budget / (pageSize + descriptorSize)
	if pageCount < 1 {
		return nil, ErrSegmentTooSmall
	}

	dataOff := memutil.Roundup(descOff+pageCount*descriptorSize, pageSize)
	dataEnd := len(segment)
	// Correct the initial overestimate the same way ngx_slab_init does:
	// shrink pageCount if the page-aligned data area leaves less room
	// than originally assumed.
	if fit := (dataEnd - dataOff) / pageSize; fit < pageCount {
		pageCount = fit
	}
	if pageCount < 1 {
		return nil, ErrSegmentTooSmall
	}
	dataEnd = dataOff + pageCount*pageSize

	p.hdr.minSize = uint64(p.minSize)
	p.hdr.minShift = uint64(minShift)
	p.hdr.numSlots = uint64(numSlots)
	p.hdr.pageCount = uint64(pageCount)
	p.hdr.slotsOff = uint64(slotsOff)
	p.hdr.descOff = uint64(descOff)
	p.hdr.dataOff = uint64(dataOff)
	p.hdr.dataEnd = uint64(dataEnd)
	if cfg.PoisonOnFree {
		p.hdr.poisonOnFree = 1
	}

	p.slots = unsafe.Slice((*descriptor)(unsafe.Pointer(&segment[slotsOff])), numSlots)
	p.descs = unsafe.Slice((*descriptor)(unsafe.Pointer(&segment[descOff])), pageCount)
	p.data = segment[dataOff:dataEnd]
	p.pageDescBase = 1 + numSlots

	for i := range p.slots {
		p.slots[i] = descriptor{slab: slabFree, next: encodeSelf(p.unifiedSlot(i)), prev: 0}
	}
	for i := range p.descs {
		p.descs[i] = descriptor{}
	}

	p.descs[0].slab = uint64(pageCount)
	p.descs[0].next = encodeSelf(0) // points at the free sentinel (unified idx 0)
	p.descs[0].prev = packPrev(0, true, tagPage)

	p.hdr.free.prev = packPrev(0, false, tagPage)
	p.hdr.free.next = encodeSelf(p.unifiedPage(0))

	return p, nil
}

func (p *Pool) unifiedSlot(i int) uint32 { return uint32(1 + i) }
func (p *Pool) unifiedPage(i int) uint32 { return uint32(p.pageDescBase + i) }

func (p *Pool) descAt(u uint32) *descriptor {
	switch {
	case u == 0:
		return &p.hdr.free
	case int(u) < p.pageDescBase:
		return &p.slots[u-1]
	default:
		return &p.descs[int(u)-p.pageDescBase]
	}
}

func encodeSelf(u uint32) uint32 { return u + 1 }

func decodeNext(raw uint32) (uint32, bool) {
	if raw == 0 {
		return 0, false
	}
	return raw - 1, true
}

func packPrev(u uint32, ok bool, tag uint32) uint32 {
	if !ok {
		return tag & tagMask
	}
	return (u+1)<<2 | (tag & tagMask)
}

func unpackPrev(raw uint32) (u uint32, ok bool, tag uint32) {
	tag = raw & tagMask
	link := raw >> 2
	if link == 0 {
		return 0, false, tag
	}
	return link - 1, true, tag
}

// Alloc acquires the pool mutex and serves n bytes.
func (p *Pool) Alloc(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.AllocLocked(n)
}

// Free acquires the pool mutex and releases buf, which must have been
// returned by Alloc/AllocLocked on this pool.
func (p *Pool) Free(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FreeLocked(buf)
}

// AllocLocked is Alloc for a caller that already holds the pool mutex.
func (p *Pool) AllocLocked(n int) ([]byte, error) {
	if n >= p.maxClass {
		pages := (n + p.pageSize - 1) / p.pageSize
		first, err := p.allocPages(pages)
		if err != nil {
			p.log.Error("slab: alloc failed", "size", n)
			return nil, err
		}
		off := first * p.pageSize
		return p.data[off : off+n], nil
	}

	var shift uint
	if n > p.minSize {
		shift = memutil.CeilLog2(n)
	} else {
		n = p.minSize
		shift = p.minShift
	}
	slot := int(shift) - int(p.minShift)

	sentinelIdx := p.unifiedSlot(slot)
	sentinel := p.descAt(sentinelIdx)
	headIdx, _ := decodeNext(sentinel.next)

	for headIdx != sentinelIdx {
		d := p.descAt(headIdx)
		pageIdx := int(headIdx) - p.pageDescBase

		switch {
		case shift < p.exactShift:
			if off, ok := p.allocSmallChunk(pageIdx, d, shift); ok {
				return p.chunkSlice(off, n, shift), nil
			}
		case shift == p.exactShift:
			if off, ok := p.allocExactChunk(pageIdx, d); ok {
				return p.chunkSlice(off, n, shift), nil
			}
		default:
			if off, ok := p.allocBigChunk(pageIdx, d, shift); ok {
				return p.chunkSlice(off, n, shift), nil
			}
		}

		next, _ := decodeNext(d.next)
		headIdx = next
	}

	pageIdx, err := p.allocPages(1)
	if err != nil {
		p.log.Error("slab: alloc failed", "size", n)
		return nil, err
	}
	d := &p.descs[pageIdx]
	off := p.initNewChunkPage(pageIdx, d, shift, sentinelIdx)
	return p.chunkSlice(off, n, shift), nil
}

func (p *Pool) chunkSlice(off, n int, shift uint) []byte {
	chunkSize := 1 << shift
	end := off + chunkSize
	if end > len(p.data) {
		end = len(p.data)
	}
	return p.data[off : off+n : end]
}

// allocSmallChunk scans the in-page bitmap (stored at the start of the
// page's own data) for a free bit. Returns the byte offset (from
// p.data[0]) of the claimed chunk.
func (p *Pool) allocSmallChunk(pageIdx int, d *descriptor, shift uint) (int, bool) {
	pageOff := pageIdx * p.pageSize
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&p.data[pageOff])), p.bitmapWords(shift))

	for wi := range words {
		if words[wi] == slabBusy {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			mask := uint64(1) << uint(bit)
			if words[wi]&mask != 0 {
				continue
			}
			words[wi] |= mask
			chunkIdx := wi*64 + bit
			off := pageOff + (chunkIdx << shift)

			if words[wi] == slabBusy {
				full := true
				for wj := wi + 1; wj < len(words); wj++ {
					if words[wj] != slabBusy {
						full = false
						break
					}
				}
				if full {
					p.unlinkPage(d)
					d.next = 0
					d.prev = packPrev(0, false, tagSmall)
				}
			}
			return off, true
		}
	}
	return 0, false
}

func (p *Pool) allocExactChunk(pageIdx int, d *descriptor) (int, bool) {
	if d.slab == slabBusy {
		return 0, false
	}
	for bit := 0; bit < 64; bit++ {
		mask := uint64(1) << uint(bit)
		if d.slab&mask != 0 {
			continue
		}
		d.slab |= mask
		if d.slab == slabBusy {
			p.unlinkPage(d)
			d.next = 0
			d.prev = packPrev(0, false, tagExact)
		}
		off := pageIdx*p.pageSize + bit<<p.exactShift
		return off, true
	}
	return 0, false
}

func (p *Pool) allocBigChunk(pageIdx int, d *descriptor, shift uint) (int, bool) {
	chunksPerPage := 1 << (p.pageShift - shift)
	full := (uint64(1)<<uint(chunksPerPage) - 1) << mapShift

	if d.slab&mapMask == full {
		return 0, false
	}
	for bit := 0; bit < chunksPerPage; bit++ {
		mask := uint64(1) << uint(bit+mapShift)
		if d.slab&mask != 0 {
			continue
		}
		d.slab |= mask
		if d.slab&mapMask == full {
			p.unlinkPage(d)
			d.next = 0
			d.prev = packPrev(0, false, tagBig)
		}
		off := pageIdx*p.pageSize + bit<<shift
		return off, true
	}
	return 0, false
}

// initNewChunkPage prepares a freshly page-allocated descriptor to serve
// size class slot, inserts it at the head of that class's list, and
// returns the byte offset of the first chunk handed to the caller.
func (p *Pool) initNewChunkPage(pageIdx int, d *descriptor, shift uint, sentinelIdx uint32) int {
	pageOff := pageIdx * p.pageSize
	pageUnified := p.unifiedPage(pageIdx)

	var firstFree int
	switch {
	case shift < p.exactShift:
		words := unsafe.Slice((*uint64)(unsafe.Pointer(&p.data[pageOff])), p.bitmapWords(shift))
		reserved := p.bitmapWords(shift) * 8 / (1 << shift)
		if reserved == 0 {
			reserved = 1
		}
		// bits 0..reserved-1 cover the chunks the bitmap itself occupies;
		// bit reserved marks the chunk handed back below, busy the
		// instant it's returned.
		words[0] = (uint64(2) << uint(reserved)) - 1
		for i := 1; i < len(words); i++ {
			words[i] = 0
		}
		d.slab = uint64(shift)
		firstFree = pageOff + reserved<<shift
	case shift == p.exactShift:
		d.slab = 1
		firstFree = pageOff
	default:
		d.slab = uint64(1)<<mapShift | uint64(shift)
		firstFree = pageOff
	}

	p.linkAtHead(sentinelIdx, pageUnified, d, tagFor(shift, p.exactShift))
	return firstFree
}

func tagFor(shift, exactShift uint) uint32 {
	switch {
	case shift < exactShift:
		return tagSmall
	case shift == exactShift:
		return tagExact
	default:
		return tagBig
	}
}

// bitmapWords returns how many 64-bit words the in-page SMALL bitmap for
// class shift needs: one bit per chunk, pageSize/(1<<shift) chunks total.
func (p *Pool) bitmapWords(shift uint) int {
	chunks := p.pageSize >> shift
	return (chunks + 63) / 64
}

// linkAtHead inserts page (whose descriptor is d) at the head of the
// sentinel's list.
func (p *Pool) linkAtHead(sentinelIdx, pageIdx uint32, d *descriptor, tag uint32) {
	sentinel := p.descAt(sentinelIdx)
	oldHead, ok := decodeNext(sentinel.next)

	d.next = encodeSelf(oldHead)
	d.prev = packPrev(sentinelIdx, true, tag)
	sentinel.next = encodeSelf(pageIdx)
	if ok {
		p.descAt(oldHead).prev = packPrev(pageIdx, true, tag)
	}
}

// unlinkPage removes the page described by d from whatever list it is
// currently on (a size-class sentinel's list; never the free list, which
// uses allocPages/freePages directly).
func (p *Pool) unlinkPage(d *descriptor) {
	prevIdx, ok, tag := unpackPrev(d.prev)
	if !ok {
		return
	}
	nextIdx, ok := decodeNext(d.next)
	if !ok {
		return
	}
	p.descAt(prevIdx).next = encodeSelf(nextIdx)
	p.descAt(nextIdx).prev = packPrev(prevIdx, true, tag)
}

// FreeLocked is Free for a caller that already holds the pool mutex.
func (p *Pool) FreeLocked(buf []byte) {
	if len(buf) == 0 {
		p.log.Alert("slab: free of empty slice", "pool", p.name)
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	base := uintptr(unsafe.Pointer(&p.data[0]))
	if addr < base || addr >= base+uintptr(len(p.data)) {
		p.log.Alert("slab: free outside of pool", "pool", p.name)
		return
	}
	off := int(addr - base)

	pageIdx := off / p.pageSize
	d := &p.descs[pageIdx]
	_, _, tag := unpackPrev(d.prev)

	switch tag {
	case tagSmall:
		p.freeSmall(pageIdx, d, off)
	case tagExact:
		p.freeExact(pageIdx, d, off)
	case tagBig:
		p.freeBig(pageIdx, d, off)
	case tagPage:
		p.freePageChunk(pageIdx, d, off)
	}
}

func (p *Pool) freeSmall(pageIdx int, d *descriptor, off int) {
	shift := uint(d.slab & shiftMask)
	size := 1 << shift
	pageOff := pageIdx * p.pageSize
	intra := off - pageOff

	if intra&(size-1) != 0 {
		p.logWrongChunk()
		return
	}

	chunkIdx := intra >> shift
	wi, bit := chunkIdx/64, uint(chunkIdx%64)
	mask := uint64(1) << bit

	words := unsafe.Slice((*uint64)(unsafe.Pointer(&p.data[pageOff])), p.bitmapWords(shift))
	if words[wi]&mask == 0 {
		p.logAlreadyFree()
		return
	}

	if d.next == 0 {
		slot := int(shift) - int(p.minShift)
		p.linkAtHead(p.unifiedSlot(slot), p.unifiedPage(pageIdx), d, tagSmall)
	}

	words[wi] &^= mask
	if p.hdr.poisonOnFree != 0 {
		poison(p.data[off : off+size])
	}

	reserved := p.bitmapWords(shift) * 8 / (1 << shift)
	if reserved == 0 {
		reserved = 1
	}
	if words[0]&^((uint64(1)<<uint(reserved))-1) != 0 {
		return
	}
	for i := 1; i < len(words); i++ {
		if words[i] != 0 {
			return
		}
	}
	p.freePages(pageIdx, 1)
}

func (p *Pool) freeExact(pageIdx int, d *descriptor, off int) {
	pageOff := pageIdx * p.pageSize
	intra := off - pageOff
	bit := intra >> p.exactShift
	mask := uint64(1) << uint(bit)

	if intra&(p.exactSize-1) != 0 {
		p.logWrongChunk()
		return
	}
	if d.slab&mask == 0 {
		p.logAlreadyFree()
		return
	}

	wasFull := d.slab == slabBusy
	if wasFull {
		p.linkAtHead(p.unifiedSlot(int(p.exactShift)-int(p.minShift)), p.unifiedPage(pageIdx), d, tagExact)
	}

	d.slab &^= mask
	if p.hdr.poisonOnFree != 0 {
		poison(p.data[off : off+p.exactSize])
	}
	if d.slab != 0 {
		return
	}
	p.freePages(pageIdx, 1)
}

func (p *Pool) freeBig(pageIdx int, d *descriptor, off int) {
	shift := uint(d.slab & shiftMask)
	size := 1 << shift
	pageOff := pageIdx * p.pageSize
	intra := off - pageOff

	if intra&(size-1) != 0 {
		p.logWrongChunk()
		return
	}

	bit := intra >> shift
	mask := uint64(1) << uint(bit+mapShift)
	if d.slab&mask == 0 {
		p.logAlreadyFree()
		return
	}

	if d.next == 0 {
		slot := int(shift) - int(p.minShift)
		p.linkAtHead(p.unifiedSlot(slot), p.unifiedPage(pageIdx), d, tagBig)
	}

	d.slab &^= mask
	if p.hdr.poisonOnFree != 0 {
		poison(p.data[off : off+size])
	}
	if d.slab&mapMask != 0 {
		return
	}
	p.freePages(pageIdx, 1)
}

func (p *Pool) freePageChunk(pageIdx int, d *descriptor, off int) {
	pageOff := pageIdx * p.pageSize
	if off != pageOff {
		p.logWrongChunk()
		return
	}
	if d.slab == slabFree {
		p.log.Alert("slab: page is already free", "pool", p.name)
		return
	}
	if d.slab == slabBusy {
		p.log.Alert("slab: pointer to wrong page", "pool", p.name)
		return
	}

	n := int(d.slab &^ slabStart)
	if p.hdr.poisonOnFree != 0 {
		poison(p.data[off : off+n*p.pageSize])
	}
	p.freePages(pageIdx, n)
}

func (p *Pool) logWrongChunk() {
	p.log.Alert("slab: pointer to wrong chunk", "pool", p.name)
}

func (p *Pool) logAlreadyFree() {
	p.log.Alert("slab: chunk is already free", "pool", p.name)
}

func poison(b []byte) {
	const junkByte = 0xd0
	for i := range b {
		b[i] = junkByte
	}
}

// allocPages walks the free list for a run of at least n pages, splits
// it if it is longer than needed, and returns the page index of the
// first page in the claimed run. It does not coalesce adjacent free
// runs on the way in or out, matching ngx_slab_alloc_pages/free_pages.
func (p *Pool) allocPages(n int) (int, error) {
	freeIdx := uint32(0)
	cur, ok := decodeNext(p.descAt(freeIdx).next)

	for ok && cur != freeIdx {
		d := p.descAt(cur)
		run := int(d.slab)

		if run >= n {
			pageIdx := int(cur) - p.pageDescBase

			if run > n {
				newIdx := cur + uint32(n)
				newDesc := p.descAt(newIdx)
				*newDesc = descriptor{
					slab: uint64(run - n),
					next: d.next,
					prev: d.prev,
				}
				prevIdx, _, _ := unpackPrev(d.prev)
				p.descAt(prevIdx).next = encodeSelf(newIdx)
				if nextIdx, nok := decodeNext(d.next); nok {
					p.descAt(nextIdx).prev = packPrev(newIdx, true, tagPage)
				}
			} else {
				prevIdx, _, _ := unpackPrev(d.prev)
				nextIdx, nok := decodeNext(d.next)
				p.descAt(prevIdx).next = d.next
				if nok {
					p.descAt(nextIdx).prev = d.prev
				}
			}

			d.slab = uint64(n) | slabStart
			d.next = 0
			d.prev = packPrev(0, false, tagPage)

			for i := 1; i < n; i++ {
				p.descs[pageIdx+i] = descriptor{slab: slabBusy, next: 0, prev: packPrev(0, false, tagPage)}
			}
			return pageIdx, nil
		}

		cur, ok = decodeNext(d.next)
	}

	p.log.Error("slab: alloc_pages failed, no memory", "pages", n)
	return 0, ErrNoMemory
}

// freePages returns the n-page run starting at pageIdx to the free list
// head, zeroing the trailing descriptors and unlinking the page from
// whatever class list it was on first.
func (p *Pool) freePages(pageIdx int, n int) {
	d := &p.descs[pageIdx]

	if _, ok, _ := unpackPrev(d.prev); ok {
		p.unlinkPage(d)
	}

	d.slab = uint64(n)
	for i := 1; i < n; i++ {
		p.descs[pageIdx+i] = descriptor{}
	}

	freeIdx := uint32(0)
	free := p.descAt(freeIdx)
	oldHead, ok := decodeNext(free.next)

	pageUnified := p.unifiedPage(pageIdx)
	d.prev = packPrev(freeIdx, true, tagPage)
	d.next = encodeSelf(oldHead)
	free.next = encodeSelf(pageUnified)
	if ok {
		p.descAt(oldHead).prev = packPrev(pageUnified, true, tagPage)
	}
}
