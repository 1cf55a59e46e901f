// Copyright 2017-2022 Daniel Swarbrick. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/go-upcie/errs"
)

// blockHeader sits at the start of every block in the heap's free list.
// It is read and written in place, directly inside the pinned hugepage
// memory, via unsafe.Pointer arithmetic over DmaHeap.base — there is no
// Go-managed copy. Next is an offset from the heap base rather than an
// absolute pointer so a heap's free-list bookkeeping remains valid if
// ever rebuilt against a re-imported mapping at a different base
// address; 0 is the sentinel for "no next block" (the first block is
// always at offset 0, so no real block can claim it as a successor).
type blockHeader struct {
	Size uint64
	Free uint32
	_    uint32 // padding to keep Next 8-byte aligned
	Next uint64
}

var headerSize = uintptr(unsafe.Sizeof(blockHeader{}))

// DmaHeap is a first-fit free-list allocator over one physically
// chunked, contiguous-per-chunk hugepage region. It exposes an O(1)
// virtual-to-physical translation for anything it has allocated.
type DmaHeap struct {
	hp        *Hugepage
	base      VirtAddr
	size      uintptr
	chunkSize uintptr
	physLUT   []PhysAddr // physLUT[i] is the physical base of chunk i
}

// NewDmaHeap allocates a new hugepage region of the given size (via
// Alloc) and initializes it as a DmaHeap with a single free block
// spanning the whole region.
func NewDmaHeap(cfg Config, size uintptr) (*DmaHeap, error) {
	hp, err := Alloc(cfg, size)
	if err != nil {
		return nil, err
	}
	return newDmaHeapFromHugepage(hp)
}

func newDmaHeapFromHugepage(hp *Hugepage) (*DmaHeap, error) {
	const op = "hostmem.NewDmaHeap"

	h := &DmaHeap{
		hp:        hp,
		base:      hp.Base(),
		size:      hp.Size(),
		chunkSize: hp.ChunkSize(),
	}

	nChunks := h.size / h.chunkSize
	h.physLUT = make([]PhysAddr, nChunks)
	h.physLUT[0] = hp.Phys()
	for i := uintptr(1); i < nChunks; i++ {
		phys, err := resolvePhys(h.base + VirtAddr(i*h.chunkSize))
		if err != nil {
			hp.Free()
			return nil, errs.New(op, errs.IoError, fmt.Errorf("resolving chunk %d: %w", i, err))
		}
		h.physLUT[i] = phys
	}

	root := h.headerAt(0)
	root.Size = uint64(h.size)
	root.Free = 1
	root.Next = 0

	return h, nil
}

// NewDmaHeapFromBuffer builds a DmaHeap over caller-provided memory and an
// explicit per-chunk physical address table, bypassing hugepage allocation
// entirely. It exists for tests and simulators that need the allocator's
// first-fit/split/coalesce semantics without CAP_SYS_ADMIN or a configured
// hugepage pool; production callers use NewDmaHeap. len(mem) must be a
// positive multiple of chunkSize, with one physLUT entry per chunk.
func NewDmaHeapFromBuffer(mem []byte, physLUT []PhysAddr, chunkSize uintptr) (*DmaHeap, error) {
	const op = "hostmem.NewDmaHeapFromBuffer"

	if len(mem) == 0 || chunkSize == 0 || uintptr(len(mem))%chunkSize != 0 {
		return nil, errs.New(op, errs.InvalidArgument,
			fmt.Errorf("buffer size %d is not a positive multiple of chunk size %d", len(mem), chunkSize))
	}
	nChunks := uintptr(len(mem)) / chunkSize
	if uintptr(len(physLUT)) != nChunks {
		return nil, errs.New(op, errs.InvalidArgument,
			fmt.Errorf("physLUT has %d entries, want %d", len(physLUT), nChunks))
	}

	h := &DmaHeap{
		hp:        &Hugepage{mem: mem},
		base:      VirtAddr(uintptr(unsafe.Pointer(&mem[0]))),
		size:      uintptr(len(mem)),
		chunkSize: chunkSize,
		physLUT:   append([]PhysAddr(nil), physLUT...),
	}

	root := h.headerAt(0)
	root.Size = uint64(h.size)
	root.Free = 1
	root.Next = 0

	return h, nil
}

// Close releases the heap's hugepage region. Any pointers previously
// returned by Alloc become invalid.
func (h *DmaHeap) Close() error { return h.hp.Free() }

// Base returns the heap's virtual base address.
func (h *DmaHeap) Base() VirtAddr { return h.base }

func (h *DmaHeap) headerAt(offset uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(h.base) + offset))
}

// minAlignment is the smallest alignment AllocAligned will honor. The
// alignment-sized gap between a block's base and its payload holds two
// things that must not overlap: the blockHeader written at the block's
// base, and the 8-byte alignment footer written immediately before the
// payload. minAlignment is therefore headerSize+8 bytes, rounded up to
// the next power of two.
var minAlignment = nextPow2(headerSize + 8)

func nextPow2(n uintptr) uintptr {
	p := uintptr(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Alloc is AllocAligned(size, pagesize).
func (h *DmaHeap) Alloc(size uintptr) (VirtAddr, error) {
	return h.AllocAligned(size, uintptr(unix.Getpagesize()))
}

// AllocAligned performs a first-fit scan for a free block at least
// size+alignment bytes, splits off the remainder as a new free block
// when it is larger than a header, and returns a payload pointer
// alignment bytes past the block's base.
//
// The alignment-sized gap between the block header and the payload
// holds, in its last 8 bytes, a copy of the alignment itself. Free has
// no alignment parameter (matching the spec's single-argument
// block_free(ptr)), so it recovers the header location by first reading
// that footer to learn how far back the header sits.
func (h *DmaHeap) AllocAligned(size, alignment uintptr) (VirtAddr, error) {
	const op = "hostmem.DmaHeap.AllocAligned"

	if size == 0 {
		return 0, errs.New(op, errs.InvalidArgument, fmt.Errorf("size must be > 0"))
	}
	if alignment < minAlignment {
		alignment = minAlignment
	}
	needed := uint64(size + alignment)

	var cur uintptr
	for {
		hdr := h.headerAt(cur)
		if hdr.Free != 0 && hdr.Size >= needed {
			remainder := hdr.Size - needed
			if remainder > uint64(headerSize) {
				newOffset := cur + uintptr(needed)
				newHdr := h.headerAt(newOffset)
				newHdr.Size = remainder
				newHdr.Free = 1
				newHdr.Next = hdr.Next
				hdr.Size = needed
				hdr.Next = uint64(newOffset)
			}
			hdr.Free = 0

			payload := h.base + VirtAddr(cur+alignment)
			footer := (*uint64)(unsafe.Pointer(uintptr(payload) - 8))
			*footer = uint64(alignment)
			return payload, nil
		}
		if hdr.Next == 0 {
			return 0, errs.New(op, errs.OutOfMemory,
				fmt.Errorf("no free block >= %d bytes", needed))
		}
		cur = uintptr(hdr.Next)
	}
}

// AllocContiguous behaves like Alloc but rejects (and immediately frees)
// any allocation whose resulting byte range would straddle a hugepage
// chunk boundary, for callers that need a guarantee stronger than "one
// contiguous run per chunk" — see the heap's documented splitting
// limitation.
func (h *DmaHeap) AllocContiguous(size uintptr) (VirtAddr, error) {
	const op = "hostmem.DmaHeap.AllocContiguous"

	ptr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	startOff := uintptr(ptr) - uintptr(h.base)
	endOff := startOff + size - 1
	if startOff/h.chunkSize != endOff/h.chunkSize {
		h.Free(ptr)
		return 0, errs.New(op, errs.InvalidArgument,
			fmt.Errorf("allocation of %d bytes at offset %#x would cross a hugepage boundary", size, startOff))
	}
	return ptr, nil
}

// Free returns ptr's block to the free list, then performs a single pass
// over the whole list merging adjacent free blocks. Freeing the zero
// value is a no-op.
func (h *DmaHeap) Free(ptr VirtAddr) {
	if ptr == 0 {
		return
	}

	footer := (*uint64)(unsafe.Pointer(uintptr(ptr) - 8))
	alignment := uintptr(*footer)
	headerOffset := uintptr(ptr) - uintptr(h.base) - alignment

	hdr := h.headerAt(headerOffset)
	hdr.Free = 1

	h.coalesce()
}

func (h *DmaHeap) coalesce() {
	cur := uintptr(0)
	for {
		hdr := h.headerAt(cur)
		if hdr.Next == 0 {
			return
		}
		next := h.headerAt(uintptr(hdr.Next))
		if hdr.Free != 0 && next.Free != 0 {
			hdr.Size += next.Size
			hdr.Next = next.Next
			continue // re-examine cur against its new next
		}
		cur = uintptr(hdr.Next)
	}
}

// VirtToPhys translates a virtual address previously returned by Alloc
// into a physical, device-facing address. The result is guaranteed to be
// a single contiguous DMA-capable range only when the originating
// allocation did not straddle a hugepage chunk boundary (see
// AllocContiguous).
func (h *DmaHeap) VirtToPhys(ptr VirtAddr) (PhysAddr, error) {
	const op = "hostmem.DmaHeap.VirtToPhys"

	if ptr < h.base || uintptr(ptr) >= uintptr(h.base)+h.size {
		return 0, errs.New(op, errs.InvalidArgument, fmt.Errorf("pointer %#x outside heap", ptr))
	}
	offset := uintptr(ptr) - uintptr(h.base)
	chunk := offset / h.chunkSize
	return h.physLUT[chunk] + PhysAddr(offset%h.chunkSize), nil
}

// Bytes returns a slice view of n bytes starting at ptr, for typed
// reads/writes of SQE/CQE payloads. The slice aliases heap memory
// directly; callers must not retain it past Free.
func (h *DmaHeap) Bytes(ptr VirtAddr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), n)
}
