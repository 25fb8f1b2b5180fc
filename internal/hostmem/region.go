// First-fit memory allocator for core-owned ("host") DMA buffers
// https://github.com/f-secure-foundry/tamago
//
// derived from the tamago dma package's first-fit allocator
//
// Package hostmem is the reference implementation of the alloc_dma(nbytes,
// align) -> (vaddr, pa) boundary that spec.md declares out of scope and
// assumed to be supplied by the surrounding hypervisor. It backs a fixed
// region of anonymous, mmap'd memory obtained from the OS (never from
// the Go heap, so addresses handed to hardware never move under the
// garbage collector) and hands out first-fit, optionally aligned blocks
// from it exactly like tamago's dma.Region does for bare-metal boards.
//
// Every structure the xhci package's shadow/command/URB machinery
// allocates for the hardware to read or write (host DCBAA, host device
// contexts, host Command/Transfer Ring segments, shadow URB buffers)
// comes from a Region. A real hypervisor would plug its own
// IOMMU-coherent allocator in here instead; this package exists so the
// core is exercisable and testable on its own.
package hostmem

import (
	"container/list"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrOutOfMemory is returned when a Region has no free block large enough
// to satisfy a request.
var ErrOutOfMemory = errors.New("hostmem: out of memory")

type block struct {
	addr uint64
	size uint64
	// res distinguishes regular (Alloc/Free) from reserved
	// (Reserve/Release) blocks, mirroring dma.Region's convention.
	res bool
}

// Region represents a single pre-allocated, page-backed span of host
// memory carved up on demand for DMA-visible structures.
type Region struct {
	mu sync.Mutex

	base []byte
	addr uint64
	size uint64

	freeBlocks *list.List
	usedBlocks map[uint64]*block
}

// NewRegion reserves size bytes of anonymous, non-heap memory from the OS
// and returns a Region ready for allocation. size is rounded up to a whole
// number of pages by the kernel.
func NewRegion(size int) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	r := &Region{
		base:       mem,
		addr:       uint64(uintptrOf(mem)),
		size:       uint64(len(mem)),
		freeBlocks: list.New(),
		usedBlocks: make(map[uint64]*block),
	}

	r.freeBlocks.PushFront(&block{addr: r.addr, size: r.size})

	return r, nil
}

// Close releases the region's backing memory. No allocations from it may
// be used afterwards.
func (r *Region) Close() error {
	return unix.Munmap(r.base)
}

// Start returns the region's base address.
func (r *Region) Start() uint64 { return r.addr }

// End returns the address one past the region's last byte.
func (r *Region) End() uint64 { return r.addr + r.size }

// Alloc reserves a block able to hold len(buf) bytes with the given
// alignment (0 means natural word alignment), copies buf into it and
// returns the block's address. The block is freed with Free.
func (r *Region) Alloc(buf []byte, align int) (addr uint64, err error) {
	size := len(buf)
	if size == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.alloc(uint64(size), uint64(align))
	if err != nil {
		return 0, err
	}

	r.write(b.addr, 0, buf)
	r.usedBlocks[b.addr] = b

	return b.addr, nil
}

// Reserve behaves like Alloc but leaves the block's contents
// uninitialized, for callers that will fill it in place (e.g. a shadow
// Command Ring segment built TRB by TRB).
func (r *Region) Reserve(size int, align int) (addr uint64, err error) {
	if size == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.alloc(uint64(size), uint64(align))
	if err != nil {
		return 0, err
	}

	b.res = true
	r.usedBlocks[b.addr] = b

	return b.addr, nil
}

// Read copies len(buf) bytes starting at addr+off into buf.
func (r *Region) Read(addr uint64, off int, buf []byte) {
	if addr == 0 || len(buf) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok {
		panic("hostmem: read of unallocated address")
	}

	if uint64(off+len(buf)) > b.size {
		panic("hostmem: read out of block bounds")
	}

	r.read(addr, off, buf)
}

// Write copies buf into the block at addr+off.
func (r *Region) Write(addr uint64, off int, buf []byte) {
	if addr == 0 || len(buf) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok {
		return
	}

	if uint64(off+len(buf)) > b.size {
		panic("hostmem: write out of block bounds")
	}

	r.write(addr, off, buf)
}

// Bytes returns a direct (unsafe) view of the block at addr, for callers
// that need to hand the kernel/hardware a []byte backed by the same
// memory rather than a copy.
func (r *Region) Bytes(addr uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok {
		return nil
	}

	off := addr - r.addr
	return r.base[off : off+b.size]
}

// Free releases the block previously returned by Alloc.
func (r *Region) Free(addr uint64) { r.freeBlock(addr, false) }

// Release releases the block previously returned by Reserve.
func (r *Region) Release(addr uint64) { r.freeBlock(addr, true) }

func (r *Region) read(addr uint64, off int, buf []byte) {
	base := addr - r.addr + uint64(off)
	copy(buf, r.base[base:base+uint64(len(buf))])
}

func (r *Region) write(addr uint64, off int, buf []byte) {
	base := addr - r.addr + uint64(off)
	copy(r.base[base:base+uint64(len(buf))], buf)
}

func (r *Region) alloc(size uint64, align uint64) (*block, error) {
	var e *list.Element
	var free *block
	var pad uint64

	if align == 0 {
		align = 4
	}

	need := size

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = -b.addr & (align - 1)
		need = size + pad

		if b.size >= need {
			free = b
			break
		}
	}

	if free == nil {
		return nil, ErrOutOfMemory
	}

	defer r.freeBlocks.Remove(e)

	if rem := free.size - need; rem != 0 {
		r.freeBlocks.InsertAfter(&block{addr: free.addr + need, size: rem}, e)
	}

	free.size = need

	if pad != 0 {
		r.freeBlocks.InsertBefore(&block{addr: free.addr, size: pad}, e)
		free.addr += pad
		free.size -= pad
	}

	return free, nil
}

func (r *Region) freeBlock(addr uint64, res bool) {
	if addr == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[addr]
	if !ok || b.res != res {
		return
	}

	r.insertFree(b)
	delete(r.usedBlocks, addr)
}

func (r *Region) insertFree(used *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > used.addr {
			r.freeBlocks.InsertBefore(used, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(used)
}

func (r *Region) defrag() {
	var prev *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			defer r.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}
