// Package guest is the reference implementation of the map_gphys(pa, len,
// rw) -> vaddr / unmap(vaddr, len) boundary that spec.md assumes is
// supplied by the hypervisor's memory-management core and declares out of
// scope for this subsystem.
//
// It exists so xhci's shadow/command/URB code, which must treat every
// guest-physical pointer it is handed as "may mutate at any time" (spec.md
// §5), has something concrete to hold onto: a Guard scopes each access to
// guest memory instead of letting a raw address alias a Go byte slice for
// longer than a single read or copy, matching the re-architecture notes in
// spec.md §9 ("a core-owned DMA buffer that owns its bytes... and a guest
// alias whose lifetime is scoped by an explicit MapGuest guard").
package guest

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when a mapping request falls outside the
// backing memory this Memory instance represents.
var ErrOutOfRange = errors.New("guest: address range out of bounds")

// Memory is a reference/test stand-in for guest-physical RAM: a single
// flat anonymous mapping addressed by a synthetic "guest-physical" base,
// with raw offset read/write (unlike hostmem.Region, nothing here is
// carved into allocator-tracked blocks — a guest manages its own address
// space, the core only ever peeks and pokes at offsets the guest itself
// published).
type Memory struct {
	mu   sync.Mutex
	base []byte
	pa   uint64
}

// NewMemory allocates size bytes of simulated guest-physical memory,
// addressed starting at a synthetic base distinct from host-owned memory
// so that host- and guest-address confusion shows up immediately in tests.
func NewMemory(size int) (*Memory, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return &Memory{base: mem, pa: 0x100000000}, nil
}

// Close releases the simulated guest memory.
func (m *Memory) Close() error {
	return unix.Munmap(m.base)
}

// Base returns the guest-physical base address backing this instance
// (callers outside tests treat guest-physical addresses as opaque).
func (m *Memory) Base() uint64 { return m.pa }

// Size returns the size of the simulated guest memory.
func (m *Memory) Size() uint64 { return uint64(len(m.base)) }

// Map is the map_gphys(pa, len, rw) primitive: it returns a Guard scoping
// access to the [pa, pa+length) guest-physical range. rw records write
// intent: a Guard obtained with rw=false silently ignores Write calls.
func (m *Memory) Map(pa uint64, length int, rw bool) (*Guard, error) {
	if pa < m.pa || pa+uint64(length) > m.pa+uint64(len(m.base)) {
		return nil, ErrOutOfRange
	}

	return &Guard{mem: m, pa: pa, len: length, rw: rw}, nil
}

// Guard is a scoped alias onto a range of guest-physical memory. It must
// not be retained past the operation that obtained it: the memory it
// refers to may be rewritten by the guest concurrently with the VM running
// (spec.md §5, "guest-physical memory is treated as may-mutate-at-any-time").
type Guard struct {
	mem *Memory
	pa  uint64
	len int
	rw  bool
}

// PA returns the guest-physical address this guard scopes.
func (g *Guard) PA() uint64 { return g.pa }

// Len returns the length in bytes of the mapped range.
func (g *Guard) Len() int { return g.len }

// Read copies len(buf) bytes starting at offset off within the mapped
// range into buf. It re-reads the underlying memory every call, never
// caching, so repeated reads observe concurrent guest writes.
func (g *Guard) Read(off int, buf []byte) {
	g.mem.mu.Lock()
	defer g.mem.mu.Unlock()

	base := g.pa - g.mem.pa + uint64(off)
	copy(buf, g.mem.base[base:base+uint64(len(buf))])
}

// Write copies buf into the mapped range at offset off. Callers must have
// obtained the guard with rw=true.
func (g *Guard) Write(off int, buf []byte) {
	g.mem.mu.Lock()
	defer g.mem.mu.Unlock()

	if !g.rw {
		return
	}

	base := g.pa - g.mem.pa + uint64(off)
	copy(g.mem.base[base:base+uint64(len(buf))], buf)
}

// Unmap releases the guard. The reference implementation has nothing to
// release beyond bookkeeping (the backing Memory is shared across all
// guards), but real map_gphys/unmap implementations may need to tear down
// a per-mapping host page table entry here.
func (g *Guard) Unmap() {
	g.mem = nil
}
