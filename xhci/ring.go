package xhci

import "fmt"

// Ring segment sizing, grounded in BitVisor's drivers/usb/xhci.h: a
// Command or Transfer Ring starts small (XHCI_N_TRBS_INITIAL) and is
// grown one equal-sized segment at a time as a slot's traffic demands
// it (capacity grows linearly, it does not double), capped at
// XHCI_MAX_N_TRBS entries total across all of a ring's segments so a
// single guest can never force unbounded host allocation.
const (
	InitialSegmentTRBs = 16
	MaxRingTRBs        = 4096
	MaxCommandRingTRBs = 256
)

// Segment is one linked block of a producer/consumer TRB ring: a shadow
// Command Ring or Transfer Ring segment, host-allocated and filled by
// this driver rather than the guest.
type Segment struct {
	// Base is the host address (hostmem.Region-relative) this segment
	// is shadowed at.
	Base uint64
	TRBs []TRB
}

// NTRBs returns the number of TRB slots in the segment, including the
// trailing Link TRB if the ring has more than one segment.
func (s *Segment) NTRBs() int { return len(s.TRBs) }

// Ring is a cycle-bit producer/consumer ring built from one or more
// linked Segments, used for both the shadow Command Ring and every
// shadow Transfer Ring (spec.md §4.1, "Component A: Ring Primitives").
type Ring struct {
	Segments []*Segment

	// enqueue/dequeue track the producer/consumer cursor as
	// (segment index, TRB index) pairs.
	EnqSeg, EnqIdx int
	DeqSeg, DeqIdx int

	// Cycle is the ring's current producer cycle state (PCS for a
	// Transfer/Command Ring, CCS for an Event Ring).
	Cycle bool
}

// NewRing builds a single-segment ring of InitialSegmentTRBs capacity,
// its final slot pre-formatted as a Link TRB pointing back to segment 0
// with Toggle Cycle set, matching the self-looping single-segment layout
// BitVisor's xhci_create_shadow_tr produces before any growth occurs.
func NewRing(base uint64) *Ring {
	seg := &Segment{Base: base, TRBs: make([]TRB, InitialSegmentTRBs)}

	link := &seg.TRBs[InitialSegmentTRBs-1]
	link.SetType(TRBLink)
	link.Parameter = base
	link.Control |= 1 << ctrlTC

	return &Ring{Segments: []*Segment{seg}, Cycle: true}
}

// TotalTRBs returns the ring's total TRB capacity across all segments.
func (r *Ring) TotalTRBs() int {
	n := 0
	for _, s := range r.Segments {
		n += len(s.TRBs)
	}
	return n
}

// Current returns the TRB at the ring's current enqueue (producer)
// cursor.
func (r *Ring) Current() *TRB {
	return &r.Segments[r.EnqSeg].TRBs[r.EnqIdx]
}

// At returns the TRB at an arbitrary (segment, index) position.
func (r *Ring) At(seg, idx int) *TRB {
	return &r.Segments[seg].TRBs[idx]
}

// Advance moves a (segment, index, cycle) cursor to the next TRB slot in
// the ring, following Link TRBs (and flipping cycle on Toggle Cycle)
// exactly as real xHCI hardware walks a ring, per spec.md §4.1 and
// BitVisor's XHCI_TRB_GET_TC-driven ring walk in xhci_update_ring.
func (r *Ring) Advance(seg, idx int, cycle bool) (nseg, nidx int, ncycle bool) {
	s := r.Segments[seg]

	if r.Classify(s.TRBs[idx]) == TRBLink {
		ncycle = cycle
		if s.TRBs[idx].ToggleCycle() {
			ncycle = !cycle
		}

		target := s.TRBs[idx].Parameter
		nseg, nidx = r.segmentIndexOf(target)
		return nseg, nidx, ncycle
	}

	idx++
	if idx >= len(s.TRBs) {
		idx = 0
		seg++
		if seg >= len(r.Segments) {
			seg = 0
		}
	}

	return seg, idx, cycle
}

// advanceSegmented steps a (segment, index, cycle) cursor across an
// Event Ring's segment list, toggling cycle only when the walk wraps
// from the last segment back to the first. Event Ring segments, unlike
// Command/Transfer Ring segments, carry no embedded Link TRB to mark a
// boundary (xHCI 1.1 §4.9.4): the hardware (and this driver's shadow of
// it) instead walks the ERST's segment-length list directly, so Ring.
// Advance's Link-TRB-driven wrap logic does not apply here. lens holds
// each segment's TRB capacity in ERST order.
func advanceSegmented(seg, idx int, lens []int, cycle bool) (nseg, nidx int, ncycle bool) {
	idx++
	if idx >= lens[seg] {
		idx = 0
		seg++
		if seg >= len(lens) {
			seg = 0
			cycle = !cycle
		}
	}

	return seg, idx, cycle
}

// segmentIndexOf resolves a shadow Link TRB's target address back to a
// (segment, index) pair within this ring.
func (r *Ring) segmentIndexOf(addr uint64) (int, int) {
	for i, s := range r.Segments {
		if addr >= s.Base && addr < s.Base+uint64(len(s.TRBs)*TRBLen) {
			return i, int((addr - s.Base) / TRBLen)
		}
	}

	panic(fmt.Sprintf("xhci: ring Link TRB targets unknown segment 0x%x", addr))
}

// EnqueueMatches reports whether the enqueue cursor's cycle bit equals
// the ring's current producer cycle state, i.e. whether the ring has
// room for another TRB without catching up to the consumer.
func (r *Ring) EnqueueMatches() bool {
	return r.Current().Cycle() == r.Cycle
}

// Classify returns the TRB's type field, a thin indirection kept for
// call sites that only have a TRB value (not a pointer) in hand.
func (r *Ring) Classify(t TRB) TRBType { return t.Type() }

// CycleMatches reports whether t's cycle bit equals toggle, i.e.
// whether t is a TRB the consumer is now permitted to process.
func CycleMatches(t *TRB, toggle bool) bool { return t.Cycle() == toggle }

// DataLen returns the transfer length encoded in a Normal/Data Stage/
// Isoch/Setup Stage TRB, 0 for TRB types that carry no data length.
func DataLen(t *TRB) uint32 {
	switch t.Type() {
	case TRBNormal, TRBDataStage, TRBIsoch, TRBSetupStage:
		return t.TRBLength()
	default:
		return 0
	}
}

// Grow appends a new segment the same size as the ring's last segment
// (total capacity grows by that amount, not by doubling), up to
// MaxRingTRBs, and re-links the previous final segment's Link TRB to
// point at the new segment instead of back to segment 0. base is a
// freshly host-allocated address for the new segment's backing memory.
// Grow returns false without modifying the ring if growth would exceed
// MaxRingTRBs.
func (r *Ring) Grow(base uint64) bool {
	last := r.Segments[len(r.Segments)-1]
	newLen := len(last.TRBs)

	if r.TotalTRBs()+newLen > MaxRingTRBs {
		return false
	}

	newSeg := &Segment{Base: base, TRBs: make([]TRB, newLen)}

	link := &newSeg.TRBs[newLen-1]
	link.SetType(TRBLink)
	link.Parameter = r.Segments[0].Base
	link.Control |= 1 << ctrlTC

	oldLink := &last.TRBs[len(last.TRBs)-1]
	oldLink.Parameter = base
	oldLink.Control &^= 1 << ctrlTC

	r.Segments = append(r.Segments, newSeg)

	return true
}
