package xhci

import "testing"

func TestNewRingSelfLoopingLink(t *testing.T) {
	r := NewRing(0x1000)

	link := r.Segments[0].TRBs[InitialSegmentTRBs-1]
	if link.Type() != TRBLink {
		t.Fatalf("final TRB of a fresh ring should be a Link TRB, got %v", link.Type())
	}

	if link.Parameter != 0x1000 {
		t.Errorf("single-segment ring's Link TRB should point back at its own base, got %#x", link.Parameter)
	}

	if !link.ToggleCycle() {
		t.Error("single-segment ring's Link TRB should set Toggle Cycle")
	}
}

func TestRingAdvanceWithinSegment(t *testing.T) {
	r := NewRing(0x1000)

	seg, idx, cyc := r.Advance(0, 0, true)
	if seg != 0 || idx != 1 || !cyc {
		t.Errorf("Advance(0,0,true) = (%d,%d,%v), want (0,1,true)", seg, idx, cyc)
	}
}

func TestRingAdvanceThroughLinkTogglesCycle(t *testing.T) {
	r := NewRing(0x1000)

	seg, idx, cyc := r.Advance(0, InitialSegmentTRBs-1, true)
	if seg != 0 || idx != 0 {
		t.Fatalf("single-segment ring should wrap to (0,0), got (%d,%d)", seg, idx)
	}

	if cyc {
		t.Error("Toggle Cycle Link TRB should flip the cycle bit")
	}
}

func TestRingGrowAppendsSegmentAndRelinks(t *testing.T) {
	r := NewRing(0x1000)

	if !r.Grow(0x2000) {
		t.Fatal("Grow should succeed under MaxRingTRBs")
	}

	if len(r.Segments) != 2 {
		t.Fatalf("expected 2 segments after Grow, got %d", len(r.Segments))
	}

	oldLink := r.Segments[0].TRBs[InitialSegmentTRBs-1]
	if oldLink.Parameter != 0x2000 {
		t.Errorf("first segment's Link TRB should now point at the new segment, got %#x", oldLink.Parameter)
	}
	if oldLink.ToggleCycle() {
		t.Error("first segment's Link TRB should no longer set Toggle Cycle")
	}

	newLink := r.Segments[1].TRBs[len(r.Segments[1].TRBs)-1]
	if newLink.Parameter != 0x1000 {
		t.Errorf("new segment's Link TRB should point back at segment 0, got %#x", newLink.Parameter)
	}
	if !newLink.ToggleCycle() {
		t.Error("new segment's Link TRB should set Toggle Cycle")
	}
}

func TestRingGrowRespectsMaxRingTRBs(t *testing.T) {
	r := NewRing(0x1000)

	addr := uint64(0x2000)
	for r.TotalTRBs() < MaxRingTRBs {
		if !r.Grow(addr) {
			break
		}
		addr += 0x1000
	}

	if r.TotalTRBs() > MaxRingTRBs {
		t.Fatalf("ring grew past MaxRingTRBs: %d", r.TotalTRBs())
	}

	before := len(r.Segments)
	r.Grow(addr)
	if len(r.Segments) != before {
		t.Error("Grow should refuse to exceed MaxRingTRBs")
	}
}

func TestDataLenByType(t *testing.T) {
	var normal TRB
	normal.SetType(TRBNormal)
	normal.SetTRBLength(512)

	if got := DataLen(&normal); got != 512 {
		t.Errorf("DataLen(Normal) = %d, want 512", got)
	}

	var link TRB
	link.SetType(TRBLink)
	link.SetTRBLength(999)

	if got := DataLen(&link); got != 0 {
		t.Errorf("DataLen(Link) = %d, want 0", got)
	}
}

func TestCycleMatches(t *testing.T) {
	var trb TRB
	trb.SetCycle(true)

	if !CycleMatches(&trb, true) {
		t.Error("CycleMatches should be true when bits match")
	}

	if CycleMatches(&trb, false) {
		t.Error("CycleMatches should be false when bits differ")
	}
}
