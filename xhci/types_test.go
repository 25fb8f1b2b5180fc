package xhci

import "testing"

func TestTRBTypeRoundTrip(t *testing.T) {
	var trb TRB
	trb.SetType(TRBNormal)

	if got := trb.Type(); got != TRBNormal {
		t.Errorf("Type() = %v, want %v", got, TRBNormal)
	}

	trb.SetType(TRBCommandCompletionEvent)
	if got := trb.Type(); got != TRBCommandCompletionEvent {
		t.Errorf("Type() = %v, want %v", got, TRBCommandCompletionEvent)
	}
}

func TestTRBCycleBit(t *testing.T) {
	var trb TRB

	if trb.Cycle() {
		t.Fatal("zero-value TRB should not have cycle bit set")
	}

	trb.SetCycle(true)
	if !trb.Cycle() {
		t.Error("SetCycle(true) did not set the cycle bit")
	}

	trb.SetCycle(false)
	if trb.Cycle() {
		t.Error("SetCycle(false) did not clear the cycle bit")
	}
}

func TestTRBSlotAndEndpointID(t *testing.T) {
	var trb TRB
	trb.SetSlotID(17)
	trb.SetEndpointID(5)

	if got := trb.SlotID(); got != 17 {
		t.Errorf("SlotID() = %d, want 17", got)
	}

	if got := trb.EndpointID(); got != 5 {
		t.Errorf("EndpointID() = %d, want 5", got)
	}
}

func TestEndpointNumberFromID(t *testing.T) {
	cases := []struct {
		id    uint8
		epNum int
		inDir bool
	}{
		{0, 0, false},
		{1, 0, false},
		{2, 1, false},
		{3, 1, true},
		{4, 2, false},
		{5, 2, true},
	}

	for _, c := range cases {
		epNum, inDir := EndpointNumberFromID(c.id)
		if epNum != c.epNum || inDir != c.inDir {
			t.Errorf("EndpointNumberFromID(%d) = (%d, %v), want (%d, %v)", c.id, epNum, inDir, c.epNum, c.inDir)
		}
	}
}

func TestTRBMarshalUnmarshal(t *testing.T) {
	trb := TRB{Parameter: 0x1122334455667788, Status: 0xAABBCCDD, Control: 0x01020304}

	buf := trb.Marshal()
	if len(buf) != TRBLen {
		t.Fatalf("Marshal() produced %d bytes, want %d", len(buf), TRBLen)
	}

	got := UnmarshalTRB(buf)
	if got != trb {
		t.Errorf("UnmarshalTRB(Marshal(trb)) = %+v, want %+v", got, trb)
	}
}

func TestSlotContextAccessors(t *testing.T) {
	s := SlotContext{}
	s.Fields[0] = 0x12345
	s.Fields[1] = 0x00AB0000
	s.Fields[3] = 0x7F

	if got := s.RouteString(); got != 0x12345 {
		t.Errorf("RouteString() = %#x, want 0x12345", got)
	}

	if got := s.RootPortNumber(); got != 0xAB {
		t.Errorf("RootPortNumber() = %#x, want 0xab", got)
	}

	if got := s.USBAddress(); got != 0x7F {
		t.Errorf("USBAddress() = %#x, want 0x7f", got)
	}
}

func TestSlotContextMarshalRoundTrip(t *testing.T) {
	s := SlotContext{Fields: [8]uint32{1, 2, 3, 4, 5, 6, 7, 8}}

	got := UnmarshalSlotContext(s.Marshal())
	if got != s {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, s)
	}
}

func TestInputControlContextFlags(t *testing.T) {
	c := InputControlContext{DropFlags: 1 << 3, AddFlags: 1 << 5}

	if !c.DropsEndpoint(2) {
		t.Error("DropsEndpoint(2) should be true for DropFlags bit 3")
	}

	if c.DropsEndpoint(1) {
		t.Error("DropsEndpoint(1) should be false")
	}

	if !c.AddsEndpoint(4) {
		t.Error("AddsEndpoint(4) should be true for AddFlags bit 5")
	}
}
