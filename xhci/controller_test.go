package xhci

import (
	"testing"

	"github.com/f-secure-foundry/xhci-shadow/internal/guest"
	"github.com/f-secure-foundry/xhci-shadow/internal/hostmem"
)

func newTestController(t *testing.T) (*Controller, *hostmem.Region, *guest.Memory) {
	t.Helper()

	host, err := hostmem.NewRegion(1 << 20)
	if err != nil {
		t.Fatalf("hostmem.NewRegion: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	guestMem, err := guest.NewMemory(1 << 20)
	if err != nil {
		t.Fatalf("guest.NewMemory: %v", err)
	}
	t.Cleanup(func() { guestMem.Close() })

	return NewController(host, guestMem, 32), host, guestMem
}

// buildGuestInputContext writes an Input Device Context into guest
// memory at guestAddr, adding only the Slot Context and EP0's Endpoint
// Context (A0/A1 set), with the Endpoint Context's dequeue pointer set to
// epRingGuestAddr (DCS=1).
func buildGuestInputContext(t *testing.T, guestMem *guest.Memory, guestAddr uint64, address uint8, epRingGuestAddr uint64) {
	t.Helper()

	buf := make([]byte, InputDeviceContextLen)

	ctrl := InputControlContext{AddFlags: (1 << 0) | (1 << 1)}
	buf[4] = byte(ctrl.AddFlags)

	var slot SlotContext
	slot.Fields[3] = uint32(address)
	copy(buf[InputControlContextLen:InputControlContextLen+SlotContextLen], slot.Marshal())

	var ep0 EndpointContext
	ep0.DqPtr = epRingGuestAddr | 1 // DCS=1
	off := InputControlContextLen + SlotContextLen
	copy(buf[off:off+EndpointContextLen], ep0.Marshal())

	guard, err := guestMem.Map(guestAddr, InputDeviceContextLen, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer guard.Unmap()

	guard.Write(0, buf)
}

func TestAddressDeviceCommandCreatesShadowSlot(t *testing.T) {
	ctl, _, guestMem := newTestController(t)

	guestCmdRingAddr := guestMem.Base() + 0x1000
	guestInputCtxAddr := guestMem.Base() + 0x4000
	guestEPRingAddr := guestMem.Base() + 0x8000

	ctl.onDCBAAPWrite(guestMem.Base() + 0x100)
	ctl.onCRCRWrite(guestCmdRingAddr | 1) // RCS=1

	buildGuestInputContext(t, guestMem, guestInputCtxAddr, 5, guestEPRingAddr)

	var trb TRB
	trb.SetType(TRBAddressDeviceCmd)
	trb.SetSlotID(1)
	trb.SetCycle(true)
	trb.Parameter = guestInputCtxAddr

	guard, err := guestMem.Map(guestCmdRingAddr, TRBLen, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	guard.Write(0, trb.Marshal())
	guard.Unmap()

	ctl.processCommandRing()

	s := ctl.slots[1]
	if s == nil {
		t.Fatal("slot 1 was not created")
	}

	if s.ownership != OwnershipYes {
		t.Errorf("slot ownership = %v, want OwnershipYes", s.ownership)
	}

	if s.usbAddress != 5 {
		t.Errorf("slot usbAddress = %d, want 5", s.usbAddress)
	}

	if s.endpoints[0] == nil || s.endpoints[0].ring == nil {
		t.Fatal("EP0 shadow ring was not created")
	}

	shadowTRB := ctl.cmdRing.Segments[0].TRBs[0]
	if shadowTRB.Parameter == guestInputCtxAddr {
		t.Error("shadow Command Ring leaked the guest input context pointer instead of a host-shadow address")
	}
}

func TestSubmitControlAndTransferEventRoundTrip(t *testing.T) {
	ctl, _, guestMem := newTestController(t)

	guestCmdRingAddr := guestMem.Base() + 0x1000
	guestInputCtxAddr := guestMem.Base() + 0x4000
	guestEPRingAddr := guestMem.Base() + 0x8000

	ctl.onDCBAAPWrite(guestMem.Base() + 0x100)
	ctl.onCRCRWrite(guestCmdRingAddr | 1)

	buildGuestInputContext(t, guestMem, guestInputCtxAddr, 5, guestEPRingAddr)

	var addrTRB TRB
	addrTRB.SetType(TRBAddressDeviceCmd)
	addrTRB.SetSlotID(1)
	addrTRB.SetCycle(true)
	addrTRB.Parameter = guestInputCtxAddr

	guard, err := guestMem.Map(guestCmdRingAddr, TRBLen, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	guard.Write(0, addrTRB.Marshal())
	guard.Unmap()

	ctl.processCommandRing()

	s := ctl.slots[1]
	if s == nil {
		t.Fatal("slot 1 was not created")
	}

	completed := make(chan *URB, 1)

	setup := [8]byte{0x80, 0x06, 0, 0x01, 0, 0, 18, 0}
	if err := ctl.SubmitControl(1, setup, make([]byte, 18), func(u *URB) { completed <- u }); err != nil {
		t.Fatalf("SubmitControl: %v", err)
	}

	ep := s.endpoints[0]
	if len(ep.pending) != 1 {
		t.Fatalf("expected 1 pending URB, got %d", len(ep.pending))
	}

	// Simulate the real controller filling the IN data stage buffer and
	// reporting a Transfer Event for it.
	dataTRBHost := ep.pending[0].shadowTRBs[1].Parameter

	payload := []byte("descriptor-bytes!!")[:18]
	ctl.host.Write(dataTRBHost, 0, payload)

	var ev TRB
	ev.SetType(TRBTransferEvent)
	ev.SetSlotID(1)
	ev.SetEndpointID(1) // EP0
	ev.SetCompletionCode(CodeSuccess)
	ev.Parameter = dataTRBHost
	ev.SetTRBLength(0) // no residual: full length transferred

	ctl.consumeTransferEvent(s, ep, &ev)

	var u *URB
	select {
	case u = <-completed:
	default:
		t.Fatal("onComplete callback was not invoked")
	}

	if !u.Completed() {
		t.Fatal("URB should be marked completed")
	}

	if u.CompletionCode() != CodeSuccess {
		t.Errorf("CompletionCode() = %v, want CodeSuccess", u.CompletionCode())
	}

	if got := ctl.URBBuffer(u, 1); string(got) != string(payload) {
		t.Errorf("URBBuffer(u, 1) = %q, want %q", got, payload)
	}
}
