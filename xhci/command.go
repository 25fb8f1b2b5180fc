package xhci

// command.go implements Component D: the shadow Command Ring, built
// and walked the same way as any Transfer Ring (Component A) but with a
// per-TRB-type patch table deciding how each command is mirrored into
// host-shadow Device/Input Context state before being re-issued to the
// real controller. Grounded on
// _examples/original_source/drivers/usb/xhci.h's xhci_process_cmd_trb
// prototype and its surrounding TRB type switch.

// onCRCRWrite handles the guest publishing its Command Ring Control
// Register: this driver never lets the real controller walk the
// guest's own Command Ring, so it allocates a host-shadow ring of equal
// initial size and keeps the guest ring only as a source to copy from
// (spec.md §4.4).
func (c *Controller) onCRCRWrite(val uint64) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	ringCycle := val&(1<<CRCRRingCycleState) != 0
	guestPtr := val &^ 0x3F

	if c.cmdRingHost == 0 {
		addr, err := c.host.Reserve(InitialSegmentTRBs*TRBLen, 64)
		if err != nil {
			c.logger.Printf("xhci: failed to allocate shadow command ring: %v", err)
			return
		}

		c.cmdRingHost = addr
		c.cmdRing = NewRing(addr)
	}

	c.cmdRing.Cycle = ringCycle
	c.translate.add(guestPtr, c.cmdRingHost)
}

// processCommandRing is invoked on a guest doorbell-0 ring: it copies
// every new guest Command TRB up to the guest's own cycle-bit boundary
// into the shadow ring and patches pointer fields slot by slot per TRB
// type. The real controller's doorbell is rung afterwards by the
// caller (Interposer.RingDoorbell forwards the guest's doorbell write).
func (c *Controller) processCommandRing() {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	if c.cmdRing == nil {
		return
	}

	guestPtr, ok := c.translate.toGuest(c.cmdRingHost)
	if !ok {
		return
	}

	for {
		guard, err := c.guest.Map(guestPtr+uint64(c.cmdRing.EnqIdx*TRBLen), TRBLen, false)
		if err != nil {
			break
		}

		buf := make([]byte, TRBLen)
		guard.Read(0, buf)
		guard.Unmap()

		trb := UnmarshalTRB(buf)
		if trb.Cycle() != c.cmdRing.Cycle {
			break
		}

		c.patchCommandTRB(&trb)

		*c.cmdRing.Current() = trb

		c.cmdRing.EnqSeg, c.cmdRing.EnqIdx, c.cmdRing.Cycle = c.cmdRing.Advance(
			c.cmdRing.EnqSeg, c.cmdRing.EnqIdx, c.cmdRing.Cycle)

		c.metrics.CommandsProcessed.Inc()
	}
}

// patchCommandTRB rewrites a single command TRB's guest pointer fields
// to their host-shadow equivalents, dispatching on TRB type the way
// BitVisor's xhci_process_cmd_trb switches on XHCI_TRB_GET_TY.
func (c *Controller) patchCommandTRB(trb *TRB) {
	switch trb.Type() {
	case TRBAddressDeviceCmd:
		c.patchAddressDevice(trb)
	case TRBConfigureEPCmd, TRBEvaluateCtxCmd:
		c.patchConfigureOrEvaluate(trb)
	case TRBResetEPCmd, TRBStopEPCmd:
		// Reset/Stop Endpoint commands address a slot/endpoint pair
		// directly via Control fields, no guest pointer to translate;
		// forwarded untouched (original_source's xhci_process_cmd_trb
		// treats these as pass-through once the slot is host-owned).
	case TRBSetTRDequeuePtrCmd:
		c.patchSetTRDequeue(trb)
	}
}

func (c *Controller) patchAddressDevice(trb *TRB) {
	slotID := int(trb.SlotID())
	guestInputCtx := trb.Parameter &^ 0xF

	s := c.slotFor(slotID)
	if s == nil {
		return
	}

	inputBuf, err := c.copyInputContext(guestInputCtx)
	if err != nil {
		c.logger.Printf("xhci: address device: copy input context: %v", err)
		return
	}

	if err := c.installDeviceContext(s, guestInputCtx); err != nil {
		c.logger.Printf("xhci: address device: install device context: %v", err)
		return
	}

	slotCtx := readSlotContext(inputBuf)
	ctrl := readInputControlContext(inputBuf)

	s.lock.Lock()
	s.ownership = OwnershipYes
	s.usbAddress = slotCtx.USBAddress()
	s.lock.Unlock()

	if ctrl.AddsEndpoint(0) {
		c.addOrEvaluateEndpoint(s, 0, readEndpointContext(inputBuf, 0))
	}

	hostInputCtx, err := c.host.Reserve(InputDeviceContextLen, 64)
	if err != nil {
		c.logger.Printf("xhci: address device: allocate shadow input context: %v", err)
		return
	}

	c.host.Write(hostInputCtx, 0, inputBuf)
	trb.Parameter = hostInputCtx
}

func (c *Controller) patchConfigureOrEvaluate(trb *TRB) {
	slotID := int(trb.SlotID())
	s := c.slotFor(slotID)
	if s == nil {
		return
	}

	guestInputCtx := trb.Parameter &^ 0xF

	inputBuf, err := c.copyInputContext(guestInputCtx)
	if err != nil {
		c.logger.Printf("xhci: configure/evaluate: copy input context: %v", err)
		return
	}

	ctrl := readInputControlContext(inputBuf)
	for ep := 0; ep < MaxEndpoints; ep++ {
		if ctrl.DropsEndpoint(ep) {
			c.dropEndpoint(s, ep)
		}
		if ctrl.AddsEndpoint(ep) {
			c.addOrEvaluateEndpoint(s, ep, readEndpointContext(inputBuf, ep))
		}
	}

	hostInputCtx, err := c.host.Reserve(InputDeviceContextLen, 64)
	if err != nil {
		c.logger.Printf("xhci: configure/evaluate: allocate shadow input context: %v", err)
		return
	}

	c.host.Write(hostInputCtx, 0, inputBuf)
	trb.Parameter = hostInputCtx
}

func (c *Controller) addOrEvaluateEndpoint(s *Slot, ep int, ctx EndpointContext) {
	s.lock.Lock()
	if s.endpoints[ep] == nil {
		num, inDir := endpointFromContextIndex(ep)
		s.endpoints[ep] = &Endpoint{num: num, inDir: inDir}
	}

	endpoint := s.endpoints[ep]
	endpoint.state = ctx.State()
	s.lock.Unlock()

	c.ensureEndpointRing(endpoint, ctx.DequeuePointer(), ctx.DequeueCycleState())
}

// ensureEndpointRing allocates a host-shadow Transfer Ring for ep on
// first use, translating the guest's published dequeue pointer the same
// way the Command Ring and Event Ring are shadowed. Callers must already
// hold c.syncLock (this is only ever reached from patchCommandTRB,
// itself invoked from within processCommandRing's critical section).
func (c *Controller) ensureEndpointRing(ep *Endpoint, guestDequeuePtr uint64, guestCycle bool) {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	if ep.ring != nil || guestDequeuePtr == 0 {
		return
	}

	hostAddr, err := c.host.Reserve(InitialSegmentTRBs*TRBLen, 64)
	if err != nil {
		c.logger.Printf("xhci: allocate shadow endpoint ring: %v", err)
		return
	}

	ep.ring = NewRing(hostAddr)
	ep.guestSegs = []guestSegment{{base: guestDequeuePtr, ntrbs: InitialSegmentTRBs}}
	ep.guestSeg = 0
	ep.guestEnqIdx = 0
	ep.guestCycle = guestCycle
	c.translate.add(guestDequeuePtr, hostAddr)
}

func (c *Controller) dropEndpoint(s *Slot, ep int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.endpoints[ep] = nil
}

// endpointFromContextIndex is the inverse of endpointIndex.
func endpointFromContextIndex(idx int) (epNum int, inDir bool) {
	if idx == 0 {
		return 0, false
	}

	n := idx - 1
	return n/2 + 1, n%2 == 1
}

// patchSetTRDequeue translates a Set TR Dequeue Pointer command's new
// guest dequeue pointer into the matching guest segment/offset (per
// xhci_shadow.c's patch_tr_dq_ptr), resets the endpoint's guest-side
// consumption cursor and toggle to it, and drops every URB still
// in-flight for this endpoint: spec.md §8's Cancellation law requires
// that no URB submitted strictly before this command may later
// complete as URB_STATUS_ADVANCED, which dropping ep.pending guarantees
// since a dropped URB is no longer in the queue consumeTransferEvent
// completes from. consumeTransferEvent does not match an event's TRB
// Pointer against URBs, so a dropped URB's Transfer Event that arrives
// while newer URBs are pending completes the oldest of those.
// The command's Parameter field is rewritten to this driver's
// host-shadow ring's own current producer position, not a value taken
// from the guest segment table, since this driver's shadow ring is an
// append-only producer (new shadow TRBs are written wherever ep.ring's
// enqueue cursor currently sits, not at guest-segment-aligned offsets)
// rather than a structural mirror of the guest ring's segment layout.
func (c *Controller) patchSetTRDequeue(trb *TRB) {
	slotID := int(trb.SlotID())
	s := c.slotFor(slotID)
	if s == nil {
		return
	}

	epID := trb.EndpointID()
	epNum, inDir := EndpointNumberFromID(epID)
	idx := endpointIndex(epNum, inDir)

	s.lock.Lock()
	ep := s.endpoints[idx]
	s.lock.Unlock()

	if ep == nil || ep.ring == nil {
		return
	}

	guestPtr := trb.Parameter &^ 0xF
	dcs := trb.Parameter&0x1 != 0

	ep.lock.Lock()
	defer ep.lock.Unlock()

	if seg, off, ok := ep.findGuestSegment(guestPtr); ok {
		ep.guestSeg = seg
		ep.guestEnqIdx = off
	} else {
		ep.guestSegs = append(ep.guestSegs, guestSegment{base: guestPtr, ntrbs: InitialSegmentTRBs})
		ep.guestSeg = len(ep.guestSegs) - 1
		ep.guestEnqIdx = 0
	}
	ep.guestCycle = dcs
	ep.pending = nil

	hostPtr := ep.ring.Segments[ep.ring.EnqSeg].Base + uint64(ep.ring.EnqIdx*TRBLen)
	var dcsBit uint64
	if ep.ring.Cycle {
		dcsBit = 1
	}
	trb.Parameter = hostPtr | dcsBit
}
