package xhci

// eventring.go completes Component C/D's shadow Event Ring handling:
// the guest's ERST/ERDP/ERSTSZ registers are shadowed the same way the
// Command Ring is (the real controller never walks the guest's own
// Event Ring segments), and this driver polls the shadow Event Ring for
// Command Completion and Transfer Event TRBs, rewriting each event's
// pointer field to the guest's own address where it can be resolved and
// clearing it to 0 where it cannot, before making it visible, so that
// spec.md §8's "no host address ever reaches the guest" property holds.
// Command Completion pointers are resolved by their offset into the
// shadow Command Ring; Transfer Event pointers are resolved only when
// they equal a structure base address the translation table records;
// Event Data values (ED=1) pass through unchanged. Grounded on
// _examples/original_source/drivers/usb/xhci.h's struct xhci_erst_data
// and xhci_update_er_and_dev_ctx's event-ring consumption loop.

// onERSTSZWrite records the Event Ring Segment Table size (in entries)
// the guest has declared for interrupter ir, ahead of the ERSTBA write
// that supplies the table's address.
func (c *Controller) onERSTSZWrite(ir int, size uint32) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	if c.pendingERSTSZ == nil {
		c.pendingERSTSZ = make(map[int]uint32)
	}

	c.pendingERSTSZ[ir] = size
}

// eventCursor is a producer cursor into a guest's Event Ring segment
// list: (segment, index) within guestERST[ir] plus the current Cycle
// Consumer/Producer state, advanced by advanceSegmented rather than
// Ring.Advance since Event Ring segments carry no embedded Link TRB.
type eventCursor struct {
	seg, idx int
	cycle    bool
}

// onERSTBAWrite handles the guest publishing interrupter ir's Event
// Ring Segment Table address: it reads the guest's ERST entries,
// allocates a host-shadow Event Ring segment matching each guest
// segment's size, records the guest<->host segment-base translation so
// event TRBs can be reverse-translated on delivery, and retains the
// guest's own ERST entries plus a fresh producer cursor so
// ProcessEventRing can copy translated events back into the guest's
// ring (spec.md §4.5).
func (c *Controller) onERSTBAWrite(ir int, guestERSTAddr uint64) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	n := int(c.pendingERSTSZ[ir])
	if n == 0 {
		return
	}

	guard, err := c.guest.Map(guestERSTAddr, n*ERSTEntryLen, false)
	if err != nil {
		c.logger.Printf("xhci: ERSTBA: map guest ERST: %v", err)
		return
	}
	buf := make([]byte, n*ERSTEntryLen)
	guard.Read(0, buf)
	guard.Unmap()

	ring := &Ring{Cycle: true}
	var guestEntries []ERSTEntry

	for i := 0; i < n; i++ {
		entry := UnmarshalERSTEntry(buf[i*ERSTEntryLen : (i+1)*ERSTEntryLen])
		if entry.NTRBs == 0 {
			continue
		}

		hostAddr, err := c.host.Reserve(int(entry.NTRBs)*TRBLen, 64)
		if err != nil {
			c.logger.Printf("xhci: ERSTBA: allocate shadow segment: %v", err)
			return
		}

		ring.Segments = append(ring.Segments, &Segment{Base: hostAddr, TRBs: make([]TRB, entry.NTRBs)})
		c.translate.add(entry.Base, hostAddr)
		guestEntries = append(guestEntries, entry)
	}

	if len(ring.Segments) == 0 {
		return
	}

	c.eventRings[ir] = ring
	c.guestERST[ir] = guestEntries
	c.guestEventCursor[ir] = &eventCursor{cycle: true}

	hostERST, err := c.host.Reserve(len(ring.Segments)*ERSTEntryLen, 64)
	if err != nil {
		c.logger.Printf("xhci: ERSTBA: allocate shadow ERST: %v", err)
		return
	}

	for i, seg := range ring.Segments {
		e := ERSTEntry{Base: seg.Base, NTRBs: uint16(len(seg.TRBs))}
		c.host.Write(hostERST, i*ERSTEntryLen, e.Marshal())
	}

	c.erstHost[ir] = hostERST
}

// onERDPWrite handles the guest advancing interrupter ir's Event Ring
// Dequeue Pointer, acknowledging consumption of events up to that
// point. When the pointer equals the guest base of one of the ring's
// segments, the shadow ring's DeqSeg/DeqIdx are set to the start of the
// matching shadow segment; other values leave them unchanged.
// ProcessEventRing does not read DeqSeg/DeqIdx: it finds new events by
// their cycle bit.
func (c *Controller) onERDPWrite(ir int, guestPtr uint64) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	ring, ok := c.eventRings[ir]
	if !ok {
		return
	}

	hostPtr, ok := c.translate.toHost(guestPtr &^ 0xF)
	if !ok {
		return
	}

	seg, idx := ring.segmentIndexOf(hostPtr)
	ring.DeqSeg, ring.DeqIdx = seg, idx
}

// ProcessEventRing polls interrupter ir's shadow Event Ring for new
// entries produced by the real controller since the last poll,
// dispatches Command Completion and Transfer Events to the matching
// shadow state, rewrites each event's pointer field back to the guest's
// own address (or clears it to 0 when it cannot be resolved, see the
// file comment), and copies the translated events into the guest's Event
// Ring so the guest's own interrupt handler sees them. This is the
// per-controller poller task spec.md §5 describes.
func (c *Controller) ProcessEventRing(ir int) {
	c.syncLock.Lock()
	ring, ok := c.eventRings[ir]
	lens := segmentLengths(ring)
	c.syncLock.Unlock()

	if !ok {
		return
	}

	for {
		c.syncLock.Lock()
		trb := *ring.At(ring.EnqSeg, ring.EnqIdx)
		seg, idx, cyc := ring.EnqSeg, ring.EnqIdx, ring.Cycle
		c.syncLock.Unlock()

		if trb.Cycle() != cyc {
			return
		}

		c.dispatchEvent(&trb)
		c.writeGuestEvent(ir, &trb)

		c.syncLock.Lock()
		ring.EnqSeg, ring.EnqIdx, ring.Cycle = advanceSegmented(seg, idx, lens, cyc)
		c.syncLock.Unlock()
	}
}

// segmentLengths returns each of ring's segments' TRB capacity, in
// segment order, for use with advanceSegmented. Callers must hold
// c.syncLock.
func segmentLengths(ring *Ring) []int {
	if ring == nil {
		return nil
	}

	lens := make([]int, len(ring.Segments))
	for i, s := range ring.Segments {
		lens[i] = len(s.TRBs)
	}

	return lens
}

// writeGuestEvent copies ev, already pointer-translated back to the
// guest's own addresses by dispatchEvent, into interrupter ir's guest
// Event Ring at that ring's current producer cursor, advances the
// cursor, and notifies the real register window (if any) so the
// guest's interrupt handler observes the new entry (spec.md §4.5).
func (c *Controller) writeGuestEvent(ir int, ev *TRB) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	entries := c.guestERST[ir]
	cursor := c.guestEventCursor[ir]
	if len(entries) == 0 || cursor == nil {
		return
	}

	out := *ev
	out.SetCycle(cursor.cycle)
	buf := out.Marshal()

	guestAddr := entries[cursor.seg].Base + uint64(cursor.idx*TRBLen)
	guard, err := c.guest.Map(guestAddr, TRBLen, true)
	if err != nil {
		c.logger.Printf("xhci: writeGuestEvent: map guest event ring: %v", err)
		return
	}
	guard.Write(0, buf)
	guard.Unmap()

	lens := make([]int, len(entries))
	for i, e := range entries {
		lens[i] = int(e.NTRBs)
	}

	cursor.seg, cursor.idx, cursor.cycle = advanceSegmented(cursor.seg, cursor.idx, lens, cursor.cycle)

	if c.interruptNotify != nil {
		c.interruptNotify(ir)
	}
}

// dispatchEvent routes one consumed event TRB to shadow state and
// hands the (pointer-translated) result back toward the guest.
func (c *Controller) dispatchEvent(ev *TRB) {
	switch ev.Type() {
	case TRBTransferEvent:
		c.dispatchTransferEvent(ev)
	case TRBCommandCompletionEvent:
		c.dispatchCommandCompletion(ev)
	}
}

func (c *Controller) dispatchTransferEvent(ev *TRB) {
	// ED (bit 2): Parameter holds an Event Data TRB's value, not a pointer.
	const eventData = 1 << 2
	if ev.Control&eventData == 0 {
		if guestPtr, ok := c.translate.toGuest(ev.Parameter &^ 0xF); ok {
			ev.Parameter = guestPtr
		} else {
			c.logger.Printf("xhci: transfer event pointer %#x has no guest translation, cleared", ev.Parameter)
			ev.Parameter = 0
		}
	}

	slotID := int(ev.SlotID())
	epID := ev.EndpointID()
	epNum, inDir := EndpointNumberFromID(epID)

	c.syncLock.Lock()
	s := c.slots[slotID]
	c.syncLock.Unlock()

	if s == nil {
		return
	}

	idx := endpointIndex(epNum, inDir)

	s.lock.Lock()
	ep := s.endpoints[idx]
	s.lock.Unlock()

	if ep == nil {
		return
	}

	c.consumeTransferEvent(s, ep, ev)
}

func (c *Controller) dispatchCommandCompletion(ev *TRB) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	// The shadow Command Ring is filled at the same TRB index the guest
	// ring is read from, so a pointer into it maps back by its offset.
	ptr := ev.Parameter &^ 0xF
	if guestBase, ok := c.translate.toGuest(c.cmdRingHost); ok &&
		ptr >= c.cmdRingHost && ptr < c.cmdRingHost+InitialSegmentTRBs*TRBLen {
		ev.Parameter = guestBase + (ptr - c.cmdRingHost)
		return
	}

	c.logger.Printf("xhci: command completion pointer %#x has no guest translation, cleared", ev.Parameter)
	ev.Parameter = 0
}
