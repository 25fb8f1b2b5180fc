package xhci

// lifecycle.go implements Component G: controller reset and per-slot
// hand-back, grounded on
// _examples/original_source/drivers/usb/xhci.h's xhci_hc_reset and
// xhci_hand_eps_back_to_guest prototypes.

// Reset discards every shadow structure this driver holds (command
// ring, event rings, slots, translation table) in response to a guest
// HCRESET, matching xhci_hc_reset's full teardown. The real
// controller's own reset is triggered by the caller (Interposer)
// forwarding USBCMD's HCRESET bit through to hardware; this method only
// clears shadow bookkeeping so the next Address Device starts clean.
func (c *Controller) Reset() {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.cmdRing = nil
	c.cmdRingHost = 0
	c.eventRings = make(map[int]*Ring)
	c.erstHost = make(map[int]uint64)
	c.guestERST = make(map[int][]ERSTEntry)
	c.guestEventCursor = make(map[int]*eventCursor)
	c.dcbaaHost = 0
	c.dcbaaGuest = 0
	c.translate = newTranslation()

	for i := range c.slots {
		c.slots[i] = nil
	}

	c.logger.Printf("xhci: controller reset, shadow state cleared")
}

// HandBackSlot releases a slot's shadow endpoints back to
// OwnershipNo, used when a Disable Slot command or device disconnect
// means this driver should stop shadowing the slot's traffic, mirroring
// xhci_hand_eps_back_to_guest.
func (c *Controller) HandBackSlot(slotID int) {
	c.syncLock.Lock()
	s := c.slotFor(slotID)
	c.syncLock.Unlock()

	if s == nil {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.ownership = OwnershipNo

	for i := range s.endpoints {
		s.endpoints[i] = nil
	}

	c.metrics.ActiveSlots.Dec()

	if c.monitor != nil {
		c.monitor.FreeDevice(slotID)
	}
}
