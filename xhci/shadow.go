package xhci

// shadow.go implements Component C: the translation layer between
// guest-published pointers (DCBAA, Device/Input Contexts, ERST, ring
// segments) and this driver's host-owned shadow copies of the same
// structures, grounded on _examples/original_source/drivers/usb/xhci.h's
// struct xhci_guest_data / xhci_erst_data / xhci_host and the
// create/update/unmap function family (xhci_create_shadow_erst,
// xhci_update_er_and_dev_ctx, xhci_unmap_guest_erst).

// translation keeps the guest-physical <-> host-shadow address mapping
// for every structure this driver has mirrored, so that an event TRB's
// guest-visible pointer field can be rewritten to the value the guest
// itself published (spec.md §8, "no host address ever reaches the
// guest").
type translation struct {
	guestToHost map[uint64]uint64
	hostToGuest map[uint64]uint64
}

func newTranslation() *translation {
	return &translation{
		guestToHost: make(map[uint64]uint64),
		hostToGuest: make(map[uint64]uint64),
	}
}

func (t *translation) add(guestAddr, hostAddr uint64) {
	t.guestToHost[guestAddr] = hostAddr
	t.hostToGuest[hostAddr] = guestAddr
}

func (t *translation) remove(guestAddr uint64) {
	hostAddr, ok := t.guestToHost[guestAddr]
	if !ok {
		return
	}

	delete(t.guestToHost, guestAddr)
	delete(t.hostToGuest, hostAddr)
}

func (t *translation) toHost(guestAddr uint64) (uint64, bool) {
	v, ok := t.guestToHost[guestAddr]
	return v, ok
}

func (t *translation) toGuest(hostAddr uint64) (uint64, bool) {
	v, ok := t.hostToGuest[hostAddr]
	return v, ok
}

// onDCBAAPWrite handles the guest publishing its Device Context Base
// Address Array pointer. This driver never lets the hardware see the
// guest's DCBAA directly: it allocates a host-shadow array of the same
// size and keeps the guest pointer only for translation, matching
// spec.md §4.3's "the guest's DCBAA entries are never the addresses
// presented to hardware".
func (c *Controller) onDCBAAPWrite(guestAddr uint64) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.dcbaaGuest = guestAddr

	if c.dcbaaHost == 0 {
		addr, err := c.host.Reserve(MaxSlots*8, 64)
		if err != nil {
			c.logger.Printf("xhci: failed to allocate shadow DCBAA: %v", err)
			return
		}
		c.dcbaaHost = addr
	}
}

// scratchpadArray returns the host-shadow scratchpad buffer array
// address for the controller's Max Scratchpad Buffers (HCSPARAMS2),
// allocating it on first use. Scratchpad pages are host-owned memory
// the guest never touches directly (xHCI 1.1 §4.20), so this is a pure
// host allocation with no guest counterpart to translate.
func (c *Controller) scratchpadArray(maxBuffers int, pageSize int) (uint64, error) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	if maxBuffers == 0 {
		return 0, nil
	}

	arr, err := c.host.Reserve(maxBuffers*8, 64)
	if err != nil {
		return 0, err
	}

	for i := 0; i < maxBuffers; i++ {
		page, err := c.host.Reserve(pageSize, pageSize)
		if err != nil {
			return 0, err
		}

		var buf [8]byte
		putU64(buf[:], page)
		c.host.Write(arr, i*8, buf[:])
	}

	return arr, nil
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

// installDeviceContext allocates a host-shadow Device Context for slot
// and records the guest<->host translation so later Address Device /
// Evaluate Context / event processing can resolve pointers both ways.
func (c *Controller) installDeviceContext(s *Slot, guestAddr uint64) error {
	hostAddr, err := c.host.Reserve(DeviceContextLen, 64)
	if err != nil {
		return err
	}

	s.lock.Lock()
	s.deviceCtxGuest = guestAddr
	s.deviceCtxHost = hostAddr
	s.lock.Unlock()

	c.translate.add(guestAddr, hostAddr)

	var entry [8]byte
	putU64(entry[:], hostAddr)
	c.host.Write(c.dcbaaHost, s.id*8, entry[:])

	c.metrics.ActiveSlots.Inc()

	return nil
}

// copyInputContext reads a guest Input Device Context (Input Control
// Context plus Device Context) into host memory so command processing
// can inspect Add/Drop Context flags and per-endpoint parameters
// without re-touching racy guest memory for each field it needs
// (spec.md §5, guest memory may mutate at any time).
func (c *Controller) copyInputContext(guestAddr uint64) ([]byte, error) {
	guard, err := c.guest.Map(guestAddr, InputDeviceContextLen, false)
	if err != nil {
		return nil, err
	}
	defer guard.Unmap()

	buf := make([]byte, InputDeviceContextLen)
	guard.Read(0, buf)

	return buf, nil
}

// readSlotContext extracts the Slot Context from a copied Input Device
// Context buffer.
func readSlotContext(inputCtx []byte) SlotContext {
	return UnmarshalSlotContext(inputCtx[InputControlContextLen : InputControlContextLen+SlotContextLen])
}

// readEndpointContext extracts endpoint ep's (0-based, EP0=0) Endpoint
// Context from a copied Input Device Context buffer.
func readEndpointContext(inputCtx []byte, ep int) EndpointContext {
	off := InputControlContextLen + SlotContextLen + ep*EndpointContextLen
	return UnmarshalEndpointContext(inputCtx[off : off+EndpointContextLen])
}

// readInputControlContext extracts the Input Control Context from a
// copied Input Device Context buffer.
func readInputControlContext(inputCtx []byte) InputControlContext {
	return UnmarshalInputControlContext(inputCtx[0:InputControlContextLen])
}
