package xhci

import (
	"errors"
	"strconv"
)

// urb.go implements Component E: USB Request Block construction from
// guest TRB chains, shadow cloning, Transfer Event consumption, and the
// SubmitControl/SubmitBulk/SubmitInterrupt entry points a policy module
// uses to inject traffic out of band. Grounded on
// _examples/original_source/drivers/usb/xhci.h's struct xhci_urb_private,
// struct xhci_trb_meta and the xhci_construct_gurbs/xhci_shadow_g_urb/
// xhci_check_urb_advance/xhci_deactivate_urb prototypes.

// ErrEndpointNotReady is returned by the Submit* entry points when the
// target slot/endpoint has no shadow ring yet (the device has not been
// configured for that endpoint).
var ErrEndpointNotReady = errors.New("xhci: endpoint not ready")

// bufferSpan is one contiguous guest-physical range making up part of a
// URB's data buffer, tracked separately because a TD's buffer may be
// split across multiple chained Normal TRBs each with their own guest
// address.
type bufferSpan struct {
	guestAddr uint64
	length    uint32
}

// URB is this driver's shadow Transfer Descriptor: the host-shadow TRB
// chain actually submitted to hardware, paired with enough bookkeeping
// to reconstruct actual transfer length and status once the matching
// Transfer Event TRBs arrive, mirroring struct xhci_urb_private's
// intr_meta/link_meta lists.
type URB struct {
	slotID int
	epNum  int
	inDir  bool

	// shadowTRBs is the TRB chain written into the shadow Transfer
	// Ring for this URB (one TD).
	shadowTRBs []TRB

	// buffers mirrors shadowTRBs 1:1 for the Normal/Data Stage/Isoch
	// entries, recording where each chunk's data came from/goes to in
	// guest memory so actlen accumulation can copy results back.
	buffers []bufferSpan

	requestedLen uint32
	actualLen    uint32
	completed    bool
	code         CompletionCode

	// onComplete, if set, is invoked once this URB's Transfer Event(s)
	// are fully consumed (spec.md §4.5's "host-only EP0 detour" uses
	// this to deliver synchronous completions to SubmitControl callers).
	onComplete func(*URB)
}

// ActualLength returns the number of bytes actually transferred, valid
// once Completed is true.
func (u *URB) ActualLength() uint32 { return u.actualLen }

// Completed reports whether every Transfer Event for this URB's chain
// has been consumed.
func (u *URB) Completed() bool { return u.completed }

// CompletionCode returns the URB's final completion code.
func (u *URB) CompletionCode() CompletionCode { return u.code }

// constructURB builds a shadow URB (and its shadow TRB chain) from a
// guest TD's TRBs, resolving each Normal/Data Stage TRB's Data Buffer
// Pointer into a host-shadow buffer that is filled from guest memory
// for OUT transfers, reserved empty for IN transfers, and will be
// copied back to the guest on completion. This is the Go analogue of
// xhci_construct_gurbs + xhci_shadow_g_urb acting together: both guest
// inspection and host-shadow construction happen in one pass here since
// there is no separate "generic URB" intermediate representation.
func (c *Controller) constructURB(s *Slot, ep *Endpoint, guestTRBs []TRB) (*URB, error) {
	u := &URB{slotID: s.id, epNum: ep.num, inDir: ep.inDir}

	for _, gtrb := range guestTRBs {
		shadow := gtrb

		switch gtrb.Type() {
		case TRBNormal, TRBDataStage, TRBIsoch:
			length := gtrb.TRBLength()
			u.requestedLen += length

			hostAddr, err := c.host.Reserve(int(length), 0)
			if err != nil {
				return nil, err
			}

			if !ep.inDir {
				guard, err := c.guest.Map(gtrb.Parameter, int(length), false)
				if err != nil {
					return nil, err
				}

				buf := make([]byte, length)
				guard.Read(0, buf)
				guard.Unmap()

				c.host.Write(hostAddr, 0, buf)
			}

			u.buffers = append(u.buffers, bufferSpan{guestAddr: gtrb.Parameter, length: length})
			shadow.Parameter = hostAddr
		case TRBSetupStage:
			// Setup Stage TRBs carry their 8 Setup bytes as Immediate
			// Data in Parameter itself; no buffer to translate.
		}

		u.shadowTRBs = append(u.shadowTRBs, shadow)
	}

	return u, nil
}

// appendToEndpointRing writes a constructed URB's shadow TRB chain into
// ep's shadow Transfer Ring, growing the ring first if there is not
// enough room, mirroring xhci_append_h_urb_to_ep.
func (c *Controller) appendToEndpointRing(s *Slot, ep *Endpoint, u *URB) error {
	if c.hooks.Process(PhaseRequest, s.id, u.epNum, u.inDir, s.deviceSlotAddress(), u) == ResultDiscard {
		c.metrics.HookDiscards.WithLabelValues("request").Inc()
		return nil
	}

	ep.lock.Lock()
	defer ep.lock.Unlock()

	if ep.ring == nil {
		return ErrEndpointNotReady
	}

	need := len(u.shadowTRBs)
	for ep.ring.TotalTRBs()-need < 1 && ep.ring.TotalTRBs() < MaxRingTRBs {
		addr, err := c.host.Reserve(ep.ring.Segments[0].NTRBs()*TRBLen, 64)
		if err != nil {
			return err
		}
		if !ep.ring.Grow(addr) {
			break
		}
		c.metrics.RingGrowths.Inc()
	}

	for _, trb := range u.shadowTRBs {
		t := trb
		t.SetCycle(ep.ring.Cycle)

		*ep.ring.Current() = t

		ep.ring.EnqSeg, ep.ring.EnqIdx, ep.ring.Cycle = ep.ring.Advance(
			ep.ring.EnqSeg, ep.ring.EnqIdx, ep.ring.Cycle)
	}

	ep.pending = append(ep.pending, u)

	dir := "out"
	if u.inDir {
		dir = "in"
	}
	c.metrics.TransfersSubmitted.WithLabelValues(dir).Inc()

	return nil
}

// processEndpointRing is invoked on a guest doorbell ring targeting a
// device endpoint: it walks the guest's own Transfer Ring up to its
// cycle-bit boundary, groups guest TRBs into TDs (a run of TRBs with
// Chain Bit set, terminated by a TRB without it), shadows each TD as a
// URB and appends it to the endpoint's shadow ring.
func (c *Controller) processEndpointRing(s *Slot, ep *Endpoint) {
	ep.lock.Lock()
	ring := ep.ring
	ep.lock.Unlock()

	if ring == nil {
		return
	}

	var td []TRB

	for {
		ep.lock.Lock()
		segIdx, idx, cycle := ep.guestSeg, ep.guestEnqIdx, ep.guestCycle
		base := ep.guestSegs[segIdx].base
		ep.lock.Unlock()

		guard, err := c.guest.Map(base+uint64(idx*TRBLen), TRBLen, false)
		if err != nil {
			break
		}

		buf := make([]byte, TRBLen)
		guard.Read(0, buf)
		guard.Unmap()

		trb := UnmarshalTRB(buf)
		if trb.Cycle() != cycle {
			break
		}

		if trb.Type() == TRBLink {
			// Re-resolve the guest TR's base on every Link TRB
			// instead of assuming a single segment: an existing
			// target reuses its known segment, an unseen one gets
			// exactly one new segment record (spec.md §3/§8's
			// Link TRB segment-allocation property), grounded on
			// xhci_shadow.c's get_next_seg.
			target := trb.Parameter &^ 0xF

			ep.lock.Lock()
			seg, off, found := ep.findGuestSegment(target)
			if !found {
				ep.guestSegs = append(ep.guestSegs, guestSegment{base: target, ntrbs: InitialSegmentTRBs})
				seg = len(ep.guestSegs) - 1
				off = 0
			}
			ep.guestSeg = seg
			ep.guestEnqIdx = off
			if trb.ToggleCycle() {
				ep.guestCycle = !ep.guestCycle
			}
			ep.lock.Unlock()

			continue
		}

		ep.lock.Lock()
		ep.guestEnqIdx++
		ep.lock.Unlock()

		td = append(td, trb)
		if !trb.Chain() {
			u, err := c.constructURB(s, ep, td)
			td = nil
			if err != nil {
				c.logger.Printf("xhci: construct urb: %v", err)
				continue
			}

			if err := c.appendToEndpointRing(s, ep, u); err != nil {
				c.logger.Printf("xhci: append urb: %v", err)
			}
		}
	}
}

// consumeTransferEvent completes the URB at the head of ep's pending
// queue with this Transfer Event: its actual length is the sum of its
// buffer lengths minus the event's reported residual, its completion
// code is the event's, and it then runs the Reply hooks, copies IN
// buffers back to the guest and triggers onComplete. The event's TRB
// Pointer is not consulted: the URB is not matched against it, and each
// event completes one URB whichever TRB of the TD it reports.
func (c *Controller) consumeTransferEvent(s *Slot, ep *Endpoint, ev *TRB) {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	if len(ep.pending) == 0 {
		return
	}

	u := ep.pending[0]

	residual := ev.TRBLength()
	code := ev.CompletionCode()

	for _, span := range u.buffers {
		u.actualLen += span.length
	}
	if u.actualLen >= residual {
		u.actualLen -= residual
	}

	u.code = code
	u.completed = true

	if c.hooks.Process(PhaseReply, s.id, u.epNum, u.inDir, s.deviceSlotAddress(), u) == ResultDiscard {
		c.metrics.HookDiscards.WithLabelValues("reply").Inc()
	} else if u.inDir {
		c.copyBackToGuest(u)
	}

	ep.pending = ep.pending[1:]

	c.metrics.TransfersCompleted.WithLabelValues(strconv.Itoa(int(code))).Inc()

	if u.onComplete != nil {
		u.onComplete(u)
	}
}

// copyBackToGuest writes a completed IN URB's host-shadow buffers into
// the guest-physical addresses its TDs originally pointed at, the
// counterpart of constructURB's guest-to-host copy for OUT transfers.
func (c *Controller) copyBackToGuest(u *URB) {
	// u.buffers holds one entry per Normal/Data Stage/Isoch TRB, in
	// order, so pair each span with the matching data TRB rather than
	// with the shadow TRB at the same index.
	var dataTRBs []TRB
	for _, trb := range u.shadowTRBs {
		switch trb.Type() {
		case TRBNormal, TRBDataStage, TRBIsoch:
			dataTRBs = append(dataTRBs, trb)
		}
	}

	for i, span := range u.buffers {
		if i >= len(dataTRBs) || span.guestAddr == 0 {
			// A zero guest address means this buffer was supplied
			// directly by a host-originated Submit* call (no guest
			// counterpart to write back to); the caller reads the
			// result from the completed URB itself.
			continue
		}

		hostAddr := dataTRBs[i].Parameter

		buf := c.host.Bytes(hostAddr)
		if buf == nil {
			continue
		}

		guard, err := c.guest.Map(span.guestAddr, len(buf), true)
		if err != nil {
			continue
		}

		guard.Write(0, buf)
		guard.Unmap()
	}
}

// URBBuffer returns a direct view of the host-shadow data buffer that a
// completed URB's idx'th shadow TRB points at (for a SubmitControl URB,
// idx 1 is the Data Stage), for callers of SubmitControl/SubmitBulk/
// SubmitInterrupt that need to read back an IN transfer's result (those
// buffers have no guest counterpart to copy into).
func (c *Controller) URBBuffer(u *URB, idx int) []byte {
	if idx >= len(u.shadowTRBs) {
		return nil
	}

	return c.host.Bytes(u.shadowTRBs[idx].Parameter)
}

// SubmitControl issues a host-only EP0 control transfer to the device
// in slotID, bypassing the guest entirely, for out-of-band descriptor
// queries a policy module needs to make (spec.md §4.5, "host-only EP0
// detour"). setup is the 8-byte Setup packet; data is read for an OUT
// direction (bit 7 of bmRequestType clear) or filled for an IN
// direction. done is invoked with the completed URB once the real
// controller reports completion.
func (c *Controller) SubmitControl(slotID int, setup [8]byte, data []byte, done func(*URB)) error {
	s := c.slotFor(slotID)
	if s == nil {
		return ErrEndpointNotReady
	}

	s.lock.Lock()
	ep := s.endpoints[0]
	s.lock.Unlock()

	if ep == nil {
		return ErrEndpointNotReady
	}

	inDir := setup[0]&0x80 != 0

	u := &URB{slotID: slotID, epNum: 0, inDir: inDir, onComplete: done}

	var setupTRB TRB
	setupTRB.SetType(TRBSetupStage)
	setupTRB.Parameter = leUint64(setup[:])
	setupTRB.Control |= 1 << ctrlIDT
	u.shadowTRBs = append(u.shadowTRBs, setupTRB)

	if len(data) > 0 {
		hostAddr, err := c.host.Reserve(len(data), 0)
		if err != nil {
			return err
		}

		if !inDir {
			c.host.Write(hostAddr, 0, data)
		}

		var dataTRB TRB
		dataTRB.SetType(TRBDataStage)
		dataTRB.Parameter = hostAddr
		dataTRB.SetTRBLength(uint32(len(data)))
		u.shadowTRBs = append(u.shadowTRBs, dataTRB)
		u.buffers = append(u.buffers, bufferSpan{length: uint32(len(data))})
	}

	var statusTRB TRB
	statusTRB.SetType(TRBStatusStage)
	u.shadowTRBs = append(u.shadowTRBs, statusTRB)

	return c.appendToEndpointRing(s, ep, u)
}

// SubmitBulk issues a host-originated bulk transfer on the given
// endpoint, for policy modules that need to inject or replace bulk
// traffic rather than merely observe it.
func (c *Controller) SubmitBulk(slotID, epNum int, inDir bool, data []byte, done func(*URB)) error {
	return c.submitSingleTD(slotID, epNum, inDir, TRBNormal, data, done)
}

// SubmitInterrupt issues a host-originated interrupt transfer, sharing
// SubmitBulk's TD shape since Normal TRBs serve both transfer types.
func (c *Controller) SubmitInterrupt(slotID, epNum int, inDir bool, data []byte, done func(*URB)) error {
	return c.submitSingleTD(slotID, epNum, inDir, TRBNormal, data, done)
}

func (c *Controller) submitSingleTD(slotID, epNum int, inDir bool, typ TRBType, data []byte, done func(*URB)) error {
	s := c.slotFor(slotID)
	if s == nil {
		return ErrEndpointNotReady
	}

	idx := endpointIndex(epNum, inDir)

	s.lock.Lock()
	ep := s.endpoints[idx]
	s.lock.Unlock()

	if ep == nil {
		return ErrEndpointNotReady
	}

	u := &URB{slotID: slotID, epNum: epNum, inDir: inDir, onComplete: done}

	hostAddr, err := c.host.Reserve(len(data), 0)
	if err != nil {
		return err
	}

	if !inDir {
		c.host.Write(hostAddr, 0, data)
	}

	var trb TRB
	trb.SetType(typ)
	trb.Parameter = hostAddr
	trb.SetTRBLength(uint32(len(data)))
	trb.Control |= 1 << ctrlIOC

	u.shadowTRBs = append(u.shadowTRBs, trb)
	u.buffers = append(u.buffers, bufferSpan{length: uint32(len(data))})

	return c.appendToEndpointRing(s, ep, u)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
