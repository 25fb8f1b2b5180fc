package xhci

import (
	"log"
	"sync"

	"github.com/f-secure-foundry/xhci-shadow/internal/guest"
	"github.com/f-secure-foundry/xhci-shadow/internal/hostmem"
)

// MaxSlots sizes this driver's slot array and shadow DCBAA: Slot IDs
// 1..MaxSlots-1 are shadowed (slotFor returns nil for ID MaxSlots),
// independent of however many slots the guest is told it has
// (spec.md §4.2's MaxSlots capability rewrite narrows what the guest
// sees, not the array this driver allocates).
const MaxSlots = 255

// Ownership tracks which side last established a slot's host-owned
// shadow state, mirroring struct xhci_ep_tr's HOST_CTRL_INITIAL/NO/YES
// in _examples/original_source/drivers/usb/xhci.h.
type Ownership int

const (
	OwnershipInitial Ownership = iota
	OwnershipYes
	OwnershipNo
)

// Slot is the shadow state this driver keeps for one xHCI Device Slot:
// its Device Context, Input Context tracking, and per-endpoint ring
// state. Locking order is always controller.sync_lock, then hook.lock,
// then a Slot's own lock, then one of its Endpoints' locks (spec.md §5).
type Slot struct {
	lock sync.Mutex

	id         int
	ownership  Ownership
	usbAddress uint8

	// deviceCtxHost is the host (shadow) Device Context's address in
	// the host allocator; deviceCtxGuest is the guest's own Device
	// Context address, kept only for reverse-translation on events.
	deviceCtxHost  uint64
	deviceCtxGuest uint64

	endpoints [MaxEndpoints]*Endpoint
}

// Endpoint is the shadow ring state for one Device Context Endpoint
// Context slot. It has no goroutine of its own: ring processing runs on
// the caller's goroutine (a doorbell write or the event poller),
// serialized by the Endpoint's own lock beneath the owning Slot's lock,
// where usbarmory-tamago/imx6/usb/endpoint.go runs one handler per
// endpoint.
type Endpoint struct {
	lock sync.Mutex

	num   int
	inDir bool
	state EndpointState

	ring *Ring

	// guestSegs records every segment of this endpoint's guest-owned
	// Transfer Ring discovered so far, the per-endpoint analogue of
	// original_source's xhci_ep_tr.tr_segs: segment 0 is recorded when
	// the ring is first shadowed (ensureEndpointRing), later segments
	// are appended lazily the first time a Link TRB targets an address
	// outside every known segment (processEndpointRing), grounded on
	// xhci_shadow.c's get_next_seg.
	guestSegs []guestSegment

	// guestSeg/guestEnqIdx/guestCycle track how far this endpoint's
	// guest-owned Transfer Ring has been consumed: which of guestSegs
	// is current, the TRB index within it, and the producer cycle
	// state, independent of ring's own enqueue cursor into the
	// host-shadow ring (the two rings need not stay index-aligned once
	// shadow segments grow on their own).
	guestSeg    int
	guestEnqIdx int
	guestCycle  bool

	pending []*URB
}

// guestSegment is one discovered segment of a guest-owned Transfer
// Ring: its guest-physical base address and TRB capacity, used to
// resolve an arbitrary guest pointer (a Set TR Dequeue Pointer command,
// or a Link TRB's target) into a (segment, offset) pair instead of
// assuming it always lands on a segment boundary.
type guestSegment struct {
	base  uint64
	ntrbs int
}

// findGuestSegment locates the guest segment containing guestAddr among
// ep's known segments, mirroring xhci_shadow.c's patch_tr_dq_ptr/
// get_next_seg linear segment search. Callers must hold ep.lock.
func (ep *Endpoint) findGuestSegment(guestAddr uint64) (seg, idx int, ok bool) {
	for i, gs := range ep.guestSegs {
		off := guestAddr - gs.base
		if off < uint64(gs.ntrbs*TRBLen) {
			return i, int(off / TRBLen), true
		}
	}

	return 0, 0, false
}

// Controller is the top-level shadow state for one physical xHCI
// controller being interposed on. Its on*/set* methods are invoked by
// Interposer in response to guest register writes; they hold
// controller.sync_lock for the duration of any shadow-structure mutation,
// consistent with the four-lock hierarchy documented on Slot.
type Controller struct {
	syncLock sync.Mutex

	host  *hostmem.Region
	guest *guest.Memory

	cmdRing    *Ring
	cmdRingHost uint64

	eventRings    map[int]*Ring // keyed by interrupter index
	erstHost      map[int]uint64
	pendingERSTSZ map[int]uint32

	// guestERST/guestEventCursor track each interrupter's guest-owned
	// Event Ring so ProcessEventRing can copy translated events back
	// into it, the producer-side counterpart of the host-shadow Event
	// Ring held in eventRings (spec.md §4.5's "copy the event into the
	// guest ERST at the guest's dequeue position").
	guestERST        map[int][]ERSTEntry
	guestEventCursor map[int]*eventCursor

	// interruptNotify, when set by an Interposer, raises interrupter
	// ir's guest-visible interrupt-pending condition after an event has
	// been copied into the guest's Event Ring (spec.md §4.5's "update
	// the guest-visible ERDP"/EINT requirement). Left nil in
	// configurations with no real register window (e.g. dashboard-only
	// runs), where there is nothing to raise.
	interruptNotify func(ir int)

	dcbaaHost  uint64
	dcbaaGuest uint64

	slots [MaxSlots]*Slot

	translate *translation

	maxGuestSlots int
	running       bool

	hooks   *HookRegistry
	metrics *Metrics
	monitor DeviceMonitor

	logger *log.Logger
}

// NewController allocates a Controller bound to host (shadow structure
// allocator) and guestMem (guest-physical memory accessor). maxSlots is
// the number of slots the guest is initially told it has (when smaller
// than the physical controller's) until CONFIG narrows that (spec.md
// §4.2).
func NewController(host *hostmem.Region, guestMem *guest.Memory, maxSlots int) *Controller {
	return &Controller{
		host:             host,
		guest:            guestMem,
		eventRings:       make(map[int]*Ring),
		erstHost:         make(map[int]uint64),
		guestERST:        make(map[int][]ERSTEntry),
		guestEventCursor: make(map[int]*eventCursor),
		translate:        newTranslation(),
		maxGuestSlots:    maxSlots,
		hooks:            NewHookRegistry(host),
		metrics:          NewMetrics(),
		logger:           log.Default(),
	}
}

// SetInterruptNotifier installs the callback ProcessEventRing invokes
// after copying an event into a guest's Event Ring, letting an
// Interposer raise the corresponding real-hardware interrupter's
// guest-visible pending condition without Controller needing to know
// about register windows itself.
func (c *Controller) SetInterruptNotifier(fn func(ir int)) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.interruptNotify = fn
}

// Metrics returns the controller's Prometheus collector set, for
// callers that need to register it against their own Registerer.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// setMaxGuestSlots updates the number of slots this driver reports to
// the guest via HCSPARAMS1, in response to a guest CONFIG register
// write (spec.md §4.2).
func (c *Controller) setMaxGuestSlots(n int) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.maxGuestSlots = n
}

// setRunning records the controller's guest-requested Run/Stop state.
func (c *Controller) setRunning(run bool) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.running = run
}

// slotFor returns the Slot shadow state for id, allocating it on first
// use. Must be called with c.syncLock held.
func (c *Controller) slotFor(id int) *Slot {
	if id <= 0 || id >= MaxSlots {
		return nil
	}

	if c.slots[id] == nil {
		c.slots[id] = &Slot{id: id}
	}

	return c.slots[id]
}

// onPortStatusWrite records a guest write to a PORTSC register; only
// the write-1-to-clear change-detect bits need shadow bookkeeping, the
// raw register is otherwise passed straight through by the interposer.
func (c *Controller) onPortStatusWrite(port int, val uint32) {
	c.logger.Printf("xhci: port %d PORTSC write %#08x", port, val)

	const connectStatusChange = 1 << 17
	if c.monitor != nil && val&connectStatusChange != 0 {
		c.monitor.NotifyConnectStatus(port, val&(1<<0) != 0)
	}
}

// onDoorbell handles a guest doorbell ring, Component D/E's entry
// point for "the guest has produced new TRBs and wants them processed":
// slot 0 targets the Command Ring, every other slot/target pair targets
// a device's endpoint ring.
func (c *Controller) onDoorbell(slot int, target uint8, streamID uint16) {
	if slot == 0 {
		c.processCommandRing()
		return
	}

	c.syncLock.Lock()
	s := c.slotFor(slot)
	c.syncLock.Unlock()

	if s == nil {
		return
	}

	epNum, inDir := EndpointNumberFromID(target)

	s.lock.Lock()
	idx := endpointIndex(epNum, inDir)
	ep := s.endpoints[idx]
	s.lock.Unlock()

	if ep == nil {
		return
	}

	c.processEndpointRing(s, ep)
}

// deviceSlotAddress returns the slot's last-known USB device address,
// used to evaluate MatchAddress hook rules.
func (s *Slot) deviceSlotAddress() uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.usbAddress
}

// endpointIndex maps a (epNum, inDir) pair onto the 0-based index used
// for Slot.endpoints, matching the Device Context Endpoint Context
// ordering (EP0 at index 0, then OUT/IN pairs for endpoints 1..15).
func endpointIndex(epNum int, inDir bool) int {
	if epNum == 0 {
		return 0
	}

	idx := (epNum-1)*2 + 1
	if inDir {
		idx++
	}

	return idx
}
