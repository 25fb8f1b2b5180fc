package xhci

import (
	"fmt"

	"github.com/f-secure-foundry/xhci-shadow/internal/reg"
)

// Register offsets, relative to the region they belong to. Grounded on
// _examples/original_source/drivers/usb/xhci.h's XHCI_CAP_*/XHCI_OP_*/
// XHCI_RT_*/XHCI_DB_* offset macros (spec.md §4.2, "Component B:
// Register Interposer").
const (
	CapLength    = 0x00
	CapHCIVersion = 0x02
	CapHCSParams1 = 0x04
	CapHCSParams2 = 0x08
	CapHCSParams3 = 0x0C
	CapHCCParams1 = 0x10
	CapDBOff      = 0x14
	CapRTSOff     = 0x18
	CapHCCParams2 = 0x1C

	OpUSBCmd  = 0x00
	OpUSBSts  = 0x04
	OpPageSize = 0x08
	OpDNCtrl  = 0x14
	OpCRCR    = 0x18 // 64-bit
	OpDCBAAP  = 0x30 // 64-bit
	OpConfig  = 0x38
	OpPortSCBase = 0x400
	OpPortSCStride = 0x10

	RTMFIndex      = 0x00
	RTIR0Base      = 0x20
	RTIRStride     = 0x20
	RTIRIMan       = 0x00
	RTIRIMod       = 0x04
	RTIRERSTSZ     = 0x08
	RTIRERSTBA     = 0x10 // 64-bit
	RTIRERDP       = 0x18 // 64-bit
)

// USBCMD bits this driver interposes on.
const (
	USBCmdRunStop    = 0
	USBCmdHCReset    = 1
	USBCmdINTEEnable = 2
)

// USBSTS bits. HSE/SRE/HCE are the three error-latch bits that, per
// spec.md §4.2/§4.7, force a full controller reset the next time the
// guest reads USBSTS, grounded on xhci.h's USBSTS_HSE/USBSTS_SRE/
// USBSTS_HCE.
const (
	USBStsHCHalted = 0
	USBStsHSE      = 2
	USBStsEINT     = 3
	USBStsPCD      = 4
	USBStsSRE      = 10
	USBStsHCE      = 12
)

// maxPageSizeMask caps the PAGESIZE register's reported flag bits to
// xhci.h's OPR_MAX_PAGESIZE_MASK/OPR_PAGESIZE_FLAG_POS_LIMIT: only bits
// 0-9 are ever valid, so a guest can never be told of a page size this
// driver's shadow allocator cannot actually back.
const maxPageSizeMask = 0x3FF

// CRCR bits (low 32 bits).
const (
	CRCRRingCycleState  = 0
	CRCRCmdStop         = 1
	CRCRCmdAbort        = 2
	CRCRCmdRingRunning  = 3
)

// Regions the interposer dispatches across. ExtendedCap is listed for
// completeness (xHCI extended capability list walk, USB Legacy Support
// and Supported Protocol capabilities); this driver forwards reads
// there untouched and rejects writes, since no shadow state depends on
// them. Its offsets are relative to the Capability register base, from
// which xECP locates the list.
type Region int

const (
	RegionCapability Region = iota
	RegionOperational
	RegionRuntime
	RegionDoorbell
	RegionExtendedCap
)

// splitHalf records one buffered 32-bit half of a 64-bit split write
// (spec.md §4.2's split-write state machine: a 32-bit guest writes the
// low then high half of CRCR/DCBAAP/ERSTBA/ERDP as two ordinary 32-bit
// MMIO stores, and only the second commits the pair atomically).
type splitHalf struct {
	buffered bool
	lower    uint32
}

// Interposer dispatches guest register accesses to shadow state and, for
// registers safe to pass straight through, to the real controller's
// register windows. hostCapBase/hostOpBase/hostRTBase/hostDBBase are
// host-virtual addresses of the real controller's MMIO windows, already
// mapped by the layer spec.md §1 places out of scope.
type Interposer struct {
	hostCapBase, hostOpBase, hostRTBase, hostDBBase uint64

	numPorts int

	crcrSplit, dcbaapSplit splitHalf
	erstbaSplit, erdpSplit map[int]*splitHalf // keyed by interrupter index

	ctl *Controller
}

// NewInterposer builds a register interposer bound to ctl's shadow
// state and the real controller's host-mapped register windows.
func NewInterposer(ctl *Controller, capBase, opBase, rtBase, dbBase uint64, numPorts int) *Interposer {
	m := &Interposer{
		ctl:          ctl,
		hostCapBase:  capBase,
		hostOpBase:   opBase,
		hostRTBase:   rtBase,
		hostDBBase:   dbBase,
		numPorts:     numPorts,
		erstbaSplit:  make(map[int]*splitHalf),
		erdpSplit:    make(map[int]*splitHalf),
	}

	ctl.SetInterruptNotifier(m.raiseInterrupt)

	return m
}

// raiseInterrupt sets interrupter ir's Interrupt Pending bit (IMAN bit
// 0) on the real controller's Runtime register window, the guest-
// visible signal that ProcessEventRing has copied a new event into
// that interrupter's Event Ring (spec.md §4.5). Grounded on xhci.h's
// IMAN_IP bit and this driver's existing reg.Set-based bit helpers.
func (m *Interposer) raiseInterrupt(ir int) {
	reg.Set(m.hostRTBase+RTIR0Base+uint64(ir)*RTIRStride+RTIRIMan, 0)
}

// ReadCapability services a guest read from the Capability register
// space. HCSPARAMS1's MaxSlots field is rewritten to the number of
// slots this driver has decided to expose the guest (spec.md §4.2,
// "the guest's view of controller capacity may be narrower than the
// physical controller's"); HCSPARAMS1's MaxIntrs field is unconditionally
// narrowed to physical_max_intrs-1, reserving the physical controller's
// last interrupter for this driver's own Event Ring poller so the guest
// can never address it (spec.md §3/§9), grounded on xhci.c's
// usable_intrs = host->max_intrs - 1. Every other capability register
// passes through unmodified.
func (m *Interposer) ReadCapability(offset int) uint32 {
	v := reg.Read(m.hostCapBase + uint64(offset))

	if offset == CapHCSParams1 {
		maxSlots := v & 0xFF
		if m.ctl.maxGuestSlots > 0 && uint32(m.ctl.maxGuestSlots) < maxSlots {
			v = (v &^ 0xFF) | uint32(m.ctl.maxGuestSlots)
		}

		const maxIntrsMask = 0x7FF
		physIntrs := (v >> 8) & maxIntrsMask
		if physIntrs > 0 {
			v = (v &^ (maxIntrsMask << 8)) | ((physIntrs - 1) << 8)
		}
	}

	return v
}

// WriteOperational services a guest write to the Operational register
// space, routing 64-bit split-write registers through the buffering
// state machine and every other register through the matching shadow
// update.
func (m *Interposer) WriteOperational(offset int, val uint32) {
	switch offset {
	case OpUSBCmd:
		m.writeUSBCmd(val)
	case OpUSBSts:
		// write-1-to-clear status bits: forward directly, no shadow
		// state depends on USBSTS's value.
		reg.Write(m.hostOpBase+OpUSBSts, val)
	case OpCRCR + 0:
		m.commitLower(&m.crcrSplit, val, m.commitCRCR)
	case OpCRCR + 4:
		m.commitUpper(&m.crcrSplit, val, m.commitCRCR)
	case OpDCBAAP + 0:
		m.commitLower(&m.dcbaapSplit, val, m.commitDCBAAP)
	case OpDCBAAP + 4:
		m.commitUpper(&m.dcbaapSplit, val, m.commitDCBAAP)
	case OpConfig:
		m.ctl.setMaxGuestSlots(int(val & 0xFF))
		reg.Write(m.hostOpBase+OpConfig, val)
	default:
		if offset >= OpPortSCBase && offset < OpPortSCBase+m.numPorts*OpPortSCStride {
			m.writePortSC(offset, val)
			return
		}
		reg.Write(m.hostOpBase+uint64(offset), val)
	}
}

// ReadOperational services a guest read from the Operational register
// space. PAGESIZE is masked to the flag bits this driver's shadow
// allocator can actually back, per xhci.h's OPR_MAX_PAGESIZE_MASK, and
// a USBSTS read that observes any of the HSE/SRE/HCE error-latch bits
// forces a full controller reset before the value reaches the guest,
// matching xhci.c's interrupt handler error-check-then-reset path
// (spec.md §4.2/§4.7).
func (m *Interposer) ReadOperational(offset int) uint32 {
	v := reg.Read(m.hostOpBase + uint64(offset))

	switch offset {
	case OpPageSize:
		v &= maxPageSizeMask
	case OpUSBSts:
		const errBits = 1<<USBStsHSE | 1<<USBStsSRE | 1<<USBStsHCE
		if v&errBits != 0 {
			m.ctl.Reset()
		}
	}

	return v
}

// ReadDoorbell services a guest read from the Doorbell register array.
// Doorbells are write-only on real xHCI hardware; this exists only to
// give Read's region dispatch a counterpart to RingDoorbell and passes
// the register straight through.
func (m *Interposer) ReadDoorbell(slot int) uint32 {
	return reg.Read(m.hostDBBase + uint64(slot*4))
}

// Read dispatches a guest register read of the given width (4 or 8
// bytes) to the region-specific method, assembling an 8-byte read from
// two consecutive 32-bit register reads since every shadowed register
// window is hardware-defined in 32-bit words (spec.md §4.2, "reject
// lengths other than 4 or 8 bytes").
func (m *Interposer) Read(region Region, off uint32, width int) (uint64, error) {
	if width != 4 && width != 8 {
		return 0, fmt.Errorf("xhci: unsupported register read width %d", width)
	}

	read32 := func(o uint32) uint32 {
		switch region {
		case RegionCapability:
			return m.ReadCapability(int(o))
		case RegionOperational:
			return m.ReadOperational(int(o))
		case RegionRuntime:
			return m.ReadRuntime(int(o))
		case RegionDoorbell:
			return m.ReadDoorbell(int(o) / 4)
		case RegionExtendedCap:
			return reg.Read(m.hostCapBase + uint64(o))
		default:
			return 0
		}
	}

	lo := read32(off)
	if width == 4 {
		return uint64(lo), nil
	}

	hi := read32(off + 4)
	return uint64(hi)<<32 | uint64(lo), nil
}

// Write dispatches a guest register write of the given width (4 or 8
// bytes) to the region-specific method. An 8-byte write is split into
// its low/high 32-bit halves and fed through the same path a guest's
// own two 32-bit stores would drive, so a single 64-bit MMIO write
// behaves identically to the guest issuing (low, high) itself (spec.md
// §8's idempotence law). Capability and extended-capability regions are
// read-only from the guest's perspective and reject writes.
func (m *Interposer) Write(region Region, off uint32, width int, val uint64) error {
	if width != 4 && width != 8 {
		return fmt.Errorf("xhci: unsupported register write width %d", width)
	}

	switch region {
	case RegionCapability:
		return fmt.Errorf("xhci: capability registers are read-only")
	case RegionExtendedCap:
		return fmt.Errorf("xhci: extended capability writes are rejected")
	}

	write32 := func(o uint32, v uint32) {
		switch region {
		case RegionOperational:
			m.WriteOperational(int(o), v)
		case RegionRuntime:
			m.WriteRuntime(int(o), v)
		case RegionDoorbell:
			m.RingDoorbell(int(o)/4, v)
		}
	}

	write32(off, uint32(val))
	if width == 8 {
		write32(off+4, uint32(val>>32))
	}

	return nil
}

func (m *Interposer) writeUSBCmd(val uint32) {
	if val&(1<<USBCmdHCReset) != 0 {
		m.ctl.Reset()
	}

	running := val&(1<<USBCmdRunStop) != 0
	m.ctl.setRunning(running)

	reg.Write(m.hostOpBase+OpUSBCmd, val)
}

func (m *Interposer) writePortSC(offset int, val uint32) {
	port := (offset - OpPortSCBase) / OpPortSCStride
	m.ctl.onPortStatusWrite(port, val)
	reg.Write(m.hostOpBase+uint64(offset), val)
}

// commitLower buffers the low half of a split write. commit is invoked
// only once the matching high half arrives.
func (m *Interposer) commitLower(s *splitHalf, val uint32, _ func(uint64)) {
	s.lower = val
	s.buffered = true
}

// commitUpper completes a buffered split write. Per spec.md §4.2,
// writing only the high half without a preceding low-half write is a
// no-op: a guest that writes the high half in isolation has not
// published a coherent 64-bit value, so there is nothing to commit.
func (m *Interposer) commitUpper(s *splitHalf, val uint32, commit func(uint64)) {
	if !s.buffered {
		return
	}

	full := uint64(val)<<32 | uint64(s.lower)
	s.buffered = false
	commit(full)
}

func (m *Interposer) commitCRCR(val uint64) {
	m.ctl.onCRCRWrite(val)
}

func (m *Interposer) commitDCBAAP(val uint64) {
	m.ctl.onDCBAAPWrite(val)
}

// ReadRuntime services a guest read from the Runtime register space.
func (m *Interposer) ReadRuntime(offset int) uint32 {
	return reg.Read(m.hostRTBase + uint64(offset))
}

// WriteRuntime services a guest write to the Runtime register space,
// routing per-interrupter ERSTBA/ERDP through the split-write machine.
func (m *Interposer) WriteRuntime(offset int, val uint32) {
	if offset < RTIR0Base {
		reg.Write(m.hostRTBase+uint64(offset), val)
		return
	}

	ir := (offset - RTIR0Base) / RTIRStride
	sub := (offset - RTIR0Base) % RTIRStride

	switch sub {
	case RTIRERSTBA + 0:
		m.commitLower(m.erstbaSplitFor(ir), val, nil)
	case RTIRERSTBA + 4:
		m.commitUpper(m.erstbaSplitFor(ir), val, func(v uint64) { m.ctl.onERSTBAWrite(ir, v) })
	case RTIRERDP + 0:
		m.commitLower(m.erdpSplitFor(ir), val, nil)
	case RTIRERDP + 4:
		m.commitUpper(m.erdpSplitFor(ir), val, func(v uint64) { m.ctl.onERDPWrite(ir, v) })
	case RTIRERSTSZ:
		m.ctl.onERSTSZWrite(ir, val&0xFFFF)
		reg.Write(m.hostRTBase+uint64(offset), val)
	default:
		reg.Write(m.hostRTBase+uint64(offset), val)
	}
}

func (m *Interposer) erstbaSplitFor(ir int) *splitHalf {
	s, ok := m.erstbaSplit[ir]
	if !ok {
		s = &splitHalf{}
		m.erstbaSplit[ir] = s
	}
	return s
}

func (m *Interposer) erdpSplitFor(ir int) *splitHalf {
	s, ok := m.erdpSplit[ir]
	if !ok {
		s = &splitHalf{}
		m.erdpSplit[ir] = s
	}
	return s
}

// RingDoorbell services a guest doorbell register write: doorbell[0]
// targets the Command Ring, doorbell[1..MaxSlots] target a device
// slot's endpoint rings.
func (m *Interposer) RingDoorbell(slot int, val uint32) {
	target := uint8(val & 0xFF)
	streamID := uint16(val >> 16)

	m.ctl.onDoorbell(slot, target, streamID)

	reg.Write(m.hostDBBase+uint64(slot*4), val)
}
