// Package xhci implements the core of a pass-through xHCI shadow driver:
// it interposes on every guest access to a real USB 3 host controller's
// MMIO and doorbell windows, maintains a parallel ("shadow") set of
// controller data structures that the hardware actually operates on, and
// lets registered policy modules observe or rewrite USB traffic in
// flight.
//
// The wire formats in this file (TRB, slot/endpoint/input contexts, the
// Event Ring Segment Table entry) are bit-exact with xHCI 1.1 and with
// BitVisor's drivers/usb/xhci.h, which is the original-language source
// this package's behavior is grounded on. Byte layout is handled with
// encoding/binary the way tamago's imx6/usb endpoint queue-head/transfer
// descriptor code serializes dQH/dTD, rather than via unsafe struct
// casts, since TRBs here travel through guest.Guard and hostmem.Region
// byte copies rather than being addressed directly.
package xhci

import (
	"encoding/binary"

	"github.com/f-secure-foundry/xhci-shadow/internal/bits"
)

// TRBLen is the fixed size in bytes of every Transfer Request Block.
const TRBLen = 16

// TRB is a single 16-byte ring entry: an 8-byte parameter, a 4-byte
// status and a 4-byte control field (spec.md §6).
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// TRBType enumerates the TRB Type field (Control[15:10]).
type TRBType uint8

const (
	TRBInvalid TRBType = 0
	TRBNormal  TRBType = 1
	TRBSetupStage TRBType = 2
	TRBDataStage  TRBType = 3
	TRBStatusStage TRBType = 4
	TRBIsoch      TRBType = 5
	TRBLink       TRBType = 6
	TRBEventData  TRBType = 7
	TRBNoOp       TRBType = 8

	TRBEnableSlotCmd    TRBType = 9
	TRBDisableSlotCmd   TRBType = 10
	TRBAddressDeviceCmd TRBType = 11
	TRBConfigureEPCmd   TRBType = 12
	TRBEvaluateCtxCmd   TRBType = 13
	TRBResetEPCmd       TRBType = 14
	TRBStopEPCmd        TRBType = 15
	TRBSetTRDequeuePtrCmd TRBType = 16
	TRBResetDeviceCmd   TRBType = 17
	TRBForceEventCmd    TRBType = 18
	TRBNegotiateBWCmd   TRBType = 19
	TRBSetLatencyValCmd TRBType = 20
	TRBGetPortBWCmd     TRBType = 21
	TRBForceHeaderCmd   TRBType = 22
	TRBNoOpCmd          TRBType = 23

	TRBTransferEvent      TRBType = 32
	TRBCommandCompletionEvent TRBType = 33
	TRBPortStatusChangeEvent  TRBType = 34
	TRBBandwidthRequestEvent  TRBType = 35
	TRBDoorbellEvent          TRBType = 36
	TRBHostControllerEvent    TRBType = 37
	TRBDeviceNotificationEvent TRBType = 38
	TRBMFIndexWrapEvent       TRBType = 39
)

// Completion codes (spec.md §6, xhci.h XHCI_TRB_CODE_*).
type CompletionCode uint8

const (
	CodeInvalid              CompletionCode = 0
	CodeSuccess               CompletionCode = 1
	CodeDataBufferError       CompletionCode = 2
	CodeBabbleDetected        CompletionCode = 3
	CodeUSBTransactionError   CompletionCode = 4
	CodeTRBError              CompletionCode = 5
	CodeStallError            CompletionCode = 6
	CodeResourceError         CompletionCode = 7
	CodeBandwidthError        CompletionCode = 8
	CodeNoSlotsAvailableError CompletionCode = 9
	CodeShortPacket           CompletionCode = 13
	CodeRingUnderrun          CompletionCode = 14
	CodeRingOverrun           CompletionCode = 15
	CodeParameterError        CompletionCode = 17
	CodeContextStateError     CompletionCode = 19
	CodeCommandRingStopped    CompletionCode = 24
	CodeCommandAborted        CompletionCode = 25
	CodeStopped               CompletionCode = 26
	CodeStoppedLengthInvalid  CompletionCode = 27
	CodeStoppedShortPacket    CompletionCode = 28
)

// Control field bit positions, common to most TRB types.
const (
	ctrlCycle       = 0
	ctrlTC          = 1 // Toggle Cycle (Link TRBs)
	ctrlENT         = 1 // Evaluate Next TRB (Normal TRBs)
	ctrlISP         = 2
	ctrlChain       = 4
	ctrlIOC         = 5
	ctrlIDT         = 6
	ctrlTypeShift   = 10
	ctrlTypeMask    = 0x3F
	ctrlDirShift    = 16
)

// Cycle reports the TRB's cycle bit.
func (t *TRB) Cycle() bool { return bits.Get(&t.Control, ctrlCycle, 0b1) != 0 }

// ToggleCycle reports the Link TRB Toggle Cycle bit.
func (t *TRB) ToggleCycle() bool { return bits.Get(&t.Control, ctrlTC, 0b1) != 0 }

// Chain reports whether this TRB is chained to the next one in the same TD.
func (t *TRB) Chain() bool { return bits.Get(&t.Control, ctrlChain, 0b1) != 0 }

// IOC reports the Interrupt On Completion bit.
func (t *TRB) IOC() bool { return bits.Get(&t.Control, ctrlIOC, 0b1) != 0 }

// ISP reports the Interrupt on Short Packet bit.
func (t *TRB) ISP() bool { return bits.Get(&t.Control, ctrlISP, 0b1) != 0 }

// IDT reports the Immediate Data bit (Setup Stage / small Normal TRBs).
func (t *TRB) IDT() bool { return bits.Get(&t.Control, ctrlIDT, 0b1) != 0 }

// Type returns the TRB Type field.
func (t *TRB) Type() TRBType { return TRBType(bits.Get(&t.Control, ctrlTypeShift, ctrlTypeMask)) }

// SetType sets the TRB Type field.
func (t *TRB) SetType(typ TRBType) {
	bits.SetN(&t.Control, ctrlTypeShift, ctrlTypeMask, uint32(typ))
}

// SetCycle sets or clears the cycle bit.
func (t *TRB) SetCycle(c bool) {
	if c {
		bits.Set(&t.Control, ctrlCycle)
	} else {
		bits.Clear(&t.Control, ctrlCycle)
	}
}

// TRBLength returns the TRB Transfer Length field (Status[16:0]).
func (t *TRB) TRBLength() uint32 { return bits.Get(&t.Status, 0, 0x1FFFF) }

// SetTRBLength sets the TRB Transfer Length field.
func (t *TRB) SetTRBLength(n uint32) {
	bits.SetN(&t.Status, 0, 0x1FFFF, n&0x1FFFF)
}

// CompletionCode returns the event TRB's completion code (Status[31:24]).
func (t *TRB) CompletionCode() CompletionCode {
	return CompletionCode(bits.Get(&t.Status, 24, 0xFF))
}

// SetCompletionCode sets an event TRB's completion code.
func (t *TRB) SetCompletionCode(c CompletionCode) {
	bits.SetN(&t.Status, 24, 0xFF, uint32(c))
}

// SlotID returns the command/event TRB's Slot ID (Control[31:24]).
func (t *TRB) SlotID() uint8 { return uint8(bits.Get(&t.Control, 24, 0xFF)) }

// SetSlotID sets the command/event TRB's Slot ID.
func (t *TRB) SetSlotID(id uint8) {
	bits.SetN(&t.Control, 24, 0xFF, uint32(id))
}

// EndpointID returns the command/event TRB's Endpoint ID field
// (Control[20:16], 1-based: EP0=1, EP1 OUT=2, EP1 IN=3, ...).
func (t *TRB) EndpointID() uint8 { return uint8(bits.Get(&t.Control, 16, 0x1F)) }

// SetEndpointID sets the Endpoint ID field.
func (t *TRB) SetEndpointID(id uint8) {
	bits.SetN(&t.Control, 16, 0x1F, uint32(id&0x1F))
}

// EndpointNumberFromID converts a 1-based xHCI Endpoint ID into the (epNum, dir)
// pair used throughout this package; 0 is always control, direction
// irrelevant.
func EndpointNumberFromID(epID uint8) (epNum int, inDir bool) {
	if epID <= 1 {
		return 0, false
	}

	n := int(epID) - 2
	return n/2 + 1, n%2 == 1
}

// Marshal serializes the TRB into its 16-byte wire form.
func (t *TRB) Marshal() []byte {
	buf := make([]byte, TRBLen)
	binary.LittleEndian.PutUint64(buf[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(buf[8:12], t.Status)
	binary.LittleEndian.PutUint32(buf[12:16], t.Control)
	return buf
}

// UnmarshalTRB decodes a 16-byte wire-format TRB.
func UnmarshalTRB(buf []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(buf[0:8]),
		Status:    binary.LittleEndian.Uint32(buf[8:12]),
		Control:   binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// ERSTEntryLen is the fixed size of an Event Ring Segment Table entry.
const ERSTEntryLen = 16

// ERSTEntry describes one segment of an Event Ring.
type ERSTEntry struct {
	Base   uint64
	NTRBs  uint16
}

// Marshal serializes the ERST entry.
func (e *ERSTEntry) Marshal() []byte {
	buf := make([]byte, ERSTEntryLen)
	binary.LittleEndian.PutUint64(buf[0:8], e.Base)
	binary.LittleEndian.PutUint16(buf[8:10], e.NTRBs)
	return buf
}

// UnmarshalERSTEntry decodes a 16-byte wire-format ERST entry.
func UnmarshalERSTEntry(buf []byte) ERSTEntry {
	return ERSTEntry{
		Base:  binary.LittleEndian.Uint64(buf[0:8]),
		NTRBs: binary.LittleEndian.Uint16(buf[8:10]),
	}
}

// MaxEndpoints is the number of Endpoint Contexts per Device Context
// (xHCI allows up to 31, endpoint ID 1..31; EP0 occupies slot 0 of the
// array under this package's 0-based epNum indexing).
const MaxEndpoints = 31

// SlotContextLen is the wire size of a Slot Context.
const SlotContextLen = 32

// SlotContext mirrors struct xhci_slot_ctx (xhci.h): 8 32-bit fields,
// only a handful of which this driver needs to interpret.
type SlotContext struct {
	Fields [8]uint32
}

// RouteString returns the slot's route string (Fields[0][19:0]).
func (s *SlotContext) RouteString() uint32 { return bits.Get(&s.Fields[0], 0, 0xFFFFF) }

// RootPortNumber returns the slot's attached root-hub port (Fields[1][23:16]).
func (s *SlotContext) RootPortNumber() uint8 { return uint8(bits.Get(&s.Fields[1], 16, 0xFF)) }

// USBAddress returns the slot's assigned USB device address (Fields[3][7:0]).
func (s *SlotContext) USBAddress() uint8 { return uint8(bits.Get(&s.Fields[3], 0, 0xFF)) }

func (s *SlotContext) Marshal() []byte {
	buf := make([]byte, SlotContextLen)
	for i, f := range s.Fields {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], f)
	}
	return buf
}

func UnmarshalSlotContext(buf []byte) SlotContext {
	var s SlotContext
	for i := range s.Fields {
		s.Fields[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return s
}

// EndpointState enumerates the Endpoint Context state field.
type EndpointState uint8

const (
	EPDisabled EndpointState = 0
	EPRunning  EndpointState = 1
	EPHalted   EndpointState = 2
	EPStopped  EndpointState = 3
	EPError    EndpointState = 4
)

// EndpointContextLen is the wire size of an Endpoint Context.
const EndpointContextLen = 32

// EndpointContext mirrors struct xhci_ep_ctx (xhci.h): two leading 32-bit
// fields, a 64-bit dequeue pointer (with DCS in bit 0 and TRB type hints
// in bits 3:1), then four trailing fields.
type EndpointContext struct {
	Field1  [2]uint32
	DqPtr   uint64
	Field2  [4]uint32
}

// State returns the endpoint's EP State field (Field1[0][2:0]).
func (e *EndpointContext) State() EndpointState {
	return EndpointState(bits.Get(&e.Field1[0], 0, 0x7))
}

// DequeuePointer returns the dequeue pointer with its low 4 flag bits
// masked off.
func (e *EndpointContext) DequeuePointer() uint64 { return e.DqPtr &^ 0xF }

// DequeueCycleState returns the DCS bit (bit 0 of the raw dequeue field).
func (e *EndpointContext) DequeueCycleState() bool { return bits.Get64(&e.DqPtr, 0, 0b1) != 0 }

func (e *EndpointContext) Marshal() []byte {
	buf := make([]byte, EndpointContextLen)
	binary.LittleEndian.PutUint32(buf[0:4], e.Field1[0])
	binary.LittleEndian.PutUint32(buf[4:8], e.Field1[1])
	binary.LittleEndian.PutUint64(buf[8:16], e.DqPtr)
	for i, f := range e.Field2 {
		binary.LittleEndian.PutUint32(buf[16+i*4:20+i*4], f)
	}
	return buf
}

func UnmarshalEndpointContext(buf []byte) EndpointContext {
	var e EndpointContext
	e.Field1[0] = binary.LittleEndian.Uint32(buf[0:4])
	e.Field1[1] = binary.LittleEndian.Uint32(buf[4:8])
	e.DqPtr = binary.LittleEndian.Uint64(buf[8:16])
	for i := range e.Field2 {
		e.Field2[i] = binary.LittleEndian.Uint32(buf[16+i*4 : 20+i*4])
	}
	return e
}

// DeviceContextLen is the wire size of a Device Context: one Slot
// Context followed by MaxEndpoints Endpoint Contexts.
const DeviceContextLen = SlotContextLen + MaxEndpoints*EndpointContextLen

// InputControlContextLen is the wire size of the Input Control Context
// prefix of an Input Device Context.
const InputControlContextLen = 32

// InputControlContext mirrors struct xhci_input_ctrl_ctx.
type InputControlContext struct {
	DropFlags uint32
	AddFlags  uint32
}

// DropsEndpoint reports whether ep (0-based, EP0=0) is marked for removal.
func (c *InputControlContext) DropsEndpoint(ep int) bool {
	return bits.Get(&c.DropFlags, ep+1, 0b1) != 0
}

// AddsEndpoint reports whether ep (0-based, EP0=0) is marked to be added
// or evaluated.
func (c *InputControlContext) AddsEndpoint(ep int) bool {
	return bits.Get(&c.AddFlags, ep+1, 0b1) != 0
}

func UnmarshalInputControlContext(buf []byte) InputControlContext {
	return InputControlContext{
		DropFlags: binary.LittleEndian.Uint32(buf[0:4]),
		AddFlags:  binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// InputDeviceContextLen is the wire size of an Input Device Context:
// Input Control Context followed by a full Device Context.
const InputDeviceContextLen = InputControlContextLen + DeviceContextLen
