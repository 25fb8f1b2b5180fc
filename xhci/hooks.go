package xhci

import (
	"sync"

	"github.com/f-secure-foundry/xhci-shadow/internal/hostmem"
)

// hooks.go implements Component F: the hook/filter registry policy
// modules register against to observe or rewrite USB traffic in
// flight. Grounded on
// _examples/original_source/drivers/usb/usb_hook.h's USB_HOOK_PASS/
// DISCARD, USB_HOOK_REQUEST/REPLY, USB_HOOK_MATCH_* flags, struct
// usb_hook_pattern and struct usb_hook, and the
// usb_hook_register/_ex/usb_hook_unregister/usb_hook_process family.

// Result is a hook callback's verdict on a URB it was shown.
type Result int

const (
	ResultPass Result = iota
	ResultDiscard
)

// Phase selects whether a hook observes the request (guest-to-device)
// or reply (device-to-guest) half of a transfer.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseReply
)

// MatchFlags selects which fields of a hook's registration must match
// a URB for the hook to fire, mirroring USB_HOOK_MATCH_ADDRESS/ENDPOINT/
// DATA/DEV.
type MatchFlags int

const (
	MatchAddress  MatchFlags = 1 << 0
	MatchEndpoint MatchFlags = 1 << 1
	MatchData     MatchFlags = 1 << 2
	MatchDevice   MatchFlags = 1 << 3
)

// Pattern is one byte-pattern match rule within a hook's Data match,
// mirroring struct usb_hook_pattern: a byte at pid/offset masked by
// mask must equal pattern, with pid selecting which buffer span of a
// multi-span URB the offset is relative to.
type Pattern struct {
	SpanIndex int
	Offset    int
	Mask      byte
	Value     byte
}

// Callback is invoked when a hook matches a URB in the given phase. It
// returns the verdict for that URB and, for the Request phase, whether
// the URB it was handed (possibly rewritten in place) should continue
// toward the device.
type Callback func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result

// Hook is one registered filter, mirroring struct usb_hook: a match
// spec, optional device/endpoint/address narrowing, patterns, and the
// callback(s) invoked on match.
type Hook struct {
	id int

	match    MatchFlags
	address  uint8
	epNum    int
	inDir    bool
	patterns []Pattern

	before   Callback
	callback Callback
	after    Callback

	tryExecFirst bool
	execOnce     bool
	fired        bool
}

// HookRegistry holds every Request/Reply hook list for a controller,
// guarded by its own lock beneath controller.sync_lock in the locking
// hierarchy (spec.md §5).
type HookRegistry struct {
	lock sync.Mutex

	nextID int
	lists  map[Phase][]*Hook

	host *hostmem.Region
}

// NewHookRegistry returns an empty registry backed by host for reading
// a URB's buffer spans when evaluating MatchData patterns.
func NewHookRegistry(host *hostmem.Region) *HookRegistry {
	return &HookRegistry{
		lists: map[Phase][]*Hook{PhaseRequest: nil, PhaseReply: nil},
		host:  host,
	}
}

// Register installs a hook with only the main callback set, equivalent
// to usb_hook_register.
func (r *HookRegistry) Register(phase Phase, match MatchFlags, address uint8, epNum int, inDir bool, patterns []Pattern, cb Callback) int {
	return r.RegisterEx(phase, match, address, epNum, inDir, patterns, nil, cb, nil, false, false)
}

// RegisterEx installs a hook with the full usb_hook_register_ex
// parameter set: before/after callbacks bracketing the main one,
// tryExecFirst (fire ahead of hooks already registered for the same
// match) and execOnce (auto-unregister after first match).
func (r *HookRegistry) RegisterEx(phase Phase, match MatchFlags, address uint8, epNum int, inDir bool, patterns []Pattern, before, cb, after Callback, tryExecFirst, execOnce bool) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.nextID++
	h := &Hook{
		id:           r.nextID,
		match:        match,
		address:      address,
		epNum:        epNum,
		inDir:        inDir,
		patterns:     patterns,
		before:       before,
		callback:     cb,
		after:        after,
		tryExecFirst: tryExecFirst,
		execOnce:     execOnce,
	}

	if tryExecFirst {
		r.lists[phase] = append([]*Hook{h}, r.lists[phase]...)
	} else {
		r.lists[phase] = append(r.lists[phase], h)
	}

	return h.id
}

// Unregister removes a previously registered hook by ID.
func (r *HookRegistry) Unregister(id int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for phase, list := range r.lists {
		for i, h := range list {
			if h.id == id {
				r.lists[phase] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Process runs every matching hook in phase against a URB in
// registration order (tryExecFirst hooks having been prepended at
// registration time), returning the first ResultDiscard verdict, or
// ResultPass if no hook discards it. This is the Go analogue of
// usb_hook_process.
func (r *HookRegistry) Process(phase Phase, slotID, epNum int, inDir bool, address uint8, u *URB) Result {
	r.lock.Lock()
	list := append([]*Hook(nil), r.lists[phase]...)
	r.lock.Unlock()

	var toRemove []int

	verdict := ResultPass

	for _, h := range list {
		if !h.matches(r.host, address, epNum, inDir, u) {
			continue
		}

		if h.before != nil {
			h.before(phase, slotID, epNum, inDir, u)
		}

		if h.callback != nil {
			if h.callback(phase, slotID, epNum, inDir, u) == ResultDiscard {
				verdict = ResultDiscard
			}
		}

		if h.after != nil {
			h.after(phase, slotID, epNum, inDir, u)
		}

		h.fired = true

		if h.execOnce {
			toRemove = append(toRemove, h.id)
		}
	}

	for _, id := range toRemove {
		r.Unregister(id)
	}

	return verdict
}

// matches reports whether h's registration narrows apply to the given
// URB.
func (h *Hook) matches(host *hostmem.Region, address uint8, epNum int, inDir bool, u *URB) bool {
	if h.match&MatchAddress != 0 && h.address != address {
		return false
	}

	if h.match&MatchEndpoint != 0 && (h.epNum != epNum || h.inDir != inDir) {
		return false
	}

	if h.match&MatchData != 0 && !h.matchesPatterns(host, u) {
		return false
	}

	return true
}

// matchesPatterns reports whether every one of h's byte-pattern rules
// holds against the URB's shadow buffers, mirroring usb_hook_match's
// per-pattern offset/mask/value comparison.
func (h *Hook) matchesPatterns(host *hostmem.Region, u *URB) bool {
	for _, p := range h.patterns {
		if p.SpanIndex >= len(u.shadowTRBs) {
			return false
		}

		buf := host.Bytes(u.shadowTRBs[p.SpanIndex].Parameter)
		if p.Offset < 0 || p.Offset >= len(buf) {
			return false
		}

		if buf[p.Offset]&p.Mask != p.Value {
			return false
		}
	}

	return true
}
