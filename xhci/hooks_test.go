package xhci

import "testing"

func TestHookRegistryMatchAddress(t *testing.T) {
	r := NewHookRegistry(nil)

	var fired bool
	r.Register(PhaseRequest, MatchAddress, 7, 0, false, nil, func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result {
		fired = true
		return ResultPass
	})

	u := &URB{}

	r.Process(PhaseRequest, 1, 0, false, 9, u)
	if fired {
		t.Fatal("hook should not fire for a non-matching address")
	}

	r.Process(PhaseRequest, 1, 0, false, 7, u)
	if !fired {
		t.Error("hook should fire for a matching address")
	}
}

func TestHookRegistryDiscardVerdict(t *testing.T) {
	r := NewHookRegistry(nil)

	r.Register(PhaseRequest, 0, 0, 0, false, nil, func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result {
		return ResultDiscard
	})

	if got := r.Process(PhaseRequest, 1, 0, false, 0, &URB{}); got != ResultDiscard {
		t.Errorf("Process() = %v, want ResultDiscard", got)
	}
}

func TestHookRegistryExecOnceUnregisters(t *testing.T) {
	r := NewHookRegistry(nil)

	calls := 0
	r.RegisterEx(PhaseRequest, 0, 0, 0, false, nil, nil, func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result {
		calls++
		return ResultPass
	}, nil, false, true)

	r.Process(PhaseRequest, 1, 0, false, 0, &URB{})
	r.Process(PhaseRequest, 1, 0, false, 0, &URB{})

	if calls != 1 {
		t.Errorf("execOnce hook fired %d times, want 1", calls)
	}
}

func TestHookRegistryTryExecFirstOrdering(t *testing.T) {
	r := NewHookRegistry(nil)

	var order []int

	r.Register(PhaseRequest, 0, 0, 0, false, nil, func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result {
		order = append(order, 1)
		return ResultPass
	})

	r.RegisterEx(PhaseRequest, 0, 0, 0, false, nil, nil, func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result {
		order = append(order, 2)
		return ResultPass
	}, nil, true, false)

	r.Process(PhaseRequest, 1, 0, false, 0, &URB{})

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("tryExecFirst hook should run before the earlier-registered one, got %v", order)
	}
}

func TestHookRegistryUnregister(t *testing.T) {
	r := NewHookRegistry(nil)

	id := r.Register(PhaseRequest, 0, 0, 0, false, nil, func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result {
		t.Fatal("unregistered hook should not fire")
		return ResultPass
	})

	r.Unregister(id)
	r.Process(PhaseRequest, 1, 0, false, 0, &URB{})
}

func TestHookRegistryBeforeAfterCallbacks(t *testing.T) {
	r := NewHookRegistry(nil)

	var seq []string

	r.RegisterEx(PhaseReply, 0, 0, 0, false, nil,
		func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result { seq = append(seq, "before"); return ResultPass },
		func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result { seq = append(seq, "main"); return ResultPass },
		func(phase Phase, slotID, epNum int, inDir bool, u *URB) Result { seq = append(seq, "after"); return ResultPass },
		false, false)

	r.Process(PhaseReply, 1, 0, false, 0, &URB{})

	want := []string{"before", "main", "after"}
	if len(seq) != len(want) {
		t.Fatalf("callback sequence = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("callback sequence = %v, want %v", seq, want)
			break
		}
	}
}
