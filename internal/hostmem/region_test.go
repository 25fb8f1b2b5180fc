package hostmem

import "testing"

func TestAllocWriteRead(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	data := []byte("hello shadow structures")
	addr, err := r.Alloc(data, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	out := make([]byte, len(data))
	r.Read(addr, 0, out)

	if string(out) != string(data) {
		t.Errorf("Read() = %q, want %q", out, data)
	}
}

func TestAllocRespectsAlignment(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	// force an odd offset first so the next allocation needs padding
	if _, err := r.Alloc([]byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	addr, err := r.Alloc(make([]byte, 64), 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if addr%64 != 0 {
		t.Errorf("Alloc with align=64 returned unaligned address %#x", addr)
	}
}

func TestFreeAllowsReuse(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	addr, err := r.Reserve(128, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	r.Release(addr)

	addr2, err := r.Reserve(128, 0)
	if err != nil {
		t.Fatalf("Reserve after Release: %v", err)
	}

	if addr2 != addr {
		t.Errorf("Reserve after Release did not reuse the freed block: got %#x, want %#x", addr2, addr)
	}
}

func TestOutOfMemory(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	_, err = r.Reserve(1<<20, 0)
	if err != ErrOutOfMemory {
		t.Errorf("Reserve() error = %v, want ErrOutOfMemory", err)
	}
}

func TestBytesViewSharesBackingArray(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	addr, err := r.Reserve(16, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	view := r.Bytes(addr)
	view[0] = 0x42

	out := make([]byte, 1)
	r.Read(addr, 0, out)

	if out[0] != 0x42 {
		t.Error("Bytes() view is not backed by the same memory Read observes")
	}
}
