package reg

import (
	"testing"
	"unsafe"
)

func testAddr(t *testing.T) (uint64, *uint32) {
	var v uint32
	return uint64(uintptr(unsafe.Pointer(&v))), &v
}

func TestSetClear(t *testing.T) {
	addr, _ := testAddr(t)

	Set(addr, 3)
	if Get(addr, 3, 0b1) != 1 {
		t.Fatal("Set did not set bit 3")
	}

	Clear(addr, 3)
	if Get(addr, 3, 0b1) != 0 {
		t.Fatal("Clear did not clear bit 3")
	}
}

func TestSetNGetN(t *testing.T) {
	addr, _ := testAddr(t)

	SetN(addr, 4, 0xFF, 0xAB)
	if got := Get(addr, 4, 0xFF); got != 0xAB {
		t.Errorf("SetN/Get mismatch: got %#x, want 0xab", got)
	}
}

func TestWriteRead(t *testing.T) {
	addr, _ := testAddr(t)

	Write(addr, 0xDEADBEEF)
	if got := Read(addr); got != 0xDEADBEEF {
		t.Errorf("Read() = %#x, want 0xdeadbeef", got)
	}
}

func TestOr(t *testing.T) {
	addr, _ := testAddr(t)

	Write(addr, 0x0F0F0F0F)
	Or(addr, 0xF0000000)

	if got := Read(addr); got != 0xFF0F0F0F {
		t.Errorf("Or() result = %#x, want 0xff0f0f0f", got)
	}
}

func TestWriteLowerUpper32(t *testing.T) {
	var v uint64
	addr := uint64(uintptr(unsafe.Pointer(&v)))

	WriteLower32(addr, 0x11111111)
	if Read64(addr) != 0x11111111 {
		t.Fatalf("after WriteLower32: %#x", Read64(addr))
	}

	WriteUpper32(addr, 0x22222222)
	if got := Read64(addr); got != 0x2222222211111111 {
		t.Errorf("after WriteUpper32: got %#x, want 0x2222222211111111", got)
	}

	WriteLower32(addr, 0x33333333)
	if got := Read64(addr); got != 0x2222222233333333 {
		t.Errorf("WriteLower32 disturbed the upper half: got %#x", got)
	}
}
