package guest

import "testing"

func TestMapReadWrite(t *testing.T) {
	m, err := NewMemory(4096)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	g, err := m.Map(m.Base()+16, 8, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	g.Write(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	out := make([]byte, 8)
	g.Read(0, out)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("Read() = %v, want %v", out, want)
		}
	}
}

func TestMapOutOfRange(t *testing.T) {
	m, err := NewMemory(4096)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	if _, err := m.Map(m.Base()-8, 16, false); err != ErrOutOfRange {
		t.Errorf("Map before base: err = %v, want ErrOutOfRange", err)
	}

	if _, err := m.Map(m.Base()+m.Size()-4, 16, false); err != ErrOutOfRange {
		t.Errorf("Map past end: err = %v, want ErrOutOfRange", err)
	}
}

func TestWriteWithoutRWIsNoOp(t *testing.T) {
	m, err := NewMemory(4096)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	ro, err := m.Map(m.Base(), 8, false)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	ro.Write(0, []byte{0xFF, 0xFF, 0xFF, 0xFF})

	out := make([]byte, 4)
	ro.Read(0, out)

	for _, b := range out {
		if b != 0 {
			t.Errorf("Write on a read-only guard mutated memory: %v", out)
			break
		}
	}
}

func TestReadObservesConcurrentWrite(t *testing.T) {
	m, err := NewMemory(4096)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	writer, err := m.Map(m.Base()+32, 4, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	reader, err := m.Map(m.Base()+32, 4, false)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	writer.Write(0, []byte{9, 9, 9, 9})

	out := make([]byte, 4)
	reader.Read(0, out)

	if out[0] != 9 {
		t.Error("reader did not observe the writer's update through separate guards over the same range")
	}
}
