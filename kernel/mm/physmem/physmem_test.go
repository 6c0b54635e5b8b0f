package physmem

import (
	"errors"
	"nanoos/kernel/mm"
	"testing"
)

func newTestMemory(t *testing.T, size mm.Size) *Memory {
	t.Helper()
	mem, err := New(size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

func TestNewRoundsToPageSize(t *testing.T) {
	mem := newTestMemory(t, 4*mm.Kb+1)

	if exp, got := 2*mm.PageSize, mem.Size(); got != exp {
		t.Fatalf("expected installed memory to be %d bytes; got %d", exp, got)
	}

	if _, err := New(0); err == nil {
		t.Fatal("expected New(0) to fail")
	}
}

func TestNewMapError(t *testing.T) {
	defer func() { mapArenaFn = mapArena }()

	expErr := errors.New("mmap failed")
	mapArenaFn = func(int) ([]byte, error) { return nil, expErr }

	_, err := New(mm.Mb)
	if err == nil {
		t.Fatal("expected New to fail")
	}

	if !errors.Is(err, expErr) {
		t.Fatalf("expected error to wrap %v; got %v", expErr, err)
	}
}

func TestFrameAccess(t *testing.T) {
	mem := newTestMemory(t, 4*mm.Kb*4)

	specs := []struct {
		frame  mm.Frame
		expErr bool
	}{
		{0, false},
		{3, false},
		{4, true},
		{mm.InvalidFrame, true},
	}

	for specIndex, spec := range specs {
		page, err := mem.Frame(spec.frame)
		switch {
		case spec.expErr && err != errAddressOutOfRange:
			t.Errorf("[spec %d] expected errAddressOutOfRange; got %v", specIndex, err)
		case !spec.expErr && err != nil:
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		case !spec.expErr && uintptr(len(page)) != mm.PageSize:
			t.Errorf("[spec %d] expected page length %d; got %d", specIndex, mm.PageSize, len(page))
		}
	}
}

func TestReadWriteUint64(t *testing.T) {
	mem := newTestMemory(t, 2*mm.Kb*4)

	if err := mem.WriteUint64(0x1008, 0xdeadbeefcafe); err != nil {
		t.Fatal(err)
	}

	got, err := mem.ReadUint64(0x1008)
	if err != nil {
		t.Fatal(err)
	}

	if exp := uint64(0xdeadbeefcafe); got != exp {
		t.Fatalf("expected to read back 0x%x; got 0x%x", exp, got)
	}

	page, _ := mem.Frame(1)
	if page[8] != 0xfe || page[9] != 0xca {
		t.Fatalf("expected the word to be stored in little-endian order; got % x", page[8:16])
	}

	if err = mem.Zero(1); err != nil {
		t.Fatal(err)
	}

	if got, _ = mem.ReadUint64(0x1008); got != 0 {
		t.Fatalf("expected Zero to clear the frame; read 0x%x", got)
	}

	if _, err = mem.ReadUint64(0x1004); err != errMisalignedAccess {
		t.Errorf("expected errMisalignedAccess; got %v", err)
	}

	if err = mem.WriteUint64(mem.Size(), 1); err != errAddressOutOfRange {
		t.Errorf("expected errAddressOutOfRange; got %v", err)
	}

	if err = mem.Zero(mm.Frame(100)); err != errAddressOutOfRange {
		t.Errorf("expected errAddressOutOfRange; got %v", err)
	}
}

func TestClose(t *testing.T) {
	defer func() { unmapArenaFn = unmapArena }()

	unmapCount := 0
	unmapArenaFn = func(data []byte) error {
		unmapCount++
		return unmapArena(data)
	}

	mem, err := New(mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	if err = mem.Close(); err != nil {
		t.Fatal(err)
	}

	if err = mem.Close(); err != nil {
		t.Fatal(err)
	}

	if unmapCount != 1 {
		t.Fatalf("expected the arena to be unmapped once; got %d", unmapCount)
	}
}
