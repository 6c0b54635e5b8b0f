// Package physmem simulates the machine's physical RAM. The memory is a single
// page-aligned arena addressed by physical address; page tables installed by
// the virtual memory manager live inside it just like they would on real
// hardware.
package physmem

import (
	"encoding/binary"
	"nanoos/kernel"
	"nanoos/kernel/mm"

	"github.com/pkg/errors"
)

var (
	// mapArenaFn and unmapArenaFn are overridden by tests.
	mapArenaFn   = mapArena
	unmapArenaFn = unmapArena

	errAddressOutOfRange = &kernel.Error{Module: "physmem", Message: "physical address outside installed memory"}
	errMisalignedAccess  = &kernel.Error{Module: "physmem", Message: "misaligned 64-bit physical memory access"}
)

// Memory is the physical RAM of the simulated machine. Addresses start at 0
// and end at Size()-1.
type Memory struct {
	data []byte
}

// New installs size bytes of physical memory. The size is rounded up to the
// nearest page boundary.
func New(size mm.Size) (*Memory, error) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	rounded := (uint64(size) + pageSizeMinus1) &^ pageSizeMinus1
	if rounded == 0 {
		return nil, errors.New("physmem: memory size must be non-zero")
	}

	data, err := mapArenaFn(int(rounded))
	if err != nil {
		return nil, errors.Wrapf(err, "physmem: unable to reserve %s of physical memory", mm.Size(rounded))
	}

	return &Memory{data: data}, nil
}

// Size returns the number of installed bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// Frame returns the contents of the given physical frame.
func (m *Memory) Frame(frame mm.Frame) ([]byte, *kernel.Error) {
	if !frame.Valid() || frame.Address() >= m.Size() {
		return nil, errAddressOutOfRange
	}

	start := frame.Address()
	return m.data[start : start+mm.PageSize : start+mm.PageSize], nil
}

// Zero clears the contents of the given physical frame.
func (m *Memory) Zero(frame mm.Frame) *kernel.Error {
	page, err := m.Frame(frame)
	if err != nil {
		return err
	}

	clear(page)
	return nil
}

// ReadUint64 loads the 64-bit little-endian word stored at physAddr.
func (m *Memory) ReadUint64(physAddr uintptr) (uint64, *kernel.Error) {
	if err := m.checkWord(physAddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(m.data[physAddr:]), nil
}

// WriteUint64 stores a 64-bit little-endian word at physAddr.
func (m *Memory) WriteUint64(physAddr uintptr, value uint64) *kernel.Error {
	if err := m.checkWord(physAddr); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(m.data[physAddr:], value)
	return nil
}

func (m *Memory) checkWord(physAddr uintptr) *kernel.Error {
	switch {
	case physAddr&7 != 0:
		return errMisalignedAccess
	case physAddr >= m.Size() || m.Size()-physAddr < 8:
		return errAddressOutOfRange
	}

	return nil
}

// Close releases the memory arena. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	return unmapArenaFn(data)
}
