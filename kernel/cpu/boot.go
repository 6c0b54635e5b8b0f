package cpu

import (
	"nanoos/kernel"
	"nanoos/kernel/mm"
)

// The bootloader builds its page tables in the first 1M of physical memory,
// a region the kernel never hands out.
const (
	// BootPDTAddr is the physical address of the P4 installed by the
	// bootloader.
	BootPDTAddr = uintptr(0x1000)

	bootP3Addr = uintptr(0x2000)
	bootP2Addr = uintptr(0x3000)

	// recursiveSlot is the P4 entry that points back to the P4 itself.
	recursiveSlot = 511
)

var errBootTablesOutOfRange = &kernel.Error{Module: "cpu", Message: "physical memory too small for boot page tables"}

// EnterLongMode performs the page table setup done by the bootloader before it
// jumps to the kernel entrypoint:
//   - the last P4 entry maps the P4 itself (recursive mapping)
//   - the first 2M of physical memory are identity mapped with a huge page
//
// It then loads CR3 with the boot P4.
func (c *CPU) EnterLongMode() *kernel.Error {
	if c.mem.Size() < bootP2Addr+mm.PageSize {
		return errBootTablesOutOfRange
	}

	for _, tableAddr := range []uintptr{BootPDTAddr, bootP3Addr, bootP2Addr} {
		if err := c.mem.Zero(mm.FrameFromAddress(tableAddr)); err != nil {
			return err
		}
	}

	entries := []struct {
		addr  uintptr
		value uint64
	}{
		{BootPDTAddr + recursiveSlot<<mm.PointerShift, uint64(BootPDTAddr) | ptePresent | pteRW},
		{BootPDTAddr, uint64(bootP3Addr) | ptePresent | pteRW},
		{bootP3Addr, uint64(bootP2Addr) | ptePresent | pteRW},
		{bootP2Addr, ptePresent | pteRW | ptePageSize},
	}

	for _, entry := range entries {
		if err := c.mem.WriteUint64(entry.addr, entry.value); err != nil {
			return err
		}
	}

	c.SwitchPDT(BootPDTAddr)
	return nil
}
