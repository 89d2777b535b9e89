package pci

import "testing"

func TestConfigSpaceReadWriteRoundTrip(t *testing.T) {
	cs := NewConfigSpace()

	cs.WriteU16(0x00, 0x8086) // Vendor ID
	cs.WriteU16(0x02, 0x1533) // Device ID
	cs.WriteU32(0x10, 0xFE000000)

	if got := cs.ReadU16(0x00); got != 0x8086 {
		t.Errorf("ReadU16(0x00) = 0x%04x, want 0x8086", got)
	}
	if got := cs.ReadU16(0x02); got != 0x1533 {
		t.Errorf("ReadU16(0x02) = 0x%04x, want 0x1533", got)
	}
	if got := cs.ReadU32(0x10); got != 0xFE000000 {
		t.Errorf("ReadU32(0x10) = 0x%08x, want 0xfe000000", got)
	}

	cs.WriteU8(0x08, 0x03)
	if got := cs.ReadU8(0x08); got != 0x03 {
		t.Errorf("ReadU8(0x08) = 0x%02x, want 0x03", got)
	}
}

func TestConfigSpaceReadWriteBoundary(t *testing.T) {
	cs := NewConfigSpace()

	// Test boundary reads return 0
	if cs.ReadU8(-1) != 0 {
		t.Error("ReadU8 at -1 should return 0")
	}
	if cs.ReadU8(ConfigSpaceSize) != 0 {
		t.Error("ReadU8 at ConfigSpaceSize should return 0")
	}
	if cs.ReadU16(ConfigSpaceSize-1) != 0 {
		t.Error("ReadU16 at boundary should return 0")
	}
	if cs.ReadU32(ConfigSpaceSize-3) != 0 {
		t.Error("ReadU32 at boundary should return 0")
	}

	// Boundary writes are no-ops, not panics.
	cs.WriteU8(-1, 0xFF)
	cs.WriteU16(ConfigSpaceSize-1, 0xFFFF)
	cs.WriteU32(ConfigSpaceSize-3, 0xFFFFFFFF)
}
