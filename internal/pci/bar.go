package pci

import "fmt"

// BAR type constants
const (
	BARTypeIO       = "io"
	BARTypeMem32    = "mem32"
	BARTypeMem64    = "mem64"
	BARTypeDisabled = "disabled"
)

// BAR describes one decoded Base Address Register, sized by the
// write-ones/read-back protocol in package barprobe.
type BAR struct {
	Index        int    `json:"index"`
	Size         uint64 `json:"size"`
	Type         string `json:"type"` // "io", "mem32", "mem64", "disabled"
	Prefetchable bool   `json:"prefetchable"`
}

// IsIO returns true if this is an I/O BAR.
func (b *BAR) IsIO() bool {
	return b.Type == BARTypeIO
}

// IsMemory returns true if this is a memory BAR.
func (b *BAR) IsMemory() bool {
	return b.Type == BARTypeMem32 || b.Type == BARTypeMem64
}

// IsDisabled returns true if this BAR is disabled (type BARTypeDisabled or
// zero size).
func (b *BAR) IsDisabled() bool {
	return b.Type == BARTypeDisabled || b.Size == 0
}

// SizeHuman returns the BAR size in human-readable format.
func (b *BAR) SizeHuman() string {
	if b.Size == 0 {
		return "0"
	}
	if b.Size >= 1<<30 {
		return fmt.Sprintf("%d GB", b.Size>>30)
	}
	if b.Size >= 1<<20 {
		return fmt.Sprintf("%d MB", b.Size>>20)
	}
	if b.Size >= 1<<10 {
		return fmt.Sprintf("%d KB", b.Size>>10)
	}
	return fmt.Sprintf("%d B", b.Size)
}

// String returns a summary of the BAR for display.
func (b *BAR) String() string {
	if b.IsDisabled() {
		return fmt.Sprintf("BAR%d: [disabled]", b.Index)
	}
	pf := ""
	if b.Prefetchable {
		pf = " [prefetchable]"
	}
	return fmt.Sprintf("BAR%d: %s, size %s%s", b.Index, b.Type, b.SizeHuman(), pf)
}

// Memory BAR type-field encodings (bits 2:1 of a memory BAR register).
const (
	MemType32Bit    uint8 = 0x0
	MemType64Bit    uint8 = 0x2
	MemTypeReserved uint8 = 0x1 // also 0x3; undefined per spec
)

// DecodeBARType extracts the decoding class encoded in a raw BAR register's
// low bits: whether it is an I/O BAR, the memory type field, and whether a
// memory BAR is prefetchable. Both the sizing probe (barprobe.Size, which
// decodes a write-ones/read-back value) and ordinary address decode share
// this bit layout.
func DecodeBARType(raw uint32) (isIO bool, memType uint8, prefetchable bool) {
	if raw&0x1 != 0 {
		return true, 0, false
	}
	return false, uint8((raw >> 1) & 0x3), raw&0x8 != 0
}
