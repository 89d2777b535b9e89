// Package barprobe sizes a single PCI Base Address Register by the
// standard write-all-ones/read-back/restore protocol.
package barprobe

import (
	"fmt"

	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/pcierr"
)

// Kind discriminates the decoded BAR shape.
type Kind int

const (
	Absent Kind = iota
	Io
	Mem32
	Mem64
	UnsupportedAbove4G
)

// Result is the outcome of sizing one BAR.
type Result struct {
	Kind Kind

	// Length is the decoded aperture size in bytes, valid for
	// Io/Mem32/Mem64.
	Length uint64

	// Prefetchable is valid for Mem32/Mem64.
	Prefetchable bool

	// SkipNext is true when this BAR is the low half of a 64-bit
	// descriptor; the caller must skip the paired high-half index.
	SkipNext bool
}

// maxAcceptable64BitLength is the largest low-half length this core will
// place: §4.2 accepts only 64-bit memory BARs whose low-half length
// encodes <= 2 GiB, treating them as 32-bit for placement purposes.
const maxAcceptable64BitLength = 2 << 30

// Size probes BAR barIndex (0..5) of sbdf via save/write-ones/read-back/
// restore, and decodes its shape. A >2GiB 64-bit BAR is reported as
// UnsupportedAbove4G; the caller (Enumerator) is responsible for
// invalidating the owning device per spec.md §4.2.
func Size(a pci.Accessor, s pci.SBDF, barIndex int) (Result, error) {
	if barIndex < 0 || barIndex > 5 {
		return Result{}, fmt.Errorf("barprobe: index %d out of range: %w", barIndex, pcierr.ErrInvalidParameter)
	}

	offset := pci.RBaseAddressOffset0 + 4*barIndex

	orig, err := a.Read32(s, offset)
	if err != nil {
		return Result{}, fmt.Errorf("barprobe: read original BAR%d of %s: %w", barIndex, s, err)
	}

	if err := a.Write32(s, offset, 0xFFFFFFFF); err != nil {
		return Result{}, fmt.Errorf("barprobe: write sizing mask to BAR%d of %s: %w", barIndex, s, err)
	}
	probe, err := a.Read32(s, offset)
	if err != nil {
		return Result{}, fmt.Errorf("barprobe: read sizing mask from BAR%d of %s: %w", barIndex, s, err)
	}
	if err := a.Write32(s, offset, orig); err != nil {
		return Result{}, fmt.Errorf("barprobe: restore BAR%d of %s: %w", barIndex, s, err)
	}

	if probe == 0 {
		return Result{Kind: Absent}, nil
	}

	isIO, memType, prefetchable := pci.DecodeBARType(probe)

	if isIO {
		// I/O BAR: bits 2 and above hold the inverted length, 16-bit
		// aliased IO decode is permitted but we size the full 32 bits.
		length := ^(probe & 0xFFFFFFFC) + 1
		return Result{Kind: Io, Length: uint64(length)}, nil
	}

	switch memType {
	case pci.MemType32Bit:
		length := ^(probe & 0xFFFFFFF0) + 1
		return Result{Kind: Mem32, Length: uint64(length), Prefetchable: prefetchable}, nil

	case pci.MemType64Bit:
		if barIndex == 5 {
			return Result{}, fmt.Errorf("barprobe: BAR5 cannot start a 64-bit descriptor: %w", pcierr.ErrUnsupported)
		}
		// Widened before the +1 so an all-zero low half (a BAR of 4 GiB or
		// more) decodes as 4 GiB instead of wrapping to 0.
		length := uint64(^(probe & 0xFFFFFFF0)) + 1
		if length > maxAcceptable64BitLength {
			return Result{Kind: UnsupportedAbove4G, SkipNext: true}, nil
		}
		return Result{Kind: Mem64, Length: length, Prefetchable: prefetchable, SkipNext: true}, nil

	default:
		return Result{Kind: Absent}, nil
	}
}

// BAR renders a sizing Result as a displayable pci.BAR record.
func (r Result) BAR(index int) pci.BAR {
	b := pci.BAR{Index: index, Size: r.Length, Prefetchable: r.Prefetchable}
	switch r.Kind {
	case Io:
		b.Type = pci.BARTypeIO
	case Mem32:
		b.Type = pci.BARTypeMem32
	case Mem64:
		b.Type = pci.BARTypeMem64
	default:
		b.Type = pci.BARTypeDisabled
	}
	return b
}
