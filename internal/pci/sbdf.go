package pci

import "fmt"

// SBDF is the segment:bus:device:function coordinate of a PCI function,
// together with a cached offset to its PCI Express capability header (zero
// if the function has none). SBDFs compare equal iff all four coordinates
// match; the cached capability offset is not part of equality.
type SBDF struct {
	Segment  uint16
	Bus      uint8
	Device   uint8
	Function uint8

	// PCIeCapOffset is the cached config-space offset of the PCI Express
	// capability header, or 0 if this function has none.
	PCIeCapOffset int
}

// Equal reports whether two SBDFs name the same function, ignoring the
// cached capability offset.
func (s SBDF) Equal(o SBDF) bool {
	return s.Segment == o.Segment && s.Bus == o.Bus &&
		s.Device == o.Device && s.Function == o.Function
}

// String returns the canonical "SSSS:BB:DD.F" representation.
func (s SBDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", s.Segment, s.Bus, s.Device, s.Function)
}

// ConfigBase computes the base address of this function's config space
// inside a PCIe enhanced configuration window of the given ECAM base,
// per the addressing formula base + (bus<<20) + (device<<15) + (function<<12).
func (s SBDF) ConfigBase(ecamBase uint64) uint64 {
	return ecamBase + (uint64(s.Bus) << 20) + (uint64(s.Device) << 15) + (uint64(s.Function) << 12)
}

// DeviceType classifies a function's role in the PCIe topology.
type DeviceType int

const (
	DeviceTypeEndpoint DeviceType = iota
	DeviceTypePCIeUpstreamPort
	DeviceTypePCIeDownstreamPort
	DeviceTypeLegacy
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeEndpoint:
		return "endpoint"
	case DeviceTypePCIeUpstreamPort:
		return "pcie-upstream-port"
	case DeviceTypePCIeDownstreamPort:
		return "pcie-downstream-port"
	default:
		return "legacy"
	}
}

// Accessor reads and writes config-space registers for a function identified
// by SBDF, and probes presence. Implementations are the EXTERNAL COLLABORATOR
// that bridges this package to real or simulated config space.
type Accessor interface {
	Read8(sbdf SBDF, offset int) (uint8, error)
	Read16(sbdf SBDF, offset int) (uint16, error)
	Read32(sbdf SBDF, offset int) (uint32, error)
	Write8(sbdf SBDF, offset int, v uint8) error
	Write16(sbdf SBDF, offset int, v uint16) error
	Write32(sbdf SBDF, offset int, v uint32) error
}
