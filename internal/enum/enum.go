// Package enum implements the two enumerator traversals of spec.md §4.3:
// depth-first bus-number assignment across PCI-to-PCI bridges, and resource
// discovery that populates the restree.Arena with device and resource
// records.
package enum

import (
	"fmt"

	"github.com/sercanarga/pcienum/internal/barprobe"
	"github.com/sercanarga/pcienum/internal/diag"
	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/pcierr"
	"github.com/sercanarga/pcienum/internal/restree"
)

// Essential reports whether a class code makes a function "essential"
// (spec.md §4.7 EssentialFilter). Enumerator calls this to decide whether a
// non-bridge function needs a resource-allocated device record.
type Essential func(classCode uint32) bool

// Enumerator walks one host bridge's bus tree.
type Enumerator struct {
	Accessor  pci.Accessor
	Segment   uint16
	BusLimit  uint8 // host bridge's declared bus-number limit
	Essential Essential

	// ECAMBase is the base address of this segment's PCIe enhanced
	// configuration window, folded into each discovered device's cached
	// ConfigBase per spec.md §6.
	ECAMBase uint64
}

// New creates an Enumerator for a single host bridge.
func New(a pci.Accessor, segment uint16, busLimit uint8, essential Essential) *Enumerator {
	return &Enumerator{Accessor: a, Segment: segment, BusLimit: busLimit, Essential: essential}
}

// AssignBusNumbers performs pass (1): depth-first assignment of secondary
// and subordinate bus numbers to every bridge directly and transitively
// under rootBus. nextFreeBus is consumed monotonically starting at
// rootBus+1 and must never exceed e.BusLimit. It returns the highest bus
// number actually used in the subtree (for the caller's own subordinate
// tightening) and the next free bus number after this subtree.
func (e *Enumerator) AssignBusNumbers(bus uint8, nextFreeBus uint8) (highestUsed uint8, next uint8, err error) {
	highestUsed = bus
	next = nextFreeBus

	for device := uint8(0); device < 32; device++ {
		maxFn := uint8(1)
		for function := uint8(0); function < maxFn; function++ {
			s := pci.SBDF{Segment: e.Segment, Bus: bus, Device: device, Function: function}
			if !pci.Present(e.Accessor, s) {
				continue
			}
			if function == 0 && pci.IsMultiFunction(e.Accessor, s) {
				maxFn = 8
			}
			if !pci.IsBridge(e.Accessor, s) {
				continue
			}

			if next > e.BusLimit {
				return highestUsed, next, fmt.Errorf("enum: bus numbers exhausted at limit %d: %w", e.BusLimit, pcierr.ErrOutOfResources)
			}

			secondary := next
			tentativeSub := e.BusLimit
			if err := e.writeBridgeBusNumbers(s, bus, secondary, tentativeSub); err != nil {
				return highestUsed, next, err
			}

			childHighest, afterChild, err := e.AssignBusNumbers(secondary, secondary+1)
			if err != nil {
				return highestUsed, next, err
			}

			if err := e.writeSubordinate(s, childHighest); err != nil {
				return highestUsed, next, err
			}

			if childHighest > highestUsed {
				highestUsed = childHighest
			}
			next = afterChild
		}
	}

	return highestUsed, next, nil
}

func (e *Enumerator) writeBridgeBusNumbers(s pci.SBDF, primary, secondary, subordinate uint8) error {
	const bridgeBusNumberRegister = 0x18
	v := uint32(primary) | uint32(secondary)<<8 | uint32(subordinate)<<16
	if err := e.Accessor.Write32(s, bridgeBusNumberRegister, v); err != nil {
		return fmt.Errorf("enum: write bus numbers to %s: %w", s, err)
	}
	return nil
}

func (e *Enumerator) writeSubordinate(s pci.SBDF, subordinate uint8) error {
	const subordinateBusOffset = 0x1A
	if err := e.Accessor.Write8(s, subordinateBusOffset, subordinate); err != nil {
		return fmt.Errorf("enum: tighten subordinate bus of %s: %w", s, err)
	}
	return nil
}

// DiscoverResources performs pass (2): recursive resource discovery from
// bridge (whose arena record already has SecondaryBus set). It allocates
// device and resource records for every present function that is a bridge
// or passes Essential and is not already decoding.
func (e *Enumerator) DiscoverResources(arena *restree.Arena, bridge restree.BridgeID) error {
	secondaryBus := arena.Bridge(bridge).SecondaryBus

	for device := uint8(0); device < 32; device++ {
		maxFn := uint8(1)
		for function := uint8(0); function < maxFn; function++ {
			s := pci.SBDF{Segment: e.Segment, Bus: secondaryBus, Device: device, Function: function}
			if !pci.Present(e.Accessor, s) {
				continue
			}
			if function == 0 && pci.IsMultiFunction(e.Accessor, s) {
				maxFn = 8
			}

			isBridge := pci.IsBridge(e.Accessor, s)
			classCode, err := pci.ClassCode(e.Accessor, s)
			if err != nil {
				continue // NoSuchDevice absorbed silently per spec.md §7
			}

			if !isBridge && !e.Essential(classCode) {
				continue
			}

			if pci.Decoding(e.Accessor, s) {
				// Already decoding: firmware earlier in boot owns this
				// function's resources. Leave it alone entirely.
				continue
			}

			var deviceType pci.DeviceType
			s, deviceType = pci.ClassifyDeviceType(e.Accessor, s)
			if deviceType != pci.DeviceTypeLegacy {
				diag.Info("%s: %s capability at offset 0x%02x", s, pci.CapabilityName(pci.CapIDPCIExpress), s.PCIeCapOffset)
			}
			configBase := s.ConfigBase(e.ECAMBase)

			if isBridge {
				childBridgeID, err := e.discoverBridge(arena, bridge, s, configBase)
				if err != nil {
					return err
				}
				if err := e.DiscoverResources(arena, childBridgeID); err != nil {
					return err
				}
				continue
			}

			if err := e.discoverEndpoint(arena, bridge, s, configBase); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *Enumerator) discoverBridge(arena *restree.Arena, parent restree.BridgeID, s pci.SBDF, configBase uint64) (restree.BridgeID, error) {
	const bridgeBusNumberRegister = 0x18
	busNumbers, err := e.Accessor.Read32(s, bridgeBusNumberRegister)
	if err != nil {
		return restree.NoID, fmt.Errorf("enum: read bus numbers of bridge %s: %w", s, err)
	}
	secondary := uint8(busNumbers >> 8)
	subordinate := uint8(busNumbers >> 16)

	dev := restree.Device{SBDF: s, ConfigBase: configBase}
	childBridge := arena.AddChildBridge(parent, dev, secondary, subordinate)

	childDevID := arena.Bridge(childBridge).Device
	if err := e.probeBARs(arena, childBridge, childDevID, s, 2); err != nil {
		return restree.NoID, err
	}
	return childBridge, nil
}

func (e *Enumerator) discoverEndpoint(arena *restree.Arena, bridge restree.BridgeID, s pci.SBDF, configBase uint64) error {
	dev := restree.Device{SBDF: s, ConfigBase: configBase}
	devID := arena.AddEndpoint(bridge, dev)
	return e.probeBARs(arena, bridge, devID, s, 6)
}

// probeBARs probes BARs 0..barCount-1 (6 for an endpoint, 2 for a bridge
// per spec.md §4.3) and creates one resource node per probed BAR. A >2GiB
// 64-bit BAR invalidates the entire device: previously recorded resources
// for it are removed and Supported/Current are cleared, but the device
// record itself is kept.
func (e *Enumerator) probeBARs(arena *restree.Arena, bridge restree.BridgeID, devID restree.DeviceID, s pci.SBDF, barCount int) error {
	for i := 0; i < barCount; i++ {
		result, err := barprobe.Size(e.Accessor, s, i)
		if err != nil {
			continue
		}

		switch result.Kind {
		case barprobe.Absent:
			continue

		case barprobe.UnsupportedAbove4G:
			diag.Warn("invalidating %s: BAR%d exceeds the 2GiB 64-bit placement limit", s, i)
			arena.RemoveDeviceResources(bridge, devID)
			dev := arena.Device(devID)
			dev.Unsupported = true
			dev.Supported = 0
			if result.SkipNext {
				i++
			}
			return nil

		case barprobe.Io:
			bar := result.BAR(i)
			diag.Info("%s %s", s, bar.String())
			arena.AddResource(bridge, restree.Resource{
				Device: devID, Kind: restree.IoResource, BarIndex: i,
				Length: result.Length, Alignment: result.Length - 1,
			})
			arena.Device(devID).Supported |= restree.AttrIO

		case barprobe.Mem32, barprobe.Mem64:
			bar := result.BAR(i)
			diag.Info("%s %s", s, bar.String())
			arena.AddResource(bridge, restree.Resource{
				Device: devID, Kind: restree.MemResource, BarIndex: i,
				Length: result.Length, Alignment: result.Length - 1,
				Prefetchable: result.Prefetchable,
			})
			arena.Device(devID).Supported |= restree.AttrMemory
			if result.SkipNext {
				i++
			}
		}
	}
	return nil
}
