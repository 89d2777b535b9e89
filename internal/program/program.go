// Package program implements the Programmer: the widen-then-tighten
// register-write protocol of spec.md §4.5.
package program

import (
	"fmt"

	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/pcierr"
	"github.com/sercanarga/pcienum/internal/restree"
)

// Window is an inclusive [Base, Limit] address range.
type Window struct {
	Base  uint64
	Limit uint64
}

// Programmer writes BARs and bridge base/limit registers.
type Programmer struct {
	Accessor pci.Accessor
	Arena    *restree.Arena
}

// New creates a Programmer bound to arena's Accessor-addressable devices.
func New(a pci.Accessor, arena *restree.Arena) *Programmer {
	return &Programmer{Accessor: a, Arena: arena}
}

// WidenAll is Phase A: recursively, for every non-root bridge, write the
// memory and I/O base/limit pairs to (hostMem.Limit, hostMem.Limit) and
// (hostIO.Limit, hostIO.Limit) so that every bridge transparently forwards
// downstream accesses while BARs are still being probed and written.
func (p *Programmer) WidenAll(bridge restree.BridgeID, hostMem, hostIO Window) error {
	b := p.Arena.Bridge(bridge)
	if b.Parent != restree.NoID {
		dev := p.Arena.Device(b.Device)
		if err := p.writeMemBaseLimit(dev.SBDF, hostMem.Limit, hostMem.Limit); err != nil {
			return err
		}
		if err := p.writeIOBaseLimit(dev.SBDF, hostIO.Limit, hostIO.Limit); err != nil {
			return err
		}
	}
	for _, child := range b.Children {
		if err := p.WidenAll(child, hostMem, hostIO); err != nil {
			return err
		}
	}
	return nil
}

// TightenMemory is Phase B run over the MEM kind group: it writes final BAR
// values and narrows each bridge's memory window to its planned aperture.
func (p *Programmer) TightenMemory(bridge restree.BridgeID, window Window) error {
	return p.tighten(bridge, window, true)
}

// TightenIO is Phase B run over the IO kind group.
func (p *Programmer) TightenIO(bridge restree.BridgeID, window Window) error {
	return p.tighten(bridge, window, false)
}

func (p *Programmer) tighten(bridge restree.BridgeID, window Window, wantMem bool) error {
	ids := p.Arena.KindResources(bridge, wantMem)
	for _, rid := range ids {
		r := p.Arena.Resource(rid)
		switch {
		case r.Kind.IsResource():
			if err := p.programResource(r, window, wantMem); err != nil {
				return err
			}
		case r.Kind.IsAperture():
			if err := p.programAperture(r, window, wantMem); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Programmer) programResource(r *restree.Resource, window Window, wantMem bool) error {
	dev := p.Arena.Device(r.Device)
	deviceAddr := window.Base + r.Offset

	if deviceAddr+r.Length-1 > window.Limit {
		return fmt.Errorf("program: BAR%d of %s would exceed its bridge window: %w", r.BarIndex, dev.SBDF, pcierr.ErrOutOfResources)
	}

	if wantMem {
		offset := pci.RBaseAddressOffset0 + 4*r.BarIndex
		if err := p.Accessor.Write32(dev.SBDF, offset, uint32(deviceAddr)); err != nil {
			return fmt.Errorf("program: write BAR%d of %s: %w", r.BarIndex, dev.SBDF, err)
		}
		return nil
	}

	offset := pci.RBaseAddressOffset0 + 4*r.BarIndex
	if err := p.Accessor.Write32(dev.SBDF, offset, uint32(deviceAddr)|0x1); err != nil {
		return fmt.Errorf("program: write IO BAR%d of %s: %w", r.BarIndex, dev.SBDF, err)
	}
	return nil
}

func (p *Programmer) programAperture(r *restree.Resource, window Window, wantMem bool) error {
	base := window.Base + r.Offset
	limit := base + r.Length - 1

	if limit > window.Limit {
		return fmt.Errorf("program: aperture at offset 0x%x would exceed its bridge window: %w", r.Offset, pcierr.ErrOutOfResources)
	}

	childDev := p.Arena.Device(p.Arena.Bridge(r.AperturesChildBridge).Device)

	if wantMem {
		if err := p.writeMemBaseLimit(childDev.SBDF, base, limit); err != nil {
			return err
		}
		return p.tighten(r.AperturesChildBridge, Window{Base: base, Limit: limit}, true)
	}

	if base > 0xFFFF || limit > 0xFFFF {
		return fmt.Errorf("program: I/O aperture at offset 0x%x needs 32-bit I/O: %w", r.Offset, pcierr.ErrUnsupported)
	}
	if err := p.writeIOBaseLimit(childDev.SBDF, base, limit); err != nil {
		return err
	}
	// REDESIGN FLAG (spec.md §9): the recursive limit passed down is the
	// offset-inclusive (window.Base + r.Offset + r.Length - 1) form, not
	// the buggy (window.Base + r.Length - 1) form the flagged source used.
	return p.tighten(r.AperturesChildBridge, Window{Base: base, Limit: limit}, false)
}

// writeMemBaseLimit encodes and writes the bridge memory base/limit
// register (offset 0x20): low 16 bits = (base>>16) with the lower 4 bits
// reserved; high 16 bits = (limit>>16) with the lower 4 bits reserved. The
// limit describes the last included 1 MiB block.
func (p *Programmer) writeMemBaseLimit(s pci.SBDF, base, limit uint64) error {
	low := uint32(base>>16) &^ 0xF
	high := uint32(limit>>16) &^ 0xF
	v := low | high<<16
	if err := p.Accessor.Write32(s, pci.BridgeMemBaseLimitOffset, v); err != nil {
		return fmt.Errorf("program: write memory base/limit of bridge %s: %w", s, err)
	}
	return nil
}

// writeIOBaseLimit encodes and writes the bridge I/O base/limit register
// (offset 0x1C): low 8 bits = (base>>8) of the low 16-bit I/O base; high 8
// bits = (limit>>8) of the low 16-bit I/O limit.
func (p *Programmer) writeIOBaseLimit(s pci.SBDF, base, limit uint64) error {
	low := uint32(base>>8) & 0xFF
	high := uint32(limit>>8) & 0xFF
	v := low | high<<8
	if err := p.Accessor.Write32(s, pci.BridgeIOBaseLimitOffset, v); err != nil {
		return fmt.Errorf("program: write I/O base/limit of bridge %s: %w", s, err)
	}
	return nil
}

// EnableBridges walks bridge's subtree leaves-upward, enabling IO|MEM|bus-
// master in each bridge's command register, per orchestrator Step 5.
func (p *Programmer) EnableBridges(bridge restree.BridgeID) error {
	b := p.Arena.Bridge(bridge)
	for _, child := range b.Children {
		if err := p.EnableBridges(child); err != nil {
			return err
		}
	}
	if b.Parent == restree.NoID {
		return nil
	}
	dev := p.Arena.Device(b.Device)
	return p.enableCommand(dev)
}

func (p *Programmer) enableCommand(dev *restree.Device) error {
	cmd := pci.CommandIO | pci.CommandMemory | pci.CommandBusMaster
	if err := p.Accessor.Write16(dev.SBDF, 0x04, cmd); err != nil {
		return fmt.Errorf("program: enable command register of %s: %w", dev.SBDF, err)
	}
	dev.Current |= restree.AttrIO | restree.AttrMemory | restree.AttrBusMaster
	return nil
}

// EnableEndpoint enables IO|MEM|bus-master on a single essential endpoint's
// command register (orchestrator Step 5's per-endpoint counterpart).
func (p *Programmer) EnableEndpoint(devID restree.DeviceID) error {
	return p.enableCommand(p.Arena.Device(devID))
}
