// Package simhost provides an in-memory simulated PCIe host: config space,
// MMIO/PIO address spaces, and a toy IOMMU, standing in for the EXTERNAL
// COLLABORATORS of spec.md §6 so the orchestrator can run against a
// fabricated topology in tests and the CLI demo.
package simhost

import (
	"encoding/binary"
	"fmt"

	"github.com/sercanarga/pcienum/internal/facade"
	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/pcierr"
	"github.com/sercanarga/pcienum/internal/util"
)

// barDesc is the hardware-fixed shape of one simulated BAR: which low bits
// are read-only decode-type bits, and the size the all-ones probe reports.
type barDesc struct {
	kind         string // "io", "mem32", "mem64"
	length       uint64
	prefetchable bool
}

func (d barDesc) lowBitsMask() uint32 {
	if d.kind == "io" {
		return 0x3
	}
	return 0xF
}

func (d barDesc) fixedLowBits() uint32 {
	if d.kind == "io" {
		return 0x1
	}
	v := uint32(0)
	if d.kind == "mem64" {
		v |= 0x4
	}
	if d.prefetchable {
		v |= 0x8
	}
	return v
}

func (d barDesc) sizeMask() uint32 {
	inv := ^uint32(d.length - 1)
	return (inv &^ d.lowBitsMask()) | d.fixedLowBits()
}

// Host is the simulated machine: one config-space block per function, a
// flat MMIO byte array, a 64K PIO byte array, and a bump-allocated DMA
// buffer pool standing in for an IOMMU.
type Host struct {
	devices map[pci.SBDF]*pci.ConfigSpace
	bars    map[pci.SBDF][6]*barDesc

	mem []byte
	io  [0x10000]byte

	memCursor   uint64
	nextMapping uint64
	mappings    map[uint64]struct{ hostAddr, length uint64 }

	delayCalls int
}

// NewHost allocates a simulated machine with a memSize-byte MMIO space.
func NewHost(memSize int) *Host {
	return &Host{
		devices:   make(map[pci.SBDF]*pci.ConfigSpace),
		bars:      make(map[pci.SBDF][6]*barDesc),
		mem:       make([]byte, memSize),
		memCursor: 0x1000,
		mappings:  make(map[uint64]struct{ hostAddr, length uint64 }),
	}
}

// AddDevice registers a function's backing config space.
func (h *Host) AddDevice(s pci.SBDF, cs *pci.ConfigSpace) {
	h.devices[s] = cs
}

// SetBAR records the hardware-fixed shape of one BAR so Write32 can emulate
// the write-ones/read-back sizing protocol against it. If the function has
// already been added, its BAR register is loaded with the read-only
// decode-type low bits (address bits zero), as real hardware reports them.
func (h *Host) SetBAR(s pci.SBDF, index int, kind string, length uint64, prefetchable bool) {
	set := h.bars[s]
	set[index] = &barDesc{kind: kind, length: length, prefetchable: prefetchable}
	h.bars[s] = set
	if cs, ok := h.devices[s]; ok {
		cs.WriteU32(pci.RBaseAddressOffset0+4*index, set[index].fixedLowBits())
	}
}

func (h *Host) barDescAt(s pci.SBDF, offset int) (*barDesc, bool) {
	if offset < pci.RBaseAddressOffset0 || offset > pci.RBaseAddressOffset0+4*5 {
		return nil, false
	}
	if (offset-pci.RBaseAddressOffset0)%4 != 0 {
		return nil, false
	}
	idx := (offset - pci.RBaseAddressOffset0) / 4
	set, ok := h.bars[s]
	if !ok || set[idx] == nil {
		return nil, false
	}
	return set[idx], true
}

// --- pci.Accessor ---

func (h *Host) Read8(s pci.SBDF, offset int) (uint8, error) {
	cs, ok := h.devices[s]
	if !ok {
		return 0xFF, nil
	}
	return cs.ReadU8(offset), nil
}

func (h *Host) Read16(s pci.SBDF, offset int) (uint16, error) {
	cs, ok := h.devices[s]
	if !ok {
		return 0xFFFF, nil
	}
	return cs.ReadU16(offset), nil
}

func (h *Host) Read32(s pci.SBDF, offset int) (uint32, error) {
	cs, ok := h.devices[s]
	if !ok {
		return 0xFFFFFFFF, nil
	}
	return cs.ReadU32(offset), nil
}

func (h *Host) Write8(s pci.SBDF, offset int, v uint8) error {
	cs, ok := h.devices[s]
	if !ok {
		return nil
	}
	cs.WriteU8(offset, v)
	return nil
}

func (h *Host) Write16(s pci.SBDF, offset int, v uint16) error {
	cs, ok := h.devices[s]
	if !ok {
		return nil
	}
	cs.WriteU16(offset, v)
	return nil
}

// Write32 writes through to config space, except at a configured BAR's
// offset: a write of 0xFFFFFFFF there is answered by the BAR's size mask
// on the next read (the standard sizing protocol), and any other write has
// its read-only decode-type low bits forced back to their fixed values,
// the way real PCI hardware ignores writes to those bits. At a BAR offset
// with no configured BAR, a write of 0xFFFFFFFF stores 0, so the sizing
// protocol sees an unimplemented BAR; other writes there pass through.
func (h *Host) Write32(s pci.SBDF, offset int, v uint32) error {
	cs, ok := h.devices[s]
	if !ok {
		return nil
	}
	if desc, isBAR := h.barDescAt(s, offset); isBAR {
		if v == 0xFFFFFFFF {
			cs.WriteU32(offset, desc.sizeMask())
		} else {
			cs.WriteU32(offset, (v &^ desc.lowBitsMask())|desc.fixedLowBits())
		}
		return nil
	}
	if v == 0xFFFFFFFF && offset >= pci.RBaseAddressOffset0 && offset <= pci.RBaseAddressOffset0+4*5 &&
		(offset-pci.RBaseAddressOffset0)%4 == 0 {
		cs.WriteU32(offset, 0)
		return nil
	}
	cs.WriteU32(offset, v)
	return nil
}

// --- facade.MemIO ---

func (h *Host) ReadMem(width int, addr uint64) (uint64, error) {
	if addr+uint64(width) > uint64(len(h.mem)) {
		return 0, fmt.Errorf("simhost: MMIO read at 0x%x width %d out of range: %w", addr, width, pcierr.ErrInvalidParameter)
	}
	return decodeLE(h.mem[addr:addr+uint64(width)], width), nil
}

func (h *Host) WriteMem(width int, addr uint64, v uint64) error {
	if addr+uint64(width) > uint64(len(h.mem)) {
		return fmt.Errorf("simhost: MMIO write at 0x%x width %d out of range: %w", addr, width, pcierr.ErrInvalidParameter)
	}
	encodeLE(h.mem[addr:addr+uint64(width)], width, v)
	return nil
}

// --- facade.PortIO ---

func (h *Host) ReadIO(width int, port uint16) (uint64, error) {
	if int(port)+width > len(h.io) {
		return 0, fmt.Errorf("simhost: PIO read at port 0x%x width %d out of range: %w", port, width, pcierr.ErrInvalidParameter)
	}
	return decodeLE(h.io[port:int(port)+width], width), nil
}

func (h *Host) WriteIO(width int, port uint16, v uint64) error {
	if int(port)+width > len(h.io) {
		return fmt.Errorf("simhost: PIO write at port 0x%x width %d out of range: %w", port, width, pcierr.ErrInvalidParameter)
	}
	encodeLE(h.io[port:int(port)+width], width, v)
	return nil
}

// decodeLE and encodeLE cover the 1/2/4-byte widths with util's little-
// endian conversions (the same helpers the teacher used for firmware COE/TCL
// byte shuffling); 8-byte DMA-width accesses fall back to encoding/binary
// directly since util has no 64-bit counterpart.
func decodeLE(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(util.LEBytesToU16(b))
	case 4:
		return uint64(util.LEBytesToU32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

func encodeLE(b []byte, width int, v uint64) {
	switch width {
	case 1:
		b[0] = uint8(v)
	case 2:
		copy(b, util.U16ToLEBytes(uint16(v)))
	case 4:
		copy(b, util.U32ToLEBytes(uint32(v)))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// --- facade.IOMMU ---

func (h *Host) Map(op facade.MapOperation, hostAddr uint64, length uint64) (deviceAddr uint64, mapping uint64, err error) {
	id := h.nextMapping
	h.nextMapping++
	h.mappings[id] = struct{ hostAddr, length uint64 }{hostAddr, length}
	return hostAddr, id, nil // identity-mapped: no translation in this model
}

func (h *Host) Unmap(mapping uint64) error {
	if _, ok := h.mappings[mapping]; !ok {
		return fmt.Errorf("simhost: unmap unknown handle %d: %w", mapping, pcierr.ErrInvalidParameter)
	}
	delete(h.mappings, mapping)
	return nil
}

func (h *Host) AllocateBuffer(pages int) (hostAddr uint64, deviceAddr uint64, err error) {
	const pageSize = 4096
	length := uint64(pages) * pageSize
	if h.memCursor+length > uint64(len(h.mem)) {
		return 0, 0, fmt.Errorf("simhost: out of DMA buffer space: %w", pcierr.ErrOutOfResources)
	}
	addr := h.memCursor
	h.memCursor += length
	return addr, addr, nil
}

func (h *Host) FreeBuffer(hostAddr uint64, pages int) error {
	return nil // bump allocator: nothing to reclaim in this simulation
}

// --- facade.Timer ---

// DelayMicroseconds counts the call instead of sleeping; simulated time
// never actually advances. DelayCalls lets tests assert polling happened.
func (h *Host) DelayMicroseconds(us uint32) { h.delayCalls++ }

// DelayCalls returns how many times DelayMicroseconds has been invoked.
func (h *Host) DelayCalls() int { return h.delayCalls }
