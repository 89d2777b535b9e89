// Package facade implements DeviceFacade (spec.md §4.6): the per-function
// access object published for essential endpoints, plus the EssentialFilter
// policy (§4.7) that decides which endpoints need one.
package facade

import (
	"fmt"

	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/pcierr"
	"github.com/sercanarga/pcienum/internal/restree"
)

// IsEssential implements EssentialFilter: a function is essential iff its
// base class is mass-storage, or base is serial-bus with USB subclass, or
// base is system-peripheral with SD-host-controller subclass. No other
// policy inputs.
func IsEssential(classCode uint32) bool {
	base := pci.BaseClass(classCode)
	sub := pci.SubClass(classCode)
	switch {
	case base == 0x01: // mass storage
		return true
	case base == 0x0C && sub == 0x03: // serial bus / USB
		return true
	case base == 0x08 && sub == 0x05: // system peripheral / SD host controller
		return true
	default:
		return false
	}
}

// MapOperation selects the IOMMU access-attribute mask a Map call applies.
type MapOperation int

const (
	MapBusMasterRead MapOperation = iota
	MapBusMasterWrite
	MapBusMasterCommonBuffer
)

// MemIO performs width-sized accesses against a simulated MMIO space.
type MemIO interface {
	ReadMem(width int, addr uint64) (uint64, error)
	WriteMem(width int, addr uint64, v uint64) error
}

// PortIO performs width-sized accesses against a simulated PIO space.
type PortIO interface {
	ReadIO(width int, port uint16) (uint64, error)
	WriteIO(width int, port uint16, v uint64) error
}

// IOMMU is the upstream mapper EXTERNAL COLLABORATOR.
type IOMMU interface {
	Map(op MapOperation, hostAddr uint64, length uint64) (deviceAddr uint64, mapping uint64, err error)
	Unmap(mapping uint64) error
	AllocateBuffer(pages int) (hostAddr uint64, deviceAddr uint64, err error)
	FreeBuffer(hostAddr uint64, pages int) error
}

// Timer supplies the microsecond delay poll operations busy-wait on.
type Timer interface {
	DelayMicroseconds(us uint32)
}

// BarAttributes is the address-space descriptor getBarAttributes builds.
type BarAttributes struct {
	Kind         restree.ResourceKind
	Granularity  int // 16, 32, or 64
	Prefetchable bool
	Min          uint64
	Len          uint64
}

// ancestorAttr is a flattened, teardown-surviving copy of one ancestor
// bridge's SBDF and currently enabled attribute mask, so Attributes()
// propagation never dereferences a freed restree node (spec.md §9 Open
// Question, resolved by fixing the lifetime).
type ancestorAttr struct {
	sbdf    pci.SBDF
	current restree.AttrMask
}

// Endpoint is the published per-function access object.
type Endpoint struct {
	sbdf       pci.SBDF
	configBase uint64
	classCode  uint32
	devicePath []byte

	cfg   pci.Accessor
	mem   MemIO
	io    PortIO
	iommu IOMMU
	timer Timer

	supported restree.AttrMask
	current   restree.AttrMask
	bars      [6]*BarAttributes // nil where absent

	ancestors []ancestorAttr // root-to-parent order
}

// New builds an Endpoint. ancestors must be supplied root-first (furthest
// bridge first, immediate parent last) and is copied, not referenced, so
// the caller's tree may be torn down immediately after.
func New(sbdf pci.SBDF, configBase uint64, classCode uint32, devicePath []byte, supported restree.AttrMask,
	bars [6]*BarAttributes, ancestors []restree.Device, cfg pci.Accessor, mem MemIO, io PortIO,
	iommu IOMMU, timer Timer) *Endpoint {

	flat := make([]ancestorAttr, len(ancestors))
	for i, d := range ancestors {
		flat[i] = ancestorAttr{sbdf: d.SBDF, current: d.Current}
	}

	return &Endpoint{
		sbdf:       sbdf,
		configBase: configBase,
		classCode:  classCode,
		devicePath: devicePath,
		cfg:        cfg,
		mem:        mem,
		io:         io,
		iommu:      iommu,
		timer:      timer,
		supported:  supported,
		bars:       bars,
		ancestors:  flat,
	}
}

// GetLocation returns the cached SBDF.
func (e *Endpoint) GetLocation() pci.SBDF { return e.sbdf }

// ClassCode returns the cached 24-bit class code.
func (e *Endpoint) ClassCode() uint32 { return e.classCode }

// DevicePath returns the opaque path fragment built at publish time.
func (e *Endpoint) DevicePath() []byte { return e.devicePath }

// ConfigRead reads width bits (1/2/4 bytes) at the given config offset.
func (e *Endpoint) ConfigRead(width int, offset int) (uint64, error) {
	switch width {
	case 1:
		v, err := e.cfg.Read8(e.sbdf, offset)
		return uint64(v), err
	case 2:
		v, err := e.cfg.Read16(e.sbdf, offset)
		return uint64(v), err
	case 4:
		v, err := e.cfg.Read32(e.sbdf, offset)
		return uint64(v), err
	default:
		return 0, fmt.Errorf("facade: config read width %d: %w", width, pcierr.ErrInvalidParameter)
	}
}

// ConfigWrite writes width bits at the given config offset.
func (e *Endpoint) ConfigWrite(width int, offset int, v uint64) error {
	switch width {
	case 1:
		return e.cfg.Write8(e.sbdf, offset, uint8(v))
	case 2:
		return e.cfg.Write16(e.sbdf, offset, uint16(v))
	case 4:
		return e.cfg.Write32(e.sbdf, offset, uint32(v))
	default:
		return fmt.Errorf("facade: config write width %d: %w", width, pcierr.ErrInvalidParameter)
	}
}

// resolveBAR reads the device's current BAR register and masks off the
// decode-type low bits, returning the live base address for bar.
func (e *Endpoint) resolveBAR(bar int) (uint64, error) {
	if bar < 0 || bar > 5 || e.bars[bar] == nil {
		return 0, fmt.Errorf("facade: BAR%d absent on %s: %w", bar, e.sbdf, pcierr.ErrInvalidParameter)
	}
	raw, err := e.cfg.Read32(e.sbdf, pci.RBaseAddressOffset0+4*bar)
	if err != nil {
		return 0, err
	}

	attrs := e.bars[bar]
	if attrs.Kind == restree.IoResource {
		return uint64(raw &^ 0x3), nil
	}
	base := uint64(raw &^ 0xF)
	if attrs.Granularity == 64 {
		high, err := e.cfg.Read32(e.sbdf, pci.RBaseAddressOffset0+4*(bar+1))
		if err != nil {
			return 0, err
		}
		base |= uint64(high) << 32
	}
	return base, nil
}

// MemRead performs count width-sized reads starting at bar+offset into buffer.
func (e *Endpoint) MemRead(width int, bar int, offset uint64, count int, buffer []uint64) error {
	base, err := e.resolveBAR(bar)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		v, err := e.mem.ReadMem(width, base+offset+uint64(i*width))
		if err != nil {
			return fmt.Errorf("facade: memRead %s bar%d: %w", e.sbdf, bar, err)
		}
		buffer[i] = v
	}
	return nil
}

// MemWrite performs count width-sized writes starting at bar+offset from buffer.
func (e *Endpoint) MemWrite(width int, bar int, offset uint64, count int, buffer []uint64) error {
	base, err := e.resolveBAR(bar)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := e.mem.WriteMem(width, base+offset+uint64(i*width), buffer[i]); err != nil {
			return fmt.Errorf("facade: memWrite %s bar%d: %w", e.sbdf, bar, err)
		}
	}
	return nil
}

// IORead performs count width-sized port reads starting at bar+offset.
func (e *Endpoint) IORead(width int, bar int, offset uint64, count int, buffer []uint64) error {
	base, err := e.resolveBAR(bar)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		v, err := e.io.ReadIO(width, uint16(base+offset)+uint16(i*width))
		if err != nil {
			return fmt.Errorf("facade: ioRead %s bar%d: %w", e.sbdf, bar, err)
		}
		buffer[i] = v
	}
	return nil
}

// IOWrite performs count width-sized port writes starting at bar+offset.
func (e *Endpoint) IOWrite(width int, bar int, offset uint64, count int, buffer []uint64) error {
	base, err := e.resolveBAR(bar)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := e.io.WriteIO(width, uint16(base+offset)+uint16(i*width), buffer[i]); err != nil {
			return fmt.Errorf("facade: ioWrite %s bar%d: %w", e.sbdf, bar, err)
		}
	}
	return nil
}

// PollMem reads bar+offset, testing (value & mask) == want, looping with
// 10us pauses and decrementing delay by 100 (delay is in 100ns units) until
// it matches (success) or delay is exhausted (ErrTimeout).
func (e *Endpoint) PollMem(width int, bar int, offset uint64, mask, want uint64, delay uint32) (uint64, error) {
	return e.poll(func() (uint64, error) {
		var buf [1]uint64
		err := e.MemRead(width, bar, offset, 1, buf[:])
		return buf[0], err
	}, mask, want, delay)
}

// PollIo is PollMem's port-I/O counterpart.
func (e *Endpoint) PollIo(width int, bar int, offset uint64, mask, want uint64, delay uint32) (uint64, error) {
	return e.poll(func() (uint64, error) {
		var buf [1]uint64
		err := e.IORead(width, bar, offset, 1, buf[:])
		return buf[0], err
	}, mask, want, delay)
}

func (e *Endpoint) poll(read func() (uint64, error), mask, want uint64, delay uint32) (uint64, error) {
	for {
		v, err := read()
		if err != nil {
			return 0, err
		}
		if v&mask == want {
			return v, nil
		}
		if delay == 0 {
			return v, fmt.Errorf("facade: poll on %s: %w", e.sbdf, pcierr.ErrTimeout)
		}
		e.timer.DelayMicroseconds(10)
		if delay < 100 {
			delay = 0
		} else {
			delay -= 100
		}
	}
}

// CopyMem copies count width-sized units from src to dest, both MMIO
// addresses within bar, reversing direction when dest overlaps and trails
// src (so a forward byte-at-a-time copy would corrupt the tail before it
// is read).
func (e *Endpoint) CopyMem(bar int, width int, dest, src uint64, count int) error {
	base, err := e.resolveBAR(bar)
	if err != nil {
		return err
	}
	destAddr, srcAddr := base+dest, base+src

	reverse := destAddr > srcAddr && destAddr < srcAddr+uint64(count*width)
	if !reverse {
		for i := 0; i < count; i++ {
			off := uint64(i * width)
			v, err := e.mem.ReadMem(width, srcAddr+off)
			if err != nil {
				return err
			}
			if err := e.mem.WriteMem(width, destAddr+off, v); err != nil {
				return err
			}
		}
		return nil
	}
	for i := count - 1; i >= 0; i-- {
		off := uint64(i * width)
		v, err := e.mem.ReadMem(width, srcAddr+off)
		if err != nil {
			return err
		}
		if err := e.mem.WriteMem(width, destAddr+off, v); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a nop: there is no posted-write buffering to drain in this model.
func (e *Endpoint) Flush() error { return nil }

// Map delegates to the upstream IOMMU service, which applies the access
// mask op selects.
func (e *Endpoint) Map(op MapOperation, hostAddr uint64, length uint64) (deviceAddr uint64, mapping uint64, err error) {
	return e.iommu.Map(op, hostAddr, length)
}

// Unmap releases a mapping obtained from Map.
func (e *Endpoint) Unmap(mapping uint64) error { return e.iommu.Unmap(mapping) }

// AllocateBuffer and FreeBuffer delegate to the upstream IOMMU for a
// common-buffer allocation (bidirectional attribute mask).
func (e *Endpoint) AllocateBuffer(pages int) (hostAddr uint64, deviceAddr uint64, err error) {
	return e.iommu.AllocateBuffer(pages)
}
func (e *Endpoint) FreeBuffer(hostAddr uint64, pages int) error {
	return e.iommu.FreeBuffer(hostAddr, pages)
}

// AttrOp selects an Attributes() sub-operation.
type AttrOp int

const (
	AttrGet AttrOp = iota
	AttrGetSupported
	AttrEnable
	AttrDisable
	AttrSet
)

// Attributes implements get / getSupported / set / enable / disable.
// Set is defined as Enable(attrs) followed by Disable(supported &^ attrs).
// Unsupported bits return ErrUnsupported.
func (e *Endpoint) Attributes(op AttrOp, attrs restree.AttrMask) (restree.AttrMask, error) {
	switch op {
	case AttrGet:
		return e.current, nil
	case AttrGetSupported:
		return e.supported, nil
	case AttrEnable:
		return e.current, e.enable(attrs)
	case AttrDisable:
		return e.current, e.disable(attrs)
	case AttrSet:
		if err := e.enable(attrs); err != nil {
			return e.current, err
		}
		return e.current, e.disable(e.supported &^ attrs)
	default:
		return e.current, fmt.Errorf("facade: attribute op %d: %w", op, pcierr.ErrInvalidParameter)
	}
}

func (e *Endpoint) enable(attrs restree.AttrMask) error {
	if attrs&^e.supported != 0 {
		return fmt.Errorf("facade: enable unsupported attrs on %s: %w", e.sbdf, pcierr.ErrUnsupported)
	}
	e.current |= attrs
	if err := e.writeCommand(); err != nil {
		return err
	}
	// Command-bearing attributes (IO, MEM, bus-master) are the only bits
	// this model has, so there are no non-command bits to propagate up the
	// parent chain. Each ancestor's flattened copy of its attribute mask
	// gets the same bits; no ancestor's command register is written, and
	// Attributes(AttrGet) reports only this endpoint's own mask.
	for i := range e.ancestors {
		e.ancestors[i].current |= attrs
	}
	return nil
}

func (e *Endpoint) disable(attrs restree.AttrMask) error {
	if attrs&^e.supported != 0 {
		return fmt.Errorf("facade: disable unsupported attrs on %s: %w", e.sbdf, pcierr.ErrUnsupported)
	}
	e.current &^= attrs
	if err := e.writeCommand(); err != nil {
		return err
	}
	for i := range e.ancestors {
		e.ancestors[i].current &^= attrs
	}
	return nil
}

func (e *Endpoint) writeCommand() error {
	cmd := uint16(0)
	if e.current&restree.AttrIO != 0 {
		cmd |= pci.CommandIO
	}
	if e.current&restree.AttrMemory != 0 {
		cmd |= pci.CommandMemory
	}
	if e.current&restree.AttrBusMaster != 0 {
		cmd |= pci.CommandBusMaster
	}
	return e.cfg.Write16(e.sbdf, 0x04, cmd)
}

// GetBarAttributes returns the cached decode descriptor for bar, captured
// at publish time from the final programmed state.
func (e *Endpoint) GetBarAttributes(bar int) (*BarAttributes, error) {
	if bar < 0 || bar > 5 {
		return nil, fmt.Errorf("facade: bar index %d: %w", bar, pcierr.ErrInvalidParameter)
	}
	if e.bars[bar] == nil {
		return nil, fmt.Errorf("facade: BAR%d absent on %s: %w", bar, e.sbdf, pcierr.ErrNoSuchDevice)
	}
	return e.bars[bar], nil
}

// SetBarAttributes is accepted and a nop: attributes are not further
// constrained in this phase.
func (e *Endpoint) SetBarAttributes(bar int, attrs BarAttributes) error {
	return nil
}

// Registry publishes Endpoints keyed by SBDF, the Go-native stand-in for a
// well-known PCI device interface id lookup: this module has exactly one
// interface kind, so the extra key dimension collapses to direct SBDF
// keying.
type Registry struct {
	endpoints map[pci.SBDF]*Endpoint
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[pci.SBDF]*Endpoint)}
}

// Publish records ep under its own location, overwriting any prior entry
// for the same function.
func (r *Registry) Publish(ep *Endpoint) {
	r.endpoints[ep.sbdf] = ep
}

// Lookup returns the published Endpoint for sbdf, or false if none exists.
func (r *Registry) Lookup(sbdf pci.SBDF) (*Endpoint, bool) {
	ep, ok := r.endpoints[sbdf]
	return ep, ok
}

// All returns every published Endpoint, in no particular order.
func (r *Registry) All() []*Endpoint {
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}
