// Package restree implements the bridge/endpoint/resource tree: a strict
// tree rooted at a synthetic root bridge, held in an arena indexed by
// integer ids so parent and cross references serialize trivially and
// teardown order is easy to assert in tests.
package restree

import "github.com/sercanarga/pcienum/internal/pci"

// BridgeID, DeviceID and ResourceID index into an Arena's slices. The
// sentinel NoID (-1) never denotes a live node; id 0 is a real node (the
// root, for BridgeID).
type BridgeID int
type DeviceID int
type ResourceID int

const NoID = -1

// ResourceKind is a bit flag: bit 0 selects IO vs MEM, bit 1 selects
// device-owned-resource vs propagated-aperture. This lets "first node of
// kind in {IoResource, IoAperture}" style queries stay a single mask test.
type ResourceKind uint8

const (
	roleMask = ResourceKind(1) << 1 // 0 = device resource, 1 = propagated aperture
	memMask  = ResourceKind(1)      // 0 = IO, 1 = MEM
)

const (
	IoResource  ResourceKind = 0                // bit1=0 (device), bit0=0 (IO)
	MemResource ResourceKind = memMask          // bit1=0 (device), bit0=1 (MEM)
	IoAperture  ResourceKind = roleMask         // bit1=1 (aperture), bit0=0 (IO)
	MemAperture ResourceKind = roleMask | memMask // bit1=1 (aperture), bit0=1 (MEM)
)

// IsMem / IsAperture test the orthogonal bits.
func (k ResourceKind) IsMem() bool      { return k&memMask != 0 }
func (k ResourceKind) IsIO() bool       { return k&memMask == 0 }
func (k ResourceKind) IsAperture() bool { return k&roleMask != 0 }
func (k ResourceKind) IsResource() bool { return k&roleMask == 0 }

func (k ResourceKind) String() string {
	switch k {
	case IoResource:
		return "io-resource"
	case MemResource:
		return "mem-resource"
	case IoAperture:
		return "io-aperture"
	case MemAperture:
		return "mem-aperture"
	default:
		return "invalid-kind"
	}
}

// KindGroup selects the IO or MEM "first of {resource,aperture}" group
// used by ResourcePlanner queries: mask by memMask, compare.
func KindGroup(k ResourceKind, wantMem bool) bool {
	if wantMem {
		return k.IsMem()
	}
	return !k.IsMem()
}

// Device is one discovered function's record.
type Device struct {
	SBDF pci.SBDF

	// ConfigBase is the precomputed config-space base address for this
	// function (segment/bus/device/function already folded in).
	ConfigBase uint64

	// Supported and Current are attribute bitmasks (IO, MEM, bus-master);
	// Current starts empty and is set by the Programmer/facade Enable.
	Supported AttrMask
	Current   AttrMask

	// Parent is the owning bridge, or NoID for the synthetic root's own
	// device record (the root has no device record in practice, but
	// non-root bridges and endpoints always set this).
	Parent BridgeID

	// DevicePath is an opaque fragment built by the orchestrator for
	// endpoints only; bridges leave it nil.
	DevicePath []byte

	// Unsupported marks a device invalidated by BarProbe (a >2GiB 64-bit
	// BAR): its resource nodes have been removed, Supported is empty, but
	// the record is kept so bridge ancestry still aggregates correctly.
	Unsupported bool

	// IsBridge distinguishes a bridge's own device record (used for
	// command-register and aperture programming) from an endpoint.
	IsBridge bool
}

// AttrMask mirrors spec.md §4.6's (IO, MEM, bus-master) attribute bits.
type AttrMask uint8

const (
	AttrIO AttrMask = 1 << iota
	AttrMemory
	AttrBusMaster
)

// Resource is one BAR or propagated-aperture node.
type Resource struct {
	Device DeviceID
	Kind   ResourceKind

	// BarIndex is 0..5 for a BAR node, or -1 for an aperture.
	BarIndex int

	Length       uint64
	Alignment    uint64 // length-1 for BARs; max(child alignments, aperture length-1) for apertures
	Offset       uint64 // assigned during planning; zero until then
	Prefetchable bool   // valid for MemResource only

	// AperturesChildBridge is set only for aperture nodes: the child
	// bridge whose subtree this aperture forwards to.
	AperturesChildBridge BridgeID
}

// Bridge is one node in the tree: the synthetic root, or a real
// PCI-to-PCI bridge.
type Bridge struct {
	SecondaryBus   uint8
	SubordinateBus uint8
	Parent         BridgeID // NoID for the root
	Device         DeviceID // NoID for the root (root has no backing function)

	Children  []BridgeID
	Resources []ResourceID
	Endpoints []DeviceID

	freed bool
}

// Arena owns every Device, Resource and Bridge record reachable from the
// synthetic root. All cross references (Parent, Device.Parent,
// Resource.Device, Resource.AperturesChildBridge) are plain ids into these
// slices, never pointers.
type Arena struct {
	bridges   []Bridge
	devices   []Device
	resources []Resource
	root      BridgeID

	// teardownOrder records the bridge ids freed by Teardown, in order;
	// only populated when set up via NewArena for test introspection.
	teardownOrder []BridgeID
}

// NewArena creates an arena with a synthetic root bridge at the given
// secondary bus number (the host bridge's bus.base).
func NewArena(rootSecondaryBus uint8) *Arena {
	a := &Arena{}
	a.root = a.newBridge(Bridge{
		SecondaryBus:   rootSecondaryBus,
		SubordinateBus: rootSecondaryBus,
		Parent:         NoID,
		Device:         NoID,
	})
	return a
}

// Root returns the synthetic root bridge id.
func (a *Arena) Root() BridgeID { return a.root }

func (a *Arena) newBridge(b Bridge) BridgeID {
	a.bridges = append(a.bridges, b)
	return BridgeID(len(a.bridges) - 1)
}

// Bridge returns a pointer to the bridge record for id. The pointer is
// only valid until the next AddChildBridge call (slice growth may
// reallocate); callers needing stability across mutation should re-fetch.
func (a *Arena) Bridge(id BridgeID) *Bridge { return &a.bridges[id] }

// Device returns a pointer to the device record for id.
func (a *Arena) Device(id DeviceID) *Device { return &a.devices[id] }

// Resource returns a pointer to the resource record for id.
func (a *Arena) Resource(id ResourceID) *Resource { return &a.resources[id] }

// AddDevice creates a device record without attaching it to any bridge.
// AddEndpoint and AddChildBridge call it and then attach the record
// themselves.
func (a *Arena) AddDevice(d Device) DeviceID {
	a.devices = append(a.devices, d)
	return DeviceID(len(a.devices) - 1)
}

// AddEndpoint creates a device record and appends it to parent's endpoint
// list.
func (a *Arena) AddEndpoint(parent BridgeID, d Device) DeviceID {
	d.Parent = parent
	id := a.AddDevice(d)
	a.bridges[parent].Endpoints = append(a.bridges[parent].Endpoints, id)
	return id
}

// AddChildBridge creates a new bridge record (with its own backing device
// record) under parent, and appends it to parent's Children list.
func (a *Arena) AddChildBridge(parent BridgeID, dev Device, secondaryBus, subordinateBus uint8) BridgeID {
	dev.Parent = parent
	dev.IsBridge = true
	devID := a.AddDevice(dev)
	childID := a.newBridge(Bridge{
		SecondaryBus:   secondaryBus,
		SubordinateBus: subordinateBus,
		Parent:         parent,
		Device:         devID,
	})
	a.bridges[parent].Children = append(a.bridges[parent].Children, childID)
	return childID
}

// AddResource appends a resource node to bridge's resource list.
func (a *Arena) AddResource(bridge BridgeID, r Resource) ResourceID {
	a.resources = append(a.resources, r)
	id := ResourceID(len(a.resources) - 1)
	a.bridges[bridge].Resources = append(a.bridges[bridge].Resources, id)
	return id
}

// RemoveDeviceResources deletes every resource node owned by device from
// bridge's resource list (used when BarProbe invalidates a device with an
// unsupported >2GiB 64-bit BAR). It does not free the Device record itself.
func (a *Arena) RemoveDeviceResources(bridge BridgeID, device DeviceID) {
	b := &a.bridges[bridge]
	kept := b.Resources[:0]
	for _, rid := range b.Resources {
		if a.resources[rid].Device != device {
			kept = append(kept, rid)
		}
	}
	b.Resources = kept
}

// KindResources returns the resource ids on bridge matching the IO/MEM
// group selected by wantMem, in list order.
func (a *Arena) KindResources(bridge BridgeID, wantMem bool) []ResourceID {
	var out []ResourceID
	for _, rid := range a.bridges[bridge].Resources {
		if KindGroup(a.resources[rid].Kind, wantMem) {
			out = append(out, rid)
		}
	}
	return out
}

// SetKindOrder overwrites the relative order of bridge's resources in the
// given IO/MEM group with order (as produced by the planner's sort),
// leaving the other kind group's entries at their existing positions.
func (a *Arena) SetKindOrder(bridge BridgeID, wantMem bool, order []ResourceID) {
	b := &a.bridges[bridge]
	idx := 0
	for i, rid := range b.Resources {
		if KindGroup(a.resources[rid].Kind, wantMem) {
			b.Resources[i] = order[idx]
			idx++
		}
	}
}

// Teardown frees the subtree rooted at bridge in the order children-first,
// then the bridge's own resource list, then the bridge itself, as spec.md
// §3 Lifecycle requires. Device records referenced by published facades
// must be copied out before calling Teardown on their ancestor chain.
func (a *Arena) Teardown(bridge BridgeID) {
	b := &a.bridges[bridge]
	for _, child := range b.Children {
		a.Teardown(child)
	}
	b.Children = nil
	b.Resources = nil
	b.Endpoints = nil
	b.freed = true
	a.teardownOrder = append(a.teardownOrder, bridge)
}

// TeardownOrder returns the bridge ids in the order Teardown freed them,
// for tests asserting the children-first postorder.
func (a *Arena) TeardownOrder() []BridgeID { return a.teardownOrder }

// Freed reports whether Teardown has already processed this bridge.
func (a *Arena) Freed(bridge BridgeID) bool { return a.bridges[bridge].freed }
