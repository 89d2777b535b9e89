package enum_test

import (
	"testing"

	"github.com/sercanarga/pcienum/internal/enum"
	"github.com/sercanarga/pcienum/internal/facade"
	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/restree"
	"github.com/sercanarga/pcienum/internal/simhost"
)

const (
	classMassStorageSATA = 0x01<<16 | 0x06<<8
	classNetworkEthernet = 0x02 << 16
)

func addFunction(h *simhost.Host, s pci.SBDF, classCode uint32, bridge, multiFn bool) {
	cs := pci.NewConfigSpace()
	cs.WriteU16(0x00, 0x1234)
	cs.WriteU8(0x09, uint8(classCode))
	cs.WriteU8(0x0A, uint8(classCode>>8))
	cs.WriteU8(0x0B, uint8(classCode>>16))
	ht := uint8(0)
	if bridge {
		ht = 1
	}
	if multiFn {
		ht |= 0x80
	}
	cs.WriteU8(0x0E, ht)
	h.AddDevice(s, cs)
}

func TestAssignBusNumbersChain(t *testing.T) {
	h := simhost.NewHost(1 << 16)
	root := pci.SBDF{Bus: 0, Device: 1, Function: 0}
	addFunction(h, root, 0, true, false)
	child := pci.SBDF{Bus: 1, Device: 2, Function: 0}
	addFunction(h, child, 0, true, false)

	e := enum.New(h, 0, 255, facade.IsEssential)
	highest, next, err := e.AssignBusNumbers(0, 1)
	if err != nil {
		t.Fatalf("AssignBusNumbers: %v", err)
	}
	if highest != 2 {
		t.Errorf("highestUsed = %d, want 2", highest)
	}
	if next != 3 {
		t.Errorf("next = %d, want 3", next)
	}

	rootRegs, err := h.Read32(root, 0x18)
	if err != nil {
		t.Fatalf("read root bridge bus register: %v", err)
	}
	if secondary, subordinate := uint8(rootRegs>>8), uint8(rootRegs>>16); secondary != 1 || subordinate != 2 {
		t.Errorf("root bridge secondary/subordinate = %d/%d, want 1/2", secondary, subordinate)
	}

	childRegs, err := h.Read32(child, 0x18)
	if err != nil {
		t.Fatalf("read child bridge bus register: %v", err)
	}
	if secondary, subordinate := uint8(childRegs>>8), uint8(childRegs>>16); secondary != 2 || subordinate != 2 {
		t.Errorf("child bridge secondary/subordinate = %d/%d, want 2/2", secondary, subordinate)
	}
}

func TestAssignBusNumbersEmptyBus(t *testing.T) {
	h := simhost.NewHost(1 << 16)
	e := enum.New(h, 0, 255, facade.IsEssential)
	highest, next, err := e.AssignBusNumbers(0, 1)
	if err != nil {
		t.Fatalf("AssignBusNumbers: %v", err)
	}
	if highest != 0 {
		t.Errorf("highestUsed = %d, want 0 (no bridges under an empty bus)", highest)
	}
	if next != 1 {
		t.Errorf("next = %d, want 1 (unconsumed)", next)
	}
}

func TestDiscoverResourcesSkipsAlreadyDecoding(t *testing.T) {
	h := simhost.NewHost(1 << 16)
	s := pci.SBDF{Bus: 0, Device: 3, Function: 0}
	addFunction(h, s, classMassStorageSATA, false, false)
	h.SetBAR(s, 0, "mem32", 0x1000, false)
	if err := h.Write16(s, 0x04, pci.CommandMemory); err != nil {
		t.Fatalf("set command register: %v", err)
	}

	arena := restree.NewArena(0)
	e := enum.New(h, 0, 255, facade.IsEssential)
	if err := e.DiscoverResources(arena, arena.Root()); err != nil {
		t.Fatalf("DiscoverResources: %v", err)
	}

	if endpoints := arena.Bridge(arena.Root()).Endpoints; len(endpoints) != 0 {
		t.Errorf("already-decoding essential device should be skipped, got %d endpoints", len(endpoints))
	}
}

func TestDiscoverResourcesSkipsNonEssential(t *testing.T) {
	h := simhost.NewHost(1 << 16)
	s := pci.SBDF{Bus: 0, Device: 4, Function: 0}
	addFunction(h, s, classNetworkEthernet, false, false)
	h.SetBAR(s, 0, "mem32", 0x1000, false)

	arena := restree.NewArena(0)
	e := enum.New(h, 0, 255, facade.IsEssential)
	if err := e.DiscoverResources(arena, arena.Root()); err != nil {
		t.Fatalf("DiscoverResources: %v", err)
	}

	if endpoints := arena.Bridge(arena.Root()).Endpoints; len(endpoints) != 0 {
		t.Errorf("non-essential endpoint should be skipped, got %d endpoints", len(endpoints))
	}
}

func TestDiscoverResourcesRecordsEssentialEndpoint(t *testing.T) {
	h := simhost.NewHost(1 << 16)
	s := pci.SBDF{Bus: 0, Device: 5, Function: 0}
	addFunction(h, s, classMassStorageSATA, false, false)
	h.SetBAR(s, 0, "mem32", 0x1000, false)

	arena := restree.NewArena(0)
	e := enum.New(h, 0, 255, facade.IsEssential)
	if err := e.DiscoverResources(arena, arena.Root()); err != nil {
		t.Fatalf("DiscoverResources: %v", err)
	}

	endpoints := arena.Bridge(arena.Root()).Endpoints
	if len(endpoints) != 1 {
		t.Fatalf("len(endpoints) = %d, want 1", len(endpoints))
	}
	dev := arena.Device(endpoints[0])
	if dev.SBDF != s {
		t.Errorf("device SBDF = %v, want %v", dev.SBDF, s)
	}
	if dev.Supported&restree.AttrMemory == 0 {
		t.Error("Supported should include AttrMemory after a mem32 BAR is discovered")
	}

	resources := arena.KindResources(arena.Root(), true)
	if len(resources) != 1 {
		t.Fatalf("len(mem resources) = %d, want 1", len(resources))
	}
	if r := arena.Resource(resources[0]); r.Length != 0x1000 {
		t.Errorf("resource length = 0x%x, want 0x1000", r.Length)
	}
}
