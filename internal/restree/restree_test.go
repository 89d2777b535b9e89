package restree_test

import (
	"reflect"
	"testing"

	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/restree"
)

func buildTree(t *testing.T) (*restree.Arena, restree.BridgeID, restree.BridgeID, restree.BridgeID) {
	t.Helper()
	a := restree.NewArena(0)
	root := a.Root()

	bridgeA := a.AddChildBridge(root, restree.Device{SBDF: pci.SBDF{Bus: 0, Device: 1}}, 1, 1)
	bridgeB := a.AddChildBridge(bridgeA, restree.Device{SBDF: pci.SBDF{Bus: 1, Device: 2}}, 2, 2)
	return a, root, bridgeA, bridgeB
}

func TestKindResourcesFiltersByGroup(t *testing.T) {
	a, root, _, _ := buildTree(t)
	dev := a.AddEndpoint(root, restree.Device{SBDF: pci.SBDF{Bus: 0, Device: 5}})

	ioID := a.AddResource(root, restree.Resource{Device: dev, Kind: restree.IoResource, Length: 0x10})
	memID := a.AddResource(root, restree.Resource{Device: dev, Kind: restree.MemResource, Length: 0x1000})
	apID := a.AddResource(root, restree.Resource{Device: dev, Kind: restree.MemAperture, Length: 0x100000})

	mem := a.KindResources(root, true)
	if len(mem) != 2 || mem[0] != memID || mem[1] != apID {
		t.Errorf("mem group = %v, want [%v %v]", mem, memID, apID)
	}

	io := a.KindResources(root, false)
	if len(io) != 1 || io[0] != ioID {
		t.Errorf("io group = %v, want [%v]", io, ioID)
	}
}

func TestSetKindOrderPreservesOtherGroup(t *testing.T) {
	a, root, _, _ := buildTree(t)
	dev := a.AddEndpoint(root, restree.Device{SBDF: pci.SBDF{Bus: 0, Device: 5}})

	io0 := a.AddResource(root, restree.Resource{Device: dev, Kind: restree.IoResource, Length: 0x10})
	mem0 := a.AddResource(root, restree.Resource{Device: dev, Kind: restree.MemResource, Length: 0x1000})
	mem1 := a.AddResource(root, restree.Resource{Device: dev, Kind: restree.MemResource, Length: 0x2000})

	a.SetKindOrder(root, true, []restree.ResourceID{mem1, mem0})

	got := a.Bridge(root).Resources
	want := []restree.ResourceID{io0, mem1, mem0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resources = %v, want %v", got, want)
	}
}

func TestTeardownOrderIsChildrenFirst(t *testing.T) {
	a, root, bridgeA, bridgeB := buildTree(t)
	a.Teardown(root)

	order := a.TeardownOrder()
	if len(order) != 3 {
		t.Fatalf("teardown order length = %d, want 3", len(order))
	}
	pos := map[restree.BridgeID]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos[bridgeB] > pos[bridgeA] {
		t.Errorf("child bridge %v torn down after parent %v", bridgeB, bridgeA)
	}
	if pos[bridgeA] > pos[root] {
		t.Errorf("bridge %v torn down after root", bridgeA)
	}
	if !a.Freed(root) || !a.Freed(bridgeA) || !a.Freed(bridgeB) {
		t.Error("all bridges should be marked freed")
	}
}

func TestResourceKindGroupBits(t *testing.T) {
	tests := []struct {
		kind       restree.ResourceKind
		isMem      bool
		isAperture bool
	}{
		{restree.IoResource, false, false},
		{restree.MemResource, true, false},
		{restree.IoAperture, false, true},
		{restree.MemAperture, true, true},
	}
	for _, tt := range tests {
		if got := tt.kind.IsMem(); got != tt.isMem {
			t.Errorf("%v.IsMem() = %v, want %v", tt.kind, got, tt.isMem)
		}
		if got := tt.kind.IsAperture(); got != tt.isAperture {
			t.Errorf("%v.IsAperture() = %v, want %v", tt.kind, got, tt.isAperture)
		}
		if tt.kind.IsResource() == tt.isAperture {
			t.Errorf("%v.IsResource() should be the negation of IsAperture()", tt.kind)
		}
	}
}
