package planner_test

import (
	"testing"

	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/planner"
	"github.com/sercanarga/pcienum/internal/restree"
)

func addMemResource(a *restree.Arena, bridge restree.BridgeID, dev restree.DeviceID, length uint64) restree.ResourceID {
	return a.AddResource(bridge, restree.Resource{
		Device: dev, Kind: restree.MemResource, BarIndex: 0,
		Length: length, Alignment: length - 1,
	})
}

func TestPlanSortsDescendingAndAssignsOffsets(t *testing.T) {
	a := restree.NewArena(0)
	root := a.Root()
	dev := a.AddEndpoint(root, restree.Device{SBDF: pci.SBDF{Bus: 0, Device: 1}})

	small := addMemResource(a, root, dev, 0x10)
	mid := addMemResource(a, root, dev, 0x100)
	big := addMemResource(a, root, dev, 0x1000)

	if err := planner.Plan(a, root); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	order := a.KindResources(root, true)
	want := []restree.ResourceID{big, mid, small}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if off := a.Resource(big).Offset; off != 0 {
		t.Errorf("big offset = 0x%x, want 0", off)
	}
	if off := a.Resource(mid).Offset; off != 0x1000 {
		t.Errorf("mid offset = 0x%x, want 0x1000", off)
	}
	if off := a.Resource(small).Offset; off != 0x1100 {
		t.Errorf("small offset = 0x%x, want 0x1100", off)
	}
}

func TestPlanMaterializesApertureUpward(t *testing.T) {
	a := restree.NewArena(0)
	root := a.Root()
	childBridge := a.AddChildBridge(root, restree.Device{SBDF: pci.SBDF{Bus: 0, Device: 2}}, 1, 1)
	dev := a.AddEndpoint(childBridge, restree.Device{SBDF: pci.SBDF{Bus: 1, Device: 0}})

	addMemResource(a, childBridge, dev, 0x1000)
	addMemResource(a, childBridge, dev, 0x100)

	if err := planner.Plan(a, root); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	apertures := a.KindResources(root, true)
	if len(apertures) != 1 {
		t.Fatalf("len(apertures) = %d, want 1", len(apertures))
	}
	ap := a.Resource(apertures[0])
	if ap.Kind != restree.MemAperture {
		t.Errorf("kind = %v, want MemAperture", ap.Kind)
	}
	const memApertureGranularity = 1 << 20
	if ap.Length != memApertureGranularity {
		t.Errorf("aperture length = 0x%x, want 0x%x", ap.Length, memApertureGranularity)
	}
	if ap.AperturesChildBridge != childBridge {
		t.Errorf("AperturesChildBridge = %v, want %v", ap.AperturesChildBridge, childBridge)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	a := restree.NewArena(0)
	root := a.Root()
	dev := a.AddEndpoint(root, restree.Device{SBDF: pci.SBDF{Bus: 0, Device: 1}})
	addMemResource(a, root, dev, 0x10)
	addMemResource(a, root, dev, 0x100)
	addMemResource(a, root, dev, 0x1000)

	if err := planner.Plan(a, root); err != nil {
		t.Fatalf("first Plan: %v", err)
	}
	firstOrder := append([]restree.ResourceID(nil), a.KindResources(root, true)...)
	firstOffsets := make(map[restree.ResourceID]uint64, len(firstOrder))
	for _, id := range firstOrder {
		firstOffsets[id] = a.Resource(id).Offset
	}

	if err := planner.Plan(a, root); err != nil {
		t.Fatalf("second Plan: %v", err)
	}
	secondOrder := a.KindResources(root, true)
	if len(secondOrder) != len(firstOrder) {
		t.Fatalf("second order length = %d, want %d", len(secondOrder), len(firstOrder))
	}
	for i, id := range secondOrder {
		if id != firstOrder[i] {
			t.Errorf("order changed on re-plan at index %d: %v, want %v", i, id, firstOrder[i])
		}
		if a.Resource(id).Offset != firstOffsets[id] {
			t.Errorf("offset changed on re-plan for %v: %v, want %v", id, a.Resource(id).Offset, firstOffsets[id])
		}
	}
}
