// Package planner implements ResourcePlanner: post-order sort, offset
// assignment, and upward aperture propagation over one bridge's IO and MEM
// resource groups, per spec.md §4.4.
package planner

import (
	"fmt"

	"github.com/sercanarga/pcienum/internal/pcierr"
	"github.com/sercanarga/pcienum/internal/restree"
)

const (
	memApertureGranularity = 1 << 20 // 1 MiB
	ioApertureGranularity  = 1 << 12 // 4 KiB
)

// Plan runs ResourcePlanner over the subtree rooted at bridge, post-order:
// children are planned first, then bridge's own IO and MEM groups are
// sorted, offset, and (if bridge has a parent) propagated upward as at
// most one aperture per kind.
func Plan(arena *restree.Arena, bridge restree.BridgeID) error {
	b := arena.Bridge(bridge)
	for _, child := range append([]restree.BridgeID(nil), b.Children...) {
		if err := Plan(arena, child); err != nil {
			return err
		}
	}

	if err := planKind(arena, bridge, true); err != nil {
		return err
	}
	if err := planKind(arena, bridge, false); err != nil {
		return err
	}
	return nil
}

// planKind sorts and offsets bridge's resources of the given kind group
// (wantMem selects MEM vs IO), then materializes at most one aperture of
// that kind in the parent's resource list.
func planKind(arena *restree.Arena, bridge restree.BridgeID, wantMem bool) error {
	ids := arena.KindResources(bridge, wantMem)
	if len(ids) == 0 {
		return nil
	}

	sortDescendingByLength(arena, ids)
	assignOffsets(arena, ids)
	arena.SetKindOrder(bridge, wantMem, ids)

	parent := arena.Bridge(bridge).Parent
	if parent == restree.NoID {
		return nil
	}
	return materializeAperture(arena, bridge, parent, ids, wantMem)
}

// sortDescendingByLength performs a stable descending bubble sort by
// resource length, swapping the bridge's resource-id list in place. A
// bubble sort (rather than sort.Slice) is used deliberately: spec.md §4.4
// names this exact algorithm, and its O(n^2) pairwise-adjacent-swap
// behavior is what the property tests in §8 (R2: re-planning is
// idempotent) pin down.
func sortDescendingByLength(arena *restree.Arena, ids []restree.ResourceID) {
	n := len(ids)
	for i := 0; i < n-1; i++ {
		for j := 0; j < n-1-i; j++ {
			if arena.Resource(ids[j]).Length < arena.Resource(ids[j+1]).Length {
				ids[j], ids[j+1] = ids[j+1], ids[j]
			}
		}
	}
}

// assignOffsets assigns offsets in list order: the first node gets offset
// 0; each subsequent node gets its predecessor's offset+length rounded up
// to a multiple of its own (power-of-two) length.
func assignOffsets(arena *restree.Arena, ids []restree.ResourceID) {
	var cursor uint64
	for i, id := range ids {
		r := arena.Resource(id)
		if i == 0 {
			r.Offset = 0
		} else {
			r.Offset = roundUpPow2(cursor, r.Length)
		}
		cursor = r.Offset + r.Length
	}
}

// roundUpPow2 rounds v up to the next multiple of length, where length is
// a power of two (so this is the "and-then-add" form spec.md describes).
func roundUpPow2(v, length uint64) uint64 {
	return (v + length - 1) &^ (length - 1)
}

// materializeAperture builds one aperture resource node on parent
// representing bridge's aggregate window of the given kind, per spec.md
// §4.4 step 4.
func materializeAperture(arena *restree.Arena, bridge, parent restree.BridgeID, ids []restree.ResourceID, wantMem bool) error {
	last := arena.Resource(ids[len(ids)-1])
	rawLength := last.Offset + last.Length

	granularity := uint64(ioApertureGranularity)
	kind := restree.IoAperture
	if wantMem {
		granularity = memApertureGranularity
		kind = restree.MemAperture
	}

	length := roundUpPow2(rawLength, granularity)
	if length == 0 {
		return fmt.Errorf("planner: zero-length aperture for bridge device %d: %w", arena.Bridge(bridge).Device, pcierr.ErrOutOfResources)
	}

	first := arena.Resource(ids[0])
	alignment := first.Alignment
	if length-1 > alignment {
		alignment = length - 1
	}

	bridgeDevID := arena.Bridge(bridge).Device
	arena.AddResource(parent, restree.Resource{
		Device:               bridgeDevID,
		Kind:                 kind,
		BarIndex:             -1,
		Length:               length,
		Alignment:            alignment,
		AperturesChildBridge: bridge,
	})
	return nil
}
