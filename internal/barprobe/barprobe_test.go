package barprobe_test

import (
	"errors"
	"testing"

	"github.com/sercanarga/pcienum/internal/barprobe"
	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/pcierr"
	"github.com/sercanarga/pcienum/internal/simhost"
)

func endpoint() (*simhost.Host, pci.SBDF) {
	h := simhost.NewHost(1 << 20)
	s := pci.SBDF{Bus: 1, Device: 0, Function: 0}
	h.AddDevice(s, pci.NewConfigSpace())
	return h, s
}

func TestSizeRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		kind         string
		length       uint64
		prefetchable bool
		wantKind     barprobe.Kind
	}{
		{"io", "io", 0x20, false, barprobe.Io},
		{"mem32", "mem32", 0x10000, false, barprobe.Mem32},
		{"mem64 prefetchable", "mem64", 0x100000, true, barprobe.Mem64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s := endpoint()
			h.SetBAR(s, 0, tt.kind, tt.length, tt.prefetchable)

			before, err := h.Read32(s, pci.RBaseAddressOffset0)
			if err != nil {
				t.Fatalf("read before probe: %v", err)
			}

			result, err := barprobe.Size(h, s, 0)
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if result.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", result.Kind, tt.wantKind)
			}
			if result.Length != tt.length {
				t.Errorf("Length = 0x%x, want 0x%x", result.Length, tt.length)
			}
			if result.Prefetchable != tt.prefetchable {
				t.Errorf("Prefetchable = %v, want %v", result.Prefetchable, tt.prefetchable)
			}

			after, err := h.Read32(s, pci.RBaseAddressOffset0)
			if err != nil {
				t.Fatalf("read after probe: %v", err)
			}
			if after != before {
				t.Errorf("probe did not restore BAR: before=0x%x after=0x%x", before, after)
			}
		})
	}
}

func TestSizeAbsent(t *testing.T) {
	h, s := endpoint()
	result, err := barprobe.Size(h, s, 0)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if result.Kind != barprobe.Absent {
		t.Errorf("Kind = %v, want Absent", result.Kind)
	}
}

func TestSizeAbove2GiBInvalidates(t *testing.T) {
	h, s := endpoint()
	h.SetBAR(s, 0, "mem64", 3<<30, false) // 3 GiB: over the 2 GiB placement limit

	result, err := barprobe.Size(h, s, 0)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if result.Kind != barprobe.UnsupportedAbove4G {
		t.Errorf("Kind = %v, want UnsupportedAbove4G", result.Kind)
	}
	if !result.SkipNext {
		t.Error("SkipNext should be true for a 64-bit BAR")
	}
}

func TestSizeBAR5CannotStart64Bit(t *testing.T) {
	h, s := endpoint()
	h.SetBAR(s, 5, "mem64", 0x10000, false)

	_, err := barprobe.Size(h, s, 5)
	if !errors.Is(err, pcierr.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestSizeInvalidIndex(t *testing.T) {
	h, s := endpoint()
	_, err := barprobe.Size(h, s, 6)
	if !errors.Is(err, pcierr.ErrInvalidParameter) {
		t.Errorf("err = %v, want ErrInvalidParameter", err)
	}
}
