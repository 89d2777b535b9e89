package pci

import "testing"

func TestCapabilityName(t *testing.T) {
	tests := []struct {
		id   uint8
		want string
	}{
		{CapIDPCIExpress, "PCI Express"},
		{CapIDMSIX, "MSI-X"},
		{CapIDPowerManagement, "Power Management"},
		{0xEE, "Unknown"},
	}

	for _, tt := range tests {
		if got := CapabilityName(tt.id); got != tt.want {
			t.Errorf("CapabilityName(0x%02x) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
