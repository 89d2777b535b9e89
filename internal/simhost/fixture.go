package simhost

import (
	"fmt"
	"sort"

	"github.com/sercanarga/pcienum/internal/pci"
	"gopkg.in/yaml.v3"
)

// FixtureBAR describes one simulated BAR.
type FixtureBAR struct {
	Kind         string `yaml:"kind"` // "io", "mem32", "mem64"
	Length       uint64 `yaml:"length"`
	Prefetchable bool   `yaml:"prefetchable"`
}

// FixtureDevice describes one simulated function, and (if Bridge) the
// functions wired behind it on its own secondary bus.
type FixtureDevice struct {
	Device        uint8           `yaml:"device"`
	Function      uint8           `yaml:"function"`
	VendorID      uint16          `yaml:"vendor_id"`
	DeviceID      uint16          `yaml:"device_id"`
	ClassCode     uint32          `yaml:"class_code"`
	Bridge        bool            `yaml:"bridge"`
	MultiFunction bool            `yaml:"multi_function"`
	BARs          []FixtureBAR    `yaml:"bars"`
	Children      []FixtureDevice `yaml:"children"`
}

// FixtureHostBridge describes one simulated host bridge's root bus.
type FixtureHostBridge struct {
	Segment  uint16          `yaml:"segment"`
	RootBus  uint8           `yaml:"root_bus"`
	BusLimit uint8           `yaml:"bus_limit"`
	ECAMBase uint64          `yaml:"ecam_base"`
	Devices  []FixtureDevice `yaml:"devices"`
}

// Fixture is the top-level YAML document: a simulated machine's host
// bridges, each with its own bus/device tree.
type Fixture struct {
	HostBridges []FixtureHostBridge `yaml:"host_bridges"`
}

// LoadFixture parses a YAML-encoded Fixture.
func LoadFixture(data []byte) (*Fixture, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("simhost: parse fixture: %w", err)
	}
	return &fx, nil
}

// HostBridgeConfig is what the orchestrator needs to start an Enumerator
// for one host bridge.
type HostBridgeConfig struct {
	Segment  uint16
	RootBus  uint8
	BusLimit uint8
	ECAMBase uint64
}

// BuildHost populates a Host from fx and returns the per-host-bridge
// config the orchestrator drives its Enumerator with. Bus numbers for
// bridges are pre-assigned in the same depth-first, ascending (device,
// function) order AssignBusNumbers walks, so the pre-wired config-space
// coordinates line up with what the real enumeration pass will later
// (redundantly but consistently) write into each bridge's own bus-number
// register.
func BuildHost(memSize int, fx *Fixture) (*Host, []HostBridgeConfig, error) {
	h := NewHost(memSize)
	var configs []HostBridgeConfig

	for _, hb := range fx.HostBridges {
		next := hb.RootBus + 1
		if err := populateBus(h, hb.Segment, hb.RootBus, hb.Devices, &next); err != nil {
			return nil, nil, err
		}
		configs = append(configs, HostBridgeConfig{
			Segment: hb.Segment, RootBus: hb.RootBus, BusLimit: hb.BusLimit, ECAMBase: hb.ECAMBase,
		})
	}
	return h, configs, nil
}

func populateBus(h *Host, segment uint16, bus uint8, devices []FixtureDevice, nextBus *uint8) error {
	devices = append([]FixtureDevice(nil), devices...)
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Device != devices[j].Device {
			return devices[i].Device < devices[j].Device
		}
		return devices[i].Function < devices[j].Function
	})
	for _, fd := range devices {
		s := pci.SBDF{Segment: segment, Bus: bus, Device: fd.Device, Function: fd.Function}
		cs := pci.NewConfigSpace()

		cs.WriteU16(0x00, fd.VendorID)
		cs.WriteU16(0x02, fd.DeviceID)
		cs.WriteU8(0x09, uint8(fd.ClassCode))
		cs.WriteU8(0x0A, uint8(fd.ClassCode>>8))
		cs.WriteU8(0x0B, uint8(fd.ClassCode>>16))

		headerType := uint8(0)
		if fd.Bridge {
			headerType = 1
		}
		if fd.MultiFunction {
			headerType |= 0x80
		}
		cs.WriteU8(0x0E, headerType)

		h.AddDevice(s, cs)

		barCount := 6
		if fd.Bridge {
			barCount = 2
		}
		if len(fd.BARs) > barCount {
			return fmt.Errorf("simhost: %s declares %d BARs but a %s may only have %d", s, len(fd.BARs), kindLabel(fd.Bridge), barCount)
		}
		for i, b := range fd.BARs {
			if b.Kind == "" {
				continue
			}
			h.SetBAR(s, i, b.Kind, b.Length, b.Prefetchable)
		}

		if fd.Bridge {
			secondary := *nextBus
			*nextBus++
			if err := populateBus(h, segment, secondary, fd.Children, nextBus); err != nil {
				return err
			}
		}
	}
	return nil
}

func kindLabel(bridge bool) string {
	if bridge {
		return "bridge"
	}
	return "endpoint"
}
