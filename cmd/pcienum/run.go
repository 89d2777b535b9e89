package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sercanarga/pcienum/internal/diag"
	"github.com/sercanarga/pcienum/internal/orchestrator"
	"github.com/sercanarga/pcienum/internal/pci"
	"github.com/sercanarga/pcienum/internal/program"
	"github.com/sercanarga/pcienum/internal/simhost"
	"github.com/sercanarga/pcienum/internal/util"
	"github.com/spf13/cobra"
)

var (
	fixturePath string
	noColor     bool
	verbose     bool
)

func init() {
	runCmd.Flags().StringVarP(&fixturePath, "fixture", "f", "", "path to a YAML topology fixture (required)")
	runCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored diagnostic output")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each endpoint's raw device-path bytes")
	runCmd.MarkFlagRequired("fixture")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enumerate a simulated topology and report essential devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			diag.Disable()
		}

		data, err := os.ReadFile(fixturePath)
		if err != nil {
			return fmt.Errorf("read fixture: %w", err)
		}
		fx, err := simhost.LoadFixture(data)
		if err != nil {
			return err
		}

		host, configs, err := simhost.BuildHost(64<<20, fx)
		if err != nil {
			return err
		}

		bridges := make([]orchestrator.HostBridge, len(configs))
		for i, c := range configs {
			bridges[i] = orchestrator.HostBridge{
				Segment:  c.Segment,
				RootBus:  c.RootBus,
				BusLimit: c.BusLimit,
				ECAMBase: c.ECAMBase,
				Mem:      program.Window{Base: 0x1000_0000, Limit: 0xDFFF_FFFF},
				IO:       program.Window{Base: 0x1000, Limit: 0xFFFF},
			}
		}

		orch := orchestrator.New(host, host, host, host, host, textPathBuilder{})
		if err := orch.Run(staticProvider(bridges)); err != nil {
			return err
		}

		return printReport(orch)
	},
}

type staticProvider []orchestrator.HostBridge

func (p staticProvider) HostBridges() ([]orchestrator.HostBridge, error) { return p, nil }

// textPathBuilder renders an EFI-device-path-like textual location for
// each published endpoint.
type textPathBuilder struct{}

func (textPathBuilder) AppendPCINode(parent orchestrator.DevicePath, device, function uint8) orchestrator.DevicePath {
	return append(append(orchestrator.DevicePath(nil), parent...), []byte(fmt.Sprintf("/Pci(0x%x,0x%x)", device, function))...)
}

func (textPathBuilder) Text(path orchestrator.DevicePath) string {
	return "PciRoot(0x0)" + string(path)
}

func printReport(orch *orchestrator.Orchestrator) error {
	endpoints := orch.Registry.All()
	if len(endpoints) == 0 {
		fmt.Println("No essential devices found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tCLASS\tPATH")
	for _, ep := range endpoints {
		d := pci.PCIDevice{ClassCode: ep.ClassCode()}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ep.GetLocation(), d.ClassDescription(), string(ep.DevicePath()))
		if verbose {
			fmt.Fprintf(w, "\t\t(raw: %s)\n", util.BytesToHexNoSpaces(ep.DevicePath()))
		}
	}
	return w.Flush()
}
