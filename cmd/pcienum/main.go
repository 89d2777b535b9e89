package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pcienum",
	Short: "Pre-boot PCIe enumerator and resource allocator",
	Long: `pcienum walks a simulated PCIe topology the same way a pre-boot
firmware core would: it assigns bus numbers across every PCI-to-PCI
bridge, builds a BAR/aperture resource tree, programs bridge windows and
BARs in a widen-then-tighten pass, and publishes an access facade for
every essential device (mass storage, USB, SD host).

The topology is read from a YAML fixture rather than a real chipset; this
tool exists to exercise and demonstrate the enumerator, not to run on
real hardware.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
