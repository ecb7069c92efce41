// firerisk trains the dual-drive wildfire risk model and serves risk maps.
//
// Usage:
//
//	firerisk train   [--epochs N] [--version V]
//	firerisk serve
//	firerisk predict --at 2024-04-12 [--at ...]
//	firerisk models
//
// All settings come from the environment (see internal/config); flags only
// override the few values that differ per invocation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "firerisk",
	Short: "Wildfire risk mapping from reanalysis fields",
	Long: "firerisk fuses surface history, upper-air snapshots and fire indices onto a\n" +
		"fine target grid and maps per-cell fire probability with a dual-drive model.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
