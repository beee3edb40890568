package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "blecentral",
	Short: "Bluetooth Low Energy central",
	Long: `Bluetooth Low Energy (BLE) central that drives the local radio:

- Scan for advertising peripherals, optionally filtered by service
- Connect and list the GATT services and characteristics of a peripheral
- Read and write characteristics, splitting long writes into chunks
- Subscribe to characteristic notifications
- Report the signal strength of a link and the state of the radio

Every operation is serialized per peripheral and matched with the radio callback
that completes it.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		stop()
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(rssiCmd)
	rootCmd.AddCommand(stateCmd)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	pf.BoolP("verbose", "V", false, "Shortcut for --log-level debug")
	pf.Bool("json", false, "Print results as JSON")
	pf.Duration("timeout", 0, "Abort the command after this long (0 waits indefinitely)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
