package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/device"
)

var readCmd = &cobra.Command{
	Use:   "read <peripheral> <service> <characteristic>",
	Short: "Read a characteristic value",
	Long: fmt.Sprintf(`Connects to a peripheral and reads one characteristic. The value is printed as hex.

Examples:
  # Read the Battery Level characteristic
  blecentral read %s 180f 2a19

  # Print the value as text
  blecentral read %s 180a 2a29 --text`, exampleAddress, exampleAddress),
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var readText bool

func init() {
	readCmd.Flags().BoolVar(&readText, "text", false, "Print the value as text instead of hex")
}

type readResult struct {
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          string `json:"value"`
}

func runRead(cmd *cobra.Command, args []string) error {
	id, err := device.NormalizePeripheralID(args[0])
	if err != nil {
		return err
	}
	ref, err := device.ValidateCharRef(args[1], args[2])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	s, err := openSession(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := s.progress(cmd, "Reading "+ref.String()+" from "+id, "Connecting", 0)
	progress.Start()
	defer progress.Stop()

	if _, err := s.connect(ctx, id, progress); err != nil {
		return err
	}
	defer s.disconnect(id)

	value, err := s.ctrl.Read(id, ref.Service, ref.Characteristic).Await(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ref, err)
	}
	progress.Stop()

	if s.json {
		return writeJSON(cmd.OutOrStdout(), readResult{
			Peripheral:     id,
			Service:        ref.Service,
			Characteristic: ref.Characteristic,
			Value:          formatValue(value, readText),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatValue(value, readText))
	return nil
}
