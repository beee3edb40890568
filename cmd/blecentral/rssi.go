package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/device"
)

var rssiCmd = &cobra.Command{
	Use:   "rssi <peripheral>",
	Short: "Read the signal strength of a link",
	Long: fmt.Sprintf(`Connects to a peripheral and reads the RSSI of the link in dBm.

Example:
  blecentral rssi %s`, exampleAddress),
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

type rssiResult struct {
	Peripheral string `json:"peripheral"`
	RSSI       int    `json:"rssi"`
}

func runRSSI(cmd *cobra.Command, args []string) error {
	id, err := device.NormalizePeripheralID(args[0])
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

	cmd.SilenceUsage = true

	progress := s.progress(cmd, "Reading RSSI of "+id, "Connecting", 0)
	progress.Start()
	defer progress.Stop()

	if _, err := s.connect(ctx, id, progress); err != nil {
		return err
	}
	defer s.disconnect(id)

	rssi, err := s.ctrl.ReadRSSI(id).Await(ctx)
	if err != nil {
		return fmt.Errorf("failed to read RSSI of %s: %w", id, err)
	}
	progress.Stop()

	if s.json {
		return writeJSON(cmd.OutOrStdout(), rssiResult{Peripheral: id, RSSI: rssi})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d dBm\n", rssi)
	return nil
}
