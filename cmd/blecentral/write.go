package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
)

var writeCmd = &cobra.Command{
	Use:   "write <peripheral> <service> <characteristic> <data>",
	Short: "Write a characteristic value",
	Long: fmt.Sprintf(`Connects to a peripheral and writes one characteristic. Data is hex unless --text is
set. Payloads longer than the chunk size are written in consecutive chunks.

Examples:
  # Reset the energy expended counter of a heart rate monitor
  blecentral write %s 180d 2a39 01

  # Write text without waiting for a response, 180 bytes at a time
  blecentral write %s ffe0 ffe1 "hello world" --text --without-response --chunk-size 180

  # Negotiate a larger MTU first, chunks then fill it
  blecentral write %s ffe0 ffe1 "$(cat payload.hex)" --mtu 247`, exampleAddress, exampleAddress, exampleAddress),
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeText            bool
	writeWithoutResponse bool
	writeChunkSize       int
	writeMTU             int
)

func init() {
	writeCmd.Flags().BoolVar(&writeText, "text", false, "Treat data as text instead of hex")
	writeCmd.Flags().BoolVar(&writeWithoutResponse, "without-response", false, "Write without response (fire and forget)")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk-size", 0, "Maximum bytes per radio write (defaults to the negotiated MTU, then write_chunk_size from the configuration)")
	writeCmd.Flags().IntVar(&writeMTU, "mtu", 0, "Negotiate this ATT MTU before writing (0 keeps the current one)")
}

type writeResult struct {
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Bytes          int    `json:"bytes"`
	Type           string `json:"type"`
	MTU            int    `json:"mtu,omitempty"`
}

// parsePayload decodes hex such as "0a1b", "0x0a1b" or "0a 1b", or returns text as bytes.
func parsePayload(data string, asText bool) ([]byte, error) {
	if asText {
		return []byte(data), nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(data))
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", data, err)
	}
	return b, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	id, err := device.NormalizePeripheralID(args[0])
	if err != nil {
		return err
	}
	ref, err := device.ValidateCharRef(args[1], args[2])
	if err != nil {
		return err
	}
	payload, err := parsePayload(args[3], writeText)
	if err != nil {
		return err
	}
	if writeChunkSize < 0 {
		return fmt.Errorf("--chunk-size must not be negative")
	}
	if writeMTU != 0 && (writeMTU < device.DefaultMTU || writeMTU > device.MaxMTU) {
		return fmt.Errorf("--mtu must be between %d and %d", device.DefaultMTU, device.MaxMTU)
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

	progress := s.progress(cmd, "Writing "+ref.String()+" on "+id, "Connecting", 0)
	progress.Start()
	defer progress.Stop()

	if _, err := s.connect(ctx, id, progress); err != nil {
		return err
	}
	defer s.disconnect(id)

	mtu := 0
	if writeMTU > 0 {
		progress.SetPhase("Negotiating MTU")
		if mtu, err = s.ctrl.RequestMTU(id, writeMTU).Await(ctx); err != nil {
			return fmt.Errorf("failed to negotiate MTU with %s: %w", id, err)
		}
		s.logger.WithFields(logrus.Fields{"peripheral": id, "mtu": mtu}).Debug("MTU negotiated")
	}

	progress.SetPhase("Writing")
	opts := central.WriteOptions{Type: central.WriteWithResponse, MaxChunkSize: writeChunkSize}
	if writeWithoutResponse {
		opts.Type = central.WriteWithoutResponse
	}
	if _, err := s.ctrl.Write(id, ref.Service, ref.Characteristic, payload, opts).Await(ctx); err != nil {
		return fmt.Errorf("failed to write %s: %w", ref, err)
	}
	progress.Stop()

	if s.json {
		return writeJSON(cmd.OutOrStdout(), writeResult{
			Peripheral:     id,
			Service:        ref.Service,
			Characteristic: ref.Characteristic,
			Bytes:          len(payload),
			Type:           opts.Type.String(),
			MTU:            mtu,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(payload), ref)
	return nil
}
