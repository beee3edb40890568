package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <peripheral>",
	Short: "Connect and list the services and characteristics of a peripheral",
	Long: fmt.Sprintf(`Connects to a peripheral, discovers every service and characteristic and prints
the GATT layout.

Examples:
  # List the layout
  blecentral inspect %s

  # Also read every readable characteristic
  blecentral inspect %s --read

  # Only the Battery and Heart Rate services
  blecentral inspect %s --services 180f,180d

  # As JSON
  blecentral inspect %s --json`, exampleAddress, exampleAddress, exampleAddress, exampleAddress),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectRead     bool
	inspectServices []string
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectRead, "read", false, "Read the value of every readable characteristic")
	inspectCmd.Flags().StringSliceVarP(&inspectServices, "services", "s", nil, "Only inspect these services (comma-separated UUIDs)")
}

type inspectCharacteristic struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name,omitempty"`
	Properties []string `json:"properties"`
	Value      string   `json:"value,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type inspectService struct {
	UUID            string                  `json:"uuid"`
	Name            string                  `json:"name,omitempty"`
	Characteristics []inspectCharacteristic `json:"characteristics"`
}

type inspectResult struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Services []inspectService `json:"services"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	id, err := device.NormalizePeripheralID(args[0])
	if err != nil {
		return err
	}
	var only []string
	if len(inspectServices) > 0 {
		if only, err = device.ValidateUUID(inspectServices...); err != nil {
			return err
		}
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

	progress := s.progress(cmd, "Inspecting "+id, "Connecting", 0)
	progress.Start()
	defer progress.Stop()

	info, err := s.connect(ctx, id, progress, only...)
	if err != nil {
		return err
	}
	defer s.disconnect(id)
	if inspectRead {
		progress.SetPhase("Reading")
	}

	result := inspectResult{ID: info.ID, Name: info.Name, Services: make([]inspectService, 0, len(info.Services))}
	for _, svc := range info.Services {
		if len(only) > 0 && !slices.Contains(only, svc.UUID) {
			continue
		}
		out := inspectService{
			UUID:            svc.UUID,
			Name:            bledb.LookupService(svc.UUID),
			Characteristics: make([]inspectCharacteristic, 0, len(svc.Characteristics)),
		}
		for _, c := range svc.Characteristics {
			out.Characteristics = append(out.Characteristics, inspectChar(ctx, s, id, c))
		}
		result.Services = append(result.Services, out)
	}
	progress.Stop()

	if s.json {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	printInspect(cmd, result)
	return nil
}

func inspectChar(ctx context.Context, s *session, id string, c device.Characteristic) inspectCharacteristic {
	out := inspectCharacteristic{
		UUID:       c.UUID,
		Name:       bledb.LookupCharacteristic(c.UUID),
		Properties: c.Properties.Names(),
	}
	if !inspectRead || !c.Properties.Has(device.PropRead) {
		return out
	}
	value, err := s.ctrl.Read(id, c.Service, c.UUID).Await(ctx)
	if err != nil {
		// keep going, one unreadable characteristic should not hide the rest
		out.Error = err.Error()
		return out
	}
	out.Value = formatValue(value, false)
	return out
}

func printInspect(cmd *cobra.Command, r inspectResult) {
	w := cmd.OutOrStdout()

	title := "Peripheral " + r.ID
	if r.Name != "" {
		title += " (" + r.Name + ")"
	}
	headerColor.Fprintln(w, title)
	if len(r.Services) == 0 {
		fmt.Fprintln(w, "  no services")
		return
	}

	for _, svc := range r.Services {
		fmt.Fprintf(w, "  Service %s\n", describeUUID(svc.UUID, svc.Name))
		for _, c := range svc.Characteristics {
			line := fmt.Sprintf("    %s [%s]", describeUUID(c.UUID, c.Name), strings.Join(c.Properties, ","))
			switch {
			case c.Error != "":
				line += " " + badColor.Sprint("error: "+c.Error)
			case c.Value != "":
				line += " = " + c.Value
			}
			fmt.Fprintln(w, line)
		}
	}
}
