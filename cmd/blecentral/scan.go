package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

const exampleAddress = "AA:BB:CC:DD:EE:FF"

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for advertising peripherals",
	Long: `Scans for BLE peripherals and prints one line per peripheral, strongest signal first.

Examples:
  # Scan for the configured scan_timeout
  blecentral scan

  # Scan for 5 seconds, only reporting heart rate monitors
  blecentral scan --duration 5s --services 180d

  # Scan until interrupted, as JSON
  blecentral scan --duration 0 --json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanServices   []string
	scanDuplicates bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scan_timeout from the configuration, 0 scans until interrupted)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only report peripherals advertising one of these service UUIDs")
	scanCmd.Flags().BoolVar(&scanDuplicates, "allow-duplicates", false, "Report every advertisement instead of the first per peripheral")
}

// scanEntry is one row of scan output.
type scanEntry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
	Reports     int      `json:"reports"`
}

// scanCollector accumulates discovery events while the scan runs.
type scanCollector struct {
	seen *hashmap.Map[string, *scanEntry]
	mu   sync.Mutex
	ids  []string
}

func newScanCollector() *scanCollector {
	return &scanCollector{seen: hashmap.New[string, *scanEntry]()}
}

func (c *scanCollector) add(p *device.Peripheral) {
	entry, loaded := c.seen.GetOrInsert(p.ID, &scanEntry{ID: p.ID})
	if !loaded {
		c.mu.Lock()
		c.ids = append(c.ids, p.ID)
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Reports++
	entry.RSSI = p.RSSI
	entry.Connectable = p.Advertising.Connectable
	if p.Name != "" {
		entry.Name = p.Name
	}
	if len(p.Advertising.ServiceUUIDs) > 0 {
		entry.Services = append([]string(nil), p.Advertising.ServiceUUIDs...)
	}
	if v := vendorOf(p.Advertising); v != "" {
		entry.Vendor = v
	}
}

// entries returns the collected rows, strongest signal first.
func (c *scanCollector) entries() []scanEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scanEntry, 0, len(c.ids))
	for _, id := range c.ids {
		if e, ok := c.seen.Get(id); ok {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanDuration < 0 {
		return fmt.Errorf("--duration must not be negative")
	}
	if len(scanServices) > 0 {
		if _, err := device.ValidateUUID(scanServices...); err != nil {
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

	duration := scanDuration
	if !cmd.Flags().Changed("duration") {
		duration = s.cfg.ScanTimeout
	}

	// Subscribe before scanning so no discovery is missed.
	events := s.ctrl.Events(s.cfg.EventBuffer)
	defer events.Close()

	collector := newScanCollector()
	stopped := make(chan struct{})
	groutine.Go(ctx, "scan-collector", func(ctx context.Context) {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events.C():
				if !ok {
					return
				}
				switch ev.Type {
				case central.EventPeripheralDiscovered:
					collector.add(ev.Peripheral)
				case central.EventScanStopped:
					return
				}
			}
		}
	})

	opts := central.ScanOptions{
		ServiceUUIDs:    scanServices,
		Duration:        duration,
		AllowDuplicates: scanDuplicates,
	}
	if _, err := s.ctrl.Scan(opts).Await(ctx); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	s.logger.WithField("duration", duration).Info("Scanning...")

	progress := s.progress(cmd, "Scanning", "Listening", duration)
	progress.Start()
	defer progress.Stop()

	select {
	case <-stopped:
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), teardownTimeout)
		_, _ = s.ctrl.StopScan().Await(stopCtx)
		stopCancel()
		<-stopped
	}

	progress.Stop()

	if n := events.Dropped(); n > 0 {
		s.logger.WithField("dropped", n).Warn("Event consumer fell behind, some advertisements were lost")
	}
	return printScan(cmd, s, collector.entries())
}

func printScan(cmd *cobra.Command, s *session, entries []scanEntry) error {
	out := cmd.OutOrStdout()
	if s.json {
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No peripherals found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tSERVICES")
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		services := serviceList(e.Services)
		if e.Vendor != "" {
			services += " [" + e.Vendor + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, name, e.RSSI, services)
	}
	return tw.Flush()
}
