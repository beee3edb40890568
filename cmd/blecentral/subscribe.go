package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/notify"
	"github.com/srg/blecentral/internal/ringchan"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <peripheral> <service> <characteristic>",
	Short: "Print characteristic notifications",
	Long: fmt.Sprintf(`Connects to a peripheral, enables notifications for one characteristic and prints
every value received, one per line. With --json each line is a JSON object.

When notification_buffer in the configuration is greater than 1, values are collected
and printed in batches of that size.

Examples:
  # Print heart rate measurements until interrupted
  blecentral subscribe %s 180d 2a37

  # Stop after 10 values or 30 seconds, whichever comes first
  blecentral subscribe %s 180d 2a37 --count 10 --duration 30s`, exampleAddress, exampleAddress),
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var (
	subscribeCount    int
	subscribeDuration time.Duration
	subscribeText     bool
)

func init() {
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Stop after this many values (0 means no limit)")
	subscribeCmd.Flags().DurationVarP(&subscribeDuration, "duration", "d", 0, "Stop after this long (0 means no limit)")
	subscribeCmd.Flags().BoolVar(&subscribeText, "text", false, "Print values as text instead of hex")
}

type notificationLine struct {
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          string `json:"value"`
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	id, err := device.NormalizePeripheralID(args[0])
	if err != nil {
		return err
	}
	ref, err := device.ValidateCharRef(args[1], args[2])
	if err != nil {
		return err
	}
	if subscribeCount < 0 || subscribeDuration < 0 {
		return fmt.Errorf("--count and --duration must not be negative")
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

	progress := s.progress(cmd, "Subscribing to "+ref.String()+" on "+id, "Connecting", 0)
	progress.Start()
	defer progress.Stop()

	if _, err := s.connect(ctx, id, progress); err != nil {
		return err
	}
	defer s.disconnect(id)
	progress.SetPhase("Enabling notifications")

	events := s.ctrl.Events(s.cfg.EventBuffer)
	defer events.Close()

	// Listeners run on the controller's serial context and must not block, so values are
	// handed over through a ring that drops the oldest value when the printer falls behind.
	values := ringchan.New[notify.Notification](s.cfg.EventBuffer)
	defer values.Close()

	var sub *notify.Subscription
	if size := s.cfg.NotificationBuffer; size > 1 {
		sub, err = s.ctrl.SubscribeBuffered(id, ref.Service, ref.Characteristic, size, func(batch []notify.Notification) {
			for _, n := range batch {
				values.Send(n)
			}
		}).Await(ctx)
	} else {
		sub, err = s.ctrl.Subscribe(id, ref.Service, ref.Characteristic, notify.ListenerFunc(func(n notify.Notification) {
			values.Send(n)
		})).Await(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ref, err)
	}
	progress.Stop()
	s.logger.WithField("characteristic", ref.String()).Info("Subscribed")

	p := &notificationPrinter{w: cmd.OutOrStdout(), json: s.json, limit: subscribeCount}
	loopErr := p.run(ctx, id, values, events, subscribeDuration)

	unsubCtx, unsubCancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer unsubCancel()
	if _, err := s.ctrl.Unlisten(sub).Await(unsubCtx); err != nil {
		s.logger.WithError(err).Debug("Unsubscribe failed")
	}
	// values flushed by a buffered listener on unsubscribe
	for !p.done() {
		n, ok := values.TryReceive()
		if !ok {
			break
		}
		p.print(n)
	}

	if dropped := values.GetMetrics().Overwritten; dropped > 0 {
		s.logger.WithField("dropped", dropped).Warn("Output fell behind, some values were not printed")
	}
	return loopErr
}

// notificationPrinter writes values until its limit is reached.
type notificationPrinter struct {
	w       io.Writer
	json    bool
	limit   int
	printed int
}

func (p *notificationPrinter) done() bool {
	return p.limit > 0 && p.printed >= p.limit
}

func (p *notificationPrinter) print(n notify.Notification) {
	p.printed++
	value := formatValue(n.Value, subscribeText)
	if p.json {
		line, _ := json.Marshal(notificationLine{
			Peripheral:     n.Peripheral,
			Service:        n.Char.Service,
			Characteristic: n.Char.Characteristic,
			Value:          value,
		})
		fmt.Fprintln(p.w, string(line))
		return
	}
	fmt.Fprintf(p.w, "%s: %s\n", n.Char, value)
}

// run prints values until the limit, the duration, the context or the loss of the link ends it.
func (p *notificationPrinter) run(ctx context.Context, id string, values *ringchan.RingChannel[notify.Notification], events *central.EventSubscription, duration time.Duration) error {
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for !p.done() {
		select {
		case n, ok := <-values.C():
			if !ok {
				return nil
			}
			p.print(n)
		case ev, ok := <-events.C():
			if !ok {
				return ErrConnectionLost
			}
			if ev.Type == central.EventPeripheralDisconnected && ev.PeripheralID == id {
				return ErrConnectionLost
			}
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
