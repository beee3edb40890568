package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter redraws one status line with the current phase and elapsed seconds, or
// remaining seconds when counting down. A nil *progressPrinter is valid and draws nothing.
//
//	p := newProgress(w, logger, "Reading 2a19", "Connecting", 0)
//	p.Start()
//	defer p.Stop()
type progressPrinter struct {
	w         io.Writer
	prefix    string
	countdown time.Duration
	phase     atomic.Value // string

	start    time.Time
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// newProgress returns a printer when w is a terminal and logging is quiet enough not to
// interleave with it; otherwise nil.
func newProgress(w io.Writer, logger *logrus.Logger, prefix, phase string, countdown time.Duration) *progressPrinter {
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return nil
	}
	if logger != nil && logger.GetLevel() > logrus.WarnLevel {
		return nil
	}
	p := &progressPrinter{
		w:         w,
		prefix:    prefix,
		countdown: countdown,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start draws the first line and keeps it up to date until Stop.
func (p *progressPrinter) Start() {
	if p == nil {
		return
	}
	p.start = time.Now()
	p.draw()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.draw()
			}
		}
	}()
}

// SetPhase changes the phase shown on the next redraw.
func (p *progressPrinter) SetPhase(phase string) {
	if p == nil {
		return
	}
	p.phase.Store(phase)
}

// Stop clears the line. It is safe to call more than once.
func (p *progressPrinter) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if !p.start.IsZero() {
			<-p.done
		}
		fmt.Fprint(p.w, clearLineSequence)
	})
}

func (p *progressPrinter) draw() {
	phase := p.phase.Load().(string)
	seconds := int(time.Since(p.start).Seconds())
	if p.countdown > 0 {
		remaining := p.countdown - time.Since(p.start)
		if remaining < 0 {
			remaining = 0
		}
		// round to the nearest second
		seconds = int(remaining.Seconds() + 0.5)
	}
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
		return
	}
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
}
