package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current connection phase with elapsed seconds on one line.
// It prints nothing unless the writer is a terminal.
//
// A ProgressPrinter is single-use: Start once, Stop any number of times.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	enabled    bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer starting in phase.
// Setting one of stopPhases through Phase stops the printer.
func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
		enabled:    isTerminal(out),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins updating the progress line in a background goroutine
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if !p.enabled {
			close(p.done)
			return
		}

		started := time.Now()
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load())

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()

			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					seconds := int(time.Since(started).Seconds())
					if seconds > 0 {
						fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, p.phase.Load(), seconds)
					} else {
						fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load())
					}
				}
			}
		}()
	})
}

// Phase updates the displayed phase; a stop phase stops the printer
func (p *ProgressPrinter) Phase(phase string) {
	p.phase.Store(phase)
	if _, ok := p.stopPhases[phase]; ok {
		p.Stop()
	}
}

// Stop ends the updates and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() { close(p.done) })
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
