package ptybridge

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/remote"
	"github.com/srg/blectl/internal/session"
)

// Bridge connects a Port to a remote controller.
// Bytes typed into the PTY become command writes; received text is written back.
type Bridge struct {
	port   Port
	ctrl   *remote.Controller
	raw    bool
	logger *logrus.Logger

	forwarded atomic.Uint64
	filtered  atomic.Uint64
	refused   atomic.Uint64
}

// Counters reports how typed bytes were handled
type Counters struct {
	Forwarded uint64 // enqueued as writes
	Filtered  uint64 // not in the vocabulary
	Refused   uint64 // session not connected or queue rejected the write
}

// NewBridge creates a bridge. Unless raw is set only vocabulary bytes are forwarded.
func NewBridge(port Port, ctrl *remote.Controller, raw bool, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		port:   port,
		ctrl:   ctrl,
		raw:    raw,
		logger: logger,
	}
}

// Run forwards in both directions until ctx ends or events is closed
func (b *Bridge) Run(ctx context.Context, events <-chan session.Event) error {
	b.port.OnReceive(b.forward)
	defer b.port.OnReceive(nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.observe(ev)
		}
	}
}

// Counters returns a snapshot of the byte counters
func (b *Bridge) Counters() Counters {
	return Counters{
		Forwarded: b.forwarded.Load(),
		Filtered:  b.filtered.Load(),
		Refused:   b.refused.Load(),
	}
}

func (b *Bridge) observe(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		entry := b.logger.WithFields(logrus.Fields{"from": ev.From, "to": ev.State})
		if ev.Reason != nil {
			entry.WithError(ev.Reason).Warn("Bridge session state changed")
		} else {
			entry.Info("Bridge session state changed")
		}
	case session.EventCommandCompleted:
		if c := ev.Completion; c != nil && c.Err != nil {
			b.logger.WithError(c.Err).WithField("ticket", c.TicketID).Warn("Bridge write failed")
		}
	}

	if payload := b.ctrl.Observe(ev); len(payload) > 0 {
		if _, err := b.port.Write(payload); err != nil {
			b.logger.WithError(err).Warn("Bridge failed to write to PTY")
		}
	}
}

// forward runs on the port's delivery goroutine
func (b *Bridge) forward(data []byte) {
	for _, c := range data {
		if !b.raw {
			if _, ok := remote.ButtonForCode(c); !ok {
				b.filtered.Add(1)
				continue
			}
		}

		if _, err := b.ctrl.Send(c); err != nil {
			b.refused.Add(1)
			if errors.Is(err, remote.ErrNotConnected) {
				b.logger.WithField("code", string(c)).Debug("Bridge dropped byte: device not connected")
			} else {
				b.logger.WithError(err).Warn("Bridge failed to enqueue write")
			}
			continue
		}
		b.forwarded.Add(1)
	}
}
