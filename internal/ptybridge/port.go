// Package ptybridge exposes a serial-style BLE session as a pseudo-terminal.
//
// A Port owns a PTY master/slave pair. Programs open the slave path (for example
// with screen or minicom) and everything they type is delivered to the Port's
// receive callback; bytes written to the Port come out on the slave side.
//
//	port, err := ptybridge.Open(&ptybridge.PortOptions{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//	fmt.Println(port.Path()) // "/dev/pts/5"
//
// Both directions are buffered in fixed-size rings. When a ring is full the
// excess bytes are dropped and counted in Stats; BLE notifications are small and
// infrequent, so the rings only fill when nobody has the slave open.
//
// PollTimeout bounds how long the background loops wait for I/O readiness before
// re-checking for Close, so it is also the worst-case shutdown latency.
package ptybridge

import (
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ReceiveFunc is invoked from a background goroutine with bytes typed into the slave.
// The slice is reused after the call returns.
type ReceiveFunc func(data []byte)

// ErrorFunc is invoked at most once per loop when a loop stops on an unexpected error
type ErrorFunc func(err error)

// PortOptions configures Open. Zero fields take their defaults.
type PortOptions struct {
	InboundCap  int           `default:"4096"` // bytes typed into the slave, waiting for delivery
	OutboundCap int           `default:"4096"` // bytes waiting to be written to the slave
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
	OnError     ErrorFunc
}

// Port is one end of a pseudo-terminal
type Port interface {
	io.WriteCloser

	// Path is the slave device other programs open, e.g. "/dev/pts/5"
	Path() string
	// OnReceive sets the receive callback; nil stops delivery and leaves data buffered
	OnReceive(fn ReceiveFunc)
	Stats() Stats
}

// Stats is a snapshot of a Port's counters
type Stats struct {
	InboundQueued  int
	OutboundQueued int

	InboundTotal    uint64 // bytes read from the slave
	OutboundTotal   uint64 // bytes written to the slave
	InboundDropped  uint64
	OutboundDropped uint64
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (o *PortOptions) withDefaults() PortOptions {
	out := PortOptions{}
	if o != nil {
		out = *o
	}
	defaults.SetDefaults(&out)
	if out.Logger == nil {
		out.Logger = discardLogger
	}
	return out
}
