package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/remote"
	"github.com/srg/blectl/internal/session"
	"golang.org/x/term"
)

const (
	keyQuit      = 'q'
	keyReconnect = 'r'
	keyCtrlC     = 0x03
)

// driveCmd represents the drive command
var driveCmd = &cobra.Command{
	Use:   "drive <device-address>",
	Short: "Drive the peripheral from the keyboard",
	Long: fmt.Sprintf(`Connects to the peripheral and sends a command for every key pressed.

Keys:
%s
  r  reconnect after the link dropped
  q  quit (also Ctrl+C)

Connection changes and text received from the peripheral are printed as they
arrive.

Example:
  blectl drive %s

%s`, keyHelp(), exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runDrive,
}

func keyHelp() string {
	var sb strings.Builder
	for _, b := range remote.Buttons() {
		fmt.Fprintf(&sb, "  %c  %s\n", b.Code, b.Name)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func runDrive(cmd *cobra.Command, args []string) error {
	rs, err := newRemoteSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer rs.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	ctx, cancel := interruptContext(rs.logger)
	defer cancel()

	progress := NewProgressPrinter(out, connectingPrefix(rs.address), "connecting", "ready", "disconnected")
	progress.Start()
	err = rs.connect(ctx, progress, nil)
	progress.Stop()
	if err != nil {
		return err
	}
	defer rs.disconnect(nil)

	in := cmd.InOrStdin()
	restore := enterRawMode(in)
	defer restore()

	screen := newDriveScreen(out, isTerminal(in))
	screen.state(session.StateReady, nil)
	screen.line(color.New(color.Faint), "press keys to drive, q to quit")

	inflight := newPendingTickets()
	defer func() { inflight.wait(rs.cfg.OperationTimeout + time.Second) }()

	keys := make(chan byte)
	go readKeys(in, keys, ctx.Done())

	for {
		select {
		case <-ctx.Done():
			return nil
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			switch k {
			case keyQuit, keyCtrlC:
				return nil
			case keyReconnect:
				if err := rs.manager.Connect(rs.address); err != nil {
					screen.failure(err)
				}
			default:
				b, ok := remote.ButtonForCode(k)
				if !ok {
					continue
				}
				ticket, err := rs.ctrl.Send(k)
				if err != nil {
					screen.failure(err)
					continue
				}
				inflight.add(ticket)
				screen.pressed(b)
			}
		case ev, ok := <-rs.events.Events():
			if !ok {
				return nil
			}
			payload := rs.ctrl.Observe(ev)
			switch ev.Kind {
			case session.EventStateChanged:
				screen.state(ev.State, ev.Reason)
			case session.EventNotification:
				if len(payload) > 0 {
					screen.received(payload)
				}
			case session.EventCommandCompleted:
				inflight.complete(ev.Completion.TicketID)
				if ev.Completion.Err != nil && ev.Completion.Command.Kind == session.KindWrite {
					screen.failure(ev.Completion.Err)
				}
			}
		}
	}
}

// readKeys forwards single bytes from in until it fails or done is closed
func readKeys(in io.Reader, keys chan<- byte, done <-chan struct{}) {
	defer close(keys)
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n == 1 {
			select {
			case keys <- buf[0]:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pendingTickets tracks presses that have not completed yet
type pendingTickets struct {
	tickets map[uint64]*session.Ticket
}

func newPendingTickets() *pendingTickets {
	return &pendingTickets{tickets: make(map[uint64]*session.Ticket)}
}

func (p *pendingTickets) add(t *session.Ticket) {
	select {
	case <-t.Done():
		// completion event already observed or about to be
	default:
		p.tickets[t.ID()] = t
	}
}

func (p *pendingTickets) complete(id uint64) {
	delete(p.tickets, id)
}

func (p *pendingTickets) len() int {
	return len(p.tickets)
}

// wait blocks until every tracked press resolves or timeout passes, so quitting does not cut them off
func (p *pendingTickets) wait(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for id, t := range p.tickets {
		_, _ = t.Wait(ctx)
		delete(p.tickets, id)
	}
}

// enterRawMode switches a terminal stdin to raw mode and returns the restore function
func enterRawMode(in io.Reader) func() {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}
	}
	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(int(f.Fd()), state) }
}

// driveScreen prints the interactive session
type driveScreen struct {
	out io.Writer
	eol string
}

func newDriveScreen(out io.Writer, raw bool) *driveScreen {
	eol := "\n"
	if raw {
		eol = "\r\n"
	}
	return &driveScreen{out: out, eol: eol}
}

func (s *driveScreen) line(c *color.Color, format string, args ...any) {
	fmt.Fprint(s.out, c.Sprintf(format, args...), s.eol)
}

func (s *driveScreen) state(state session.State, reason error) {
	switch {
	case state == session.StateReady:
		s.line(color.New(color.FgGreen, color.Bold), "[%s] connected", state)
	case state == session.StateDisconnected && reason != nil:
		s.line(color.New(color.FgRed), "[%s] %s", state, FormatUserError(reason))
	case state == session.StateDisconnected:
		s.line(color.New(color.FgRed), "[%s] press r to reconnect", state)
	default:
		s.line(color.New(color.FgYellow), "[%s]", state)
	}
}

func (s *driveScreen) pressed(b remote.Button) {
	s.line(color.New(color.FgCyan), "> %s", b)
}

func (s *driveScreen) received(payload []byte) {
	text := strings.ReplaceAll(strings.TrimRight(string(payload), "\r\n"), "\n", s.eol)
	s.line(color.New(color.FgWhite), "< %s", text)
}

func (s *driveScreen) failure(err error) {
	s.line(color.New(color.FgRed, color.Bold), "! %s", FormatUserError(err))
}
