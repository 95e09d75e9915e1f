package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/remote"
	"github.com/srg/blectl/internal/session"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device-address> <command>...",
	Short: "Connect, send commands and disconnect",
	Long: fmt.Sprintf(`Connects to the peripheral, writes each command as a single byte in order,
waits until every write is acknowledged and disconnects.

A command is either a name from 'blectl commands' (forward, pause, ...) or a
single character that is written as-is.

Examples:
  # Drive forward, then stop
  blectl send %s forward pause

  # Raw characters and JSON event output
  blectl send %s w s --json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var sendJSON bool

func init() {
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print every session event as a JSON line")
}

type sendItem struct {
	label string
	code  byte
}

func runSend(cmd *cobra.Command, args []string) error {
	address := args[0]

	items := make([]sendItem, 0, len(args)-1)
	for _, token := range args[1:] {
		item, err := resolveSendToken(token)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	rs, err := newRemoteSession(cmd, address)
	if err != nil {
		return err
	}
	defer rs.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	var observe func(session.Event)
	if sendJSON {
		observe = jsonEventWriter(out)
	}

	ctx, cancel := interruptContext(rs.logger)
	defer cancel()

	progress := NewProgressPrinter(out, connectingPrefix(address), "connecting", "ready", "disconnected")
	progress.Start()
	err = rs.connect(ctx, progress, observe)
	progress.Stop()
	if err != nil {
		return err
	}
	defer rs.disconnect(observe)

	if !sendJSON {
		fmt.Fprintf(out, "Connected to %s\n", rs.manager.Address())
	}

	pending := make(map[uint64]sendItem, len(items))
	for _, item := range items {
		ticket, err := rs.ctrl.Send(item.code)
		if err != nil {
			return err
		}
		pending[ticket.ID()] = item
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-rs.events.Events():
			if !ok {
				return session.ErrClosed
			}
			rs.ctrl.Observe(ev)
			if observe != nil {
				observe(ev)
			}

			switch ev.Kind {
			case session.EventStateChanged:
				if ev.State == session.StateDisconnected {
					return fmt.Errorf("%w: %v", ErrConnectionLost, ev.Reason)
				}
			case session.EventNotification:
				if !sendJSON && ev.Notification != nil {
					fmt.Fprintf(out, "Received: %q\n", ev.Notification.Payload)
				}
			case session.EventCommandCompleted:
				item, ok := pending[ev.Completion.TicketID]
				if !ok {
					continue
				}
				delete(pending, ev.Completion.TicketID)
				if ev.Completion.Err != nil {
					return fmt.Errorf("failed to send %s: %w", item.label, ev.Completion.Err)
				}
				if !sendJSON {
					fmt.Fprintf(out, "Sent %s\n", item.label)
				}
			}
		}
	}

	return nil
}

// resolveSendToken accepts a vocabulary name or any single character
func resolveSendToken(token string) (sendItem, error) {
	if b, ok := remote.Lookup(token); ok {
		return sendItem{label: b.String(), code: b.Code}, nil
	}
	if len(token) == 1 {
		return sendItem{label: fmt.Sprintf("%q", token), code: token[0]}, nil
	}
	return sendItem{}, &session.Error{Code: session.CodeInvalidCommand, Msg: fmt.Sprintf("unknown command %q", token)}
}
