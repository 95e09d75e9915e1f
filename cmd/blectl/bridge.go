package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/ptybridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Expose the peripheral as a PTY",
	Long: fmt.Sprintf(`Creates a PTY (pseudoterminal) connected to the peripheral, so terminal
programs (screen, minicom, picocom) can drive it like a serial port.

Bytes typed into the PTY are written to the command characteristic one at a
time. Unless --raw is given only command keys (see 'blectl commands') are
forwarded. Text the peripheral sends back is written to the PTY.

Examples:
  blectl bridge %s
  blectl bridge %s --raw --symlink /tmp/hm10

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeRaw     bool
	bridgeSymlink string
)

func init() {
	bridgeCmd.Flags().BoolVar(&bridgeRaw, "raw", false, "Forward every byte, not only command keys")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
}

func runBridge(cmd *cobra.Command, args []string) error {
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

	port, err := ptybridge.Open(&ptybridge.PortOptions{
		Logger: rs.logger,
		OnError: func(err error) {
			rs.logger.WithError(err).Error("PTY failed, stopping bridge")
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer port.Close()

	if bridgeSymlink != "" {
		if err := os.Symlink(port.Path(), bridgeSymlink); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", bridgeSymlink, port.Path(), err)
		}
		defer func() {
			if err := os.Remove(bridgeSymlink); err != nil {
				rs.logger.WithError(err).WithField("ttySymlink", bridgeSymlink).Warn("Failed to remove tty symlink")
			}
		}()
		fmt.Fprintf(out, "Bridge running: %s (%s)\n", port.Path(), bridgeSymlink)
	} else {
		fmt.Fprintf(out, "Bridge running: %s\n", port.Path())
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	bridge := ptybridge.NewBridge(port, rs.ctrl, bridgeRaw, rs.logger)
	err = bridge.Run(ctx, rs.events.Events())

	c := bridge.Counters()
	rs.logger.WithFields(logrus.Fields{
		"forwarded": c.Forwarded,
		"filtered":  c.Filtered,
		"refused":   c.Refused,
	}).Info("Bridge stopped")

	if errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
