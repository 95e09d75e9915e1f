package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blectl",
	Short: "Remote control for BLE serial peripherals",
	Long: `Remote control for BLE serial peripherals (HM-10 and compatible modules):

- Send single-byte drive commands to a peripheral
- Drive it interactively from the keyboard and watch what it reports back
- Bridge the session to a PTY for serial terminal programs

Commands are written to one characteristic and replies arrive as notifications,
by default FFE1 in service FFE0.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blectl {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(driveCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(commandsCmd)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Enable debug logging")
	flags.String("config", "", "YAML configuration file")
	flags.String("service", "", "Service UUID (default from config: ffe0)")
	flags.String("char", "", "Command characteristic UUID (default from config: ffe1)")
	flags.String("notify-char", "", "Notification characteristic UUID (default from config: ffe1)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
