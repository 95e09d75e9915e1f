//go:build test

package main

import (
	"bytes"
	"io"
	"strings"

	"github.com/srg/blectl/internal/testutils"
)

// TestDeviceAddress is the address every command test dials
const TestDeviceAddress = "00:00:00:00:00:01"

// CommandTestSuite extends MockBLEPeripheralSuite with command testing utilities.
// All cmd/blectl test suites should embed this instead of MockBLEPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

// SetupTest resets flag state left over from previous commands, then builds the peripheral
func (s *CommandTestSuite) SetupTest() {
	resetFlags()
	s.MockBLEPeripheralSuite.SetupTest()
}

// ExecuteCommand runs blectl with args and no input, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandWithInput("", args...)
}

// ExecuteCommandWithInput runs blectl with args, feeding input as stdin.
func (s *CommandTestSuite) ExecuteCommandWithInput(input string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	}()

	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default; cobra keeps values between Execute calls
func resetFlags() {
	sendJSON = false
	bridgeRaw = false
	bridgeSymlink = ""

	for _, name := range []string{"log-level", "config", "service", "char", "notify-char"} {
		_ = rootCmd.PersistentFlags().Set(name, "")
	}
	_ = rootCmd.PersistentFlags().Set("verbose", "false")
}
