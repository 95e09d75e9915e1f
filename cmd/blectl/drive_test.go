//go:build test

package main

import (
	"testing"
	"time"

	"github.com/srg/blectl/internal/session"
	"github.com/srg/blectl/internal/testutils"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DriveCommandTestSuite struct {
	CommandTestSuite
}

func (s *DriveCommandTestSuite) TestKeysBecomeCommands() {
	// GOAL: Verify drive maps vocabulary keys to writes and ignores other keys
	//
	// TEST SCENARIO: keys "w", "z", "p", "q" → 'w' and 'p' written, 'z' ignored, q quits and disconnects

	out, err := s.ExecuteCommandWithInput("wzpq", "drive", TestDeviceAddress)
	s.Require().NoError(err, "drive MUST exit cleanly on q")

	s.Assert().Contains(out, "[ready] connected")
	s.Assert().Contains(out, "> forward (w)")
	s.Assert().Contains(out, "> pause (p)")
	s.Assert().NotContains(out, "(z)", "keys outside the vocabulary MUST be ignored")

	s.Assert().Equal([][]byte{[]byte("w"), []byte("p")}, s.Peripheral.Writes("ffe1"),
		"presses MUST be written before drive disconnects")
	s.Peripheral.Client.AssertCalled(s.T(), "CancelConnection")
}

func (s *DriveCommandTestSuite) TestEndOfInputQuits() {
	// GOAL: Verify drive stops when its input ends
	//
	// TEST SCENARIO: empty input → drive returns without error after connecting

	out, err := s.ExecuteCommandWithInput("", "drive", TestDeviceAddress)
	s.Require().NoError(err)
	s.Assert().Contains(out, "press keys to drive, q to quit")
	s.Assert().Empty(s.Peripheral.Writes("ffe1"))
}

func TestDriveCommandTestSuite(t *testing.T) {
	suite.Run(t, new(DriveCommandTestSuite))
}

func TestPendingTickets(t *testing.T) {
	char := session.MustCharacteristicID("ffe0", "ffe1")
	fake := testutils.NewFakeTransport(char)
	manager := session.New(fake, &session.Options{Required: []session.CharacteristicID{char}}, testutils.NewTestHelper(t).Logger)
	defer func() {
		fake.ReleaseAll()
		require.NoError(t, manager.Close())
	}()

	require.NoError(t, manager.Connect(TestDeviceAddress))
	require.Eventually(t, func() bool { return manager.State() == session.StateReady }, 2*time.Second, 5*time.Millisecond)
	fake.HoldOperations()

	first, err := manager.Enqueue(session.Write(char, []byte("w")))
	require.NoError(t, err)
	second, err := manager.Enqueue(session.Write(char, []byte("s")))
	require.NoError(t, err)

	pending := newPendingTickets()
	pending.add(first)
	pending.add(second)
	require.Equal(t, 2, pending.len())

	fake.Release()
	<-first.Done()
	pending.complete(first.ID())
	require.Equal(t, 1, pending.len(), "completed presses MUST be forgotten")

	pending.add(first)
	require.Equal(t, 1, pending.len(), "already resolved presses MUST NOT be tracked")

	fake.Release()
	pending.wait(2 * time.Second)
	require.Zero(t, pending.len())
	require.NoError(t, second.Err(), "wait MUST let the last press finish")
}
