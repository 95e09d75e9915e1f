//go:build test

package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/session"
	"github.com/srg/blectl/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const peripheralAddress = "AA:BB:CC:DD:EE:FF"

var (
	commandChar = session.MustCharacteristicID("ffe0", "ffe1")
	batteryChar = session.MustCharacteristicID("180f", "2a19")
)

type ManagerTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	transport *testutils.FakeTransport
	opts      *session.Options
	manager   *session.Manager
	events    *session.Subscription
}

func (s *ManagerTestSuite) SetupTest() {
	s.logger = testutils.NewTestHelper(s.T()).Logger
	s.transport = testutils.NewFakeTransport(commandChar, batteryChar).
		WithValue(batteryChar, []byte{85})

	s.opts = session.DefaultOptions()
	s.opts.Required = []session.CharacteristicID{commandChar}
	s.opts.OperationTimeout = 2 * time.Second
	s.opts.DrainTimeout = 500 * time.Millisecond
	s.manager = nil
	s.events = nil
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.manager != nil {
		s.transport.ReleaseAll()
		s.Require().NoError(s.manager.Close(), "close MUST succeed")
	}
}

// start creates the manager with the current options and subscribes to its events
func (s *ManagerTestSuite) start() {
	s.manager = session.New(s.transport, s.opts, s.logger)
	s.events = s.manager.Subscribe()
}

// nextEvent returns the next event of the given kind, skipping others
func (s *ManagerTestSuite) nextEvent(kind session.EventKind) session.Event {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.events.Events():
			s.Require().True(ok, "event channel MUST stay open while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			s.FailNow("timed out waiting for event", "kind: %s", kind)
		}
	}
}

// waitState consumes events until a transition to state is observed
func (s *ManagerTestSuite) waitState(state session.State) session.Event {
	for {
		ev := s.nextEvent(session.EventStateChanged)
		if ev.State == state {
			return ev
		}
	}
}

func (s *ManagerTestSuite) connectReady() {
	s.Require().NoError(s.manager.Connect(peripheralAddress), "connect MUST be accepted")
	s.waitState(session.StateReady)
	s.Require().Equal(session.StateReady, s.manager.State(), "session MUST be ready")
}

func (s *ManagerTestSuite) waitTicket(t *session.Ticket) ([]byte, error) {
	select {
	case <-t.Done():
		return t.Value(), t.Err()
	case <-time.After(2 * time.Second):
		s.FailNow("ticket did not resolve", "ticket: %d", t.ID())
		return nil, nil
	}
}

func (s *ManagerTestSuite) TestConnectLifecycle() {
	// GOAL: Verify a successful connection walks through every lifecycle state in order
	//
	// TEST SCENARIO: Connect to a peripheral exposing the required characteristic → state events arrive in order → session becomes Ready

	s.start()
	s.Require().Equal(session.StateDisconnected, s.manager.State(), "new manager MUST be disconnected")

	s.Require().NoError(s.manager.Connect("aa-bb-cc-dd-ee-ff"), "connect MUST be accepted")

	expected := []session.State{
		session.StateConnecting,
		session.StateConnected,
		session.StateDiscoveringServices,
		session.StateReady,
	}
	from := session.StateDisconnected
	var lastSeq uint64
	for _, want := range expected {
		ev := s.nextEvent(session.EventStateChanged)
		s.Assert().Equal(want, ev.State, "state MUST follow the lifecycle order")
		s.Assert().Equal(from, ev.From, "transition MUST start from the previous state")
		s.Assert().NoError(ev.Reason, "successful transitions MUST carry no reason")
		s.Assert().Greater(ev.Seq, lastSeq, "event sequence MUST increase")
		from, lastSeq = ev.State, ev.Seq
	}

	s.Assert().Equal(peripheralAddress, s.manager.Address(), "address MUST be stored in canonical form")
	s.Assert().Len(s.transport.CallsOf("connect"), 1, "transport MUST be connected once")
	s.Assert().Equal(peripheralAddress, s.transport.CallsOf("connect")[0].Address, "transport MUST receive the canonical address")
}

func (s *ManagerTestSuite) TestConnectRejections() {
	// GOAL: Verify Connect rejects bad handles and duplicate connections without touching the radio
	//
	// TEST SCENARIO: Malformed handle / connect while connected → typed error returned → no extra transport calls

	s.start()

	s.Run("malformed handle", func() {
		err := s.manager.Connect("not-a-mac")
		s.Assert().ErrorIs(err, session.ErrInvalidHandle, "malformed handle MUST be rejected")
		s.Assert().Empty(s.transport.CallsOf("connect"), "transport MUST NOT be invoked for a malformed handle")
		s.Assert().Equal(session.StateDisconnected, s.manager.State(), "state MUST stay disconnected")
	})

	s.Run("already connected", func() {
		s.connectReady()
		err := s.manager.Connect(peripheralAddress)
		s.Assert().ErrorIs(err, session.ErrAlreadyConnected, "second connect MUST be rejected")
		s.Assert().Len(s.transport.CallsOf("connect"), 1, "transport MUST be connected only once")
	})
}

func (s *ManagerTestSuite) TestConnectFailures() {
	// GOAL: Verify failed connection attempts end in Disconnected with a typed reason
	//
	// TEST SCENARIO: Transport error / timeout / missing characteristic → StateChanged to Disconnected → reason carries the error code

	s.Run("transport failure", func() {
		s.SetupTest()
		s.transport.FailConnect(errors.New("radio busy"))
		s.start()
		defer s.manager.Close()

		s.Require().NoError(s.manager.Connect(peripheralAddress))
		ev := s.waitState(session.StateDisconnected)
		s.Assert().ErrorIs(ev.Reason, session.ErrTransportFailure, "reason MUST be a transport failure")
		s.Assert().Contains(ev.Reason.Error(), "radio busy", "reason MUST wrap the transport error")
	})

	s.Run("connect timeout", func() {
		s.SetupTest()
		s.opts.ConnectTimeout = 50 * time.Millisecond
		s.transport.HoldConnect()
		s.start()
		defer s.manager.Close()

		s.Require().NoError(s.manager.Connect(peripheralAddress))
		ev := s.waitState(session.StateDisconnected)
		s.Assert().ErrorIs(ev.Reason, session.ErrTimeout, "reason MUST be a timeout")
	})

	s.Run("required characteristic missing", func() {
		s.SetupTest()
		s.opts.Required = []session.CharacteristicID{session.MustCharacteristicID("ffe0", "ffe2")}
		s.start()
		defer s.manager.Close()

		s.Require().NoError(s.manager.Connect(peripheralAddress))
		ev := s.waitState(session.StateDisconnected)
		s.Assert().ErrorIs(ev.Reason, session.ErrServiceNotSupported, "reason MUST be ServiceNotSupported")
		s.Assert().Contains(ev.Reason.Error(), "ffe0/ffe2", "reason MUST name the missing characteristic")
		s.Assert().Eventually(func() bool {
			return len(s.transport.CallsOf("disconnect")) == 1
		}, time.Second, 10*time.Millisecond, "link MUST be released")
	})

	s.Run("discovery failure", func() {
		s.SetupTest()
		s.transport.FailDiscovery(errors.New("att error"))
		s.start()
		defer s.manager.Close()

		s.Require().NoError(s.manager.Connect(peripheralAddress))
		ev := s.waitState(session.StateDisconnected)
		s.Assert().ErrorIs(ev.Reason, session.ErrTransportFailure, "reason MUST be a transport failure")
	})

	s.manager = nil
}

func (s *ManagerTestSuite) TestEnqueueRequiresReady() {
	// GOAL: Verify commands are only accepted while Ready
	//
	// TEST SCENARIO: Enqueue before connect / invalid command → typed error → nothing sent to the transport

	s.start()

	_, err := s.manager.Enqueue(session.Write(commandChar, []byte("w")))
	s.Assert().ErrorIs(err, session.ErrSessionNotReady, "enqueue while disconnected MUST fail")

	s.connectReady()

	_, err = s.manager.Enqueue(session.Write(commandChar, nil))
	s.Assert().ErrorIs(err, session.ErrInvalidCommand, "write without payload MUST be rejected")

	_, err = s.manager.Enqueue(session.Read(session.CharacteristicID{}))
	s.Assert().ErrorIs(err, session.ErrInvalidCommand, "command without characteristic MUST be rejected")

	s.Assert().Empty(s.transport.CallsOf("write"), "rejected commands MUST NOT reach the transport")
}

func (s *ManagerTestSuite) TestCommandsAreSerialized() {
	// GOAL: Verify the queue issues commands one at a time in FIFO order
	//
	// TEST SCENARIO: Hold transport operations → enqueue three writes → release one by one → transport sees them in order with one in flight

	s.start()
	s.connectReady()
	s.transport.HoldOperations()

	var tickets []*session.Ticket
	for _, p := range []string{"w", "a", "d"} {
		payload := []byte(p)
		t, err := s.manager.Enqueue(session.Write(commandChar, payload))
		s.Require().NoError(err, "enqueue MUST succeed")
		tickets = append(tickets, t)
		payload[0] = 'x' // the queue owns its own copy
	}

	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 1
	}, time.Second, 5*time.Millisecond, "first command MUST be dispatched")
	s.Assert().Never(func() bool {
		return len(s.transport.CallsOf("write")) > 1
	}, 100*time.Millisecond, 10*time.Millisecond, "second command MUST wait for the first")

	for i := range tickets {
		s.transport.Release()
		_, err := s.waitTicket(tickets[i])
		s.Assert().NoError(err, "ticket %d MUST succeed", i)
	}

	writes := s.transport.CallsOf("write")
	s.Require().Len(writes, 3, "all writes MUST reach the transport")
	s.Assert().Equal("w", string(writes[0].Payload), "writes MUST keep FIFO order")
	s.Assert().Equal("a", string(writes[1].Payload), "writes MUST keep FIFO order")
	s.Assert().Equal("d", string(writes[2].Payload), "writes MUST keep FIFO order")
	s.Assert().Equal(1, s.transport.MaxInflight(), "at most one command MUST be in flight")

	var completed []uint64
	for range tickets {
		ev := s.nextEvent(session.EventCommandCompleted)
		completed = append(completed, ev.Completion.TicketID)
	}
	s.Assert().Equal([]uint64{tickets[0].ID(), tickets[1].ID(), tickets[2].ID()}, completed,
		"completions MUST be published in dispatch order")
}

func (s *ManagerTestSuite) TestReadReturnsValue() {
	// GOAL: Verify a read ticket resolves with the characteristic value
	//
	// TEST SCENARIO: Enqueue read → transport returns value → ticket value and completion event carry it

	s.start()
	s.connectReady()

	t, err := s.manager.Enqueue(session.Read(batteryChar))
	s.Require().NoError(err)

	v, err := s.waitTicket(t)
	s.Assert().NoError(err, "read MUST succeed")
	s.Assert().Equal([]byte{85}, v, "read MUST return the characteristic value")

	ev := s.nextEvent(session.EventCommandCompleted)
	s.Assert().Equal([]byte{85}, ev.Completion.Value, "completion MUST carry the value")
	s.Assert().Equal(session.KindRead, ev.Completion.Command.Kind, "completion MUST carry the command")
}

func (s *ManagerTestSuite) TestOperationFailure() {
	// GOAL: Verify a failing transport operation resolves the ticket and the queue moves on
	//
	// TEST SCENARIO: Transport write fails → ticket fails with TransportFailure → session stays Ready

	s.start()
	s.connectReady()
	s.transport.FailOperations(errors.New("write not permitted"))

	t, err := s.manager.Enqueue(session.Write(commandChar, []byte("p")))
	s.Require().NoError(err)

	_, err = s.waitTicket(t)
	s.Assert().ErrorIs(err, session.ErrTransportFailure, "ticket MUST fail with a transport failure")
	s.Assert().Equal(session.StateReady, s.manager.State(), "operation failure MUST NOT drop the session")
}

func (s *ManagerTestSuite) TestOperationTimeout() {
	// GOAL: Verify a stuck command is failed with Timeout and the next command proceeds
	//
	// TEST SCENARIO: Hold operations with a short timeout → first ticket times out → second is dispatched

	s.opts.OperationTimeout = 50 * time.Millisecond
	s.start()
	s.connectReady()
	s.transport.HoldOperations()

	first, err := s.manager.Enqueue(session.Write(commandChar, []byte("u")))
	s.Require().NoError(err)
	second, err := s.manager.Enqueue(session.Write(commandChar, []byte("i")))
	s.Require().NoError(err)

	_, err = s.waitTicket(first)
	s.Assert().ErrorIs(err, session.ErrTimeout, "stuck command MUST time out")

	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 2
	}, time.Second, 5*time.Millisecond, "next command MUST be dispatched after the timeout")

	s.transport.Release()
	_, err = s.waitTicket(second)
	s.Assert().NoError(err, "second command MUST succeed")
}

func (s *ManagerTestSuite) TestTimedOutCommandKeepsTheLink() {
	// GOAL: Verify a timed-out command keeps the link busy until the transport actually returns
	//
	// TEST SCENARIO: Transport ignores cancellation → first write times out → second write waits → first returns → second is dispatched, never two at once

	s.opts.OperationTimeout = 50 * time.Millisecond
	s.opts.DrainTimeout = 2 * time.Second
	s.start()
	s.connectReady()
	s.transport.HoldOperations().IgnoreCancellation()

	first, err := s.manager.Enqueue(session.Write(commandChar, []byte("u")))
	s.Require().NoError(err)
	second, err := s.manager.Enqueue(session.Write(commandChar, []byte("i")))
	s.Require().NoError(err)

	_, err = s.waitTicket(first)
	s.Require().ErrorIs(err, session.ErrTimeout, "stuck command MUST time out")

	s.Assert().Never(func() bool {
		return len(s.transport.CallsOf("write")) > 1
	}, 150*time.Millisecond, 10*time.Millisecond, "next command MUST wait while the timed-out one is still on the link")

	s.transport.Release()
	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 2
	}, time.Second, 5*time.Millisecond, "next command MUST be dispatched once the transport returns")

	s.transport.Release()
	_, err = s.waitTicket(second)
	s.Assert().NoError(err, "second command MUST succeed")
	s.Assert().Equal(1, s.transport.MaxInflight(), "at most one command MUST be in flight")
}

func (s *ManagerTestSuite) TestTimedOutCommandReleasedAfterDrain() {
	// GOAL: Verify a transport that never returns does not stall the queue forever
	//
	// TEST SCENARIO: Transport ignores cancellation and never returns → first write times out → slot released after DrainTimeout → second write dispatched

	s.opts.OperationTimeout = 50 * time.Millisecond
	s.opts.DrainTimeout = 100 * time.Millisecond
	s.start()
	s.connectReady()
	s.transport.HoldOperations().IgnoreCancellation()

	first, err := s.manager.Enqueue(session.Write(commandChar, []byte("u")))
	s.Require().NoError(err)
	_, err = s.manager.Enqueue(session.Write(commandChar, []byte("i")))
	s.Require().NoError(err)

	_, err = s.waitTicket(first)
	s.Require().ErrorIs(err, session.ErrTimeout, "first ticket MUST keep its Timeout resolution")

	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 2
	}, time.Second, 5*time.Millisecond, "next command MUST be dispatched after the drain timeout")
}

func (s *ManagerTestSuite) TestCancel() {
	// GOAL: Verify pending tickets can be cancelled and in-flight ones cannot be recalled
	//
	// TEST SCENARIO: Hold operations → cancel pending ticket → it resolves Cancelled and never reaches the transport

	s.start()
	s.connectReady()
	s.transport.HoldOperations()

	inflight, err := s.manager.Enqueue(session.Write(commandChar, []byte("w")))
	s.Require().NoError(err)
	pending, err := s.manager.Enqueue(session.Write(commandChar, []byte("s")))
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 1
	}, time.Second, 5*time.Millisecond)

	s.Assert().True(pending.Cancel(), "pending ticket MUST be cancellable")
	_, err = s.waitTicket(pending)
	s.Assert().ErrorIs(err, session.ErrCancelled, "cancelled ticket MUST resolve Cancelled")
	s.Assert().False(pending.Cancel(), "resolved ticket MUST NOT be cancellable again")

	s.Assert().False(inflight.Cancel(), "in-flight ticket MUST NOT report removal")
	_, err = s.waitTicket(inflight)
	s.Assert().ErrorIs(err, session.ErrCancelled, "in-flight cancel MUST abort the operation context")

	writes := s.transport.CallsOf("write")
	s.Assert().Len(writes, 1, "cancelled pending command MUST NOT reach the transport")
}

func (s *ManagerTestSuite) TestLinkLoss() {
	// GOAL: Verify an unexpected link drop fails queued work and returns to Disconnected
	//
	// TEST SCENARIO: Ready with one in-flight and one pending command → link drops → both tickets fail SessionClosed → reconnect works

	s.start()
	s.connectReady()
	s.transport.HoldOperations()

	inflight, err := s.manager.Enqueue(session.Write(commandChar, []byte("w")))
	s.Require().NoError(err)
	pending, err := s.manager.Enqueue(session.Write(commandChar, []byte("s")))
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 1
	}, time.Second, 5*time.Millisecond)

	s.transport.DropLink(errors.New("supervision timeout"))

	ev := s.waitState(session.StateDisconnected)
	s.Assert().Equal(session.StateReady, ev.From, "link loss MUST leave Ready directly")
	s.Assert().ErrorIs(ev.Reason, session.ErrLinkLost, "reason MUST be LinkLost")

	_, err = s.waitTicket(pending)
	s.Assert().ErrorIs(err, session.ErrSessionClosed, "pending ticket MUST fail SessionClosed")
	_, err = s.waitTicket(inflight)
	s.Assert().ErrorIs(err, session.ErrSessionClosed, "in-flight ticket MUST fail SessionClosed")

	_, err = s.manager.Enqueue(session.Write(commandChar, []byte("w")))
	s.Assert().ErrorIs(err, session.ErrSessionNotReady, "enqueue after link loss MUST fail")

	s.transport.ReleaseAll()
	s.connectReady()
	s.Assert().Len(s.transport.CallsOf("connect"), 2, "session MUST reconnect after link loss")
}

func (s *ManagerTestSuite) TestDisconnect() {
	// GOAL: Verify local disconnect semantics in every state
	//
	// TEST SCENARIO: Disconnect while disconnected / ready / connecting → NotConnected / graceful teardown / cancelled attempt

	s.start()

	s.Run("while disconnected", func() {
		err := s.manager.Disconnect()
		s.Assert().ErrorIs(err, session.ErrNotConnected, "disconnect while disconnected MUST fail")
		s.Assert().Empty(s.transport.CallsOf("disconnect"), "transport MUST NOT be touched")
	})

	s.Run("while ready", func() {
		s.connectReady()
		s.Require().NoError(s.manager.Disconnect(), "disconnect MUST be accepted")

		ev := s.waitState(session.StateDisconnecting)
		s.Assert().Equal(session.StateReady, ev.From)
		ev = s.waitState(session.StateDisconnected)
		s.Assert().NoError(ev.Reason, "local disconnect MUST carry no reason")
		s.Assert().Len(s.transport.CallsOf("disconnect"), 1, "transport MUST be disconnected")
	})

	s.Run("while connecting", func() {
		s.transport.HoldConnect()
		s.Require().NoError(s.manager.Connect(peripheralAddress))
		s.waitState(session.StateConnecting)

		s.Require().NoError(s.manager.Disconnect(), "disconnect MUST cancel the attempt")
		ev := s.waitState(session.StateDisconnected)
		s.Assert().ErrorIs(ev.Reason, session.ErrCancelled, "reason MUST be Cancelled")
		s.transport.ReleaseAll()
	})
}

func (s *ManagerTestSuite) TestDisconnectTwice() {
	// GOAL: Verify a second Disconnect after a graceful one is rejected without touching the radio
	//
	// TEST SCENARIO: Ready → Disconnect → Disconnected → Disconnect again → NotConnected, one transport disconnect

	s.start()
	s.connectReady()

	s.Require().NoError(s.manager.Disconnect(), "first disconnect MUST be accepted")
	s.waitState(session.StateDisconnected)

	err := s.manager.Disconnect()
	s.Assert().ErrorIs(err, session.ErrNotConnected, "second disconnect MUST fail NotConnected")
	s.Assert().Len(s.transport.CallsOf("disconnect"), 1, "second disconnect MUST NOT reach the transport")
}

func (s *ManagerTestSuite) TestLinkLossFailsEveryQueuedWrite() {
	// GOAL: Verify link loss before any acknowledgement fails every queued write and leaves the queue empty
	//
	// TEST SCENARIO: Enqueue w, a, p with operations held → link drops → all three tickets fail SessionClosed → after reconnect only new commands reach the transport

	s.start()
	s.connectReady()
	s.transport.HoldOperations()

	var tickets []*session.Ticket
	for _, p := range []string{"w", "a", "p"} {
		t, err := s.manager.Enqueue(session.Write(commandChar, []byte(p)))
		s.Require().NoError(err)
		tickets = append(tickets, t)
	}
	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("write")) == 1
	}, time.Second, 5*time.Millisecond)

	s.transport.DropLink(errors.New("supervision timeout"))
	s.waitState(session.StateDisconnected)

	for i, t := range tickets {
		_, err := s.waitTicket(t)
		s.Assert().ErrorIs(err, session.ErrSessionClosed, "ticket %d MUST fail SessionClosed", i)
	}

	s.transport.ReleaseAll()
	s.connectReady()
	t, err := s.manager.Enqueue(session.Write(commandChar, []byte("s")))
	s.Require().NoError(err)
	_, err = s.waitTicket(t)
	s.Require().NoError(err)

	writes := s.transport.CallsOf("write")
	s.Require().Len(writes, 2, "abandoned commands MUST NOT be replayed after reconnect")
	s.Assert().Equal("s", string(writes[1].Payload))
}

func (s *ManagerTestSuite) TestReadyPrecedesCommandCompletion() {
	// GOAL: Verify subscribers see the session become Ready before any command completion
	//
	// TEST SCENARIO: Connect → Ready event → write → CommandCompleted carries a higher sequence number

	s.start()
	s.Require().NoError(s.manager.Connect(peripheralAddress))
	ready := s.waitState(session.StateReady)

	t, err := s.manager.Enqueue(session.Write(commandChar, []byte("w")))
	s.Require().NoError(err)

	ev := s.nextEvent(session.EventCommandCompleted)
	s.Assert().Equal(t.ID(), ev.Completion.TicketID)
	s.Assert().NoError(ev.Completion.Err)
	s.Assert().Less(ready.Seq, ev.Seq, "Ready MUST be published before the write completes")
}

func (s *ManagerTestSuite) TestReconnectWaitsForCancelledAttempt() {
	// GOAL: Verify a new connect does not overlap a cancelled attempt that is still dialing
	//
	// TEST SCENARIO: Transport ignores cancellation → Connect → Disconnect → Connect again → second dial waits → first dial succeeds and is released → second attempt reaches Ready

	s.start()
	s.transport.HoldConnect().IgnoreCancellation()

	s.Require().NoError(s.manager.Connect(peripheralAddress))
	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("connect")) == 1
	}, time.Second, 5*time.Millisecond, "first attempt MUST reach the transport")

	s.Require().NoError(s.manager.Disconnect(), "disconnect MUST cancel the attempt")
	s.waitState(session.StateDisconnected)
	s.Require().NoError(s.manager.Connect(peripheralAddress), "reconnect MUST be accepted")

	s.Assert().Never(func() bool {
		return len(s.transport.CallsOf("connect")) > 1
	}, 100*time.Millisecond, 10*time.Millisecond, "second dial MUST wait for the abandoned one")

	s.transport.Release() // abandoned dial succeeds
	s.Require().Eventually(func() bool {
		return len(s.transport.CallsOf("connect")) == 2
	}, time.Second, 5*time.Millisecond, "second dial MUST start once the abandoned link is released")
	s.transport.Release()
	s.waitState(session.StateReady)

	var lifecycle []string
	for _, c := range s.transport.Calls() {
		if c.Op == "connect" || c.Op == "disconnect" {
			lifecycle = append(lifecycle, c.Op)
		}
	}
	s.Assert().Equal([]string{"connect", "disconnect", "connect"}, lifecycle,
		"link established after cancellation MUST be released before the next dial")
}

func (s *ManagerTestSuite) TestNotifications() {
	// GOAL: Verify notifications reach every subscriber in arrival order
	//
	// TEST SCENARIO: Subscribe to notifications → peripheral pushes values → both subscribers see them in order

	s.start()
	second := s.manager.Subscribe()
	s.connectReady()

	t, err := s.manager.Enqueue(session.SubscribeNotify(commandChar))
	s.Require().NoError(err)
	_, err = s.waitTicket(t)
	s.Require().NoError(err, "subscribe MUST succeed")

	for _, v := range []string{"1", "2", "3"} {
		s.Require().True(s.transport.Notify(commandChar, []byte(v)), "handler MUST be registered")
	}

	for _, want := range []string{"1", "2", "3"} {
		ev := s.nextEvent(session.EventNotification)
		s.Assert().Equal(commandChar, ev.Notification.Char)
		s.Assert().Equal(want, string(ev.Notification.Payload), "notifications MUST keep arrival order")
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-second.Events():
			if ev.Kind == session.EventNotification {
				got = append(got, string(ev.Notification.Payload))
			}
		case <-timeout:
			s.FailNow("second subscriber MUST receive notifications")
		}
	}
	s.Assert().Equal([]string{"1", "2", "3"}, got, "every subscriber MUST see the same notifications")
}

func (s *ManagerTestSuite) TestAutoSubscribe() {
	// GOAL: Verify configured characteristics are subscribed as soon as the session is Ready
	//
	// TEST SCENARIO: AutoSubscribe configured → connect → subscribe issued without an explicit enqueue

	s.opts.AutoSubscribe = []session.CharacteristicID{commandChar}
	s.start()
	s.connectReady()

	ev := s.nextEvent(session.EventCommandCompleted)
	s.Assert().Equal(session.KindSubscribeNotify, ev.Completion.Command.Kind, "auto-subscribe MUST be issued")
	s.Assert().NoError(ev.Completion.Err)
	s.Assert().True(s.transport.Notify(commandChar, []byte("ok")), "notification handler MUST be installed")
}

func (s *ManagerTestSuite) TestClose() {
	// GOAL: Verify Close tears the session down and releases every waiter
	//
	// TEST SCENARIO: Ready with pending command → Close → tickets resolve, subscription channel closes, further calls fail Closed

	s.start()
	s.connectReady()
	s.transport.HoldOperations()

	t, err := s.manager.Enqueue(session.Write(commandChar, []byte("n")))
	s.Require().NoError(err)

	s.Require().NoError(s.manager.Close(), "close MUST succeed")

	_, err = s.waitTicket(t)
	s.Assert().ErrorIs(err, session.ErrSessionClosed, "ticket MUST be released by Close")
	s.Assert().Equal(session.StateDisconnected, s.manager.State(), "closed manager MUST be disconnected")

	var sawDisconnected bool
	for ev := range s.events.Events() {
		if ev.Kind == session.EventStateChanged && ev.State == session.StateDisconnected {
			sawDisconnected = true
		}
	}
	s.Assert().True(sawDisconnected, "subscribers MUST see the final transition before their channel closes")

	s.Assert().ErrorIs(s.manager.Connect(peripheralAddress), session.ErrClosed, "connect after close MUST fail")
	_, err = s.manager.Enqueue(session.Write(commandChar, []byte("n")))
	s.Assert().ErrorIs(err, session.ErrClosed, "enqueue after close MUST fail")
	s.Assert().NoError(s.manager.Close(), "second close MUST be a no-op")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
