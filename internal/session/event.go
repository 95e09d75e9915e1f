package session

import (
	"fmt"
	"time"
)

// EventKind tags the payload carried by an Event
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventNotification
	EventCommandCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventNotification:
		return "notification"
	case EventCommandCompleted:
		return "command_completed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Notification is an unsolicited characteristic value pushed by the peripheral
type Notification struct {
	Char      CharacteristicID
	Payload   []byte
	Timestamp time.Time
}

// Completion reports the resolution of one ticket
type Completion struct {
	TicketID uint64
	Command  Command
	Value    []byte
	Err      error
}

// Event is a single occurrence published by a Manager.
// Seq increases by one for every event a Manager publishes.
type Event struct {
	Kind EventKind
	Seq  uint64
	Time time.Time

	// EventStateChanged
	From   State
	State  State
	Reason error

	Notification *Notification
	Completion   *Completion
}

func (e Event) String() string {
	switch e.Kind {
	case EventStateChanged:
		if e.Reason != nil {
			return fmt.Sprintf("#%d %s -> %s (%v)", e.Seq, e.From, e.State, e.Reason)
		}
		return fmt.Sprintf("#%d %s -> %s", e.Seq, e.From, e.State)
	case EventNotification:
		return fmt.Sprintf("#%d notification %s %q", e.Seq, e.Notification.Char, e.Notification.Payload)
	case EventCommandCompleted:
		if e.Completion.Err != nil {
			return fmt.Sprintf("#%d %s %s ticket %d: %v", e.Seq, e.Completion.Command.Kind, e.Completion.Command.Char, e.Completion.TicketID, e.Completion.Err)
		}
		return fmt.Sprintf("#%d %s %s ticket %d ok", e.Seq, e.Completion.Command.Kind, e.Completion.Command.Char, e.Completion.TicketID)
	default:
		return fmt.Sprintf("#%d %s", e.Seq, e.Kind)
	}
}
