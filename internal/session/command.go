package session

import (
	"context"
	"fmt"
)

// CommandKind is the GATT operation a Command performs
type CommandKind int

const (
	KindWrite CommandKind = iota
	KindRead
	KindSubscribeNotify
	KindUnsubscribeNotify
)

func (k CommandKind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindSubscribeNotify:
		return "subscribe"
	case KindUnsubscribeNotify:
		return "unsubscribe"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is one GATT operation submitted by the application.
// The session copies Payload at enqueue time; later changes by the caller have no effect.
type Command struct {
	Kind            CommandKind
	Char            CharacteristicID
	Payload         []byte
	WithoutResponse bool // write command (no ATT acknowledgement)
}

// Write builds a write-with-response command
func Write(char CharacteristicID, payload []byte) Command {
	return Command{Kind: KindWrite, Char: char, Payload: payload}
}

// Read builds a read command
func Read(char CharacteristicID) Command {
	return Command{Kind: KindRead, Char: char}
}

// SubscribeNotify builds a command enabling notifications on char
func SubscribeNotify(char CharacteristicID) Command {
	return Command{Kind: KindSubscribeNotify, Char: char}
}

// UnsubscribeNotify builds a command disabling notifications on char
func UnsubscribeNotify(char CharacteristicID) Command {
	return Command{Kind: KindUnsubscribeNotify, Char: char}
}

func (c Command) validate() error {
	if c.Char.Service == "" || c.Char.UUID == "" {
		return newError(CodeInvalidCommand, "characteristic is not set", nil)
	}
	switch c.Kind {
	case KindWrite:
		if len(c.Payload) == 0 {
			return newError(CodeInvalidCommand, "write requires a payload", nil)
		}
	case KindRead, KindSubscribeNotify, KindUnsubscribeNotify:
	default:
		return newError(CodeInvalidCommand, fmt.Sprintf("unknown command kind %d", int(c.Kind)), nil)
	}
	return nil
}

func (c Command) clone() Command {
	if c.Payload != nil {
		p := make([]byte, len(c.Payload))
		copy(p, c.Payload)
		c.Payload = p
	}
	return c
}

// Ticket represents the eventual outcome of an enqueued Command
type Ticket struct {
	id      uint64
	cmd     Command
	manager *Manager

	done  chan struct{}
	value []byte
	err   error

	// owner-loop only
	cancelOp        context.CancelFunc
	cancelRequested bool
	closing         bool
	stopTimers      func()
}

func newTicket(id uint64, cmd Command, m *Manager) *Ticket {
	return &Ticket{
		id:      id,
		cmd:     cmd,
		manager: m,
		done:    make(chan struct{}),
	}
}

// ID returns the ticket's sequence number, unique within its Manager
func (t *Ticket) ID() uint64 {
	return t.id
}

// Command returns the command this ticket tracks
func (t *Ticket) Command() Command {
	return t.cmd
}

// Done is closed once the ticket has been resolved
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the resolution error, or nil while the ticket is unresolved or succeeded
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Value returns the bytes produced by a read, nil otherwise
func (t *Ticket) Value() []byte {
	select {
	case <-t.done:
		return t.value
	default:
		return nil
	}
}

// Wait blocks until the ticket resolves or ctx is done.
// Cancelling ctx does not cancel the command; use Cancel for that.
func (t *Ticket) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes a still-pending command from the queue; the ticket then resolves with ErrCancelled.
// For an in-flight command cancellation is best effort: the operation may still complete.
// Returns true if the command was removed before reaching the transport.
func (t *Ticket) Cancel() bool {
	if t.manager == nil {
		return false
	}
	return t.manager.cancelTicket(t)
}

// resolve must only be called from the owner loop
func (t *Ticket) resolve(value []byte, err error) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	if t.stopTimers != nil {
		t.stopTimers()
		t.stopTimers = nil
	}
	t.value = value
	t.err = err
	close(t.done)
	return true
}

func (t *Ticket) resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
