package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blectl/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was running.
	// It differs from session.ErrNotConnected, which is returned before anything was sent.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err as a single line for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch session.CodeOf(err) {
	case session.CodeNotConnected, session.CodeSessionNotReady:
		return "device not connected"
	case session.CodeInvalidHandle:
		return fmt.Sprintf("invalid device address (%v)\n  %s", unwrapMsg(err), deviceAddressNote)
	case session.CodeServiceNotSupported:
		return fmt.Sprintf("device does not support the serial service: %s", unwrapMsg(err))
	case session.CodeTimeout:
		return fmt.Sprintf("timed out: %s", unwrapMsg(err))
	case session.CodeLinkLost:
		return ErrConnectionLost.Error()
	case session.CodeInvalidCommand:
		return fmt.Sprintf("%s (run 'blectl commands' for the list)", unwrapMsg(err))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}

// unwrapMsg returns the session error text without its code prefix
func unwrapMsg(err error) string {
	var serr *session.Error
	if !errors.As(err, &serr) {
		return err.Error()
	}
	switch {
	case serr.Msg != "" && serr.Err != nil:
		return fmt.Sprintf("%s: %v", serr.Msg, serr.Err)
	case serr.Msg != "":
		return serr.Msg
	case serr.Err != nil:
		return serr.Err.Error()
	}
	return string(serr.Code)
}
