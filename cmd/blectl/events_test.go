package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/srg/blectl/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventRecord(t *testing.T) {
	char := session.MustCharacteristicID("ffe0", "ffe1")
	at := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ev   session.Event
		want eventRecord
	}{
		{
			name: "state change with reason",
			ev: session.Event{Kind: session.EventStateChanged, Seq: 7, Time: at,
				From: session.StateReady, State: session.StateDisconnected, Reason: session.ErrLinkLost},
			want: eventRecord{Seq: 7, Time: at, Kind: "state_changed", From: "ready", State: "disconnected", Reason: "link_lost"},
		},
		{
			name: "notification",
			ev: session.Event{Kind: session.EventNotification, Seq: 8, Time: at,
				Notification: &session.Notification{Char: char, Payload: []byte("OK")}},
			want: eventRecord{Seq: 8, Time: at, Kind: "notification", Char: "ffe0/ffe1", Data: "OK"},
		},
		{
			name: "failed write",
			ev: session.Event{Kind: session.EventCommandCompleted, Seq: 9, Time: at,
				Completion: &session.Completion{TicketID: 3, Command: session.Write(char, []byte("w")), Err: errors.New("boom")}},
			want: eventRecord{Seq: 9, Time: at, Kind: "command_completed", Char: "ffe0/ffe1", Data: "w", Ticket: 3, Command: "write", Error: "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newEventRecord(tt.ev))
		})
	}
}

func TestJSONEventWriter(t *testing.T) {
	var buf bytes.Buffer
	write := jsonEventWriter(&buf)
	write(session.Event{Kind: session.EventStateChanged, Seq: 1, From: session.StateDisconnected, State: session.StateConnecting})
	write(session.Event{Kind: session.EventStateChanged, Seq: 2, From: session.StateConnecting, State: session.StateConnected})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2, "each event MUST be one line")
	assert.Contains(t, string(lines[1]), `"state":"connected"`)
}

func TestResolveSendToken(t *testing.T) {
	item, err := resolveSendToken("speed-up")
	require.NoError(t, err)
	assert.Equal(t, sendItem{label: "speed-up (u)", code: 'u'}, item)

	item, err = resolveSendToken("s")
	require.NoError(t, err)
	assert.Equal(t, byte('s'), item.code, "vocabulary keys MUST resolve to their button")
	assert.Equal(t, "back (s)", item.label)

	item, err = resolveSendToken("!")
	require.NoError(t, err)
	assert.Equal(t, byte('!'), item.code, "other single characters MUST be sent raw")

	_, err = resolveSendToken("warp")
	assert.ErrorIs(t, err, session.ErrInvalidCommand)
}
