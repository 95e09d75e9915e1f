package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/srg/blectl/internal/session"
)

// eventRecord is the JSON line printed for one session event
type eventRecord struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	From    string    `json:"from,omitempty"`
	State   string    `json:"state,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Char    string    `json:"char,omitempty"`
	Data    string    `json:"data,omitempty"`
	Ticket  uint64    `json:"ticket,omitempty"`
	Command string    `json:"command,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func newEventRecord(ev session.Event) eventRecord {
	rec := eventRecord{
		Seq:  ev.Seq,
		Time: ev.Time,
		Kind: ev.Kind.String(),
	}

	switch ev.Kind {
	case session.EventStateChanged:
		rec.From = ev.From.String()
		rec.State = ev.State.String()
		if ev.Reason != nil {
			rec.Reason = ev.Reason.Error()
		}
	case session.EventNotification:
		if n := ev.Notification; n != nil {
			rec.Char = n.Char.String()
			rec.Data = string(n.Payload)
		}
	case session.EventCommandCompleted:
		if c := ev.Completion; c != nil {
			rec.Ticket = c.TicketID
			rec.Command = c.Command.Kind.String()
			rec.Char = c.Command.Char.String()
			if c.Command.Kind == session.KindWrite {
				rec.Data = string(c.Command.Payload)
			} else if len(c.Value) > 0 {
				rec.Data = string(c.Value)
			}
			if c.Err != nil {
				rec.Error = c.Err.Error()
			}
		}
	}
	return rec
}

// jsonEventWriter prints one JSON object per event
func jsonEventWriter(w io.Writer) func(session.Event) {
	encoder := json.NewEncoder(w)
	return func(ev session.Event) {
		_ = encoder.Encode(newEventRecord(ev))
	}
}
