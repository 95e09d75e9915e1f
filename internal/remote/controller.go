package remote

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/session"
)

// ErrNotConnected is returned for presses while the session is not Ready
var ErrNotConnected = &session.Error{Code: session.CodeNotConnected, Msg: "device not connected"}

// Session is the part of session.Manager the controller needs
type Session interface {
	State() session.State
	Enqueue(cmd session.Command) (*session.Ticket, error)
}

// Options configures a Controller
type Options struct {
	CommandChar     session.CharacteristicID
	NotifyChar      session.CharacteristicID
	WithoutResponse bool
	DataLogLimit    int
}

// Controller turns button presses into single-byte writes and tracks received text
type Controller struct {
	sess   Session
	opts   Options
	log    *DataLog
	logger *logrus.Logger
}

// NewController creates a controller writing to opts.CommandChar through sess
func NewController(sess Session, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		sess:   sess,
		opts:   opts,
		log:    NewDataLog(opts.DataLogLimit),
		logger: logger,
	}
}

// Connected reports whether presses are currently accepted
func (c *Controller) Connected() bool {
	return c.sess.State() == session.StateReady
}

// Press sends the button named by token (name or single-character code)
func (c *Controller) Press(token string) (*session.Ticket, error) {
	b, ok := Lookup(token)
	if !ok {
		return nil, &session.Error{Code: session.CodeInvalidCommand, Msg: fmt.Sprintf("unknown command %q", token)}
	}
	return c.Send(b.Code)
}

// Send writes one raw byte to the command characteristic.
// The press is refused without touching the queue unless the session is Ready.
func (c *Controller) Send(code byte) (*session.Ticket, error) {
	if !c.Connected() {
		c.logger.WithField("code", string(code)).Debug("Press refused: device not connected")
		return nil, ErrNotConnected
	}

	cmd := session.Write(c.opts.CommandChar, []byte{code})
	cmd.WithoutResponse = c.opts.WithoutResponse

	ticket, err := c.sess.Enqueue(cmd)
	if err != nil {
		if session.CodeOf(err) == session.CodeSessionNotReady {
			return nil, ErrNotConnected
		}
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"code":   string(code),
		"ticket": ticket.ID(),
	}).Debug("Press enqueued")
	return ticket, nil
}

// Observe updates the data log from a session event.
// The log starts over when the session becomes Ready or drops to Disconnected.
// It returns the received payload for notifications on the notify characteristic.
func (c *Controller) Observe(ev session.Event) []byte {
	switch ev.Kind {
	case session.EventStateChanged:
		if ev.State == session.StateReady || ev.State == session.StateDisconnected {
			c.log.Clear()
		}
	case session.EventNotification:
		n := ev.Notification
		if n == nil || n.Char != c.opts.NotifyChar {
			return nil
		}
		if c.log.Append(n.Payload) {
			c.logger.Debug("Received log cleared")
		}
		return n.Payload
	}
	return nil
}

// DataLog returns the received text log
func (c *Controller) DataLog() *DataLog {
	return c.log
}
