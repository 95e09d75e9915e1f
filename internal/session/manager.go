package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/groutine"
)

// ----------------------------
// Configuration
// ----------------------------

const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultDrainTimeout     = 5 * time.Second
)

// Options configures a Manager. A zero timeout disables that timer.
type Options struct {
	// Required lists characteristics that must be discovered before the session is Ready
	Required []CharacteristicID
	// AutoSubscribe characteristics get notifications enabled as soon as the session is Ready
	AutoSubscribe []CharacteristicID

	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	// OperationTimeout bounds a single in-flight command while Ready
	OperationTimeout time.Duration
	// DrainTimeout bounds how long an in-flight command may hold the queue after the session leaves Ready
	DrainTimeout time.Duration

	EventPolicy Policy
	EventBuffer int // capacity for PolicyDropOldest
}

// DefaultOptions returns the default session options
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout:   DefaultConnectTimeout,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		OperationTimeout: DefaultOperationTimeout,
		DrainTimeout:     DefaultDrainTimeout,
		EventPolicy:      PolicyUnbounded,
	}
}

// ----------------------------
// Owner loop messages
// ----------------------------

type message interface{}

type connectRequest struct {
	address string
	reply   chan error
}

type disconnectRequest struct {
	reply chan error
}

type enqueueRequest struct {
	cmd   Command
	reply chan enqueueResult
}

type enqueueResult struct {
	ticket *Ticket
	err    error
}

type cancelRequest struct {
	ticket *Ticket
	reply  chan bool
}

type closeRequest struct{}

type closeTimeout struct{}

type linkResult struct {
	gen  uint64
	err  error
	idle chan struct{} // closed by the owner once the attempt no longer holds the radio
}

type discoveryResult struct {
	gen   uint64
	chars []CharacteristicID
	err   error
}

type linkLost struct {
	gen uint64
	err error
}

type disconnectResult struct {
	gen uint64
	err error
}

type opResult struct {
	ticket *Ticket
	value  []byte
	err    error
}

type opTimeout struct {
	ticket *Ticket
}

type drainTimeout struct {
	ticket *Ticket
}

type notificationReceived struct {
	gen          uint64
	notification Notification
}

// ----------------------------
// Manager
// ----------------------------

// Manager owns the GATT session with one peripheral.
//
// Connect, Disconnect and Enqueue only wait for the owner loop to accept the request;
// the outcome is observed through Subscribe and through tickets.
type Manager struct {
	transport Transport
	opts      Options
	logger    *logrus.Logger
	publisher *Publisher

	state   atomic.Int32
	address atomic.Value // string
	inbox   *mailbox[message]
	done    chan struct{}
	closed  atomic.Bool

	// owned by the owner loop
	gen         uint64
	seq         uint64
	ticketSeq   uint64
	queue       *commandQueue
	linkCtx     context.Context
	linkCancel  context.CancelFunc
	linkIdle    chan struct{}
	pendingLoss error
	closing     bool
	stopped     bool
	closeTimer  *time.Timer
}

// New creates a Manager driving transport and starts its owner goroutine.
// Call Close to release it.
func New(transport Transport, opts *Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	idle := make(chan struct{})
	close(idle)

	m := &Manager{
		transport: transport,
		opts:      *opts,
		logger:    logger,
		inbox:     newMailbox[message](),
		done:      make(chan struct{}),
		queue:     newCommandQueue(),
		linkCtx:   context.Background(),
		linkIdle:  idle,
	}
	m.address.Store("")

	var defaults []SubscribeOption
	if opts.EventPolicy == PolicyDropOldest {
		defaults = append(defaults, WithDropOldest(opts.EventBuffer))
	}
	m.publisher = NewPublisher(logger, defaults...)

	groutine.Go(context.Background(), "session-owner", m.run)
	return m
}

// State returns the current session state without blocking
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Address returns the handle of the current (or last) peripheral
func (m *Manager) Address() string {
	return m.address.Load().(string)
}

// Subscribe registers an event subscriber. Options override the manager's default policy.
func (m *Manager) Subscribe(opts ...SubscribeOption) *Subscription {
	return m.publisher.Subscribe(opts...)
}

// Unsubscribe removes an event subscriber
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.publisher.Unsubscribe(sub)
}

// Connect starts connecting to the peripheral identified by handle.
// It returns once the attempt has started; progress is reported as StateChanged events.
func (m *Manager) Connect(handle string) error {
	address, err := ValidateHandle(handle)
	if err != nil {
		return err
	}
	res, ok := call(m, func(reply chan error) message {
		return connectRequest{address: address, reply: reply}
	})
	if !ok {
		return ErrClosed
	}
	return res
}

// Disconnect tears the session down. Disconnecting while Connecting cancels the attempt.
// Returns ErrNotConnected when the session is already disconnected or disconnecting.
func (m *Manager) Disconnect() error {
	res, ok := call(m, func(reply chan error) message {
		return disconnectRequest{reply: reply}
	})
	if !ok {
		return ErrClosed
	}
	return res
}

// Enqueue appends cmd to the command queue and returns its ticket without waiting for completion
func (m *Manager) Enqueue(cmd Command) (*Ticket, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	res, ok := call(m, func(reply chan enqueueResult) message {
		return enqueueRequest{cmd: cmd.clone(), reply: reply}
	})
	if !ok {
		return nil, ErrClosed
	}
	return res.ticket, res.err
}

// Close disconnects if needed, stops the owner goroutine and closes all subscriptions
func (m *Manager) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.inbox.post(closeRequest{})
	}
	<-m.done
	return nil
}

func (m *Manager) cancelTicket(t *Ticket) bool {
	res, ok := call(m, func(reply chan bool) message {
		return cancelRequest{ticket: t, reply: reply}
	})
	return ok && res
}

// call posts a request to the owner loop and waits for its reply
func call[T any](m *Manager, build func(reply chan T) message) (T, bool) {
	reply := make(chan T, 1)
	m.inbox.post(build(reply))
	select {
	case r := <-reply:
		return r, true
	case <-m.done:
		select {
		case r := <-reply:
			return r, true
		default:
			var zero T
			return zero, false
		}
	}
}

func (m *Manager) run(_ context.Context) {
	defer close(m.done)
	m.logger.Debug("Session owner loop started")

	for {
		<-m.inbox.signal
		for _, msg := range m.inbox.drain() {
			m.handle(msg)
			if m.stopped {
				m.logger.Debug("Session owner loop exiting")
				return
			}
		}
	}
}

// handle is the single state-machine dispatch function
func (m *Manager) handle(msg message) {
	switch msg := msg.(type) {
	case connectRequest:
		msg.reply <- m.handleConnect(msg.address)
	case disconnectRequest:
		msg.reply <- m.handleDisconnect()
	case enqueueRequest:
		t, err := m.handleEnqueue(msg.cmd)
		msg.reply <- enqueueResult{ticket: t, err: err}
	case cancelRequest:
		msg.reply <- m.handleCancel(msg.ticket)
	case closeRequest:
		m.handleClose()
	case closeTimeout:
		m.handleCloseTimeout()
	case linkResult:
		m.handleLinkResult(msg)
	case discoveryResult:
		m.handleDiscovery(msg)
	case linkLost:
		m.handleLinkLost(msg)
	case disconnectResult:
		m.handleDisconnectResult(msg)
	case opResult:
		m.handleOpResult(msg)
	case opTimeout:
		m.handleOpTimeout(msg.ticket)
	case drainTimeout:
		m.handleDrainTimeout(msg.ticket)
	case notificationReceived:
		if msg.gen == m.gen && m.State().linked() {
			n := msg.notification
			m.publish(Event{Kind: EventNotification, Time: n.Timestamp, Notification: &n})
		}
	default:
		m.logger.WithField("message", fmt.Sprintf("%T", msg)).Error("Unknown session message")
	}
}

// ----------------------------
// Lifecycle
// ----------------------------

func (m *Manager) handleConnect(address string) error {
	if m.closing {
		return ErrClosed
	}
	if st := m.State(); st != StateDisconnected {
		return newError(CodeAlreadyConnected, fmt.Sprintf("session is %s", st), nil)
	}

	m.gen++
	gen := m.gen
	m.pendingLoss = nil
	m.address.Store(address)
	m.linkCtx, m.linkCancel = context.WithCancel(context.Background())
	m.transition(StateConnecting, nil)

	prev := m.linkIdle
	idle := make(chan struct{})
	m.linkIdle = idle
	groutine.Go(m.linkCtx, "session-connect", func(ctx context.Context) {
		// a previous link or attempt may still be releasing the radio
		select {
		case <-prev:
		case <-ctx.Done():
			<-prev
			m.inbox.post(linkResult{gen: gen, err: ctx.Err(), idle: idle})
			return
		}

		cctx, cancel := withTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
		err := m.transport.Connect(cctx, address, func(err error) {
			m.inbox.post(linkLost{gen: gen, err: err})
		})
		m.inbox.post(linkResult{gen: gen, err: err, idle: idle})
	})
	return nil
}

func (m *Manager) handleLinkResult(msg linkResult) {
	if msg.gen != m.gen || m.State() != StateConnecting {
		if msg.err == nil {
			// the attempt was cancelled but the link came up anyway
			m.logger.WithField("address", m.Address()).Debug("Releasing link established after cancellation")
			m.releaseTransport(msg.idle)
		} else {
			close(msg.idle)
		}
		return
	}
	close(msg.idle)

	if msg.err != nil {
		m.endLink()
		m.transition(StateDisconnected, lifecycleError("connect", msg.err))
		m.settle()
		return
	}

	m.transition(StateConnected, nil)
	if m.pendingLoss != nil {
		m.dropLink(newError(CodeLinkLost, "", m.pendingLoss))
		return
	}
	m.transition(StateDiscoveringServices, nil)

	gen := m.gen
	groutine.Go(m.linkCtx, "session-discover", func(ctx context.Context) {
		dctx, cancel := withTimeout(ctx, m.opts.DiscoveryTimeout)
		defer cancel()
		chars, err := m.transport.DiscoverServices(dctx)
		m.inbox.post(discoveryResult{gen: gen, chars: chars, err: err})
	})
}

func (m *Manager) handleDiscovery(msg discoveryResult) {
	if msg.gen != m.gen || m.State() != StateDiscoveringServices {
		return
	}
	if msg.err != nil {
		m.dropLink(lifecycleError("discover services", msg.err))
		return
	}
	if missing := missingCharacteristics(m.opts.Required, msg.chars); len(missing) > 0 {
		m.dropLink(newError(CodeServiceNotSupported, "missing characteristics: "+strings.Join(missing, ", "), nil))
		return
	}

	m.logger.WithFields(logrus.Fields{
		"address":         m.Address(),
		"characteristics": len(msg.chars),
	}).Debug("Required characteristics discovered")

	m.transition(StateReady, nil)

	for _, char := range m.opts.AutoSubscribe {
		m.ticketSeq++
		m.queue.push(newTicket(m.ticketSeq, SubscribeNotify(char), m))
	}
	m.dispatch()
}

func (m *Manager) handleLinkLost(msg linkLost) {
	if msg.gen != m.gen {
		return
	}
	switch m.State() {
	case StateConnecting:
		m.pendingLoss = msg.err
		if m.pendingLoss == nil {
			m.pendingLoss = errors.New("link dropped while connecting")
		}
	case StateConnected, StateDiscoveringServices, StateReady:
		m.dropLink(newError(CodeLinkLost, "", msg.err))
	}
}

func (m *Manager) handleDisconnect() error {
	switch st := m.State(); st {
	case StateDisconnected:
		return newError(CodeNotConnected, "already disconnected", nil)
	case StateDisconnecting:
		return newError(CodeNotConnected, "disconnect in progress", nil)
	case StateConnecting:
		m.endLink()
		m.transition(StateDisconnected, newError(CodeCancelled, "connect cancelled", nil))
		m.settle()
		return nil
	default:
		m.beginDisconnect()
		return nil
	}
}

func (m *Manager) beginDisconnect() {
	m.transition(StateDisconnecting, nil)
	m.closeQueue()
	m.endLink()

	gen := m.gen
	idle := make(chan struct{})
	m.linkIdle = idle
	groutine.Go(context.Background(), "session-disconnect", func(context.Context) {
		err := m.transport.Disconnect()
		close(idle)
		m.inbox.post(disconnectResult{gen: gen, err: err})
	})
}

func (m *Manager) handleDisconnectResult(msg disconnectResult) {
	if msg.gen != m.gen || m.State() != StateDisconnecting {
		return
	}
	var reason error
	if msg.err != nil {
		reason = TransportFailure("disconnect", msg.err)
	}
	m.transition(StateDisconnected, reason)
	m.settle()
}

// dropLink moves straight to Disconnected and releases the link in the background
func (m *Manager) dropLink(reason error) {
	m.transition(StateDisconnected, reason)
	m.closeQueue()
	m.endLink()
	m.teardown()
	m.settle()
}

func (m *Manager) teardown() {
	idle := make(chan struct{})
	m.linkIdle = idle
	m.releaseTransport(idle)
}

// releaseTransport disconnects the transport in the background and closes idle when done
func (m *Manager) releaseTransport(idle chan struct{}) {
	groutine.Go(context.Background(), "session-teardown", func(context.Context) {
		defer close(idle)
		if err := m.transport.Disconnect(); err != nil {
			m.logger.WithError(err).Debug("Transport disconnect after link drop failed")
		}
	})
}

func (m *Manager) endLink() {
	if m.linkCancel != nil {
		m.linkCancel()
		m.linkCancel = nil
	}
}

func (m *Manager) transition(to State, reason error) {
	from := m.State()
	m.state.Store(int32(to))

	entry := m.logger.WithFields(logrus.Fields{
		"address": m.Address(),
		"from":    from.String(),
		"to":      to.String(),
	})
	if reason != nil {
		entry.WithField("reason", reason).Warn("Session state changed")
	} else {
		entry.Info("Session state changed")
	}

	m.publish(Event{Kind: EventStateChanged, From: from, State: to, Reason: reason})
}

func (m *Manager) publish(ev Event) {
	m.seq++
	ev.Seq = m.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.publisher.Publish(ev)
}

// ----------------------------
// Close
// ----------------------------

func (m *Manager) handleClose() {
	m.closing = true
	m.logger.WithField("state", m.State().String()).Debug("Closing session manager")

	if m.opts.DrainTimeout > 0 {
		m.closeTimer = time.AfterFunc(m.opts.DrainTimeout, func() {
			m.inbox.post(closeTimeout{})
		})
	}

	switch m.State() {
	case StateDisconnected:
		m.settle()
	case StateConnecting:
		m.endLink()
		m.transition(StateDisconnected, newError(CodeCancelled, "connect cancelled", nil))
		m.settle()
	case StateDisconnecting:
		// settle runs when the disconnect completes
	default:
		m.beginDisconnect()
	}
}

func (m *Manager) handleCloseTimeout() {
	if m.stopped {
		return
	}
	if m.State() != StateDisconnected {
		m.endLink()
		m.transition(StateDisconnected, newError(CodeTimeout, "disconnect did not complete before close", nil))
	}
	m.finishClose()
}

// settle finishes a pending Close once the session is Disconnected
func (m *Manager) settle() {
	if m.closing && m.State() == StateDisconnected {
		m.finishClose()
	}
}

func (m *Manager) finishClose() {
	if m.closeTimer != nil {
		m.closeTimer.Stop()
	}
	for _, t := range m.queue.drain() {
		m.resolve(t, nil, newError(CodeSessionClosed, "session manager closed", nil))
	}
	if t := m.queue.inflight; t != nil {
		m.queue.finish(t)
		if t.cancelOp != nil {
			t.cancelOp()
		}
		m.resolve(t, nil, newError(CodeSessionClosed, "session manager closed", nil))
	}
	m.publisher.Close()
	m.stopped = true
}

// ----------------------------
// Command queue
// ----------------------------

func (m *Manager) handleEnqueue(cmd Command) (*Ticket, error) {
	if m.closing {
		return nil, ErrClosed
	}
	if st := m.State(); st != StateReady {
		return nil, newError(CodeSessionNotReady, fmt.Sprintf("session is %s", st), nil)
	}

	m.ticketSeq++
	t := newTicket(m.ticketSeq, cmd, m)
	m.queue.push(t)

	m.logger.WithFields(logrus.Fields{
		"ticket":  t.id,
		"kind":    cmd.Kind.String(),
		"char":    cmd.Char.String(),
		"pending": m.queue.len(),
	}).Debug("Command enqueued")

	m.dispatch()
	return t, nil
}

func (m *Manager) handleCancel(t *Ticket) bool {
	if t.resolved() {
		return false
	}
	if m.queue.remove(t) {
		m.resolve(t, nil, newError(CodeCancelled, "removed from queue", nil))
		return true
	}
	if m.queue.inflight == t && t.cancelOp != nil {
		t.cancelRequested = true
		t.cancelOp()
	}
	return false
}

// dispatch issues the queue head to the transport when Ready and nothing is in flight
func (m *Manager) dispatch() {
	if m.State() != StateReady {
		return
	}
	t := m.queue.next()
	if t == nil {
		return
	}

	ctx, cancel := context.WithCancel(m.linkCtx)
	t.cancelOp = cancel
	if m.opts.OperationTimeout > 0 {
		timer := time.AfterFunc(m.opts.OperationTimeout, func() {
			m.inbox.post(opTimeout{ticket: t})
		})
		t.stopTimers = func() { timer.Stop() }
	}

	m.logger.WithFields(logrus.Fields{
		"ticket": t.id,
		"kind":   t.cmd.Kind.String(),
		"char":   t.cmd.Char.String(),
		"bytes":  len(t.cmd.Payload),
	}).Debug("Dispatching command")

	gen := m.gen
	groutine.Go(ctx, "session-op", func(ctx context.Context) {
		value, err := m.execute(ctx, gen, t.cmd)
		m.inbox.post(opResult{ticket: t, value: value, err: err})
	})
}

func (m *Manager) execute(ctx context.Context, gen uint64, cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case KindWrite:
		return nil, m.transport.Write(ctx, cmd.Char, cmd.Payload, cmd.WithoutResponse)
	case KindRead:
		return m.transport.Read(ctx, cmd.Char)
	case KindSubscribeNotify:
		char := cmd.Char
		return nil, m.transport.Subscribe(ctx, char, func(payload []byte) {
			data := make([]byte, len(payload))
			copy(data, payload)
			m.inbox.post(notificationReceived{
				gen:          gen,
				notification: Notification{Char: char, Payload: data, Timestamp: time.Now()},
			})
		})
	case KindUnsubscribeNotify:
		return nil, m.transport.Unsubscribe(ctx, cmd.Char)
	default:
		return nil, newError(CodeInvalidCommand, fmt.Sprintf("unknown command kind %d", int(cmd.Kind)), nil)
	}
}

func (m *Manager) handleOpResult(msg opResult) {
	t := msg.ticket
	if !m.queue.finish(t) {
		// slot already released by the drain timer
		return
	}
	if t.stopTimers != nil {
		t.stopTimers()
		t.stopTimers = nil
	}

	var err error
	switch {
	case msg.err == nil:
	case t.closing:
		err = newError(CodeSessionClosed, "link closed while command was in flight", msg.err)
	case t.cancelRequested && errors.Is(msg.err, context.Canceled):
		err = newError(CodeCancelled, "cancelled while in flight", msg.err)
	default:
		err = operationError(t.cmd, msg.err)
	}

	m.resolve(t, msg.value, err)
	m.dispatch()
}

// handleOpTimeout fails a stuck command but keeps its slot until the transport returns
// or DrainTimeout expires, so no second operation reaches the link meanwhile
func (m *Manager) handleOpTimeout(t *Ticket) {
	if m.queue.inflight != t || t.closing {
		return
	}
	m.resolve(t, nil, newError(CodeTimeout, fmt.Sprintf("%s %s did not complete within %s", t.cmd.Kind, t.cmd.Char, m.opts.OperationTimeout), nil))
	m.holdSlot(t)
}

func (m *Manager) handleDrainTimeout(t *Ticket) {
	if m.queue.inflight != t {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"ticket": t.id,
		"kind":   t.cmd.Kind.String(),
		"char":   t.cmd.Char.String(),
	}).Warn("Transport did not return after drain timeout, releasing command slot")
	m.queue.finish(t)
	m.resolve(t, nil, newError(CodeSessionClosed, "no completion after the session left ready state", nil))
	m.dispatch()
}

// closeQueue resolves pending tickets and arms the drain timer for the in-flight one
func (m *Manager) closeQueue() {
	for _, t := range m.queue.drain() {
		m.resolve(t, nil, newError(CodeSessionClosed, "session left ready state", nil))
	}
	if t := m.queue.inflight; t != nil {
		m.holdSlot(t)
	}
}

// holdSlot cancels the in-flight operation and keeps it in the slot until its result
// arrives or DrainTimeout fires
func (m *Manager) holdSlot(t *Ticket) {
	if t.closing {
		return
	}
	t.closing = true
	if t.stopTimers != nil {
		t.stopTimers()
		t.stopTimers = nil
	}
	if t.cancelOp != nil {
		t.cancelOp()
	}
	if m.opts.DrainTimeout > 0 {
		timer := time.AfterFunc(m.opts.DrainTimeout, func() {
			m.inbox.post(drainTimeout{ticket: t})
		})
		t.stopTimers = func() { timer.Stop() }
	}
}

func (m *Manager) resolve(t *Ticket, value []byte, err error) {
	if !t.resolve(value, err) {
		return
	}

	entry := m.logger.WithFields(logrus.Fields{
		"ticket": t.id,
		"kind":   t.cmd.Kind.String(),
		"char":   t.cmd.Char.String(),
	})
	if err != nil {
		entry.WithField("error", err).Debug("Command failed")
	} else {
		entry.Debug("Command completed")
	}

	m.publish(Event{
		Kind:       EventCommandCompleted,
		Completion: &Completion{TicketID: t.id, Command: t.cmd, Value: value, Err: err},
	})
}

// ----------------------------
// Helpers
// ----------------------------

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func lifecycleError(op string, err error) error {
	var serr *Error
	switch {
	case errors.As(err, &serr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, op+" timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(CodeCancelled, op+" cancelled", err)
	default:
		return TransportFailure(op, err)
	}
}

func operationError(cmd Command, err error) error {
	var serr *Error
	switch {
	case errors.As(err, &serr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, fmt.Sprintf("%s %s timed out", cmd.Kind, cmd.Char), err)
	default:
		return TransportFailure(fmt.Sprintf("%s %s", cmd.Kind, cmd.Char), err)
	}
}

func missingCharacteristics(required, discovered []CharacteristicID) []string {
	found := make(map[CharacteristicID]struct{}, len(discovered))
	for _, c := range discovered {
		found[c] = struct{}{}
	}
	var missing []string
	for _, c := range required {
		if _, ok := found[c]; !ok {
			missing = append(missing, c.String())
		}
	}
	return missing
}
