//go:build test

package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blectl/internal/session"
)

// TransportCall records one call made by a session manager
type TransportCall struct {
	Op              string
	Address         string
	Char            session.CharacteristicID
	Payload         []byte
	WithoutResponse bool
}

// FakeTransport is a scripted session.Transport.
//
// By default every call succeeds immediately. HoldConnect and HoldOperations make the
// corresponding calls block until Release is called or their context ends, which lets
// tests observe in-flight behaviour deterministically.
//
//	fake := testutils.NewFakeTransport(session.MustCharacteristicID("ffe0", "ffe1"))
//	fake.HoldOperations()
//	... enqueue ...
//	fake.Release()
type FakeTransport struct {
	mu sync.Mutex

	chars       []session.CharacteristicID
	values      map[session.CharacteristicID][]byte
	handlers    map[session.CharacteristicID]func([]byte)
	onLinkLost  func(error)
	calls       []TransportCall
	connectErr  error
	discoverErr error
	opErr       error
	holdConnect bool
	holdOps     bool
	ignoreCtx   bool
	inflight    int
	maxInflight int
	gate        chan struct{}
}

// NewFakeTransport creates a transport exposing the given characteristics
func NewFakeTransport(chars ...session.CharacteristicID) *FakeTransport {
	return &FakeTransport{
		chars:    chars,
		values:   make(map[session.CharacteristicID][]byte),
		handlers: make(map[session.CharacteristicID]func([]byte)),
		gate:     make(chan struct{}, 1024),
	}
}

// WithValue sets the value returned by Read for char
func (f *FakeTransport) WithValue(char session.CharacteristicID, value []byte) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[char] = value
	return f
}

// FailConnect makes Connect return err
func (f *FakeTransport) FailConnect(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
	return f
}

// FailDiscovery makes DiscoverServices return err
func (f *FakeTransport) FailDiscovery(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverErr = err
	return f
}

// FailOperations makes Write, Read, Subscribe and Unsubscribe return err
func (f *FakeTransport) FailOperations(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opErr = err
	return f
}

// HoldConnect makes Connect block until Release or context cancellation
func (f *FakeTransport) HoldConnect() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdConnect = true
	return f
}

// HoldOperations makes GATT operations block until Release or context cancellation
func (f *FakeTransport) HoldOperations() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdOps = true
	for {
		select {
		case <-f.gate:
		default:
			return f
		}
	}
}

// IgnoreCancellation makes held calls wait for Release even after their context ends,
// like radio stacks that cannot abort a GATT request
func (f *FakeTransport) IgnoreCancellation() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreCtx = true
	return f
}

// Release lets one held call proceed
func (f *FakeTransport) Release() {
	f.gate <- struct{}{}
}

// ReleaseAll stops holding calls; already blocked calls are released too
func (f *FakeTransport) ReleaseAll() {
	f.mu.Lock()
	f.holdConnect = false
	f.holdOps = false
	f.ignoreCtx = false
	f.mu.Unlock()
	for i := 0; i < 64; i++ {
		select {
		case f.gate <- struct{}{}:
		default:
			return
		}
	}
}

// DropLink simulates the peripheral going away
func (f *FakeTransport) DropLink(err error) {
	f.mu.Lock()
	cb := f.onLinkLost
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Notify pushes a value on char to the registered handler; returns false if nothing is subscribed
func (f *FakeTransport) Notify(char session.CharacteristicID, payload []byte) bool {
	f.mu.Lock()
	h := f.handlers[char]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Subscribed reports whether a notification handler is registered for char
func (f *FakeTransport) Subscribed(char session.CharacteristicID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[char] != nil
}

// Calls returns a copy of every recorded call
func (f *FakeTransport) Calls() []TransportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransportCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsOf returns the recorded calls with the given op name
func (f *FakeTransport) CallsOf(op string) []TransportCall {
	var out []TransportCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// MaxInflight returns the highest number of concurrent GATT operations observed
func (f *FakeTransport) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *FakeTransport) record(c TransportCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *FakeTransport) wait(ctx context.Context, held bool) error {
	if !held {
		return ctx.Err()
	}
	f.mu.Lock()
	ignoreCtx := f.ignoreCtx
	f.mu.Unlock()
	if ignoreCtx {
		<-f.gate
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeTransport) beginOp(c TransportCall) (held bool, opErr error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	held, opErr = f.holdOps, f.opErr
	f.mu.Unlock()
	return held, opErr
}

func (f *FakeTransport) endOp() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *FakeTransport) Connect(ctx context.Context, address string, onLinkLost func(error)) error {
	f.record(TransportCall{Op: "connect", Address: address})

	f.mu.Lock()
	held, err := f.holdConnect, f.connectErr
	f.mu.Unlock()

	if werr := f.wait(ctx, held); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.onLinkLost = onLinkLost
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) DiscoverServices(ctx context.Context) ([]session.CharacteristicID, error) {
	f.record(TransportCall{Op: "discover"})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	out := make([]session.CharacteristicID, len(f.chars))
	copy(out, f.chars)
	return out, nil
}

func (f *FakeTransport) Write(ctx context.Context, char session.CharacteristicID, payload []byte, withoutResponse bool) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	held, opErr := f.beginOp(TransportCall{Op: "write", Char: char, Payload: p, WithoutResponse: withoutResponse})
	defer f.endOp()

	if err := f.wait(ctx, held); err != nil {
		return err
	}
	return opErr
}

func (f *FakeTransport) Read(ctx context.Context, char session.CharacteristicID) ([]byte, error) {
	held, opErr := f.beginOp(TransportCall{Op: "read", Char: char})
	defer f.endOp()

	if err := f.wait(ctx, held); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[char]
	if !ok {
		return nil, errors.New("characteristic has no value")
	}
	return append([]byte(nil), v...), nil
}

func (f *FakeTransport) Subscribe(ctx context.Context, char session.CharacteristicID, handler func([]byte)) error {
	held, opErr := f.beginOp(TransportCall{Op: "subscribe", Char: char})
	defer f.endOp()

	if err := f.wait(ctx, held); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	f.mu.Lock()
	f.handlers[char] = handler
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Unsubscribe(ctx context.Context, char session.CharacteristicID) error {
	held, opErr := f.beginOp(TransportCall{Op: "unsubscribe", Char: char})
	defer f.endOp()

	if err := f.wait(ctx, held); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	f.mu.Lock()
	delete(f.handlers, char)
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Disconnect() error {
	f.record(TransportCall{Op: "disconnect"})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLinkLost = nil
	f.handlers = make(map[session.CharacteristicID]func([]byte))
	return nil
}
