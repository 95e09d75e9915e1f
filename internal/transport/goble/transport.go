package goble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/groutine"
	"github.com/srg/blectl/internal/session"
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// ----------------------------
// go-ble Transport
// ----------------------------

type characteristic struct {
	ble      *ble.Characteristic
	indicate bool // subscribed (or would subscribe) with indications
}

// Transport implements session.Transport on top of go-ble.
//
// The ble.Device is created on the first Connect and reused by later connections until
// Close. At most one go-ble GATT request is outstanding at a time, including requests
// whose caller already gave up on them.
type Transport struct {
	logger *logrus.Logger
	gatt   chan struct{}

	mu       sync.Mutex
	dev      ble.Device
	client   ble.Client
	chars    map[session.CharacteristicID]*characteristic
	stopMon  context.CancelFunc
	localEnd *atomic.Bool
}

// New creates a go-ble transport
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		gatt:   make(chan struct{}, 1),
		chars:  make(map[session.CharacteristicID]*characteristic),
	}
}

// device returns the cached ble.Device, creating it on first use
func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// Connect dials the peripheral and starts watching the link
func (t *Transport) Connect(ctx context.Context, address string, onLinkLost func(error)) error {
	t.logger.WithField("address", address).Info("Connecting to BLE device...")

	dev, err := t.device()
	if err != nil {
		return err
	}

	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	monCtx, stop := context.WithCancel(context.Background())
	localEnd := &atomic.Bool{}

	t.mu.Lock()
	t.client = client
	t.chars = make(map[session.CharacteristicID]*characteristic)
	t.stopMon = stop
	t.localEnd = localEnd
	t.mu.Unlock()

	watcher, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not report disconnections, link loss will surface as operation errors")
		t.logger.WithField("address", address).Info("BLE device connected successfully")
		return nil
	}

	groutine.Go(monCtx, "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-watcher.Disconnected():
			if localEnd.Load() {
				return
			}
			t.logger.WithField("address", address).Warn("Peripheral reported disconnection")
			if onLinkLost != nil {
				onLinkLost(fmt.Errorf("%w: peripheral %s disconnected", session.ErrNotConnected, address))
			}
		case <-ctx.Done():
		}
	})

	t.logger.WithField("address", address).Info("BLE device connected successfully")
	return nil
}

// DiscoverServices discovers the GATT profile and indexes its characteristics
func (t *Transport) DiscoverServices(ctx context.Context) ([]session.CharacteristicID, error) {
	client, err := t.currentClient()
	if err != nil {
		return nil, err
	}

	var profile *ble.Profile
	err = t.do(ctx, func() error {
		var derr error
		profile, derr = client.DiscoverProfile(true)
		return derr
	})
	if err != nil {
		return nil, NormalizeError(err)
	}

	chars := make(map[session.CharacteristicID]*characteristic)
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			id, err := session.NewCharacteristicID(svc.UUID.String(), c.UUID.String())
			if err != nil {
				t.logger.WithFields(logrus.Fields{
					"service_uuid": svc.UUID.String(),
					"char_uuid":    c.UUID.String(),
					"error":        err,
				}).Warn("Skipping characteristic with unparsable UUID")
				continue
			}
			chars[id] = &characteristic{
				ble:      c,
				indicate: c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0,
			}
		}
	}

	t.mu.Lock()
	t.chars = chars
	t.mu.Unlock()

	ids := make([]session.CharacteristicID, 0, len(chars))
	for id := range chars {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	t.logger.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": len(ids),
	}).Debug("Profile discovered successfully")
	return ids, nil
}

func (t *Transport) Write(ctx context.Context, char session.CharacteristicID, payload []byte, withoutResponse bool) error {
	client, c, err := t.lookup(char)
	if err != nil {
		return err
	}
	if withoutResponse && c.ble.Property&ble.CharWriteNR == 0 && c.ble.Property&ble.CharWrite != 0 {
		withoutResponse = false
	}

	t.logger.WithFields(logrus.Fields{
		"char":   char.String(),
		"bytes":  len(payload),
		"no_rsp": withoutResponse,
	}).Debug("Writing characteristic")

	return NormalizeError(t.do(ctx, func() error {
		return client.WriteCharacteristic(c.ble, payload, withoutResponse)
	}))
}

func (t *Transport) Read(ctx context.Context, char session.CharacteristicID) ([]byte, error) {
	client, c, err := t.lookup(char)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = t.do(ctx, func() error {
		var rerr error
		value, rerr = client.ReadCharacteristic(c.ble)
		return rerr
	})
	if err != nil {
		return nil, NormalizeError(err)
	}
	return value, nil
}

func (t *Transport) Subscribe(ctx context.Context, char session.CharacteristicID, handler func([]byte)) error {
	client, c, err := t.lookup(char)
	if err != nil {
		return err
	}
	if c.ble.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s supports neither notifications nor indications", char)
	}

	t.logger.WithFields(logrus.Fields{
		"char":     char.String(),
		"indicate": c.indicate,
	}).Debug("Subscribing to characteristic")

	return NormalizeError(t.do(ctx, func() error {
		return client.Subscribe(c.ble, c.indicate, func(data []byte) {
			handler(data)
		})
	}))
}

func (t *Transport) Unsubscribe(ctx context.Context, char session.CharacteristicID) error {
	client, c, err := t.lookup(char)
	if err != nil {
		return err
	}
	return NormalizeError(t.do(ctx, func() error {
		return client.Unsubscribe(c.ble, c.indicate)
	}))
}

// Disconnect cancels the connection; calling it without a link is a no-op
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	stop := t.stopMon
	if t.localEnd != nil {
		t.localEnd.Store(true)
	}
	t.client = nil
	t.stopMon = nil
	t.chars = make(map[session.CharacteristicID]*characteristic)
	t.mu.Unlock()

	if client == nil {
		t.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	if stop != nil {
		stop()
	}

	t.logger.Info("Disconnecting BLE device...")
	if err := client.CancelConnection(); err != nil {
		t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	t.logger.Info("BLE device disconnected successfully")
	return nil
}

func (t *Transport) currentClient() (ble.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, session.ErrNotConnected
	}
	return t.client, nil
}

func (t *Transport) lookup(char session.CharacteristicID) (ble.Client, *characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, nil, session.ErrNotConnected
	}
	c, ok := t.chars[char]
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %s was not discovered", char)
	}
	return t.client, c, nil
}

// Close disconnects and stops the BLE device. The transport can be connected again
// afterwards; a new device is created then.
func (t *Transport) Close() error {
	err := t.Disconnect()

	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev == nil {
		return err
	}
	if serr := dev.Stop(); serr != nil {
		t.logger.WithField("error", serr).Warn("Failed to stop BLE device")
		if err == nil {
			err = NormalizeError(serr)
		}
	}
	return err
}

// do runs a blocking go-ble GATT call and gives up waiting when ctx ends.
// go-ble has no cancellation for GATT requests: an abandoned call keeps the GATT slot
// until it returns, and the next call waits for it.
func (t *Transport) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.gatt <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	groutine.Go(context.Background(), "ble-gatt-call", func(context.Context) {
		defer func() { <-t.gatt }()
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ session.Transport = (*Transport)(nil)
