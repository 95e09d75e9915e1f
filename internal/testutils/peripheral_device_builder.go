package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blectl/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string        `json:"uuid"`
	Properties string        `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte        `json:"value,omitempty"`
	ReadDelay  time.Duration `json:"-"`
	WriteDelay time.Duration `json:"-"`
	WriteErr   error         `json:"-"`
	// WriteGate, when set, blocks every write until a value is received from it
	WriteGate <-chan time.Time `json:"-"`
}

// CharacteristicOption tweaks a single mocked characteristic
type CharacteristicOption func(*CharacteristicConfig)

// WithReadDelay delays every read of the characteristic
func WithReadDelay(d time.Duration) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.ReadDelay = d }
}

// WithWriteDelay delays every write to the characteristic
func WithWriteDelay(d time.Duration) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.WriteDelay = d }
}

// WithWriteGate blocks each write until gate yields a value; go-ble writes ignore cancellation the same way
func WithWriteGate(gate <-chan time.Time) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.WriteGate = gate }
}

// WithWriteError makes writes to the characteristic fail
func WithWriteError(err error) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.WriteErr = err }
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a mocked BLE device with full service/characteristic support
type PeripheralDeviceBuilder struct {
	t       *testing.T
	profile DeviceProfileConfig
	dialErr error
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder(t *testing.T) *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		t:       t,
		profile: DeviceProfileConfig{Services: []ServiceConfig{}},
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte, opts ...CharacteristicOption) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	char := CharacteristicConfig{UUID: uuid, Properties: properties, Value: value}
	for _, opt := range opts {
		opt(&char)
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, char)
	return b
}

// WithDialError makes Dial fail with err
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "write-without-response":
			property |= blelib.CharWriteNR
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// MockPeripheral is the result of Build: a mocked device, its client, and hooks to drive it
type MockPeripheral struct {
	Device *mocks.MockDevice
	Client *mocks.MockClient

	mu           sync.Mutex
	handlers     map[string]blelib.NotificationHandler
	writes       map[string][][]byte
	disconnected chan struct{}
	once         sync.Once
}

// Notify delivers data to the handler subscribed on the characteristic; returns false if none is
func (p *MockPeripheral) Notify(charUUID string, data []byte) bool {
	p.mu.Lock()
	h := p.handlers[normalizeMockUUID(charUUID)]
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Writes returns every payload written to the characteristic, oldest first
func (p *MockPeripheral) Writes(charUUID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes[normalizeMockUUID(charUUID)]...)
}

// DropLink simulates the peripheral disconnecting on its own
func (p *MockPeripheral) DropLink() {
	p.once.Do(func() { close(p.disconnected) })
}

func normalizeMockUUID(uuid string) string {
	return blelib.MustParse(uuid).String()
}

// Build creates the mocked device with the configured profile
func (b *PeripheralDeviceBuilder) Build() *MockPeripheral {
	p := &MockPeripheral{
		Device:       &mocks.MockDevice{},
		Client:       &mocks.MockClient{},
		handlers:     make(map[string]blelib.NotificationHandler),
		writes:       make(map[string][][]byte),
		disconnected: make(chan struct{}),
	}
	if b.t != nil {
		b.t.Cleanup(p.DropLink)
	}

	var services []*blelib.Service
	configs := make(map[*blelib.Characteristic]CharacteristicConfig)
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			char := &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			}
			svc.Characteristics = append(svc.Characteristics, char)
			configs[char] = charConfig
		}
		services = append(services, svc)
	}

	if b.dialErr != nil {
		p.Device.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr)
	} else {
		p.Device.On("Dial", mock.Anything, mock.Anything).Return(p.Client, nil)
	}
	p.Device.On("Stop").Return(nil).Maybe()
	p.Client.On("DiscoverProfile", true).Return(&blelib.Profile{Services: services}, nil)
	p.Client.On("Disconnected").Return(p.disconnected)
	p.Client.On("CancelConnection").Return(nil).Run(func(mock.Arguments) { p.DropLink() })

	for char, cfg := range configs {
		char, cfg := char, cfg
		key := char.UUID.String()

		p.Client.On("Subscribe", char, mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
			p.mu.Lock()
			p.handlers[key] = args.Get(2).(blelib.NotificationHandler)
			p.mu.Unlock()
		})
		p.Client.On("Unsubscribe", char, mock.Anything).Return(nil).Run(func(mock.Arguments) {
			p.mu.Lock()
			delete(p.handlers, key)
			p.mu.Unlock()
		})

		if char.Property&blelib.CharRead != 0 {
			p.Client.On("ReadCharacteristic", char).Return(char.Value, nil).After(cfg.ReadDelay)
		} else {
			p.Client.On("ReadCharacteristic", char).Return(nil, fmt.Errorf("characteristic does not support read"))
		}

		write := p.Client.On("WriteCharacteristic", char, mock.Anything, mock.Anything).Return(cfg.WriteErr)
		if cfg.WriteGate != nil {
			write.WaitUntil(cfg.WriteGate)
		} else {
			write.After(cfg.WriteDelay)
		}
		write.Run(func(args mock.Arguments) {
			data := append([]byte(nil), args.Get(1).([]byte)...)
			p.mu.Lock()
			p.writes[key] = append(p.writes[key], data)
			p.mu.Unlock()
		})
	}

	return p
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
