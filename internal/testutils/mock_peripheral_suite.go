//go:build test

package testutils

import (
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	goble "github.com/srg/blectl/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a mocked go-ble peripheral.
//
// The suite swaps goble.DeviceFactory for the duration of each test, so any code that
// dials through the go-ble transport talks to the mock instead of the radio.
//
// Basic usage (automatic setup with the default HM-10 style profile):
//
//	type TransportSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestTransportSuite(t *testing.T) {
//	    suite.Run(t, new(TransportSuite))
//	}
//
// Custom device profile usage:
//
//	func (s *TransportSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180F").
//	        WithCharacteristic("2A19", "read,notify", []byte{50})
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (blelib.Device, error)
	TestTimeout           time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder
	// Peripheral is the mock built for the current test; populated by SetupTest
	Peripheral *MockPeripheral
}

// SetupSuite initializes the helper and remembers the real device factory
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.OriginalDeviceFactory = goble.DeviceFactory
	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
			s.Logger.Debug("Device factory restored via t.Cleanup")
		}
	})
}

// SetupTest builds the configured peripheral and installs it as the device factory.
// Subclasses configure WithPeripheral first and call this last.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder(s.T())
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	device := s.Peripheral.Device
	goble.DeviceFactory = func() (blelib.Device, error) {
		return device, nil
	}

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest restores the factory and resets the builder
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder(s.T())
	}
	return s.PeripheralBuilder
}

// createDefaultPeripheralBuilder mimics an HM-10 serial module: service FFE0 with the
// FFE1 characteristic used for both commands and notifications, plus a battery service.
func createDefaultPeripheralBuilder(t *testing.T) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(t).
		FromJSON(`
		{
			"services": [
				{
					"uuid": "FFE0",
					"characteristics": [
						{ "uuid": "FFE1", "properties": "read,write,write-without-response,notify", "value": [] }
					]
				},
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
					]
				}
			]
		}`)
}
