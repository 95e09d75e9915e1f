package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// CreateMockPeripheralDevice returns a builder for a custom mocked peripheral
func CreateMockPeripheralDevice(t *testing.T) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(t)
}

// CreateMockPeripheralDeviceFromJSON returns a builder initialised from a JSON profile
func CreateMockPeripheralDeviceFromJSON(t *testing.T, jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(t).FromJSON(jsonStrFmt, args...)
}
