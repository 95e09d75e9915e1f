package session

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ble/ble"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805f9b34fb)
const sigBaseSuffix = "00001000800000805f9b34fb"

var macAddressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// ValidateHandle checks a peripheral handle and returns its canonical form.
// Accepted forms are a 48-bit MAC address (AA:BB:CC:DD:EE:FF, '-' separators allowed)
// and a 128-bit platform identifier such as the UUIDs CoreBluetooth uses.
func ValidateHandle(handle string) (string, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return "", newError(CodeInvalidHandle, "peripheral handle is empty", nil)
	}

	if macAddressPattern.MatchString(h) {
		return strings.ToUpper(strings.ReplaceAll(h, "-", ":")), nil
	}

	raw := strings.ReplaceAll(h, "-", "")
	if len(raw) == 32 {
		if _, err := hex.DecodeString(raw); err == nil {
			return strings.ToLower(h), nil
		}
	}

	return "", newError(CodeInvalidHandle, fmt.Sprintf("malformed peripheral handle %q", handle), nil)
}

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Also strips 0x prefix if present (e.g., "0xFFE1" -> "ffe1").
// For full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb),
// extracts the 16-bit short form (xxxx).
func NormalizeUUID(uuid string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return "", fmt.Errorf("UUID cannot be empty")
	}

	u, err := ble.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", uuid, err)
	}

	normalized := u.String()
	if len(normalized) == 32 && strings.HasPrefix(normalized, "0000") && strings.HasSuffix(normalized, sigBaseSuffix) {
		return normalized[4:8], nil
	}
	return normalized, nil
}

// CharacteristicID identifies a characteristic within a service.
// Both UUIDs are kept in normalized form.
type CharacteristicID struct {
	Service string
	UUID    string
}

// NewCharacteristicID normalizes both UUIDs and returns the identifier
func NewCharacteristicID(service, characteristic string) (CharacteristicID, error) {
	svc, err := NormalizeUUID(service)
	if err != nil {
		return CharacteristicID{}, fmt.Errorf("service: %w", err)
	}
	char, err := NormalizeUUID(characteristic)
	if err != nil {
		return CharacteristicID{}, fmt.Errorf("characteristic: %w", err)
	}
	return CharacteristicID{Service: svc, UUID: char}, nil
}

// MustCharacteristicID is like NewCharacteristicID but panics on malformed UUIDs
func MustCharacteristicID(service, characteristic string) CharacteristicID {
	id, err := NewCharacteristicID(service, characteristic)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the identifier is unset
func (c CharacteristicID) IsZero() bool {
	return c.Service == "" && c.UUID == ""
}

func (c CharacteristicID) String() string {
	return c.Service + "/" + c.UUID
}
