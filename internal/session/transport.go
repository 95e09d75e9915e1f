package session

import "context"

// Transport is the platform radio primitive a Manager drives.
//
// Every method may block; the Manager always calls them from worker goroutines and
// marshals results back to its owner loop. Implementations should honour ctx where
// the underlying stack allows it. The Manager does not call Write, Read, Subscribe or
// Unsubscribe while an earlier one is still running, unless that call has ignored its
// cancelled context for longer than DrainTimeout.
type Transport interface {
	// Connect establishes the link. onLinkLost must be called (from any goroutine) when an
	// established link drops without a local Disconnect.
	Connect(ctx context.Context, address string, onLinkLost func(error)) error

	// DiscoverServices returns every characteristic exposed by the connected peripheral
	DiscoverServices(ctx context.Context) ([]CharacteristicID, error)

	Write(ctx context.Context, char CharacteristicID, payload []byte, withoutResponse bool) error
	Read(ctx context.Context, char CharacteristicID) ([]byte, error)

	// Subscribe enables notifications; handler is invoked for every value pushed by the peripheral
	Subscribe(ctx context.Context, char CharacteristicID, handler func([]byte)) error
	Unsubscribe(ctx context.Context, char CharacteristicID) error

	// Disconnect releases the link. It is also called after a link loss to free resources.
	Disconnect() error
}
