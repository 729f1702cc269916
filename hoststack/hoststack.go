// Package hoststack defines the boundary between the coordinator and an
// asynchronous, callback-driven host BLE stack (spec section 6, "Inward
// (consumed from host BLE stack)"). A concrete adapter issues these calls
// against a real GATT client and reports completions as bridge.Message
// values; a scripted fake does the same in memory for tests.
package hoststack

import (
	"context"

	"github.com/srg/blegate/locator"
)

// Peripheral is the set of operations the coordinator may issue against
// the host stack's peripheral object. Every call except Connect and State
// is asynchronous: it
// returns once the request has been submitted to the host stack, not once
// it has completed. Completion is reported out-of-band through the
// bridge.Bridge the Peripheral was constructed with.
type Peripheral interface {
	// Connect blocks until the connection is established or ctx is
	// done/errors, mirroring the teacher's BLEConnection.Connect. State
	// is observable via State once this returns.
	Connect(ctx context.Context, address string) error
	Disconnect() error

	// State returns the current connection state (KVO-style mirrored
	// property per spec section 6).
	State() ConnectionState

	DiscoverServices(ctx context.Context, uuids []string) error
	DiscoverCharacteristics(ctx context.Context, serviceUUID string, uuids []string) error
	DiscoverDescriptors(ctx context.Context, loc locator.Locator) error

	ReadCharacteristic(ctx context.Context, loc locator.Locator) error
	WriteCharacteristic(ctx context.Context, loc locator.Locator, data []byte, withResponse bool) error
	SetNotifyValue(ctx context.Context, loc locator.Locator, enabled bool) error
	ReadRSSI(ctx context.Context) error
}

// ConnectionState mirrors the host peripheral's observed connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
