// Package bridge implements the DelegateBridge (spec section 4.8): it
// receives host-stack delegate callbacks, invoked on the host's own serial
// queue, and forwards them as ordered messages into the coordinator's
// single-threaded isolation domain.
package bridge

import (
	"context"

	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/ringchan"
	"github.com/srg/blegate/snapshot"
)

// Kind identifies which delegate callback produced a Message.
type Kind int

const (
	DidUpdateName Kind = iota
	DidReadRSSI
	DidModifyServices
	DidDiscoverServices
	DidDiscoverCharacteristics
	DidDiscoverDescriptors
	DidUpdateValue
	DidWriteValue
	ReadyToSendWriteWithoutResponse
	DidUpdateNotificationState
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case DidUpdateName:
		return "didUpdateName"
	case DidReadRSSI:
		return "didReadRSSI"
	case DidModifyServices:
		return "didModifyServices"
	case DidDiscoverServices:
		return "didDiscoverServices"
	case DidDiscoverCharacteristics:
		return "didDiscoverCharacteristicsFor"
	case DidDiscoverDescriptors:
		return "didDiscoverDescriptorsFor"
	case DidUpdateValue:
		return "didUpdateValueFor"
	case DidWriteValue:
		return "didWriteValueFor"
	case ReadyToSendWriteWithoutResponse:
		return "peripheralIsReadyToSendWriteWithoutResponse"
	case DidUpdateNotificationState:
		return "didUpdateNotificationStateFor"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Message is one forwarded delegate callback. Loc is the zero Locator for
// callbacks that are not characteristic-scoped (didUpdateName, didReadRSSI,
// didModifyServices, peripheralIsReadyToSendWriteWithoutResponse,
// disconnected).
type Message struct {
	Kind Kind
	Loc  locator.Locator
	Data []byte
	Err  error

	// ServiceUUID is set for DidDiscoverCharacteristics, naming the
	// service the discovered characteristics belong to.
	ServiceUUID string

	// RSSI carries the sampled value for DidReadRSSI.
	RSSI int

	// Name carries the updated GAP name for DidUpdateName.
	Name string

	// Services carries the full discovered service list for
	// DidDiscoverServices.
	Services []snapshot.ServiceHandle

	// Characteristics carries the discovered characteristics of
	// ServiceUUID for DidDiscoverCharacteristics.
	Characteristics []snapshot.CharacteristicHandle

	// Invalidated carries the invalidated service UUIDs for
	// DidModifyServices.
	Invalidated []string
}

// Bridge delivers delegate callbacks to the coordinator's event loop as
// ordered messages. It holds no reference back to the coordinator — the
// coordinator is the sole reader of C() and Notifications().
//
// Messages that must never be lost (anything the access table, RSSI
// queue, WWR gate, or discovery pipeline resumes on) travel on a
// blocking channel: a slow coordinator applies backpressure to the host
// callback goroutine rather than losing a completion. DidUpdateValue
// notifications, which can arrive far faster than control messages and
// whose loss is recoverable (a superseded notification value), instead
// travel on an overwrite-oldest ring channel, mirroring
// BLECharacteristic's own drop-oldest buffering of notification values.
type Bridge struct {
	control       chan Message
	notifications *ringchan.RingChannel[Message]
}

// New returns a Bridge. controlCapacity bounds the blocking control-message
// channel; notifyCapacity bounds the overwrite-oldest notification queue.
func New(controlCapacity, notifyCapacity int) *Bridge {
	return &Bridge{
		control:       make(chan Message, controlCapacity),
		notifications: ringchan.New[Message](notifyCapacity),
	}
}

// C returns the control-path channel: every non-notification delegate
// callback, in host-queue order. Sends to it block when full.
func (b *Bridge) C() <-chan Message {
	return b.control
}

// Notifications returns the best-effort notification-value channel.
func (b *Bridge) Notifications() <-chan Message {
	return b.notifications.C()
}

// Send forwards a control-path message, blocking until the coordinator's
// event loop drains room for it, or until ctx is done. Callers invoke this
// from the host stack's own callback goroutine — per spec section 4.8,
// ordering of messages enqueued from a single callback invocation is
// preserved by sending them from that same goroutine in sequence.
func (b *Bridge) Send(ctx context.Context, msg Message) error {
	select {
	case b.control <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendNotification forwards a didUpdateValueFor message on the best-effort
// ring channel, silently discarding the oldest buffered value if the
// coordinator hasn't kept up.
func (b *Bridge) SendNotification(msg Message) {
	b.notifications.Send(msg)
}

// NotificationMetrics reports drop/throughput counters for the
// notification-value ring channel, useful for diagnosing a coordinator
// that can't keep pace with notification volume.
func (b *Bridge) NotificationMetrics() ringchan.Metrics {
	return b.notifications.GetMetrics()
}

// Close shuts down both channels. It must only be called after the host
// stack guarantees no further callbacks will fire, i.e. after the
// connection has fully torn down.
func (b *Bridge) Close() {
	close(b.control)
	b.notifications.Close()
}
