// Package goble implements hoststack.Peripheral against a real
// github.com/go-ble/ble client, adapted from the teacher's
// internal/device/go-ble connection/characteristic/subscription code.
//
// Where the teacher's BLEConnection.Connect eagerly runs a single
// DiscoverProfile(true) call and populates every service/characteristic
// synchronously, this adapter instead issues the library's discrete
// DiscoverServices/DiscoverCharacteristics/DiscoverDescriptors calls on
// demand, each in its own goroutine, reporting completion back through
// the bridge — because the coordinator's discovery pipeline (spec
// section 4.6) drives those calls one phase at a time from delegate
// completions, not as one blocking connect-time walk.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack"
	"github.com/srg/blegate/internal/groutine"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/snapshot"
)

// DeviceFactory creates the local BLE device. Overridable in tests, as
// the teacher's own package-level DeviceFactory is.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// Adapter is a hoststack.Peripheral backed by a live go-ble connection.
type Adapter struct {
	bridge *bridge.Bridge
	logger *logrus.Logger

	mu       sync.RWMutex
	client   ble.Client
	state    hoststack.ConnectionState
	services map[string]*ble.Service
	chars    map[locator.Locator]*ble.Characteristic
}

var _ hoststack.Peripheral = (*Adapter)(nil)

// New returns an Adapter reporting completions on br.
func New(br *bridge.Bridge, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		bridge:   br,
		logger:   logger,
		services: make(map[string]*ble.Service),
		chars:    make(map[locator.Locator]*ble.Characteristic),
	}
}

// Connect dials the peripheral at address and blocks until the link is
// established, mirroring BLEConnection.Connect's synchronous dial step
// (but not its eager profile discovery).
func (a *Adapter) Connect(ctx context.Context, address string) error {
	a.setState(hoststack.StateConnecting)

	dev, err := DeviceFactory()
	if err != nil {
		a.setState(hoststack.StateDisconnected)
		return fmt.Errorf("goble: create device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		a.setState(hoststack.StateDisconnected)
		return fmt.Errorf("goble: dial %q: %w", address, err)
	}

	a.mu.Lock()
	a.client = client
	a.services = make(map[string]*ble.Service)
	a.chars = make(map[locator.Locator]*ble.Characteristic)
	a.mu.Unlock()
	a.setState(hoststack.StateConnected)

	if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-connection-monitor", func(monitorCtx context.Context) {
			select {
			case <-monitored.Disconnected():
				a.logger.Warn("host reported disconnection")
				a.setState(hoststack.StateDisconnected)
				a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.Disconnected})
			case <-monitorCtx.Done():
			}
		})
	}

	return nil
}

// Disconnect tears down the link. Completion is reported via the
// connection monitor's Disconnected message, not synchronously here.
func (a *Adapter) Disconnect() error {
	a.setState(hoststack.StateDisconnecting)
	client := a.currentClient()
	if client == nil {
		a.setState(hoststack.StateDisconnected)
		return nil
	}
	return client.CancelConnection()
}

func (a *Adapter) State() hoststack.ConnectionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) setState(s hoststack.ConnectionState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) currentClient() ble.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// DiscoverServices issues the library's service discovery, filtered to
// uuids (nil means every service), and reports the result as a
// DidDiscoverServices message.
func (a *Adapter) DiscoverServices(ctx context.Context, uuids []string) error {
	client := a.currentClient()
	if client == nil {
		return fmt.Errorf("goble: discover services while disconnected")
	}
	groutine.Go(ctx, "goble-discover-services", func(_ context.Context) {
		filter, parseErr := parseUUIDs(uuids)
		if parseErr != nil {
			a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverServices, Err: parseErr})
			return
		}
		svcs, err := client.DiscoverServices(filter)
		if err != nil {
			a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverServices, Err: err})
			return
		}
		handles := make([]snapshot.ServiceHandle, 0, len(svcs))
		a.mu.Lock()
		for _, s := range svcs {
			uuid := locator.NormalizeUUID(s.UUID.String())
			a.services[uuid] = s
			handles = append(handles, snapshot.ServiceHandle{UUID: uuid})
		}
		a.mu.Unlock()
		a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverServices, Services: handles})
	})
	return nil
}

// DiscoverCharacteristics issues characteristic discovery for
// serviceUUID, filtered to uuids, and reports a DidDiscoverCharacteristics
// message scoped to that service.
func (a *Adapter) DiscoverCharacteristics(ctx context.Context, serviceUUID string, uuids []string) error {
	normSvc := locator.NormalizeUUID(serviceUUID)
	a.mu.RLock()
	svc, ok := a.services[normSvc]
	client := a.client
	a.mu.RUnlock()
	if !ok || client == nil {
		return fmt.Errorf("goble: unknown service %q for characteristic discovery", serviceUUID)
	}

	groutine.Go(ctx, "goble-discover-characteristics", func(_ context.Context) {
		filter, parseErr := parseUUIDs(uuids)
		if parseErr != nil {
			a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverCharacteristics, ServiceUUID: normSvc, Err: parseErr})
			return
		}
		chars, err := client.DiscoverCharacteristics(filter, svc)
		if err != nil {
			a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverCharacteristics, ServiceUUID: normSvc, Err: err})
			return
		}
		handles := make([]snapshot.CharacteristicHandle, 0, len(chars))
		a.mu.Lock()
		for _, ch := range chars {
			uuid := locator.NormalizeUUID(ch.UUID.String())
			a.chars[locator.New(normSvc, uuid)] = ch
			handles = append(handles, snapshot.CharacteristicHandle{UUID: uuid, Properties: mapProperties(ch.Property)})
		}
		a.mu.Unlock()
		a.bridge.Send(context.Background(), bridge.Message{
			Kind:            bridge.DidDiscoverCharacteristics,
			ServiceUUID:     normSvc,
			Characteristics: handles,
		})
	})
	return nil
}

// DiscoverDescriptors issues descriptor discovery for one characteristic.
// The discovered descriptor contents are not modeled by the coordinator
// (spec section 4.6 delegates them to an external property layer); this
// call exists so that layer can be driven by the same completion signal.
func (a *Adapter) DiscoverDescriptors(ctx context.Context, loc locator.Locator) error {
	a.mu.RLock()
	ch, ok := a.chars[loc]
	client := a.client
	a.mu.RUnlock()
	if !ok || client == nil {
		return fmt.Errorf("goble: unknown characteristic %s for descriptor discovery", loc)
	}

	groutine.Go(ctx, "goble-discover-descriptors", func(_ context.Context) {
		_, err := client.DiscoverDescriptors(nil, ch)
		a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverDescriptors, Loc: loc, Err: err})
	})
	return nil
}

// ReadCharacteristic issues a GATT read, reporting the result as a
// DidUpdateValue message.
func (a *Adapter) ReadCharacteristic(ctx context.Context, loc locator.Locator) error {
	a.mu.RLock()
	ch, ok := a.chars[loc]
	client := a.client
	a.mu.RUnlock()
	if !ok || client == nil {
		return fmt.Errorf("goble: unknown characteristic %s for read", loc)
	}

	groutine.Go(ctx, "goble-read-characteristic", func(_ context.Context) {
		data, err := client.ReadCharacteristic(ch)
		a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc, Data: data, Err: err})
	})
	return nil
}

// WriteCharacteristic issues a GATT write. With response, completion is
// reported as DidWriteValue. Without response, go-ble provides no
// dedicated "ready to send" callback the way CoreBluetooth's
// peripheralIsReadyToSendWriteWithoutResponse does; this adapter treats
// the write call returning as that signal, which is a documented
// simplification — true link-layer flow control is not observable
// through this library.
func (a *Adapter) WriteCharacteristic(ctx context.Context, loc locator.Locator, data []byte, withResponse bool) error {
	a.mu.RLock()
	ch, ok := a.chars[loc]
	client := a.client
	a.mu.RUnlock()
	if !ok || client == nil {
		return fmt.Errorf("goble: unknown characteristic %s for write", loc)
	}

	groutine.Go(ctx, "goble-write-characteristic", func(_ context.Context) {
		err := client.WriteCharacteristic(ch, data, !withResponse)
		if withResponse {
			a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidWriteValue, Loc: loc, Err: err})
			return
		}
		if err != nil {
			a.logger.WithError(err).WithField("locator", loc.String()).Warn("write-without-response failed")
		}
		a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.ReadyToSendWriteWithoutResponse})
	})
	return nil
}

// SetNotifyValue enables or disables notifications for loc, routing
// delivered values onto the bridge's best-effort notification channel.
func (a *Adapter) SetNotifyValue(ctx context.Context, loc locator.Locator, enabled bool) error {
	a.mu.RLock()
	ch, ok := a.chars[loc]
	client := a.client
	a.mu.RUnlock()
	if !ok || client == nil {
		return fmt.Errorf("goble: unknown characteristic %s for set-notify", loc)
	}

	indicate := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

	groutine.Go(ctx, "goble-set-notify", func(_ context.Context) {
		var err error
		if enabled {
			err = client.Subscribe(ch, indicate, func(data []byte) {
				a.bridge.SendNotification(bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc, Data: data})
			})
		} else {
			err = client.Unsubscribe(ch, indicate)
		}
		a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidUpdateNotificationState, Loc: loc, Err: err})
	})
	return nil
}

// ReadRSSI issues one read-RSSI round trip, reporting the result as a
// DidReadRSSI message.
func (a *Adapter) ReadRSSI(ctx context.Context) error {
	client := a.currentClient()
	if client == nil {
		return fmt.Errorf("goble: read rssi while disconnected")
	}
	groutine.Go(ctx, "goble-read-rssi", func(_ context.Context) {
		rssi := client.ReadRSSI()
		a.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidReadRSSI, RSSI: rssi})
	})
	return nil
}

// mapProperties translates go-ble's property bit flags into the
// snapshot package's property constants. Mirrors property.go's
// NewProperties bit-by-bit, but folds the result into a single uint8
// instead of a struct of named getters, since the coordinator only ever
// tests HasProperty(PropNotify).
func mapProperties(p ble.Property) uint8 {
	var out uint8
	if p&ble.CharBroadcast != 0 {
		out |= snapshot.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= snapshot.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= snapshot.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= snapshot.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= snapshot.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= snapshot.PropIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		out |= snapshot.PropAuthenticatedSignedWrites
	}
	if p&ble.CharExtended != 0 {
		out |= snapshot.PropExtendedProperties
	}
	return out
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if uuids == nil {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("goble: parse uuid %q: %w", u, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}
