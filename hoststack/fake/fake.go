// Package fake provides a scripted, in-memory hoststack.Peripheral for
// exercising the coordinator without a real BLE adapter, in the spirit of
// the teacher's MockBLEPeripheralSuite fluent builder.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/snapshot"
)

// CharacteristicScript describes one scripted characteristic.
type CharacteristicScript struct {
	UUID        string
	Properties  uint8
	InitialData []byte
	Descriptors []string
}

// ServiceScript describes one scripted service.
type ServiceScript struct {
	UUID            string
	Characteristics []CharacteristicScript
}

// Builder assembles a scripted peripheral fluently.
type Builder struct {
	services []ServiceScript
}

// NewScriptedPeripheral starts a new Builder.
func NewScriptedPeripheral() *Builder {
	return &Builder{}
}

// WithService appends a service to the script and returns the builder so
// characteristics can be chained onto it.
func (b *Builder) WithService(uuid string) *Builder {
	b.services = append(b.services, ServiceScript{UUID: uuid})
	return b
}

// WithCharacteristic appends a characteristic to the most recently added
// service.
func (b *Builder) WithCharacteristic(uuid string, properties uint8, initial []byte) *Builder {
	if len(b.services) == 0 {
		panic("fake: WithCharacteristic called before WithService")
	}
	last := &b.services[len(b.services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicScript{
		UUID:        uuid,
		Properties:  properties,
		InitialData: initial,
	})
	return b
}

// Build produces a Peripheral bound to br, ready to be driven by the
// coordinator. Delegate completions are delivered on delay (default: a
// few milliseconds) to exercise the coordinator's async suspension points
// realistically rather than resolving synchronously within the same call.
func (b *Builder) Build(br *bridge.Bridge) *Peripheral {
	svcs := make(map[string]*ServiceScript, len(b.services))
	for i := range b.services {
		svcs[locator.NormalizeUUID(b.services[i].UUID)] = &b.services[i]
	}
	return &Peripheral{
		bridge:    br,
		services:  svcs,
		delay:     2 * time.Millisecond,
		char:      make(map[locator.Locator]*CharacteristicScript),
		notifying: make(map[locator.Locator]bool),
	}
}

// Peripheral is a scripted, fully in-memory hoststack.Peripheral.
type Peripheral struct {
	bridge *bridge.Bridge
	delay  time.Duration

	mu        sync.Mutex
	services  map[string]*ServiceScript
	state     hoststack.ConnectionState
	char      map[locator.Locator]*CharacteristicScript
	notifying map[locator.Locator]bool

	// FailNextRead and FailNextWrite, when set, are consumed and cleared
	// by the next ReadCharacteristic / WriteCharacteristic call. The call
	// itself still returns nil; the error is reported over the bridge as
	// the completion error of that read, or of that write if it is a
	// with-response write (a write-without-response clears FailNextWrite
	// without reporting it). Used by tests to inject host-stack failures.
	FailNextRead  error
	FailNextWrite error

	readCount  atomic.Int64
	writeCount atomic.Int64
	wwrCount   atomic.Int64
}

// ReadCount reports how many ReadCharacteristic calls have been issued,
// for asserting the read-coalescing invariant (spec section 8).
func (p *Peripheral) ReadCount() int64 { return p.readCount.Load() }

// WriteCount reports how many with-response WriteCharacteristic calls
// have been issued.
func (p *Peripheral) WriteCount() int64 { return p.writeCount.Load() }

// WriteWithoutResponseCount reports how many without-response
// WriteCharacteristic calls have been issued.
func (p *Peripheral) WriteWithoutResponseCount() int64 { return p.wwrCount.Load() }

var _ hoststack.Peripheral = (*Peripheral)(nil)

func (p *Peripheral) Connect(_ context.Context, _ string) error {
	p.mu.Lock()
	p.state = hoststack.StateConnected
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	p.state = hoststack.StateDisconnected
	p.mu.Unlock()
	go p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.Disconnected})
	return nil
}

func (p *Peripheral) State() hoststack.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peripheral) DiscoverServices(_ context.Context, _ []string) error {
	p.mu.Lock()
	handles := make([]snapshot.ServiceHandle, 0, len(p.services))
	for _, svc := range p.services {
		handles = append(handles, snapshot.ServiceHandle{UUID: locator.NormalizeUUID(svc.UUID)})
	}
	p.mu.Unlock()

	p.after(func() {
		p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverServices, Services: handles})
	})
	return nil
}

func (p *Peripheral) DiscoverCharacteristics(_ context.Context, serviceUUID string, _ []string) error {
	p.mu.Lock()
	svc, ok := p.services[locator.NormalizeUUID(serviceUUID)]
	var handles []snapshot.CharacteristicHandle
	if ok {
		for i := range svc.Characteristics {
			loc := locator.New(serviceUUID, svc.Characteristics[i].UUID)
			p.char[loc] = &svc.Characteristics[i]
			handles = append(handles, snapshot.CharacteristicHandle{
				UUID:       locator.NormalizeUUID(svc.Characteristics[i].UUID),
				Properties: svc.Characteristics[i].Properties,
			})
		}
	}
	p.mu.Unlock()
	p.after(func() {
		p.bridge.Send(context.Background(), bridge.Message{
			Kind:            bridge.DidDiscoverCharacteristics,
			ServiceUUID:     locator.NormalizeUUID(serviceUUID),
			Characteristics: handles,
		})
	})
	return nil
}

func (p *Peripheral) DiscoverDescriptors(_ context.Context, loc locator.Locator) error {
	p.after(func() {
		p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidDiscoverDescriptors, Loc: loc})
	})
	return nil
}

func (p *Peripheral) ReadCharacteristic(_ context.Context, loc locator.Locator) error {
	p.readCount.Add(1)
	p.mu.Lock()
	err := p.FailNextRead
	p.FailNextRead = nil
	cs, ok := p.char[loc]
	p.mu.Unlock()

	p.after(func() {
		msg := bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc}
		if err != nil {
			msg.Err = err
		} else if ok {
			msg.Data = append([]byte(nil), cs.InitialData...)
		} else {
			msg.Err = fmt.Errorf("fake: unknown characteristic %s", loc)
		}
		p.bridge.Send(context.Background(), msg)
	})
	return nil
}

func (p *Peripheral) WriteCharacteristic(_ context.Context, loc locator.Locator, data []byte, withResponse bool) error {
	if withResponse {
		p.writeCount.Add(1)
	} else {
		p.wwrCount.Add(1)
	}
	p.mu.Lock()
	err := p.FailNextWrite
	p.FailNextWrite = nil
	if cs, ok := p.char[loc]; ok {
		cs.InitialData = data
	}
	p.mu.Unlock()

	if !withResponse {
		p.after(func() {
			p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.ReadyToSendWriteWithoutResponse})
		})
		return nil
	}
	p.after(func() {
		p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidWriteValue, Loc: loc, Err: err})
	})
	return nil
}

func (p *Peripheral) SetNotifyValue(_ context.Context, loc locator.Locator, enabled bool) error {
	p.mu.Lock()
	p.notifying[loc] = enabled
	p.mu.Unlock()
	p.after(func() {
		p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidUpdateNotificationState, Loc: loc})
	})
	return nil
}

func (p *Peripheral) ReadRSSI(_ context.Context) error {
	p.after(func() {
		p.bridge.Send(context.Background(), bridge.Message{Kind: bridge.DidReadRSSI, RSSI: -55})
	})
	return nil
}

// PushNotification simulates a spontaneous didUpdateValueFor delivery for
// a subscribed characteristic, as a test driver would.
func (p *Peripheral) PushNotification(loc locator.Locator, data []byte) {
	p.bridge.SendNotification(bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc, Data: data})
}

func (p *Peripheral) after(fn func()) {
	if p.delay <= 0 {
		fn()
		return
	}
	time.AfterFunc(p.delay, fn)
}
