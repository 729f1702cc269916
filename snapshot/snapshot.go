// Package snapshot holds the observable, read-mostly view of a peripheral's
// state: name, RSSI, advertisement, connection state, discovered services,
// last-activity timestamp, and the discovery plan. Every field is published
// through its own atomic reference so that external observers (UI, a
// central's staleness sweep) can read it from any goroutine without ever
// entering the coordinator's single-threaded isolation domain.
//
// Cross-field consistency is intentionally not offered: a reader that needs
// "name and state as of the same instant" is asking for something this type
// does not provide. Each field is independently consistent.
package snapshot

import (
	"sync/atomic"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is the coordinator's logical connection state, derived from the
// host peripheral object.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Advertisement is the opaque advertisement payload last observed for the
// peripheral. The coordinator never inspects it beyond IsConnectable; byte
// layout and service-data parsing are a higher layer's concern.
type Advertisement interface {
	IsConnectable() bool
}

// CharacteristicDescription names one characteristic the central wants
// discovered, and whether its descriptors should also be discovered.
type CharacteristicDescription struct {
	CharacteristicUUID  string
	DiscoverDescriptors bool
}

// ServicePlan maps characteristic UUID to its CharacteristicDescription for
// one service. A nil ServicePlan means "discover all characteristics of
// this service"; a non-nil, possibly-empty plan filters to explicit
// characteristics.
type ServicePlan = *orderedmap.OrderedMap[string, CharacteristicDescription]

// Plan is the post-connect discovery plan keyed by service UUID. A nil Plan
// means "discover everything." Iteration order matches the order services
// were added, so discover_services(uuids) issues uuids in a stable order.
type Plan = *orderedmap.OrderedMap[string, ServicePlan]

// Characteristic property bit flags, matching the GATT characteristic
// properties field (and the teacher's ble.Property values, surfaced there
// through BLEProperties/BLEProperty).
const (
	PropBroadcast                 uint8 = 0x01
	PropRead                      uint8 = 0x02
	PropWriteWithoutResponse      uint8 = 0x04
	PropWrite                     uint8 = 0x08
	PropNotify                    uint8 = 0x10
	PropIndicate                  uint8 = 0x20
	PropAuthenticatedSignedWrites uint8 = 0x40
	PropExtendedProperties        uint8 = 0x80
)

// CharacteristicHandle describes one discovered characteristic.
type CharacteristicHandle struct {
	UUID       string
	Properties uint8
}

// HasProperty reports whether h advertises the given property bit.
func (h CharacteristicHandle) HasProperty(bit uint8) bool {
	return h.Properties&bit != 0
}

// ServiceHandle describes one discovered service and its characteristics.
type ServiceHandle struct {
	UUID            string
	Characteristics []CharacteristicHandle
}

// Snapshot is the thread-safe observable state of one peripheral. The zero
// value is not ready for use; call New.
type Snapshot struct {
	name         atomic.Pointer[string]
	rssi         atomic.Int32
	advertised   atomic.Pointer[advertisementBox]
	state        atomic.Int32
	services     atomic.Pointer[servicesBox]
	lastActivity atomic.Pointer[time.Time]
	plan         atomic.Pointer[planBox]
}

// advertisementBox, servicesBox and planBox exist purely so a nil payload
// (no advertisement observed yet, no discovery completed yet, no plan
// assigned yet) is distinguishable from "the field was never published,"
// which atomic.Pointer[T] of the bare type cannot express once T is itself
// a pointer/interface whose nil is a legitimate value.
type advertisementBox struct{ v Advertisement }
type servicesBox struct{ v []ServiceHandle } // nil v: "not yet discovered"
type planBox struct{ v Plan }

// New returns a Snapshot in the initial disconnected state.
func New() *Snapshot {
	s := &Snapshot{}
	now := time.Now()
	s.lastActivity.Store(&now)
	s.state.Store(int32(Disconnected))
	return s
}

func (s *Snapshot) Name() (string, bool) {
	p := s.name.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

func (s *Snapshot) SetName(name string) {
	s.name.Store(&name)
}

func (s *Snapshot) RSSI() int {
	return int(s.rssi.Load())
}

func (s *Snapshot) SetRSSI(rssi int) {
	s.rssi.Store(int32(rssi))
}

func (s *Snapshot) AdvertisementData() (Advertisement, bool) {
	b := s.advertised.Load()
	if b == nil {
		return nil, false
	}
	return b.v, true
}

func (s *Snapshot) SetAdvertisementData(adv Advertisement) {
	s.advertised.Store(&advertisementBox{v: adv})
}

func (s *Snapshot) State() State {
	return State(s.state.Load())
}

func (s *Snapshot) SetState(state State) {
	s.state.Store(int32(state))
}

// Services returns the discovered services and whether discovery has
// completed at all since the last (re)connect. A nil, ok=false result
// means "no discovery has completed since (re)connect"; ok=true with a
// zero-length slice means "discovered and empty."
func (s *Snapshot) Services() ([]ServiceHandle, bool) {
	b := s.services.Load()
	if b == nil {
		return nil, false
	}
	return b.v, true
}

func (s *Snapshot) SetServices(services []ServiceHandle) {
	if services == nil {
		services = []ServiceHandle{}
	}
	s.services.Store(&servicesBox{v: services})
}

// ClearServices resets discovery state to "not yet discovered," used on
// (re)connect.
func (s *Snapshot) ClearServices() {
	s.services.Store(nil)
}

func (s *Snapshot) LastActivity() time.Time {
	p := s.lastActivity.Load()
	if p == nil {
		return time.Time{}
	}
	return *p
}

func (s *Snapshot) SetLastActivity(t time.Time) {
	s.lastActivity.Store(&t)
}

// EffectiveLastActivity returns "now" while connected/connecting/
// disconnecting (per spec.md §3: the effective value is "now" whenever
// state != disconnected), and the stamped last-activity otherwise.
func (s *Snapshot) EffectiveLastActivity() time.Time {
	if s.State() != Disconnected {
		return time.Now()
	}
	return s.LastActivity()
}

// IsStale reports whether the peripheral is disconnected and has not shown
// activity within interval. Used by a central to garbage-collect
// peripherals it no longer needs to track.
func (s *Snapshot) IsStale(interval time.Duration) bool {
	if s.State() != Disconnected {
		return false
	}
	return s.LastActivity().Add(interval).Before(time.Now())
}

// Plan returns the assigned discovery plan, or ok=false if none has been
// assigned since the last (re)connect attempt.
func (s *Snapshot) Plan() (Plan, bool) {
	b := s.plan.Load()
	if b == nil {
		return nil, false
	}
	return b.v, true
}

// SetPlan assigns the discovery plan. Per spec.md §3, this must happen
// exactly once per connect attempt, before any discover_services message is
// sent; the coordinator enforces the "once" part by calling this only from
// Coordinator.Connect.
func (s *Snapshot) SetPlan(plan Plan) {
	s.plan.Store(&planBox{v: plan})
}

// ClearPlan resets the plan to unassigned, used on disconnect so the next
// connect attempt re-derives it.
func (s *Snapshot) ClearPlan() {
	s.plan.Store(nil)
}
