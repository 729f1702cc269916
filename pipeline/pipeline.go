// Package pipeline implements the post-connect discovery/auto-subscribe
// pipeline (spec section 4.6): resolving the requested characteristic
// plan, walking discover_services -> discover_characteristics -> optional
// discover_descriptors, and auto-subscribing handlers that already exist
// in the notification registry as each characteristic is discovered.
//
// Grounded on internal/device/go-ble/connection.go's Connect() discovery
// walk, generalized from a single synchronous connect-time walk into a
// set of handlers driven by discovery-completion messages, since this
// coordinator's discovery is asynchronous end-to-end rather than
// blocking inside Connect.
package pipeline

import (
	"context"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/snapshot"
)

// Discoverer issues the three discovery calls against the host stack.
type Discoverer interface {
	DiscoverServices(ctx context.Context, uuids []string) error
	DiscoverCharacteristics(ctx context.Context, serviceUUID string, uuids []string) error
	DiscoverDescriptors(ctx context.Context, loc locator.Locator) error
}

// Notifier issues set-notify(true) for an already-registered handler.
type Notifier interface {
	SetNotifyValue(ctx context.Context, loc locator.Locator, enabled bool) error
}

// HandlerChecker reports whether a locator already has a registered
// notification handler, for the auto-subscribe check in spec section 4.6
// step 1: "has an existing registry entry."
type HandlerChecker interface {
	HasAny(loc locator.Locator) bool
}

// Pipeline drives the discovery walk. It holds no peripheral state of its
// own beyond what is passed into each handler call, so it can be
// constructed once per Coordinator and reused across reconnects.
type Pipeline struct {
	discoverer        Discoverer
	notifier          Notifier
	handlers          HandlerChecker
	descriptorTimeout time.Duration
}

// New returns a Pipeline wired to the given collaborators. descriptorTimeout
// bounds each discover_descriptors call issued from
// HandleCharacteristicsDiscovered; zero skips descriptor discovery
// entirely, mirroring internal/device/go-ble/descriptor.go's
// newDescriptor: a zero timeout is the fast path, a positive one is set as
// a deadline on each call's context. An error returned by
// DiscoverDescriptors ends the walk and is returned to the caller.
func New(discoverer Discoverer, notifier Notifier, handlers HandlerChecker, descriptorTimeout time.Duration) *Pipeline {
	return &Pipeline{discoverer: discoverer, notifier: notifier, handlers: handlers, descriptorTimeout: descriptorTimeout}
}

// HandleConnect implements spec section 4.6's handle_connect: issues
// discover_services for the keys of plan, or for everything if plan is
// nil.
func (p *Pipeline) HandleConnect(ctx context.Context, plan snapshot.Plan) error {
	return p.discoverer.DiscoverServices(ctx, serviceUUIDs(plan))
}

// serviceUUIDs returns plan's keys in insertion order, or nil ("discover
// everything") if plan itself is nil.
func serviceUUIDs(plan snapshot.Plan) []string {
	if plan == nil {
		return nil
	}
	uuids := make([]string, 0, plan.Len())
	for pair := plan.Oldest(); pair != nil; pair = pair.Next() {
		uuids = append(uuids, pair.Key)
	}
	return uuids
}

// HandleServicesDiscovered implements didDiscoverServices: for each
// service named in plan, issue discover_characteristics with the inner
// set's UUIDs (or nil for "all"). discovered is every discovered service:
// with a nil plan, characteristic discovery is issued for each of them;
// otherwise it is used only to skip issuing discovery for a planned
// service the host stack didn't actually report.
func (p *Pipeline) HandleServicesDiscovered(ctx context.Context, discovered []snapshot.ServiceHandle, plan snapshot.Plan) error {
	present := make(map[string]bool, len(discovered))
	for _, s := range discovered {
		present[locator.NormalizeUUID(s.UUID)] = true
	}

	if plan == nil {
		for _, s := range discovered {
			if err := p.discoverer.DiscoverCharacteristics(ctx, s.UUID, nil); err != nil {
				return err
			}
		}
		return nil
	}

	for pair := plan.Oldest(); pair != nil; pair = pair.Next() {
		if !present[locator.NormalizeUUID(pair.Key)] {
			continue
		}
		if err := p.discoverer.DiscoverCharacteristics(ctx, pair.Key, characteristicUUIDs(pair.Value)); err != nil {
			return err
		}
	}
	return nil
}

func characteristicUUIDs(servicePlan snapshot.ServicePlan) []string {
	if servicePlan == nil {
		return nil
	}
	uuids := make([]string, 0, servicePlan.Len())
	for pair := servicePlan.Oldest(); pair != nil; pair = pair.Next() {
		uuids = append(uuids, pair.Key)
	}
	return uuids
}

// HandleCharacteristicsDiscovered implements didDiscoverCharacteristics
// steps 1-2: auto-subscribe characteristics that advertise notify and
// already have a registry entry, and issue discover_descriptors for
// characteristics whose plan entry requests it.
func (p *Pipeline) HandleCharacteristicsDiscovered(ctx context.Context, serviceUUID string, chars []snapshot.CharacteristicHandle, plan snapshot.Plan) error {
	descriptorPlan := lookupServicePlan(plan, serviceUUID)

	for _, c := range chars {
		loc := locator.New(serviceUUID, c.UUID)

		if c.HasProperty(snapshot.PropNotify) && p.handlers.HasAny(loc) {
			if err := p.notifier.SetNotifyValue(ctx, loc, true); err != nil {
				return err
			}
		}

		if wantsDescriptors(descriptorPlan, c.UUID) {
			if p.descriptorTimeout <= 0 {
				continue
			}
			// Descriptor discovery runs against the host stack's own
			// submit-then-report-later flow, so this deadline outlives the
			// call below; it is left to expire on its own rather than
			// cancelled immediately on return.
			descCtx, _ := context.WithTimeout(ctx, p.descriptorTimeout)
			if err := p.discoverer.DiscoverDescriptors(descCtx, loc); err != nil {
				return err
			}
		}
	}
	return nil
}

func lookupServicePlan(plan snapshot.Plan, serviceUUID string) snapshot.ServicePlan {
	if plan == nil {
		return nil
	}
	sp, ok := plan.Get(locator.NormalizeUUID(serviceUUID))
	if !ok {
		return nil
	}
	return sp
}

func wantsDescriptors(servicePlan snapshot.ServicePlan, charUUID string) bool {
	if servicePlan == nil {
		return false
	}
	desc, ok := servicePlan.Get(locator.NormalizeUUID(charUUID))
	return ok && desc.DiscoverDescriptors
}

// HandleServicesModified implements didModifyServices: re-issues service
// discovery restricted to the invalidated UUIDs, so the caller can treat
// their downstream characteristics as stale until rediscovered.
func (p *Pipeline) HandleServicesModified(ctx context.Context, invalidated []string) error {
	if len(invalidated) == 0 {
		return nil
	}
	return p.discoverer.DiscoverServices(ctx, invalidated)
}

// Plan builds a discovery plan from a central's DeviceDescription (spec
// section 4.6 step 1: union, per service uuid, the requested
// characteristic descriptions). A nil DeviceDescription, or one with no
// services, yields a nil Plan ("discover everything").
func Plan(services []ServiceConfiguration) snapshot.Plan {
	if len(services) == 0 {
		return nil
	}
	plan := orderedmap.New[string, snapshot.ServicePlan]()
	for _, svc := range services {
		var sp snapshot.ServicePlan
		if svc.Characteristics != nil {
			sp = orderedmap.New[string, snapshot.CharacteristicDescription]()
			for _, c := range svc.Characteristics {
				sp.Set(locator.NormalizeUUID(c.CharacteristicUUID), c)
			}
		}
		plan.Set(locator.NormalizeUUID(svc.ServiceUUID), sp)
	}
	return plan
}

// ServiceConfiguration mirrors the central's find_device_description
// return shape (spec section 6); pipeline.Plan converts it into the
// coordinator's internal snapshot.Plan representation.
type ServiceConfiguration struct {
	ServiceUUID     string
	Characteristics []snapshot.CharacteristicDescription
}
