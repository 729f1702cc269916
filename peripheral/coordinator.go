// Package peripheral implements the Coordinator (spec section 4): the
// per-peripheral mediator that serializes GATT access, coalesces reads and
// RSSI samples, gates write-without-response against host flow control,
// drives the post-connect discovery pipeline, and fans out notifications —
// while publishing a lock-free observable snapshot for external readers.
//
// The isolation domain spec section 5 requires (all mutation of the access
// table, registry, WWR gate, and RSSI queue totally ordered) is implemented
// here as a mutex guarding those four collaborators, the alternative spec
// section 9 explicitly sanctions alongside a dedicated actor goroutine —
// and the one closest to the teacher's own connMutex/writeMutex pattern in
// BLEConnection. A single named goroutine (via internal/groutine) still
// exists, but its only job is draining the delegate bridge's two channels
// in host-queue order; it is not the sole owner of the mutable state.
package peripheral

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/access"
	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack"
	"github.com/srg/blegate/internal/groutine"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/notify"
	"github.com/srg/blegate/pipeline"
	"github.com/srg/blegate/pkg/coordconfig"
	"github.com/srg/blegate/rssiqueue"
	"github.com/srg/blegate/snapshot"
	"github.com/srg/blegate/wwrgate"
)

// Central is the coordinator's non-owning view of its owner (spec section
// 9, "weak back-reference to central"). Alive reports whether the central
// still exists; once it returns false, connect/disconnect become logged
// no-ops rather than erroring (spec section 7, OrphanedPeripheral).
type Central interface {
	Alive() bool
	FindDeviceDescription(adv snapshot.Advertisement) (services []pipeline.ServiceConfiguration, ok bool)
}

// Coordinator is the per-peripheral mediator described above. The zero
// value is not usable; construct with New.
type Coordinator struct {
	host    hoststack.Peripheral
	bridge  *bridge.Bridge
	central Central
	cfg     coordconfig.Config
	logger  *logrus.Logger

	snap *snapshot.Snapshot

	// mu guards every field below: the access table, notification
	// registry, WWR gate, and RSSI queue together form the isolation
	// domain spec section 5 requires be totally ordered.
	mu        sync.Mutex
	table     *access.Table
	registry  *notify.Registry
	wwr       *wwrgate.Gate
	rssi      *rssiqueue.Queue
	pipe      *pipeline.Pipeline
	connected bool

	runOnce sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Coordinator wired to host and reporting completions on br.
// The coordinator does not start draining br until Connect is first
// called.
func New(host hoststack.Peripheral, br *bridge.Bridge, central Central, cfg coordconfig.Config, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Coordinator{
		host:     host,
		bridge:   br,
		central:  central,
		cfg:      cfg,
		logger:   logger,
		snap:     snapshot.New(),
		table:    access.New(),
		registry: notify.New(),
		wwr:      wwrgate.New(),
		rssi:     rssiqueue.New(),
	}
	c.pipe = pipeline.New(host, host, c.registry, cfg.DescriptorReadTimeout)
	return c
}

// withDeadline derives a child of ctx bounded by d, or returns ctx
// unchanged if d is zero. The discovery calls it guards are submit-only
// (the host stack reports completion later, over the bridge), so callers
// deliberately let the deadline expire on its own rather than cancel it
// the moment the submit call returns.
func withDeadline(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	ctx, _ = context.WithTimeout(ctx, d)
	return ctx
}

// Snapshot returns the lock-free observable state (spec section 4.1).
func (c *Coordinator) Snapshot() *snapshot.Snapshot {
	return c.snap
}

// Connect dials address through the host stack and returns once the host
// reports the link established (or the dial fails), after submitting
// service discovery; discovery itself completes later, over the bridge.
// The central is consulted only through FindDeviceDescription, with adv
// as the advertisement data (spec section 4.6 step 1).
func (c *Coordinator) Connect(ctx context.Context, address string, adv snapshot.Advertisement) error {
	if !c.central.Alive() {
		c.logger.WithField("address", address).Warn("connect on orphaned peripheral, ignoring")
		return nil
	}

	c.ensureEventLoop()

	c.snap.SetAdvertisementData(adv)
	c.snap.ClearServices()
	c.snap.SetState(snapshot.Connecting)

	plan := c.resolvePlan(adv)
	c.snap.SetPlan(plan)

	if err := c.host.Connect(ctx, address); err != nil {
		c.snap.SetState(snapshot.Disconnected)
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.snap.SetState(snapshot.Connected)

	return c.pipe.HandleConnect(withDeadline(ctx, c.cfg.DiscoveryTimeout), plan)
}

func (c *Coordinator) resolvePlan(adv snapshot.Advertisement) snapshot.Plan {
	services, ok := c.central.FindDeviceDescription(adv)
	if !ok {
		return nil
	}
	return pipeline.Plan(services)
}

// Disconnect unsubscribes on the wire every characteristic that has a
// registered handler, then asks the host stack (not the central) to
// disconnect. It returns once those requests are submitted; the drain of in-flight
// access/WWR/RSSI state happens asynchronously as the Disconnected
// control message arrives.
func (c *Coordinator) Disconnect() error {
	if !c.central.Alive() {
		c.logger.Warn("disconnect on orphaned peripheral, ignoring")
		return nil
	}

	ctx := context.Background()
	for _, loc := range c.registry.Locators() {
		if err := c.host.SetNotifyValue(ctx, loc, false); err != nil {
			c.logger.WithError(err).WithField("locator", loc.String()).Warn("set_notify(false) on disconnect failed")
		}
	}

	return c.host.Disconnect()
}

// Read implements spec section 4.2's Read algorithm (C3): concurrent reads
// of the same characteristic coalesce onto one GATT read.
func (c *Coordinator) Read(ctx context.Context, loc locator.Locator) ([]byte, error) {
	c.mu.Lock()
	outcome, result, admit := c.table.BeginRead(loc)
	c.mu.Unlock()

	if outcome == access.Issue {
		if err := c.host.ReadCharacteristic(ctx, loc); err != nil {
			return nil, &TransportError{Characteristic: loc.CharacteristicUUID, Err: err}
		}
	}

	if outcome == access.Queued {
		select {
		case admission := <-admit:
			if admission == access.AdmissionIssue {
				if err := c.host.ReadCharacteristic(ctx, loc); err != nil {
					return nil, &TransportError{Characteristic: loc.CharacteristicUUID, Err: err}
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case r := <-result:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements spec section 4.2's Write algorithm (C3): writes never
// coalesce, and at most one write-with-response is in flight per
// characteristic.
func (c *Coordinator) Write(ctx context.Context, loc locator.Locator, data []byte) error {
	c.mu.Lock()
	outcome, result, admit := c.table.BeginWrite(loc)
	c.mu.Unlock()

	if outcome == access.Issue {
		if err := c.host.WriteCharacteristic(ctx, loc, data, true); err != nil {
			return &TransportError{Characteristic: loc.CharacteristicUUID, Err: err}
		}
	}

	if outcome == access.Queued {
		select {
		case admission := <-admit:
			if admission == access.AdmissionIssue {
				if err := c.host.WriteCharacteristic(ctx, loc, data, true); err != nil {
					return &TransportError{Characteristic: loc.CharacteristicUUID, Err: err}
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteWithoutResponse implements spec section 4.4's gate (C6): the first
// caller admits and emits immediately; later callers wait for the host's
// "ready to send" signal and then race to admit themselves.
func (c *Coordinator) WriteWithoutResponse(ctx context.Context, loc locator.Locator, data []byte) error {
	for {
		c.mu.Lock()
		admit, wait := c.wwr.Begin()
		c.mu.Unlock()

		if admit {
			return c.host.WriteCharacteristic(ctx, loc, data, false)
		}

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadRSSI implements spec section 4.7's coalescing (C7).
func (c *Coordinator) ReadRSSI(ctx context.Context) (int, error) {
	if c.cfg.RSSITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RSSITimeout)
		defer cancel()
	}

	c.mu.Lock()
	issue, result := c.rssi.Begin()
	c.mu.Unlock()

	if issue {
		if err := c.host.ReadRSSI(ctx); err != nil {
			return 0, &TransportError{Err: err}
		}
	}

	select {
	case r := <-result:
		return r.Value, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Subscription is the opaque handle spec section 4.1 describes: it
// carries the locator, the subscription id, and a non-owning reference
// back to the coordinator so Cancel can call Deregister without keeping
// the coordinator alive on its own.
type Subscription struct {
	loc   locator.Locator
	id    notify.SubscriptionID
	coord *Coordinator
}

// Cancel deregisters the subscription. Idempotent: a second call is a
// silent no-op (spec section 8, invariant 8).
func (s Subscription) Cancel() {
	s.coord.Deregister(s)
}

// RegisterNotifications implements spec section 4.5's registration: it
// records the handler immediately and opportunistically issues
// set-notify(true) if the characteristic is already known to notify.
func (c *Coordinator) RegisterNotifications(loc locator.Locator, handler notify.Handler) Subscription {
	c.mu.Lock()
	id := c.registry.Register(loc, handler)
	c.mu.Unlock()

	if services, ok := c.snap.Services(); ok {
		for _, svc := range services {
			if svc.UUID != loc.ServiceUUID {
				continue
			}
			for _, ch := range svc.Characteristics {
				if ch.UUID == loc.CharacteristicUUID && ch.HasProperty(snapshot.PropNotify) {
					if err := c.host.SetNotifyValue(context.Background(), loc, true); err != nil {
						c.logger.WithError(err).WithField("locator", loc.String()).Warn("set_notify(true) failed")
					}
				}
			}
		}
	}

	return Subscription{loc: loc, id: id, coord: c}
}

// Deregister implements spec section 4.1's deregister(): removes the
// subscription and, if it was the last handler for that locator, issues
// set-notify(false).
func (c *Coordinator) Deregister(sub Subscription) {
	c.mu.Lock()
	wasLast := c.registry.Deregister(sub.loc, sub.id)
	c.mu.Unlock()

	if wasLast {
		if err := c.host.SetNotifyValue(context.Background(), sub.loc, false); err != nil {
			c.logger.WithError(err).WithField("locator", sub.loc.String()).Warn("set_notify(false) failed")
		}
	}
}

// ensureEventLoop starts the bridge-draining goroutine exactly once, on
// first Connect.
func (c *Coordinator) ensureEventLoop() {
	c.runOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		groutine.Go(ctx, "coordinator-event-loop", func(ctx context.Context) {
			defer close(c.done)
			c.runEventLoop(ctx)
		})
	})
}

// runEventLoop drains the bridge's control channel and notification
// channel in host-queue order (spec section 4.8). Control messages are
// never dropped; notification values are best-effort.
func (c *Coordinator) runEventLoop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.bridge.C():
			if !ok {
				return
			}
			c.handleControl(ctx, msg)
		case msg, ok := <-c.bridge.Notifications():
			if !ok {
				return
			}
			c.handleNotification(msg)
		case <-ctx.Done():
			return
		}
	}
}

// Stop tears down the event-loop goroutine. It does not touch the host
// connection; callers are expected to Disconnect first.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// handleControl dispatches one non-notification delegate callback (spec
// section 4.8). Its changes to the access table, WWR gate, and RSSI queue
// are made under mu, as are those made by the public operations.
func (c *Coordinator) handleControl(ctx context.Context, msg bridge.Message) {
	switch msg.Kind {
	case bridge.DidUpdateName:
		c.snap.SetName(msg.Name)

	case bridge.DidReadRSSI:
		c.snap.SetRSSI(msg.RSSI)
		c.mu.Lock()
		c.rssi.Complete(rssiqueue.Result{Value: msg.RSSI, Err: msg.Err})
		c.mu.Unlock()

	case bridge.DidDiscoverServices:
		c.snap.SetServices(msg.Services)
		plan, _ := c.snap.Plan()
		discoverCtx := withDeadline(ctx, c.cfg.DiscoveryTimeout)
		if err := c.pipe.HandleServicesDiscovered(discoverCtx, msg.Services, plan); err != nil {
			c.logger.WithError(err).Warn("post-discovery characteristic discovery failed")
		}

	case bridge.DidDiscoverCharacteristics:
		plan, _ := c.snap.Plan()
		discoverCtx := withDeadline(ctx, c.cfg.DiscoveryTimeout)
		if err := c.pipe.HandleCharacteristicsDiscovered(discoverCtx, msg.ServiceUUID, msg.Characteristics, plan); err != nil {
			c.logger.WithError(err).Warn("auto-subscribe/descriptor discovery failed")
		}
		c.mergeCharacteristics(msg.ServiceUUID, msg.Characteristics)

	case bridge.DidDiscoverDescriptors:
		// Descriptor contents are surfaced through the external
		// characteristic-property layer (spec section 4.6); the
		// coordinator itself has nothing further to do here.

	case bridge.DidModifyServices:
		if err := c.pipe.HandleServicesModified(ctx, msg.Invalidated); err != nil {
			c.logger.WithError(err).Warn("re-discovery after didModifyServices failed")
		}
		c.removeServices(msg.Invalidated)

	case bridge.DidUpdateValue:
		c.resolveRead(msg.Loc, msg.Data, msg.Err)

	case bridge.DidWriteValue:
		c.mu.Lock()
		matched := c.table.CompleteWrite(msg.Loc, msg.Err)
		c.mu.Unlock()
		if !matched {
			c.logger.WithField("locator", msg.Loc.String()).Warn("didWriteValueFor with no matching Write entry")
		}

	case bridge.ReadyToSendWriteWithoutResponse:
		c.mu.Lock()
		c.wwr.Release()
		c.mu.Unlock()

	case bridge.DidUpdateNotificationState:
		if msg.Err != nil {
			c.logger.WithError(msg.Err).WithField("locator", msg.Loc.String()).Warn("set_notify failed")
		}

	case bridge.Disconnected:
		c.handleDisconnect()

	default:
		c.logger.WithField("kind", msg.Kind.String()).Warn("unhandled bridge message kind")
	}
}

// resolveRead completes an in-flight Read entry for loc, if any (spec
// section 4.2's read-completion callback).
func (c *Coordinator) resolveRead(loc locator.Locator, data []byte, err error) {
	c.mu.Lock()
	matched := c.table.CompleteRead(loc, access.Result{Data: data, Err: err})
	c.mu.Unlock()
	if !matched {
		c.logger.WithField("locator", loc.String()).Debug("didUpdateValueFor with no matching Read entry; treating as notification")
	}
}

// handleNotification implements spec section 4.5's didUpdateValueFor:
// first resolve a matching Read entry if one exists, then independently
// fan out to every registered handler.
func (c *Coordinator) handleNotification(msg bridge.Message) {
	c.mu.Lock()
	isRead, _ := c.table.Get(msg.Loc)
	c.mu.Unlock()

	if isRead {
		c.resolveRead(msg.Loc, msg.Data, msg.Err)
	}

	if msg.Err != nil {
		c.logger.WithError(msg.Err).WithField("locator", msg.Loc.String()).Warn("unsolicited value update reported an error, discarding")
		return
	}
	c.registry.FanOut(msg.Loc, msg.Data)
}

// handleDisconnect implements spec section 4.3's disconnect cleanup.
func (c *Coordinator) handleDisconnect() {
	c.snap.SetState(snapshot.Disconnected)
	c.snap.ClearPlan()

	c.mu.Lock()
	c.connected = false
	c.table.DrainAll(func(loc locator.Locator) error {
		return &NotPresent{Characteristic: loc.CharacteristicUUID}
	})
	c.wwr.Release()
	c.rssi.Complete(rssiqueue.Result{Err: &NotPresent{}})
	c.mu.Unlock()

	c.snap.SetLastActivity(time.Now().Add(-c.cfg.DisconnectActivityInterval))
}

// mergeCharacteristics folds newly-discovered characteristics for
// serviceUUID into the snapshot's services list, since didDiscoverServices
// and didDiscoverCharacteristics arrive as separate messages.
func (c *Coordinator) mergeCharacteristics(serviceUUID string, chars []snapshot.CharacteristicHandle) {
	services, ok := c.snap.Services()
	if !ok {
		return
	}
	updated := make([]snapshot.ServiceHandle, len(services))
	copy(updated, services)
	for i := range updated {
		if updated[i].UUID == serviceUUID {
			updated[i].Characteristics = chars
		}
	}
	c.snap.SetServices(updated)
}

// removeServices drops invalidated service UUIDs from the snapshot (spec
// section 4.6's didModifyServices handling).
func (c *Coordinator) removeServices(invalidated []string) {
	if len(invalidated) == 0 {
		return
	}
	services, ok := c.snap.Services()
	if !ok {
		return
	}
	drop := make(map[string]bool, len(invalidated))
	for _, uuid := range invalidated {
		drop[locator.NormalizeUUID(uuid)] = true
	}
	kept := make([]snapshot.ServiceHandle, 0, len(services))
	for _, s := range services {
		if !drop[locator.NormalizeUUID(s.UUID)] {
			kept = append(kept, s)
		}
	}
	c.snap.SetServices(kept)
}
