package peripheral_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack/fake"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/peripheral"
	"github.com/srg/blegate/pipeline"
	"github.com/srg/blegate/pkg/coordconfig"
	"github.com/srg/blegate/snapshot"
)

type fakeAdvertisement struct{ connectable bool }

func (a fakeAdvertisement) IsConnectable() bool { return a.connectable }

// fakeCentral is the minimal peripheral.Central double used by these
// tests: always alive, with an optionally scripted discovery plan.
type fakeCentral struct {
	plan []pipeline.ServiceConfiguration
}

func (c *fakeCentral) Alive() bool { return true }

func (c *fakeCentral) FindDeviceDescription(snapshot.Advertisement) ([]pipeline.ServiceConfiguration, bool) {
	if c.plan == nil {
		return nil, false
	}
	return c.plan, true
}

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestCoordinator(t *testing.T) (*peripheral.Coordinator, *fake.Peripheral) {
	t.Helper()
	br := bridge.New(32, 32)
	fp := fake.NewScriptedPeripheral().
		WithService("180D").
		WithCharacteristic("2A37", snapshot.PropRead|snapshot.PropNotify, []byte("AB")).
		Build(br)
	coord := peripheral.New(fp, br, &fakeCentral{}, coordconfig.Default(), silentLogger())
	t.Cleanup(coord.Stop)
	return coord, fp
}

func mustConnect(t *testing.T, coord *peripheral.Coordinator, fp *fake.Peripheral) {
	t.Helper()
	err := coord.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", fakeAdvertisement{connectable: true})
	require.NoError(t, err)
	// let discovery settle: services + characteristics discovery round trip
	require.Eventually(t, func() bool {
		services, ok := coord.Snapshot().Services()
		return ok && len(services) == 1 && len(services[0].Characteristics) == 1
	}, time.Second, time.Millisecond)
}

// S1 — Coalesced read.
func TestCoalescedRead(t *testing.T) {
	coord, fp := newTestCoordinator(t)
	mustConnect(t, coord, fp)
	loc := locator.New("180D", "2A37")

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := coord.Read(context.Background(), loc)
			results[i] = data
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, []byte("AB"), results[i])
	}
	assert.Equal(t, int64(1), fp.ReadCount())
}

// S2 — Read behind write.
func TestReadBehindWrite(t *testing.T) {
	coord, fp := newTestCoordinator(t)
	mustConnect(t, coord, fp)
	loc := locator.New("180D", "2A37")

	var wg sync.WaitGroup
	wg.Add(2)
	var writeErr, readErr error
	var readData []byte
	go func() {
		defer wg.Done()
		writeErr = coord.Write(context.Background(), loc, []byte("Z"))
	}()
	time.Sleep(time.Millisecond) // bias the write to start first
	go func() {
		defer wg.Done()
		readData, readErr = coord.Read(context.Background(), loc)
	}()
	wg.Wait()

	assert.NoError(t, writeErr)
	assert.NoError(t, readErr)
	assert.Equal(t, []byte("Z"), readData)
	assert.Equal(t, int64(1), fp.WriteCount())
	assert.Equal(t, int64(1), fp.ReadCount())
}

// S3 — Disconnect mid-flight.
func TestDisconnectMidFlightResolvesNotPresent(t *testing.T) {
	coord, fp := newTestCoordinator(t)
	mustConnect(t, coord, fp)
	loc := locator.New("180D", "2A37")

	// the fake's default completion delay gives disconnect time to win the race
	resultCh := make(chan error, 1)
	go func() {
		_, err := coord.Read(context.Background(), loc)
		resultCh <- err
	}()

	require.NoError(t, coord.Disconnect())

	select {
	case err := <-resultCh:
		var notPresent *peripheral.NotPresent
		assert.True(t, errors.As(err, &notPresent))
	case <-time.After(time.Second):
		t.Fatal("read never resolved after disconnect")
	}
}

// S4 — Notify before discovery.
func TestNotifyBeforeDiscoverySubscribesOnceDiscovered(t *testing.T) {
	br := bridge.New(32, 32)
	fp := fake.NewScriptedPeripheral().
		WithService("180D").
		WithCharacteristic("2A37", snapshot.PropRead|snapshot.PropNotify, []byte("init")).
		Build(br)
	coord := peripheral.New(fp, br, &fakeCentral{}, coordconfig.Default(), silentLogger())
	t.Cleanup(coord.Stop)

	loc := locator.New("180D", "2A37")
	var received []byte
	var mu sync.Mutex
	coord.RegisterNotifications(loc, func(data []byte) {
		mu.Lock()
		received = data
		mu.Unlock()
	})

	require.NoError(t, coord.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", fakeAdvertisement{connectable: true}))
	require.Eventually(t, func() bool {
		services, ok := coord.Snapshot().Services()
		return ok && len(services) == 1 && len(services[0].Characteristics) == 1
	}, time.Second, time.Millisecond)

	fp.PushNotification(loc, []byte("payload"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(received) == "payload"
	}, time.Second, time.Millisecond)
}

// S5 — WWR coalescing.
func TestWriteWithoutResponseCoalescing(t *testing.T) {
	coord, fp := newTestCoordinator(t)
	mustConnect(t, coord, fp)
	loc := locator.New("180D", "2A37")

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, coord.WriteWithoutResponse(context.Background(), loc, []byte("x")))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), fp.WriteWithoutResponseCount())
}

// S6 — Modified services.
func TestModifiedServicesRemovesAndRediscovers(t *testing.T) {
	br := bridge.New(32, 32)
	fp := fake.NewScriptedPeripheral().
		WithService("180D").
		WithCharacteristic("2A37", snapshot.PropRead|snapshot.PropNotify, []byte("init")).
		Build(br)
	coord := peripheral.New(fp, br, &fakeCentral{}, coordconfig.Default(), silentLogger())
	t.Cleanup(coord.Stop)

	mustConnect(t, coord, fp)

	require.NoError(t, br.Send(context.Background(), bridge.Message{
		Kind:        bridge.DidModifyServices,
		Invalidated: []string{"180D"},
	}))

	// re-discovery was re-issued for the invalidated service, which the
	// fake answers the same way it answered the initial connect.
	require.Eventually(t, func() bool {
		services, ok := coord.Snapshot().Services()
		return ok && len(services) == 1
	}, time.Second, time.Millisecond)
}
