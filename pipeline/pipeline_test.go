package pipeline_test

import (
	"context"
	"testing"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/pipeline"
	"github.com/srg/blegate/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDiscoverer struct {
	services        [][]string
	characteristics []charCall
	descriptors     []locator.Locator
}

type charCall struct {
	service string
	uuids   []string
}

func (f *fakeDiscoverer) DiscoverServices(_ context.Context, uuids []string) error {
	f.services = append(f.services, uuids)
	return nil
}

func (f *fakeDiscoverer) DiscoverCharacteristics(_ context.Context, serviceUUID string, uuids []string) error {
	f.characteristics = append(f.characteristics, charCall{serviceUUID, uuids})
	return nil
}

func (f *fakeDiscoverer) DiscoverDescriptors(_ context.Context, loc locator.Locator) error {
	f.descriptors = append(f.descriptors, loc)
	return nil
}

type fakeNotifier struct {
	subscribed []locator.Locator
}

func (f *fakeNotifier) SetNotifyValue(_ context.Context, loc locator.Locator, enabled bool) error {
	if enabled {
		f.subscribed = append(f.subscribed, loc)
	}
	return nil
}

type fakeHandlers struct {
	has map[locator.Locator]bool
}

func (f *fakeHandlers) HasAny(loc locator.Locator) bool {
	return f.has[loc]
}

func TestHandleConnectNilPlanDiscoversEverything(t *testing.T) {
	d := &fakeDiscoverer{}
	p := pipeline.New(d, &fakeNotifier{}, &fakeHandlers{}, time.Second)
	require.NoError(t, p.HandleConnect(context.Background(), nil))
	require.Len(t, d.services, 1)
	assert.Nil(t, d.services[0])
}

func TestHandleConnectPlannedServices(t *testing.T) {
	d := &fakeDiscoverer{}
	p := pipeline.New(d, &fakeNotifier{}, &fakeHandlers{}, time.Second)

	plan := orderedmap.New[string, snapshot.ServicePlan]()
	plan.Set("180d", nil)
	plan.Set("180f", nil)

	require.NoError(t, p.HandleConnect(context.Background(), plan))
	require.Len(t, d.services, 1)
	assert.Equal(t, []string{"180d", "180f"}, d.services[0])
}

func TestHandleServicesDiscoveredFiltersByPlan(t *testing.T) {
	d := &fakeDiscoverer{}
	p := pipeline.New(d, &fakeNotifier{}, &fakeHandlers{}, time.Second)

	plan := orderedmap.New[string, snapshot.ServicePlan]()
	plan.Set("180d", nil)

	discovered := []snapshot.ServiceHandle{{UUID: "180d"}, {UUID: "180f"}}
	require.NoError(t, p.HandleServicesDiscovered(context.Background(), discovered, plan))

	require.Len(t, d.characteristics, 1)
	assert.Equal(t, "180d", d.characteristics[0].service)
}

func TestHandleCharacteristicsDiscoveredAutoSubscribesExistingHandlers(t *testing.T) {
	d := &fakeDiscoverer{}
	n := &fakeNotifier{}
	loc := locator.New("180d", "2a37")
	h := &fakeHandlers{has: map[locator.Locator]bool{loc: true}}
	p := pipeline.New(d, n, h, time.Second)

	chars := []snapshot.CharacteristicHandle{{UUID: "2a37", Properties: snapshot.PropNotify}}
	require.NoError(t, p.HandleCharacteristicsDiscovered(context.Background(), "180d", chars, nil))

	require.Len(t, n.subscribed, 1)
	assert.Equal(t, loc, n.subscribed[0])
}

func TestHandleCharacteristicsDiscoveredSkipsWithoutRegisteredHandler(t *testing.T) {
	d := &fakeDiscoverer{}
	n := &fakeNotifier{}
	p := pipeline.New(d, n, &fakeHandlers{}, time.Second)

	chars := []snapshot.CharacteristicHandle{{UUID: "2a37", Properties: snapshot.PropNotify}}
	require.NoError(t, p.HandleCharacteristicsDiscovered(context.Background(), "180d", chars, nil))
	assert.Empty(t, n.subscribed)
}

func TestHandleCharacteristicsDiscoveredDiscoversDescriptorsPerPlan(t *testing.T) {
	d := &fakeDiscoverer{}
	p := pipeline.New(d, &fakeNotifier{}, &fakeHandlers{}, time.Second)

	sp := orderedmap.New[string, snapshot.CharacteristicDescription]()
	sp.Set("2a37", snapshot.CharacteristicDescription{CharacteristicUUID: "2a37", DiscoverDescriptors: true})
	plan := orderedmap.New[string, snapshot.ServicePlan]()
	plan.Set("180d", sp)

	chars := []snapshot.CharacteristicHandle{{UUID: "2a37"}}
	require.NoError(t, p.HandleCharacteristicsDiscovered(context.Background(), "180d", chars, plan))

	require.Len(t, d.descriptors, 1)
	assert.Equal(t, locator.New("180d", "2a37"), d.descriptors[0])
}

func TestHandleCharacteristicsDiscoveredSkipsDescriptorsWhenTimeoutZero(t *testing.T) {
	d := &fakeDiscoverer{}
	p := pipeline.New(d, &fakeNotifier{}, &fakeHandlers{}, 0)

	sp := orderedmap.New[string, snapshot.CharacteristicDescription]()
	sp.Set("2a37", snapshot.CharacteristicDescription{CharacteristicUUID: "2a37", DiscoverDescriptors: true})
	plan := orderedmap.New[string, snapshot.ServicePlan]()
	plan.Set("180d", sp)

	chars := []snapshot.CharacteristicHandle{{UUID: "2a37"}}
	require.NoError(t, p.HandleCharacteristicsDiscovered(context.Background(), "180d", chars, plan))
	assert.Empty(t, d.descriptors)
}

func TestHandleServicesModifiedSkipsEmpty(t *testing.T) {
	d := &fakeDiscoverer{}
	p := pipeline.New(d, &fakeNotifier{}, &fakeHandlers{}, time.Second)
	require.NoError(t, p.HandleServicesModified(context.Background(), nil))
	assert.Empty(t, d.services)
}

func TestPlanFromDeviceDescription(t *testing.T) {
	plan := pipeline.Plan([]pipeline.ServiceConfiguration{
		{ServiceUUID: "180D"},
		{ServiceUUID: "180F", Characteristics: []snapshot.CharacteristicDescription{
			{CharacteristicUUID: "2A19", DiscoverDescriptors: true},
		}},
	})
	require.NotNil(t, plan)

	sp, ok := plan.Get("180d")
	require.True(t, ok)
	assert.Nil(t, sp)

	sp2, ok := plan.Get("180f")
	require.True(t, ok)
	require.NotNil(t, sp2)
	desc, ok := sp2.Get("2a19")
	require.True(t, ok)
	assert.True(t, desc.DiscoverDescriptors)
}

func TestPlanNilForEmptyServices(t *testing.T) {
	assert.Nil(t, pipeline.Plan(nil))
}
