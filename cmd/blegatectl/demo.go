package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack/fake"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/peripheral"
	"github.com/srg/blegate/pipeline"
	"github.com/srg/blegate/pkg/coordconfig"
	"github.com/srg/blegate/snapshot"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the coordinator against an in-memory scripted peripheral",
	Long: `Drives the request coordinator against hoststack/fake's scripted
peripheral, with no real BLE adapter required: it connects, subscribes to
the heart-rate characteristic, reads it once, injects one notification,
reads RSSI, and disconnects. It issues no concurrent reads and no
write-without-response calls.

Useful for exercising the coordinator's behavior on a machine with no
BLE radio, or for a quick sanity check after changing the coordinator.`,
	RunE: runDemo,
}

type demoAdvertisement struct{}

func (demoAdvertisement) IsConnectable() bool { return true }

func runDemo(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	const (
		serviceUUID    = "180D"
		heartRateUUID  = "2A37"
		bodySensorUUID = "2A38"
	)

	cfg := coordconfig.Default()
	br := bridge.New(cfg.ControlQueueCapacity, cfg.NotificationQueueCapacity)
	defer br.Close()
	fp := fake.NewScriptedPeripheral().
		WithService(serviceUUID).
		WithCharacteristic(heartRateUUID, snapshot.PropRead|snapshot.PropNotify, []byte{0x00, 60}).
		WithCharacteristic(bodySensorUUID, snapshot.PropRead, []byte{0x01}).
		Build(br)

	central := demoCentral{plan: []pipeline.ServiceConfiguration{
		{ServiceUUID: serviceUUID, Characteristics: []snapshot.CharacteristicDescription{
			{CharacteristicUUID: heartRateUUID},
			{CharacteristicUUID: bodySensorUUID},
		}},
	}}

	coord := peripheral.New(fp, br, central, cfg, logger)
	defer coord.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	color.Cyan("connecting to demo peripheral...")
	if err := coord.Connect(ctx, "DEMO-0001", demoAdvertisement{}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	loc := locator.New(serviceUUID, heartRateUUID)
	sub := coord.RegisterNotifications(loc, func(data []byte) {
		color.Yellow("notification %s: % x", loc, data)
	})
	defer sub.Cancel()

	time.Sleep(50 * time.Millisecond) // allow discovery + subscribe to land

	data, err := coord.Read(ctx, loc)
	if err != nil {
		color.Red("read failed: %s", err)
	} else {
		color.Green("read %s: % x", loc, data)
	}

	fp.PushNotification(loc, []byte{0x00, 61})
	time.Sleep(20 * time.Millisecond)

	rssi, err := coord.ReadRSSI(ctx)
	if err != nil {
		color.Red("rssi failed: %s", err)
	} else {
		color.Green("rssi: %d", rssi)
	}

	color.Cyan("disconnecting...")
	return coord.Disconnect()
}

type demoCentral struct {
	plan []pipeline.ServiceConfiguration
}

func (c demoCentral) Alive() bool { return true }

func (c demoCentral) FindDeviceDescription(snapshot.Advertisement) ([]pipeline.ServiceConfiguration, bool) {
	return c.plan, true
}
