package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack/goble"
	"github.com/srg/blegate/internal/ptyio"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/peripheral"
	"github.com/srg/blegate/pipeline"
	"github.com/srg/blegate/pkg/coordconfig"
	"github.com/srg/blegate/snapshot"
)

var (
	bridgeServiceUUID        string
	bridgeCharacteristicUUID string
	bridgeConnectTimeout     time.Duration
	bridgeSymlink            string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Bridge a BLE characteristic's notification/write stream to a PTY",
	Long: fmt.Sprintf(`Creates a PTY (pseudoterminal) bridge to one characteristic on a BLE
peripheral. Bytes written to the PTY are sent to the peripheral as
write-without-response requests; notification payloads from the
peripheral are written back out through the PTY.

This lets serial-oriented tools (minicom, screen, a plain "cat") talk to
a BLE characteristic as if it were a local tty.

Example:
  blegatectl bridge %s --service=6E400001-B5A3-F393-E0A9-E50E24DCCA9E --characteristic=6E400002-B5A3-F393-E0A9-E50E24DCCA9E`, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeServiceUUID, "service", "", "Service UUID to bridge (required)")
	bridgeCmd.Flags().StringVar(&bridgeCharacteristicUUID, "characteristic", "", "Characteristic UUID to bridge (required)")
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
	_ = bridgeCmd.MarkFlagRequired("service")
	_ = bridgeCmd.MarkFlagRequired("characteristic")
}

func runBridge(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	address := args[0]
	loc := locator.New(bridgeServiceUUID, bridgeCharacteristicUUID)

	ctx, cancel := context.WithTimeout(context.Background(), bridgeConnectTimeout)
	defer cancel()
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := coordconfig.Default()
	br := bridge.New(cfg.ControlQueueCapacity, cfg.NotificationQueueCapacity)
	defer br.Close()
	adapter := goble.New(br, logger)
	plan := []pipeline.ServiceConfiguration{{
		ServiceUUID: bridgeServiceUUID,
		Characteristics: []snapshot.CharacteristicDescription{
			{CharacteristicUUID: bridgeCharacteristicUUID},
		},
	}}
	coord := peripheral.New(adapter, br, &shellCentral{plan: plan}, cfg, logger)
	defer coord.Stop()

	if err := coord.Connect(ctx, address, connectedAdvertisement{}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer coord.Disconnect()

	pty, err := ptyio.NewPtyWithOptions(&ptyio.PTYOptions{
		ReadCap:  64 * 1024,
		WriteCap: 64 * 1024,
		Logger:   logger,
		OnError: func(err error) {
			logger.WithError(err).Error("pty io error")
		},
	})
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer pty.Close()

	if bridgeSymlink != "" {
		_ = os.Remove(bridgeSymlink)
		if err := os.Symlink(pty.TTYName(), bridgeSymlink); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		defer os.Remove(bridgeSymlink)
	}

	color.Green("bridging %s to %s", loc, pty.TTYName())

	sub := coord.RegisterNotifications(loc, func(data []byte) {
		if _, err := pty.Write(data); err != nil {
			logger.WithError(err).Warn("pty write failed, dropping notification payload")
		}
	})
	defer sub.Cancel()

	pty.SetReadCallback(func(data []byte) {
		payload := append([]byte(nil), data...)
		if err := coord.WriteWithoutResponse(context.Background(), loc, payload); err != nil {
			logger.WithError(err).Warn("characteristic write failed, dropping pty input")
		}
	})

	<-sigCtx.Done()
	color.Cyan("shutting down bridge")
	return nil
}
