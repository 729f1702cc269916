package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/hoststack/goble"
	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/peripheral"
	"github.com/srg/blegate/pipeline"
	"github.com/srg/blegate/pkg/coordconfig"
	"github.com/srg/blegate/snapshot"
)

const exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"

var (
	connectServiceUUIDs []string
	connectTimeout      time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Connect to a BLE peripheral and open an interactive read/write shell",
	Long: fmt.Sprintf(`Connects to a BLE peripheral through the request coordinator and drops
into a small interactive shell for issuing reads and writes against the
discovered characteristics, and RSSI reads.

Every command typed at the shell goes through the same coordinator a
long-running application would use, so concurrent operations coalesce
and serialize exactly as spec'd.

Example:
  blegatectl connect %s --service=180D`, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringSliceVar(&connectServiceUUIDs, "service", nil, "Service UUID(s) to discover (repeatable)")
	connectCmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
}

// shellCentral is the peripheral.Central for a one-shot CLI connection: it
// is always alive for the command's lifetime and hands back a fixed
// discovery plan built from the --service flags.
type shellCentral struct {
	plan []pipeline.ServiceConfiguration
}

func (c *shellCentral) Alive() bool { return true }

func (c *shellCentral) FindDeviceDescription(snapshot.Advertisement) ([]pipeline.ServiceConfiguration, bool) {
	if len(c.plan) == 0 {
		return nil, false
	}
	return c.plan, true
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	address := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan := make([]pipeline.ServiceConfiguration, 0, len(connectServiceUUIDs))
	for _, uuid := range connectServiceUUIDs {
		plan = append(plan, pipeline.ServiceConfiguration{ServiceUUID: uuid})
	}

	cfg := coordconfig.Default()
	br := bridge.New(cfg.ControlQueueCapacity, cfg.NotificationQueueCapacity)
	defer br.Close()
	adapter := goble.New(br, logger)
	coord := peripheral.New(adapter, br, &shellCentral{plan: plan}, cfg, logger)
	defer coord.Stop()

	color.Cyan("connecting to %s ...", address)
	if err := coord.Connect(ctx, address, connectedAdvertisement{}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	color.Green("connected")

	go func() {
		<-sigCtx.Done()
		_ = coord.Disconnect()
	}()

	return runShell(sigCtx, coord)
}

type connectedAdvertisement struct{}

func (connectedAdvertisement) IsConnectable() bool { return true }

// runShell implements a minimal "read <svc> <char>" / "write <svc> <char>
// <hex>" / "rssi" / "quit" loop against coord, printing results with
// color to distinguish success from failure output.
func runShell(ctx context.Context, coord *peripheral.Coordinator) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: read <svc> <char> | write <svc> <char> <hex> | rssi | quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "rssi":
			rssi, err := coord.ReadRSSI(ctx)
			if err != nil {
				color.Red("rssi error: %s", err)
				continue
			}
			color.Green("rssi: %d", rssi)
		case "read":
			if len(fields) != 3 {
				color.Red("usage: read <svc> <char>")
				continue
			}
			loc := locator.New(fields[1], fields[2])
			data, err := coord.Read(ctx, loc)
			if err != nil {
				color.Red("read error: %s", describeShellError(err))
				continue
			}
			color.Green("read %s: % x", loc, data)
		case "write":
			if len(fields) != 4 {
				color.Red("usage: write <svc> <char> <hex>")
				continue
			}
			data, err := parseHex(fields[3])
			if err != nil {
				color.Red("invalid hex: %s", err)
				continue
			}
			loc := locator.New(fields[1], fields[2])
			if err := coord.Write(ctx, loc, data); err != nil {
				color.Red("write error: %s", describeShellError(err))
				continue
			}
			color.Green("write %s ok", loc)
		default:
			color.Red("unknown command: %s", fields[0])
		}
	}
}

// describeShellError surfaces ErrConnectionLost for a characteristic
// access that failed because the peripheral disconnected mid-flight
// (peripheral.NotPresent), rather than the more detailed internal error.
func describeShellError(err error) error {
	var notPresent *peripheral.NotPresent
	if errors.As(err, &notPresent) {
		return ErrConnectionLost
	}
	return err
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b int
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}
