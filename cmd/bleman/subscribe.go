package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <service-uuid> <char-uuid>",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and prints received values
until interrupted.

The session registers a disconnect callback before connecting, so a device
dropping the link mid-stream is reported rather than silently hanging.

Examples:
  # Watch heart-rate measurements
  bleman subscribe %s 180d 2a37

  # Output as hex
  bleman subscribe %s 180d 2a37 --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var subscribeHex bool

func init() {
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, serviceUUID, charUUID := args[0], args[1], args[2]

	sess, _, _, err := buildSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd.SilenceUsage = true

	ctx := context.Background()
	disconnected := make(chan struct{})
	err = sess.Connect(ctx, address, func(device string) {
		close(disconnected)
	}, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Disconnect(ctx, address, nil) }()

	tsColor := color.New(color.FgHiBlack)
	err = sess.StartNotifications(ctx, address, serviceUUID, charUUID, func(value []byte) {
		ts := tsColor.Sprint(time.Now().Format("15:04:05.000"))
		if subscribeHex {
			fmt.Printf("%s  %s\n", ts, hex.EncodeToString(value))
		} else {
			fmt.Printf("%s  %s\n", ts, value)
		}
	}, nil)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		return sess.StopNotifications(ctx, address, serviceUUID, charUUID, nil)
	case <-disconnected:
		return fmt.Errorf("device %s disconnected", address)
	}
}
