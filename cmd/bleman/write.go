package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleman/session"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <char-uuid> <data>",
	Short: "Write to a characteristic or descriptor",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor.

Examples:
  # Write to characteristic (string data)
  bleman write %s 1802 2a06 "high"

  # Write hex data
  bleman write %s 1802 2a06 01 --hex

  # Write to descriptor (enable notifications)
  bleman write %s 180d 2a37 0100 --desc 2902 --hex

  # Write without response (faster, no ACK)
  bleman write %s 1802 2a06 01 --hex --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeDescUUID   string
	writeHex        bool
	writeNoResponse bool
	writeTimeout    time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeDescUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'ff01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK)")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 5*time.Second, "Write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, serviceUUID, charUUID, dataStr := args[0], args[1], args[2], args[3]

	data := []byte(dataStr)
	if writeHex {
		decoded, err := hex.DecodeString(dataStr)
		if err != nil {
			return fmt.Errorf("invalid hex data %q: %w", dataStr, err)
		}
		data = decoded
	}

	sess, _, _, err := buildSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd.SilenceUsage = true

	ctx := context.Background()
	if err := sess.Connect(ctx, address, nil, nil); err != nil {
		return err
	}
	defer func() { _ = sess.Disconnect(ctx, address, nil) }()

	opts := &session.CallOptions{Timeout: writeTimeout}
	switch {
	case writeDescUUID != "":
		err = sess.WriteDescriptor(ctx, address, serviceUUID, charUUID, writeDescUUID, data, opts)
	case writeNoResponse:
		err = sess.WriteWithoutResponse(ctx, address, serviceUUID, charUUID, data, opts)
	default:
		err = sess.Write(ctx, address, serviceUUID, charUUID, data, opts)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %d byte(s)\n", len(data))
	return nil
}
