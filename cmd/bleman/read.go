package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleman/session"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <char-uuid>",
	Short: "Read a characteristic or descriptor value",
	Long: fmt.Sprintf(`Reads data from a BLE characteristic or descriptor.

Examples:
  # Read Heart Rate Measurement
  bleman read %s 180d 2a37

  # Read a descriptor (Client Characteristic Configuration)
  bleman read %s 180d 2a37 --desc 2902

  # Output as hex
  bleman read %s 180f 2a19 --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readDescUUID string
	readHex      bool
	readTimeout  time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, serviceUUID, charUUID := args[0], args[1], args[2]

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

	opts := &session.CallOptions{Timeout: readTimeout}
	var value []byte
	if readDescUUID != "" {
		value, err = sess.ReadDescriptor(ctx, address, serviceUUID, charUUID, readDescUUID, opts)
	} else {
		value, err = sess.Read(ctx, address, serviceUUID, charUUID, opts)
	}
	if err != nil {
		return err
	}

	if readHex {
		fmt.Println(hex.EncodeToString(value))
	} else {
		fmt.Printf("%s\n", value)
	}
	return nil
}
