package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}
