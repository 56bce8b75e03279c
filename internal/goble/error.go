package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/bleman/internal/native"
)

// NormalizeError maps known go-ble error strings to structured boundary
// errors. It ensures consistent handling even if the upstream library
// changes messages slightly. Context errors pass through unchanged so a
// deadline expiry keeps its identity.
func NormalizeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	kind := ""
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		kind = "bluetooth_off"
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		kind = "bluetooth_off"
	case containsIgnoreCase(msg, "device not connected"):
		kind = "not_connected"
	case containsIgnoreCase(msg, "disconnected"):
		kind = "not_connected"
	case containsIgnoreCase(msg, "device already connected"):
		kind = "already_connected"
	case containsIgnoreCase(msg, "can't dial"), containsIgnoreCase(msg, "connection refused"):
		kind = "connect_failed"
	}
	return &native.Error{Op: op, Kind: kind, Message: msg}
}

func errNotInitialized(op string) error {
	return &native.Error{Op: op, Kind: "not_initialized", Message: "BLE device is not initialized - call initialize first"}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
