// Package native defines the boundary contract to the platform BLE stack.
// The session core never talks GATT itself; it issues named operations with
// flat parameter sets against a Service implementation and receives typed
// payloads or errors back. Asynchronous event streams are keyed listeners.
package native

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bleman/internal/wire"
)

// Operation names understood by a Service.
const (
	OpInitialize           = "initialize"
	OpEnable               = "enable"
	OpDisable              = "disable"
	OpIsEnabled            = "isEnabled"
	OpStartScan            = "startScan"
	OpStopScan             = "stopScan"
	OpConnect              = "connect"
	OpDisconnect           = "disconnect"
	OpBond                 = "bond"
	OpIsBonded             = "isBonded"
	OpReadRSSI             = "readRssi"
	OpRead                 = "read"
	OpWrite                = "write"
	OpWriteWithoutResponse = "writeWithoutResponse"
	OpReadDescriptor       = "readDescriptor"
	OpWriteDescriptor      = "writeDescriptor"
	OpStartNotifications   = "startNotifications"
	OpStopNotifications    = "stopNotifications"
)

// Parameter names. Every parameter set is flat; UUID parameters are always
// in the full 128-bit lowercase dashed form.
const (
	ParamDevice         = "device"
	ParamService        = "service"
	ParamCharacteristic = "characteristic"
	ParamDescriptor     = "descriptor"
	ParamValue          = "value"
	ParamServices       = "services"
)

// Params is the flat named-parameter set of one operation.
type Params map[string]any

// String returns the string under key, or "" when missing.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Value returns the wire.Value under key, or the absent value when missing.
func (p Params) Value(key string) wire.Value {
	v, _ := p[key].(wire.Value)
	return v
}

// Strings returns the string slice under key, or nil when missing.
func (p Params) Strings(key string) []string {
	s, _ := p[key].([]string)
	return s
}

// Advertisement describes one discovered peripheral, as reported by a
// scan-result event.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int
	TxPower          *int
	Connectable      bool
	ServiceUUIDs     []string
	ManufacturerData []byte
}

// Payload is the operation-specific result of a successful boundary call,
// and equally the body of a delivered event. Only the fields relevant to
// the operation are populated.
type Payload struct {
	// Data carries an attribute value (reads, notification events).
	Data wire.Value
	// Flag carries a boolean result (isEnabled, isBonded, enabled-state
	// events, and the connected marker on disconnect events).
	Flag bool
	// Number carries a numeric result (RSSI).
	Number int
	// Device carries a peripheral descriptor (scan-result events).
	Device *Advertisement
}

// Handle owns one live subscription with the native stack. Release is
// idempotent.
type Handle interface {
	Release() error
}

// Service is the abstract native BLE stack the session core drives.
//
// Invoke performs one operation round-trip; the passed context bounds it,
// and the implementation must honor cancellation by failing the call (the
// physical operation may still run to completion underneath).
//
// AddListener subscribes handler to the event stream named by key. Events
// under one key are delivered in arrival order; no ordering holds across
// keys. StringValues reports whether this boundary carries attribute
// payloads as hex strings rather than raw bytes.
type Service interface {
	Invoke(ctx context.Context, op string, params Params) (Payload, error)
	AddListener(key string, handler func(Payload)) (Handle, error)
	StringValues() bool
}

var (
	// ErrTimeout indicates the per-call deadline elapsed before the
	// boundary call settled.
	ErrTimeout = errors.New("timeout")

	// ErrUnsupported indicates an operation the platform stack cannot
	// perform (e.g. radio power control or bonding on macOS).
	ErrUnsupported = errors.New("unsupported")
)

// Error wraps a failure reported by the native stack, preserving its
// machine-readable kind and message unchanged.
type Error struct {
	Op      string
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("native %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("native %s failed (%s): %s", e.Op, e.Kind, e.Message)
}

// Is allows errors.Is comparisons by Kind against another *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind != "" && e.Kind == t.Kind
}

// WrapError converts an arbitrary native-stack error into *Error, leaving
// existing *Error values and the sentinel kinds untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnsupported) {
		return err
	}
	return &Error{Op: op, Message: err.Error()}
}
