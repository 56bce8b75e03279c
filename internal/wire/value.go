// Package wire converts BLE attribute values between their in-process form
// (a byte slice) and the representations accepted at the native boundary.
// Some boundaries only carry strings; those get lowercase hex with no
// separators and no prefix. The in-process form is always a byte slice,
// with a zero-length slice standing in for an absent value.
package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind discriminates the boundary representations of an attribute value.
type Kind int

const (
	// KindAbsent marks a value that was not supplied at all.
	KindAbsent Kind = iota
	// KindBinary carries raw bytes.
	KindBinary
	// KindHex carries a lowercase hex string (two digits per byte).
	KindHex
)

var (
	// ErrInvalidData indicates a missing payload where the operation
	// requires one. Raised before the command is queued.
	ErrInvalidData = errors.New("invalid data")

	// ErrMalformedHex indicates a wire string that cannot be decoded into
	// bytes (odd length or non-hex digits).
	ErrMalformedHex = errors.New("malformed hex")
)

// Value is the tagged union crossing the native boundary:
// binary buffer, hex-encoded string, or absent.
type Value struct {
	kind Kind
	bin  []byte
	hexs string
}

// Absent returns the absent Value. Its zero value is equivalent.
func Absent() Value { return Value{} }

// Binary wraps raw bytes. The slice is not copied.
func Binary(b []byte) Value { return Value{kind: KindBinary, bin: b} }

// Hex wraps an already hex-encoded wire string.
func Hex(s string) Value { return Value{kind: KindHex, hexs: s} }

// Kind reports which branch of the union holds.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether no value is present.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// String renders the value for logs. Binary renders as hex for readability.
func (v Value) String() string {
	switch v.kind {
	case KindBinary:
		return hex.EncodeToString(v.bin)
	case KindHex:
		return v.hexs
	default:
		return "<absent>"
	}
}

// Encode prepares a buffer for the boundary. When stringOnly is true the
// boundary cannot carry raw bytes, so the buffer is rendered as lowercase
// hex; otherwise it passes through as binary. A nil or empty buffer encodes
// as absent.
func Encode(buf []byte, stringOnly bool) Value {
	if len(buf) == 0 {
		return Absent()
	}
	if stringOnly {
		return Hex(hex.EncodeToString(buf))
	}
	return Binary(buf)
}

// EncodeRequired is Encode for operations that demand a real payload
// (writes, descriptor writes). An empty buffer fails with ErrInvalidData
// instead of encoding as absent.
func EncodeRequired(buf []byte, stringOnly bool) (Value, error) {
	if len(buf) == 0 {
		return Absent(), fmt.Errorf("%w: operation requires a payload", ErrInvalidData)
	}
	return Encode(buf, stringOnly), nil
}

// Decode converts a boundary value back to the canonical in-process byte
// slice. Absent decodes to a zero-length slice; hex strings are decoded in
// strict byte pairs. Decode is total over well-formed inputs: no caller
// ever sees the raw wire string.
func Decode(v Value) ([]byte, error) {
	switch v.kind {
	case KindAbsent:
		return []byte{}, nil
	case KindBinary:
		return v.bin, nil
	case KindHex:
		b, err := hex.DecodeString(v.hexs)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHex, v.hexs)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrMalformedHex, v.kind)
	}
}
