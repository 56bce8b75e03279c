package bleuuid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Bluetooth SIG base UUID template. Short identifiers are expanded by
// substituting the hex form into the first segment:
//
//	16-bit  180d     -> 0000180d-0000-1000-8000-00805f9b34fb
//	32-bit  0000180d -> 0000180d-0000-1000-8000-00805f9b34fb
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

var (
	shortPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)
	longPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)
	fullPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// ErrInvalidUUID indicates an identifier that is neither a 16-bit, 32-bit,
// nor full 128-bit Bluetooth UUID. It is raised before any boundary call.
var ErrInvalidUUID = errors.New("invalid UUID")

// Normalize validates a service/characteristic/descriptor identifier and
// expands it to the canonical full 128-bit lowercase dashed form.
//
// Accepted inputs (case-insensitive):
//   - 16-bit short form, e.g. "180D"
//   - 32-bit short form, e.g. "0000180D"
//   - full 128-bit dashed form, e.g. "0000180d-0000-1000-8000-00805f9b34fb"
//
// Only the returned form ever crosses the native boundary. Normalize is
// idempotent: its output is always a valid input that maps to itself.
func Normalize(input string) (string, error) {
	switch {
	case shortPattern.MatchString(input):
		return "0000" + strings.ToLower(input) + baseUUIDSuffix, nil
	case longPattern.MatchString(input):
		return strings.ToLower(input) + baseUUIDSuffix, nil
	case fullPattern.MatchString(input):
		return strings.ToLower(input), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUUID, input)
	}
}

// NormalizeAll normalizes a slice of identifiers, failing on the first
// invalid entry.
func NormalizeAll(inputs []string) ([]string, error) {
	result := make([]string, 0, len(inputs))
	for _, in := range inputs {
		n, err := Normalize(in)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}

// Shorten returns the 16-bit short form for UUIDs in the Bluetooth SIG base
// range, and the input unchanged otherwise. Display helper only; shortened
// forms never cross the boundary.
func Shorten(uuid string) string {
	u := strings.ToLower(uuid)
	if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, baseUUIDSuffix) && len(u) == 36 {
		return u[4:8]
	}
	return uuid
}
