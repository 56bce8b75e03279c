package session

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options configures a Session for its lifetime.
type Options struct {
	// OperationTimeout bounds every boundary round-trip that has no
	// per-call override.
	OperationTimeout time.Duration `default:"10s"`

	// ConnectTimeout bounds connect round-trips, which routinely take
	// longer than attribute operations.
	ConnectTimeout time.Duration `default:"30s"`

	// PassThrough disables command serialization from the start: commands
	// run concurrently with no ordering guarantee. Only for callers that
	// serialize externally. Can also be toggled later via SetSerialized.
	PassThrough bool
}

// DefaultOptions returns the option defaults.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// CallOptions overrides per-call settings on a single operation.
type CallOptions struct {
	// Timeout replaces the session-level timeout for this call. Zero keeps
	// the session default.
	Timeout time.Duration
}

func (s *Session) callTimeout(opts *CallOptions, fallback time.Duration) time.Duration {
	if opts != nil && opts.Timeout > 0 {
		return opts.Timeout
	}
	return fallback
}
