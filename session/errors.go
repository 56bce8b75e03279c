package session

import (
	"github.com/srg/bleman/internal/bleuuid"
	"github.com/srg/bleman/internal/cmdqueue"
	"github.com/srg/bleman/internal/native"
	"github.com/srg/bleman/internal/wire"
)

// Error kinds surfaced by session operations, re-exported so callers can
// match them with errors.Is without importing the internal packages.
//
// ErrInvalidUUID and ErrInvalidData are raised synchronously, before a
// command is ever queued. The remaining kinds arrive through the failing
// operation's own result; they never disturb other queued commands.
var (
	ErrInvalidUUID  = bleuuid.ErrInvalidUUID
	ErrInvalidData  = wire.ErrInvalidData
	ErrMalformedHex = wire.ErrMalformedHex
	ErrTimeout      = native.ErrTimeout
	ErrUnsupported  = native.ErrUnsupported
	ErrClosed       = cmdqueue.ErrClosed
)
