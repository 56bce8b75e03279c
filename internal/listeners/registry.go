// Package listeners tracks at most one live native subscription per logical
// key. Registering a key that is already taken releases the old handle
// (best effort) before the new subscription is installed, so a stale
// subscription can never leak behind a fresh one.
package listeners

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bleman/internal/native"
)

// Listener keys. Each concern gets its own deterministic key; registering
// one never disturbs another.
const (
	// EnabledStateKey identifies the adapter enabled-state event stream.
	EnabledStateKey = "enabled-state"
	// ScanResultKey identifies the scan-result event stream.
	ScanResultKey = "scan-result"
)

// DisconnectKey builds the per-device disconnect notification key.
func DisconnectKey(device string) string {
	return fmt.Sprintf("disconnect|%s", device)
}

// NotifyKey builds the per-characteristic value-change notification key.
// UUIDs must already be normalized.
func NotifyKey(device, service, characteristic string) string {
	return fmt.Sprintf("notify|%s|%s|%s", device, service, characteristic)
}

// SubscribeFunc installs one subscription with the native stack and returns
// its ownership handle. It runs under the registry lock; implementations
// must not call back into the registry.
type SubscribeFunc func() (native.Handle, error)

// Registry maps listener keys to their single live handle. Entries keep
// registration order so teardown releases them deterministically.
type Registry struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, native.Handle]
	logger  *logrus.Logger
}

// New creates an empty registry. A nil logger falls back to the logrus
// default.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		entries: orderedmap.New[string, native.Handle](),
		logger:  logger,
	}
}

// Register installs a subscription under key. An existing entry is released
// first; a release failure is logged and ignored, since a stale handle must
// never block the new subscription. On subscribe failure the key is left
// unoccupied.
func (r *Registry) Register(key string, subscribe SubscribeFunc) (native.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries.Get(key); ok {
		r.entries.Delete(key)
		if err := old.Release(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"key":   key,
				"error": err,
			}).Warn("Failed to release replaced listener handle")
		}
	}

	handle, err := subscribe()
	if err != nil {
		return nil, err
	}
	r.entries.Set(key, handle)
	r.logger.WithField("key", key).Debug("Listener registered")
	return handle, nil
}

// Unregister releases and removes the entry under key. A missing key is a
// no-op, not an error.
func (r *Registry) Unregister(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.entries.Get(key)
	if !ok {
		return nil
	}
	r.entries.Delete(key)
	r.logger.WithField("key", key).Debug("Listener unregistered")
	return handle.Release()
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

// Close releases every handle in registration order and empties the
// registry. Release failures are logged and do not stop the sweep.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.Release(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"key":   pair.Key,
				"error": err,
			}).Warn("Failed to release listener handle during teardown")
		}
	}
	r.entries = orderedmap.New[string, native.Handle]()
}
