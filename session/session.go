// Package session is the public facade of the BLE central: every GATT-side
// operation is validated, normalized, funneled through a serial command
// queue, and decoded on the way back. The native stack behind the boundary
// only ever sees one outstanding request per session unless the caller
// explicitly opts out of serialization.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/bleuuid"
	"github.com/srg/bleman/internal/cmdqueue"
	"github.com/srg/bleman/internal/listeners"
	"github.com/srg/bleman/internal/native"
	"github.com/srg/bleman/internal/wire"
)

// Session drives one native BLE stack. It owns its command queue and
// listener registry; both are torn down by Close. All methods are safe for
// concurrent use.
type Session struct {
	svc      native.Service
	queue    *cmdqueue.Queue
	registry *listeners.Registry
	logger   *logrus.Logger
	opts     *Options
	closed   atomic.Bool
}

// New creates a session over the given native service. A nil logger falls
// back to a default logrus instance; nil opts take the defaults.
func New(svc native.Service, logger *logrus.Logger, opts *Options) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	merged := Options{}
	if opts != nil {
		merged = *opts
	}
	defaults.SetDefaults(&merged)
	opts = &merged

	return &Session{
		svc:      svc,
		queue:    cmdqueue.New(logger, !opts.PassThrough),
		registry: listeners.New(logger),
		logger:   logger,
		opts:     opts,
	}
}

// SetSerialized toggles command serialization. Commands already queued keep
// their ordering discipline; only later submissions are affected.
func (s *Session) SetSerialized(enabled bool) {
	s.queue.SetSerialized(enabled)
}

// Close drains the command queue and releases every listener handle. The
// session cannot be reused afterwards.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.queue.Close()
	s.registry.Close()
	s.logger.Debug("Session closed")
}

// run submits one command and waits for its result. The wait is
// unconditional: once submitted, a command always settles (there is no
// mid-flight cancellation).
func (s *Session) run(ctx context.Context, name string, fn cmdqueue.Func) (any, error) {
	res := <-s.queue.Submit(ctx, name, fn)
	return res.Value, res.Err
}

// invoke performs the boundary round-trip with the per-call deadline
// applied. A deadline expiry surfaces as ErrTimeout; any other native
// failure is wrapped so its kind and message survive unchanged.
func (s *Session) invoke(ctx context.Context, op string, timeout time.Duration, params native.Params) (native.Payload, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := s.svc.Invoke(callCtx, op, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return payload, fmt.Errorf("%w: %s did not settle within %v", native.ErrTimeout, op, timeout)
		}
		return payload, native.WrapError(op, err)
	}
	return payload, nil
}

// submitInvoke is the common shape of a plain boundary command: queue it,
// run the round-trip, hand the payload back.
func (s *Session) submitInvoke(ctx context.Context, op string, params native.Params, timeout time.Duration) (native.Payload, error) {
	v, err := s.run(ctx, op, func(ctx context.Context) (any, error) {
		return s.invoke(ctx, op, timeout, params)
	})
	if err != nil {
		return native.Payload{}, err
	}
	return v.(native.Payload), nil
}

// ----------------------------
// Adapter lifecycle
// ----------------------------

// Initialize prepares the native stack. Must be called before any other
// operation.
func (s *Session) Initialize(ctx context.Context) error {
	_, err := s.submitInvoke(ctx, native.OpInitialize, nil, s.opts.OperationTimeout)
	return err
}

// Enable powers the adapter radio on where the platform permits it.
func (s *Session) Enable(ctx context.Context, opts *CallOptions) error {
	_, err := s.submitInvoke(ctx, native.OpEnable, nil, s.callTimeout(opts, s.opts.OperationTimeout))
	return err
}

// Disable powers the adapter radio off where the platform permits it.
func (s *Session) Disable(ctx context.Context, opts *CallOptions) error {
	_, err := s.submitInvoke(ctx, native.OpDisable, nil, s.callTimeout(opts, s.opts.OperationTimeout))
	return err
}

// IsEnabled reports whether the adapter radio is powered on.
func (s *Session) IsEnabled(ctx context.Context) (bool, error) {
	payload, err := s.submitInvoke(ctx, native.OpIsEnabled, nil, s.opts.OperationTimeout)
	if err != nil {
		return false, err
	}
	return payload.Flag, nil
}

// OnEnabledChange subscribes cb to adapter enabled-state changes. It
// returns once the subscription is installed; events may begin arriving
// any time after that. A second call replaces the previous callback.
func (s *Session) OnEnabledChange(ctx context.Context, cb func(enabled bool)) error {
	if cb == nil {
		return fmt.Errorf("enabled-state callback is required")
	}
	_, err := s.run(ctx, "onEnabledChange", func(ctx context.Context) (any, error) {
		return nil, s.registerListener(listeners.EnabledStateKey, func(p native.Payload) {
			cb(p.Flag)
		})
	})
	return err
}

// StopEnabledChange removes the enabled-state subscription. A no-op when
// none is installed.
func (s *Session) StopEnabledChange(ctx context.Context) error {
	_, err := s.run(ctx, "stopEnabledChange", func(ctx context.Context) (any, error) {
		return nil, s.registry.Unregister(listeners.EnabledStateKey)
	})
	return err
}

// ----------------------------
// Scanning
// ----------------------------

// StartScan begins discovery and streams every advertisement to cb.
// serviceFilter restricts results to peripherals advertising one of the
// given services; it may be empty. Returns once scanning has started.
func (s *Session) StartScan(ctx context.Context, serviceFilter []string, cb func(native.Advertisement)) error {
	if cb == nil {
		return fmt.Errorf("scan callback is required")
	}
	normalized, err := bleuuid.NormalizeAll(serviceFilter)
	if err != nil {
		return err
	}

	_, err = s.run(ctx, native.OpStartScan, func(ctx context.Context) (any, error) {
		err := s.registerListener(listeners.ScanResultKey, func(p native.Payload) {
			if p.Device != nil {
				cb(*p.Device)
			}
		})
		if err != nil {
			return nil, err
		}

		params := native.Params{native.ParamServices: normalized}
		if _, err := s.invoke(ctx, native.OpStartScan, s.opts.OperationTimeout, params); err != nil {
			// Listener installed but the radio never started; take it
			// back out so a retry starts clean.
			_ = s.registry.Unregister(listeners.ScanResultKey)
			return nil, err
		}
		return nil, nil
	})
	return err
}

// StopScan ends discovery and removes the scan-result subscription.
func (s *Session) StopScan(ctx context.Context) error {
	_, err := s.run(ctx, native.OpStopScan, func(ctx context.Context) (any, error) {
		_, invokeErr := s.invoke(ctx, native.OpStopScan, s.opts.OperationTimeout, nil)
		if err := s.registry.Unregister(listeners.ScanResultKey); err != nil {
			s.logger.WithField("error", err).Warn("Failed to release scan listener")
		}
		return nil, invokeErr
	})
	return err
}

// ----------------------------
// Connections
// ----------------------------

// Connect establishes a connection to the peripheral at device. When
// onDisconnect is non-nil it is registered under the device's disconnect
// key before the connect round-trip is issued, so a disconnect arriving
// mid- or post-connect is never missed.
func (s *Session) Connect(ctx context.Context, device string, onDisconnect func(device string), opts *CallOptions) error {
	if strings.TrimSpace(device) == "" {
		return fmt.Errorf("device address is required")
	}
	timeout := s.callTimeout(opts, s.opts.ConnectTimeout)

	_, err := s.run(ctx, native.OpConnect, func(ctx context.Context) (any, error) {
		if onDisconnect != nil {
			err := s.registerListener(listeners.DisconnectKey(device), func(native.Payload) {
				onDisconnect(device)
			})
			if err != nil {
				return nil, err
			}
		}

		params := native.Params{native.ParamDevice: device}
		if _, err := s.invoke(ctx, native.OpConnect, timeout, params); err != nil {
			if onDisconnect != nil {
				_ = s.registry.Unregister(listeners.DisconnectKey(device))
			}
			return nil, err
		}
		return nil, nil
	})
	return err
}

// Disconnect tears down the connection to device and removes its
// disconnect subscription.
func (s *Session) Disconnect(ctx context.Context, device string, opts *CallOptions) error {
	timeout := s.callTimeout(opts, s.opts.OperationTimeout)
	_, err := s.run(ctx, native.OpDisconnect, func(ctx context.Context) (any, error) {
		params := native.Params{native.ParamDevice: device}
		_, invokeErr := s.invoke(ctx, native.OpDisconnect, timeout, params)
		if err := s.registry.Unregister(listeners.DisconnectKey(device)); err != nil {
			s.logger.WithFields(logrus.Fields{
				"device": device,
				"error":  err,
			}).Warn("Failed to release disconnect listener")
		}
		return nil, invokeErr
	})
	return err
}

// Bond initiates pairing with device on platforms that expose it.
func (s *Session) Bond(ctx context.Context, device string, opts *CallOptions) error {
	params := native.Params{native.ParamDevice: device}
	_, err := s.submitInvoke(ctx, native.OpBond, params, s.callTimeout(opts, s.opts.OperationTimeout))
	return err
}

// IsBonded reports whether device is bonded with the adapter.
func (s *Session) IsBonded(ctx context.Context, device string) (bool, error) {
	params := native.Params{native.ParamDevice: device}
	payload, err := s.submitInvoke(ctx, native.OpIsBonded, params, s.opts.OperationTimeout)
	if err != nil {
		return false, err
	}
	return payload.Flag, nil
}

// ReadRSSI reads the received signal strength for a connected device.
func (s *Session) ReadRSSI(ctx context.Context, device string, opts *CallOptions) (int, error) {
	params := native.Params{native.ParamDevice: device}
	payload, err := s.submitInvoke(ctx, native.OpReadRSSI, params, s.callTimeout(opts, s.opts.OperationTimeout))
	if err != nil {
		return 0, err
	}
	return payload.Number, nil
}

// ----------------------------
// Attribute operations
// ----------------------------

// Read reads the value of a characteristic.
func (s *Session) Read(ctx context.Context, device, service, characteristic string, opts *CallOptions) ([]byte, error) {
	params, err := attributeParams(device, service, characteristic)
	if err != nil {
		return nil, err
	}
	return s.readValue(ctx, native.OpRead, params, opts)
}

// Write writes a value to a characteristic and waits for the
// acknowledgement. The payload must be non-empty.
func (s *Session) Write(ctx context.Context, device, service, characteristic string, data []byte, opts *CallOptions) error {
	return s.writeValue(ctx, native.OpWrite, device, service, characteristic, "", data, opts)
}

// WriteWithoutResponse writes a value to a characteristic without waiting
// for an acknowledgement.
func (s *Session) WriteWithoutResponse(ctx context.Context, device, service, characteristic string, data []byte, opts *CallOptions) error {
	return s.writeValue(ctx, native.OpWriteWithoutResponse, device, service, characteristic, "", data, opts)
}

// ReadDescriptor reads the value of a descriptor.
func (s *Session) ReadDescriptor(ctx context.Context, device, service, characteristic, descriptor string, opts *CallOptions) ([]byte, error) {
	params, err := attributeParams(device, service, characteristic)
	if err != nil {
		return nil, err
	}
	desc, err := bleuuid.Normalize(descriptor)
	if err != nil {
		return nil, err
	}
	params[native.ParamDescriptor] = desc
	return s.readValue(ctx, native.OpReadDescriptor, params, opts)
}

// WriteDescriptor writes a value to a descriptor.
func (s *Session) WriteDescriptor(ctx context.Context, device, service, characteristic, descriptor string, data []byte, opts *CallOptions) error {
	return s.writeValue(ctx, native.OpWriteDescriptor, device, service, characteristic, descriptor, data, opts)
}

func (s *Session) readValue(ctx context.Context, op string, params native.Params, opts *CallOptions) ([]byte, error) {
	payload, err := s.submitInvoke(ctx, op, params, s.callTimeout(opts, s.opts.OperationTimeout))
	if err != nil {
		return nil, err
	}
	return wire.Decode(payload.Data)
}

func (s *Session) writeValue(ctx context.Context, op, device, service, characteristic, descriptor string, data []byte, opts *CallOptions) error {
	params, err := attributeParams(device, service, characteristic)
	if err != nil {
		return err
	}
	if descriptor != "" {
		desc, err := bleuuid.Normalize(descriptor)
		if err != nil {
			return err
		}
		params[native.ParamDescriptor] = desc
	}

	// Validation precedes queueing: a missing payload never occupies a
	// queue slot.
	value, err := wire.EncodeRequired(data, s.svc.StringValues())
	if err != nil {
		return err
	}
	params[native.ParamValue] = value

	_, err = s.submitInvoke(ctx, op, params, s.callTimeout(opts, s.opts.OperationTimeout))
	return err
}

// ----------------------------
// Notifications
// ----------------------------

// StartNotifications subscribes cb to value changes of a characteristic.
// It returns once the subscription is installed. Calling it again for the
// same characteristic replaces the callback; other characteristics are
// unaffected.
func (s *Session) StartNotifications(ctx context.Context, device, service, characteristic string, cb func(value []byte), opts *CallOptions) error {
	if cb == nil {
		return fmt.Errorf("notification callback is required")
	}
	params, err := attributeParams(device, service, characteristic)
	if err != nil {
		return err
	}
	key := listeners.NotifyKey(device, params.String(native.ParamService), params.String(native.ParamCharacteristic))
	timeout := s.callTimeout(opts, s.opts.OperationTimeout)

	_, err = s.run(ctx, native.OpStartNotifications, func(ctx context.Context) (any, error) {
		err := s.registerListener(key, func(p native.Payload) {
			data, err := wire.Decode(p.Data)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"key":   key,
					"error": err,
				}).Warn("Dropping undecodable notification")
				return
			}
			cb(data)
		})
		if err != nil {
			return nil, err
		}

		if _, err := s.invoke(ctx, native.OpStartNotifications, timeout, params); err != nil {
			_ = s.registry.Unregister(key)
			return nil, err
		}
		return nil, nil
	})
	return err
}

// StopNotifications removes the value-change subscription for a
// characteristic.
func (s *Session) StopNotifications(ctx context.Context, device, service, characteristic string, opts *CallOptions) error {
	params, err := attributeParams(device, service, characteristic)
	if err != nil {
		return err
	}
	key := listeners.NotifyKey(device, params.String(native.ParamService), params.String(native.ParamCharacteristic))
	timeout := s.callTimeout(opts, s.opts.OperationTimeout)

	_, err = s.run(ctx, native.OpStopNotifications, func(ctx context.Context) (any, error) {
		_, invokeErr := s.invoke(ctx, native.OpStopNotifications, timeout, params)
		if err := s.registry.Unregister(key); err != nil {
			s.logger.WithFields(logrus.Fields{
				"key":   key,
				"error": err,
			}).Warn("Failed to release notification listener")
		}
		return nil, invokeErr
	})
	return err
}

// registerListener installs a keyed subscription whose delivery closure is
// handler. The registry guarantees at most one live subscription per key.
func (s *Session) registerListener(key string, handler func(native.Payload)) error {
	_, err := s.registry.Register(key, func() (native.Handle, error) {
		return s.svc.AddListener(key, handler)
	})
	if err != nil {
		return native.WrapError("addListener", err)
	}
	return nil
}

// attributeParams validates the addressing triple and returns it as
// boundary parameters. Raised before queueing.
func attributeParams(device, service, characteristic string) (native.Params, error) {
	if strings.TrimSpace(device) == "" {
		return nil, fmt.Errorf("device address is required")
	}
	svc, err := bleuuid.Normalize(service)
	if err != nil {
		return nil, err
	}
	chr, err := bleuuid.Normalize(characteristic)
	if err != nil {
		return nil, err
	}
	return native.Params{
		native.ParamDevice:         device,
		native.ParamService:        svc,
		native.ParamCharacteristic: chr,
	}, nil
}
