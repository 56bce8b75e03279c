// Package goble implements the native boundary over the go-ble stack. It is
// the production collaborator behind the session facade: the facade decides
// what to run and in which order, this package performs the radio work.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/listeners"
	"github.com/srg/bleman/internal/native"
	"github.com/srg/bleman/internal/ringchan"
	"github.com/srg/bleman/internal/wire"
)

const scanEventBuffer = 100

// Service drives go-ble. It carries raw byte payloads, so StringValues
// reports false and the codec passes buffers through untouched.
type Service struct {
	logger *logrus.Logger

	mu         sync.Mutex
	device     ble.Device
	conns      map[string]*connection
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	handlers *hashmap.Map[string, func(native.Payload)]
}

// connection tracks one dialed peripheral and its live notification
// subscriptions (by listener key), so stop/teardown can unsubscribe them.
type connection struct {
	client  ble.Client
	profile *ble.Profile
	subs    map[string]*ble.Characteristic
}

// New creates an uninitialized service; OpInitialize brings the radio up.
func New(logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		logger:   logger,
		conns:    make(map[string]*connection),
		handlers: hashmap.New[string, func(native.Payload)](),
	}
}

func (s *Service) StringValues() bool { return false }

// listenerHandle removes its key from the handler table on release.
type listenerHandle struct {
	svc      *Service
	key      string
	released sync.Once
}

func (h *listenerHandle) Release() error {
	h.released.Do(func() {
		h.svc.handlers.Del(h.key)
	})
	return nil
}

func (s *Service) AddListener(key string, handler func(native.Payload)) (native.Handle, error) {
	s.handlers.Set(key, handler)
	return &listenerHandle{svc: s, key: key}, nil
}

// emit delivers an event to the handler registered under key, if any.
func (s *Service) emit(key string, p native.Payload) {
	if handler, ok := s.handlers.Get(key); ok {
		handler(p)
	}
}

// await runs fn on its own goroutine and settles with whichever finishes
// first, fn or the context. go-ble client calls do not take a context, so
// this is how the per-call deadline reaches every blocking GATT operation.
// The buffered channel lets a late fn finish without anyone receiving.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{v: v, err: err}
	}()
	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, fn func() error) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (s *Service) Invoke(ctx context.Context, op string, params native.Params) (native.Payload, error) {
	switch op {
	case native.OpInitialize:
		return native.Payload{}, s.initialize()
	case native.OpIsEnabled:
		s.mu.Lock()
		defer s.mu.Unlock()
		return native.Payload{Flag: s.device != nil}, nil
	case native.OpEnable, native.OpDisable, native.OpBond, native.OpIsBonded:
		return native.Payload{}, fmt.Errorf("%w: %s is not available on this platform", native.ErrUnsupported, op)
	case native.OpStartScan:
		return native.Payload{}, s.startScan(params.Strings(native.ParamServices))
	case native.OpStopScan:
		return native.Payload{}, s.stopScan()
	case native.OpConnect:
		return native.Payload{}, s.connect(ctx, params.String(native.ParamDevice))
	case native.OpDisconnect:
		return native.Payload{}, s.disconnect(params.String(native.ParamDevice))
	case native.OpReadRSSI:
		return s.readRSSI(ctx, params.String(native.ParamDevice))
	case native.OpRead:
		return s.readCharacteristic(ctx, params)
	case native.OpWrite:
		return native.Payload{}, s.writeCharacteristic(ctx, params, false)
	case native.OpWriteWithoutResponse:
		return native.Payload{}, s.writeCharacteristic(ctx, params, true)
	case native.OpReadDescriptor:
		return s.readDescriptor(ctx, params)
	case native.OpWriteDescriptor:
		return native.Payload{}, s.writeDescriptor(ctx, params)
	case native.OpStartNotifications:
		return native.Payload{}, s.startNotifications(ctx, params)
	case native.OpStopNotifications:
		return native.Payload{}, s.stopNotifications(ctx, params)
	default:
		return native.Payload{}, &native.Error{Op: op, Kind: "unknown_operation", Message: "operation not implemented"}
	}
}

func (s *Service) initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(native.OpInitialize, err)
	}
	ble.SetDefaultDevice(dev)
	s.device = dev
	s.logger.Info("BLE device initialized")
	return nil
}

// ----------------------------
// Scanning
// ----------------------------

func (s *Service) startScan(serviceFilter []string) error {
	s.mu.Lock()
	if s.device == nil {
		s.mu.Unlock()
		return errNotInitialized(native.OpStartScan)
	}
	if s.scanCancel != nil {
		s.mu.Unlock()
		return &native.Error{Op: native.OpStartScan, Kind: "already_scanning", Message: "scan already running"}
	}
	dev := s.device
	scanCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.scanCancel = cancel
	s.scanDone = done
	s.mu.Unlock()

	// Scan callbacks arrive at the radio's pace; buffer them so a slow
	// consumer sheds results instead of stalling the native callback.
	ring := ringchan.New[native.Payload](scanEventBuffer)

	go func() {
		for p := range ring.C() {
			s.emit(listeners.ScanResultKey, p)
		}
		close(done)
	}()

	go func() {
		defer ring.Close()
		err := dev.Scan(scanCtx, true, func(adv ble.Advertisement) {
			if !matchesServiceFilter(adv, serviceFilter) {
				return
			}
			ring.Send(native.Payload{Device: convertAdvertisement(adv)})
		})
		if err != nil && scanCtx.Err() == nil {
			s.logger.WithField("error", err).Warn("BLE scan terminated")
		}
		if n := ring.Overruns(); n > 0 {
			s.logger.WithField("dropped", n).Debug("Scan results dropped by slow consumer")
		}
	}()

	s.logger.WithField("services", serviceFilter).Info("BLE scan started")
	return nil
}

func (s *Service) stopScan() error {
	s.mu.Lock()
	cancel := s.scanCancel
	done := s.scanDone
	s.scanCancel = nil
	s.scanDone = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("BLE scan stopped")
	return nil
}

func matchesServiceFilter(adv ble.Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, got := range adv.Services() {
			if bleUUIDEqual(want, got) {
				return true
			}
		}
	}
	return false
}

func convertAdvertisement(adv ble.Advertisement) *native.Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, expandBLEUUID(u))
	}
	out := &native.Advertisement{
		Address:          adv.Addr().String(),
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ServiceUUIDs:     services,
		ManufacturerData: adv.ManufacturerData(),
	}
	// 127 is how go-ble reports an absent TX power level.
	if tx := adv.TxPowerLevel(); tx != 127 {
		out.TxPower = &tx
	}
	return out
}

// ----------------------------
// Connections
// ----------------------------

func (s *Service) connect(ctx context.Context, address string) error {
	s.mu.Lock()
	if s.device == nil {
		s.mu.Unlock()
		return errNotInitialized(native.OpConnect)
	}
	if _, ok := s.conns[address]; ok {
		s.mu.Unlock()
		return &native.Error{Op: native.OpConnect, Kind: "already_connected", Message: fmt.Sprintf("device %s already connected", address)}
	}
	s.mu.Unlock()

	s.logger.WithField("address", address).Info("Connecting to BLE device...")

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return NormalizeError(native.OpConnect, fmt.Errorf("failed to connect to device %q: %w", address, err))
	}

	profile, err := await(ctx, func() (*ble.Profile, error) {
		return client.DiscoverProfile(true)
	})
	if err != nil {
		_ = client.CancelConnection()
		return NormalizeError(native.OpConnect, fmt.Errorf("failed to discover profile: %w", err))
	}

	s.mu.Lock()
	s.conns[address] = &connection{
		client:  client,
		profile: profile,
		subs:    make(map[string]*ble.Characteristic),
	}
	s.mu.Unlock()

	// Watch the link; a drop fires the device's disconnect event and
	// forgets the connection.
	go func() {
		<-client.Disconnected()
		s.mu.Lock()
		_, stillTracked := s.conns[address]
		delete(s.conns, address)
		s.mu.Unlock()
		if stillTracked {
			s.logger.WithField("address", address).Info("BLE device disconnected")
			s.emit(listeners.DisconnectKey(address), native.Payload{})
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return nil
}

func (s *Service) disconnect(address string) error {
	s.mu.Lock()
	conn, ok := s.conns[address]
	delete(s.conns, address)
	s.mu.Unlock()

	if !ok {
		s.logger.WithField("address", address).Info("Already disconnected")
		return nil
	}
	if err := conn.client.CancelConnection(); err != nil {
		return NormalizeError(native.OpDisconnect, err)
	}
	return nil
}

func (s *Service) readRSSI(ctx context.Context, address string) (native.Payload, error) {
	conn, err := s.connectionFor(native.OpReadRSSI, address)
	if err != nil {
		return native.Payload{}, err
	}
	rssi, err := await(ctx, func() (int, error) {
		return conn.client.ReadRSSI(), nil
	})
	if err != nil {
		return native.Payload{}, err
	}
	return native.Payload{Number: rssi}, nil
}

func (s *Service) connectionFor(op, address string) (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[address]
	if !ok {
		return nil, &native.Error{Op: op, Kind: "not_connected", Message: fmt.Sprintf("device %s not connected", address)}
	}
	return conn, nil
}

// ----------------------------
// Attribute operations
// ----------------------------

func (s *Service) readCharacteristic(ctx context.Context, params native.Params) (native.Payload, error) {
	conn, chr, err := s.findCharacteristic(native.OpRead, params)
	if err != nil {
		return native.Payload{}, err
	}
	data, err := await(ctx, func() ([]byte, error) {
		return conn.client.ReadCharacteristic(chr)
	})
	if err != nil {
		return native.Payload{}, NormalizeError(native.OpRead, err)
	}
	return native.Payload{Data: wire.Binary(data)}, nil
}

func (s *Service) writeCharacteristic(ctx context.Context, params native.Params, noRsp bool) error {
	op := native.OpWrite
	if noRsp {
		op = native.OpWriteWithoutResponse
	}
	conn, chr, err := s.findCharacteristic(op, params)
	if err != nil {
		return err
	}
	data, err := wire.Decode(params.Value(native.ParamValue))
	if err != nil {
		return err
	}
	err = awaitErr(ctx, func() error {
		return conn.client.WriteCharacteristic(chr, data, noRsp)
	})
	if err != nil {
		return NormalizeError(op, err)
	}
	return nil
}

func (s *Service) readDescriptor(ctx context.Context, params native.Params) (native.Payload, error) {
	conn, desc, err := s.findDescriptor(native.OpReadDescriptor, params)
	if err != nil {
		return native.Payload{}, err
	}
	data, err := await(ctx, func() ([]byte, error) {
		return conn.client.ReadDescriptor(desc)
	})
	if err != nil {
		return native.Payload{}, NormalizeError(native.OpReadDescriptor, err)
	}
	return native.Payload{Data: wire.Binary(data)}, nil
}

func (s *Service) writeDescriptor(ctx context.Context, params native.Params) error {
	conn, desc, err := s.findDescriptor(native.OpWriteDescriptor, params)
	if err != nil {
		return err
	}
	data, err := wire.Decode(params.Value(native.ParamValue))
	if err != nil {
		return err
	}
	err = awaitErr(ctx, func() error {
		return conn.client.WriteDescriptor(desc, data)
	})
	if err != nil {
		return NormalizeError(native.OpWriteDescriptor, err)
	}
	return nil
}

// ----------------------------
// Notifications
// ----------------------------

func (s *Service) startNotifications(ctx context.Context, params native.Params) error {
	conn, chr, err := s.findCharacteristic(native.OpStartNotifications, params)
	if err != nil {
		return err
	}
	if chr.Property&ble.CharNotify == 0 && chr.Property&ble.CharIndicate == 0 {
		return &native.Error{
			Op:      native.OpStartNotifications,
			Kind:    "not_supported",
			Message: fmt.Sprintf("characteristic %s does not support notifications", params.String(native.ParamCharacteristic)),
		}
	}

	key := listeners.NotifyKey(
		params.String(native.ParamDevice),
		params.String(native.ParamService),
		params.String(native.ParamCharacteristic))

	err = awaitErr(ctx, func() error {
		return conn.client.Subscribe(chr, chr.Property&ble.CharNotify == 0, func(data []byte) {
			s.emit(key, native.Payload{Data: wire.Binary(data)})
		})
	})
	if err != nil {
		return NormalizeError(native.OpStartNotifications, err)
	}

	s.mu.Lock()
	conn.subs[key] = chr
	s.mu.Unlock()
	return nil
}

func (s *Service) stopNotifications(ctx context.Context, params native.Params) error {
	conn, err := s.connectionFor(native.OpStopNotifications, params.String(native.ParamDevice))
	if err != nil {
		return err
	}
	key := listeners.NotifyKey(
		params.String(native.ParamDevice),
		params.String(native.ParamService),
		params.String(native.ParamCharacteristic))

	s.mu.Lock()
	chr, ok := conn.subs[key]
	delete(conn.subs, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	// Try both modes; only report failure if neither unsubscribes.
	var err1, err2 error
	err = awaitErr(ctx, func() error {
		err1 = conn.client.Unsubscribe(chr, false)
		err2 = conn.client.Unsubscribe(chr, true)
		return nil
	})
	if err != nil {
		return err
	}
	if err1 != nil && err2 != nil {
		return &native.Error{
			Op:      native.OpStopNotifications,
			Kind:    "unsubscribe_failed",
			Message: fmt.Sprintf("notify=%v, indicate=%v", err1, err2),
		}
	}
	return nil
}

// ----------------------------
// Profile lookup
// ----------------------------

func (s *Service) findCharacteristic(op string, params native.Params) (*connection, *ble.Characteristic, error) {
	conn, err := s.connectionFor(op, params.String(native.ParamDevice))
	if err != nil {
		return nil, nil, err
	}
	svcUUID := params.String(native.ParamService)
	chrUUID := params.String(native.ParamCharacteristic)

	for _, svc := range conn.profile.Services {
		if !bleUUIDEqual(svcUUID, svc.UUID) {
			continue
		}
		for _, chr := range svc.Characteristics {
			if bleUUIDEqual(chrUUID, chr.UUID) {
				return conn, chr, nil
			}
		}
		return nil, nil, &native.Error{
			Op:      op,
			Kind:    "not_found",
			Message: fmt.Sprintf("characteristic %s not found in service %s", chrUUID, svcUUID),
		}
	}
	return nil, nil, &native.Error{
		Op:      op,
		Kind:    "not_found",
		Message: fmt.Sprintf("service %s not found", svcUUID),
	}
}

func (s *Service) findDescriptor(op string, params native.Params) (*connection, *ble.Descriptor, error) {
	conn, chr, err := s.findCharacteristic(op, params)
	if err != nil {
		return nil, nil, err
	}
	descUUID := params.String(native.ParamDescriptor)
	for _, d := range chr.Descriptors {
		if bleUUIDEqual(descUUID, d.UUID) {
			return conn, d, nil
		}
	}
	return nil, nil, &native.Error{
		Op:      op,
		Kind:    "not_found",
		Message: fmt.Sprintf("descriptor %s not found in characteristic %s", descUUID, params.String(native.ParamCharacteristic)),
	}
}

// expandBLEUUID renders a go-ble UUID in the full dashed form the rest of
// the system speaks. go-ble prints 16-bit UUIDs short and 128-bit UUIDs as
// undashed hex.
func expandBLEUUID(u ble.UUID) string {
	h := strings.ToLower(u.String())
	switch len(h) {
	case 4:
		return "0000" + h + "-0000-1000-8000-00805f9b34fb"
	case 8:
		return h + "-0000-1000-8000-00805f9b34fb"
	case 32:
		return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
	default:
		return h
	}
}

// bleUUIDEqual compares a normalized full dashed UUID with a go-ble UUID.
func bleUUIDEqual(full string, u ble.UUID) bool {
	return expandBLEUUID(u) == full
}
