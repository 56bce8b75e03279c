package listeners

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/srg/bleman/internal/native"
)

// fakeHandle records release calls and their relative order.
type fakeHandle struct {
	released   bool
	releaseErr error
	onRelease  func()
}

func (h *fakeHandle) Release() error {
	if h.onRelease != nil {
		h.onRelease()
	}
	h.released = true
	return h.releaseErr
}

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger)
}

func subscribeReturning(h native.Handle, err error) SubscribeFunc {
	return func() (native.Handle, error) { return h, err }
}

func TestRegisterStoresHandle(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandle{}

	got, err := r.Register("scan-result", subscribeReturning(h, nil))
	assert.NoError(t, err)
	assert.Same(t, native.Handle(h), got)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterReplacesAndReleasesOldHandle(t *testing.T) {
	r := newTestRegistry()

	old := &fakeHandle{}
	var releasedBeforeSecondSubscribe bool

	_, err := r.Register("enabled-state", subscribeReturning(old, nil))
	assert.NoError(t, err)

	second := &fakeHandle{}
	_, err = r.Register("enabled-state", func() (native.Handle, error) {
		releasedBeforeSecondSubscribe = old.released
		return second, nil
	})
	assert.NoError(t, err)

	// Exactly one live subscription remains, and the first handle was
	// released before the replacement was installed.
	assert.True(t, old.released)
	assert.True(t, releasedBeforeSecondSubscribe)
	assert.False(t, second.released)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterIgnoresReleaseFailure(t *testing.T) {
	r := newTestRegistry()

	old := &fakeHandle{releaseErr: errors.New("stale handle")}
	_, err := r.Register("k", subscribeReturning(old, nil))
	assert.NoError(t, err)

	replacement := &fakeHandle{}
	_, err = r.Register("k", subscribeReturning(replacement, nil))
	assert.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterSubscribeFailureLeavesKeyEmpty(t *testing.T) {
	r := newTestRegistry()

	boom := errors.New("subscribe failed")
	_, err := r.Register("k", subscribeReturning(nil, boom))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandle{}

	_, err := r.Register(DisconnectKey("aa:bb"), subscribeReturning(h, nil))
	assert.NoError(t, err)

	assert.NoError(t, r.Unregister(DisconnectKey("aa:bb")))
	assert.True(t, h.released)
	assert.Equal(t, 0, r.Len())

	// Unregistering a missing key is a no-op.
	assert.NoError(t, r.Unregister("never-registered"))
}

func TestKeysAreIndependent(t *testing.T) {
	r := newTestRegistry()
	a := &fakeHandle{}
	b := &fakeHandle{}

	_, _ = r.Register(NotifyKey("dev", "svc", "chr-a"), subscribeReturning(a, nil))
	_, _ = r.Register(NotifyKey("dev", "svc", "chr-b"), subscribeReturning(b, nil))

	assert.NoError(t, r.Unregister(NotifyKey("dev", "svc", "chr-a")))
	assert.True(t, a.released)
	assert.False(t, b.released)
	assert.Equal(t, 1, r.Len())
}

func TestCloseReleasesInRegistrationOrder(t *testing.T) {
	r := newTestRegistry()

	var order []string
	track := func(name string) *fakeHandle {
		return &fakeHandle{onRelease: func() { order = append(order, name) }}
	}

	_, _ = r.Register("first", subscribeReturning(track("first"), nil))
	_, _ = r.Register("second", subscribeReturning(track("second"), nil))
	_, _ = r.Register("third", subscribeReturning(track("third"), nil))

	r.Close()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 0, r.Len())
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "disconnect|aa:bb:cc", DisconnectKey("aa:bb:cc"))
	assert.Equal(t, "notify|dev|svc|chr", NotifyKey("dev", "svc", "chr"))
}
