package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/bleman/internal/native"
	"github.com/srg/bleman/internal/wire"
)

// callRecord captures one boundary round-trip with its execution window.
type callRecord struct {
	op     string
	params native.Params
	start  time.Time
	end    time.Time
}

// fakeHandle is the subscription token handed out by fakeService.
type fakeHandle struct {
	key      string
	svc      *fakeService
	released bool
}

func (h *fakeHandle) Release() error {
	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.svc.releases = append(h.svc.releases, h.key)
	if h.svc.handlers[h.key] != nil {
		delete(h.svc.handlers, h.key)
	}
	return nil
}

// fakeService is a scripted native stack. By default every operation
// succeeds after the configured latency; writes store the decoded value
// and reads hand it back, so write-then-read round-trips are observable.
type fakeService struct {
	mu           sync.Mutex
	latency      time.Duration
	stringValues bool

	handlers map[string]func(native.Payload)
	handles  []*fakeHandle
	releases []string
	calls    []callRecord
	values   map[string][]byte

	// script overrides the default behavior for matching ops.
	script map[string]func(params native.Params) (native.Payload, error)
}

func newFakeService() *fakeService {
	return &fakeService{
		handlers: make(map[string]func(native.Payload)),
		values:   make(map[string][]byte),
		script:   make(map[string]func(params native.Params) (native.Payload, error)),
	}
}

func (f *fakeService) StringValues() bool { return f.stringValues }

func (f *fakeService) Invoke(ctx context.Context, op string, params native.Params) (native.Payload, error) {
	idx := f.begin(op, params)
	defer f.finish(idx)

	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return native.Payload{}, ctx.Err()
		}
	}

	f.mu.Lock()
	scripted := f.script[op]
	f.mu.Unlock()
	if scripted != nil {
		return scripted(params)
	}

	switch op {
	case native.OpWrite, native.OpWriteWithoutResponse, native.OpWriteDescriptor:
		data, err := wire.Decode(params.Value(native.ParamValue))
		if err != nil {
			return native.Payload{}, err
		}
		f.mu.Lock()
		f.values[attributeID(params)] = data
		f.mu.Unlock()
		return native.Payload{}, nil
	case native.OpRead, native.OpReadDescriptor:
		f.mu.Lock()
		data := f.values[attributeID(params)]
		f.mu.Unlock()
		return native.Payload{Data: wire.Encode(data, f.stringValues)}, nil
	case native.OpIsEnabled, native.OpIsBonded:
		return native.Payload{Flag: true}, nil
	case native.OpReadRSSI:
		return native.Payload{Number: -42}, nil
	default:
		return native.Payload{}, nil
	}
}

func (f *fakeService) AddListener(key string, handler func(native.Payload)) (native.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = handler
	h := &fakeHandle{key: key, svc: f}
	f.handles = append(f.handles, h)
	return h, nil
}

// Emit delivers an event to the listener registered under key, if any.
func (f *fakeService) Emit(key string, p native.Payload) bool {
	f.mu.Lock()
	handler := f.handlers[key]
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(p)
	return true
}

// begin records the start of a boundary call and returns its index so
// finish can close the execution window.
func (f *fakeService) begin(op string, params native.Params) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callRecord{op: op, params: params, start: time.Now()})
	return len(f.calls) - 1
}

func (f *fakeService) finish(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[idx].end = time.Now()
}

func (f *fakeService) callsFor(op string) []callRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []callRecord
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeService) liveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if !h.released {
			n++
		}
	}
	return n
}

func attributeID(params native.Params) string {
	id := fmt.Sprintf("%s|%s|%s",
		params.String(native.ParamDevice),
		params.String(native.ParamService),
		params.String(native.ParamCharacteristic))
	if desc := params.String(native.ParamDescriptor); desc != "" {
		id += "|" + desc
	}
	return id
}
