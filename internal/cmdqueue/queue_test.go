package cmdqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestQueue(serialized bool) *Queue {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger, serialized)
}

func TestSerializedOrderingAndNoOverlap(t *testing.T) {
	q := newTestQueue(true)
	defer q.Close()

	const n = 10
	var running atomic.Int32
	var order []int
	var orderMu sync.Mutex

	results := make([]<-chan Result, 0, n)
	for i := 0; i < n; i++ {
		i := i
		results = append(results, q.Submit(context.Background(), "test", func(ctx context.Context) (any, error) {
			// No two commands may overlap in time
			assert.Equal(t, int32(1), running.Add(1))
			defer running.Add(-1)

			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()

			time.Sleep(5 * time.Millisecond)
			return i, nil
		}))
	}

	for i, ch := range results {
		res := <-ch
		assert.NoError(t, res.Err)
		assert.Equal(t, i, res.Value)
	}

	// Execution order is submission order
	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestFailureIsolation(t *testing.T) {
	q := newTestQueue(true)
	defer q.Close()

	boom := errors.New("boom")

	first := q.Submit(context.Background(), "fail", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	second := q.Submit(context.Background(), "ok", func(ctx context.Context) (any, error) {
		return "fine", nil
	})

	res := <-first
	assert.ErrorIs(t, res.Err, boom)

	res = <-second
	assert.NoError(t, res.Err)
	assert.Equal(t, "fine", res.Value)
}

func TestPanicIsolation(t *testing.T) {
	q := newTestQueue(true)
	defer q.Close()

	first := q.Submit(context.Background(), "panic", func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	second := q.Submit(context.Background(), "ok", func(ctx context.Context) (any, error) {
		return 42, nil
	})

	res := <-first
	assert.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "kaboom")

	res = <-second
	assert.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
}

func TestPassThroughRunsConcurrently(t *testing.T) {
	q := newTestQueue(false)
	defer q.Close()

	const n = 4
	var peak atomic.Int32
	var running atomic.Int32
	start := make(chan struct{})

	results := make([]<-chan Result, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, q.Submit(context.Background(), "concurrent", func(ctx context.Context) (any, error) {
			cur := running.Add(1)
			defer running.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-start // hold until all are in flight
			return nil, nil
		}))
	}

	// All commands must reach the barrier concurrently; give them a moment.
	assert.Eventually(t, func() bool { return running.Load() == n }, time.Second, time.Millisecond)
	close(start)

	for _, ch := range results {
		res := <-ch
		assert.NoError(t, res.Err)
	}
	assert.Equal(t, int32(n), peak.Load())
}

func TestToggleAffectsOnlyLaterSubmissions(t *testing.T) {
	q := newTestQueue(true)
	defer q.Close()

	release := make(chan struct{})
	blocker := q.Submit(context.Background(), "blocker", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	queued := q.Submit(context.Background(), "queued", func(ctx context.Context) (any, error) {
		return "queued", nil
	})

	// Switch to pass-through while the backlog is non-empty; the queued
	// command keeps its serialized discipline.
	q.SetSerialized(false)

	immediate := q.Submit(context.Background(), "immediate", func(ctx context.Context) (any, error) {
		return "immediate", nil
	})

	// Pass-through command completes while the serialized backlog is blocked.
	res := <-immediate
	assert.Equal(t, "immediate", res.Value)

	select {
	case <-queued:
		t.Fatal("queued command ran before the blocker finished")
	default:
	}

	close(release)
	assert.NoError(t, (<-blocker).Err)
	assert.Equal(t, "queued", (<-queued).Value)
}

func TestCloseSettlesBacklog(t *testing.T) {
	q := newTestQueue(true)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := q.Submit(context.Background(), "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	queued := q.Submit(context.Background(), "queued", func(ctx context.Context) (any, error) {
		return nil, nil
	})

	// Ensure the blocker is actually in flight before closing.
	<-started

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	// Backlog entries settle with ErrClosed even while one command is in flight.
	res := <-queued
	assert.ErrorIs(t, res.Err, ErrClosed)

	close(release)
	assert.NoError(t, (<-blocker).Err)
	<-done

	// Submissions after Close settle immediately.
	res = <-q.Submit(context.Background(), "late", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, res.Err, ErrClosed)
}
