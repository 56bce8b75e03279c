// Package cmdqueue forces boundary commands into one strict FIFO execution
// order. BLE stacks cannot tolerate two in-flight GATT operations on the
// same connection; the queue guarantees the native stack only ever sees one
// outstanding request. A pass-through mode exists for callers that manage
// their own serialization.
package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrClosed is delivered to commands still in the backlog when the queue is
// torn down, and returned synchronously for submissions after Close.
var ErrClosed = errors.New("command queue closed")

// Result carries one command's outcome back to its submitter. Exactly one
// Result is delivered per submitted command.
type Result struct {
	Value any
	Err   error
}

// Func is the unit of work a command executes. It typically suspends on a
// native boundary round-trip.
type Func func(ctx context.Context) (any, error)

type command struct {
	id   string
	ctx  context.Context
	run  Func
	out  chan Result
	name string
}

// Queue serializes submitted commands. In serialized mode (the default) a
// single drain goroutine executes the backlog in submission order; no two
// commands overlap. In pass-through mode each submission runs immediately
// in its own goroutine with no ordering guarantee.
//
// A command's failure is isolated to its own result channel: the queue
// advances regardless of the previous command's outcome.
type Queue struct {
	mu         sync.Mutex
	backlog    []*command
	draining   bool
	serialized bool
	closed     bool

	wg     sync.WaitGroup
	logger *logrus.Logger
}

// New creates a queue. A nil logger falls back to the logrus default.
func New(logger *logrus.Logger, serialized bool) *Queue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue{serialized: serialized, logger: logger}
}

// SetSerialized toggles between serialized and pass-through mode. The
// toggle only affects commands submitted after the change; an already
// queued backlog keeps draining under the prior discipline.
func (q *Queue) SetSerialized(enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.serialized != enabled {
		q.logger.WithField("serialized", enabled).Debug("Command queue mode changed")
	}
	q.serialized = enabled
}

// Serialized reports the current queue mode.
func (q *Queue) Serialized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serialized
}

// Submit enqueues a command and returns the channel its Result will be
// delivered on. The channel is buffered; the queue never blocks on a
// submitter that has not collected its result yet.
func (q *Queue) Submit(ctx context.Context, name string, fn Func) <-chan Result {
	cmd := &command{
		id:   uuid.NewString(),
		ctx:  ctx,
		run:  fn,
		out:  make(chan Result, 1),
		name: name,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cmd.out <- Result{Err: ErrClosed}
		return cmd.out
	}

	if !q.serialized {
		q.mu.Unlock()
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.execute(cmd)
		}()
		return cmd.out
	}

	q.backlog = append(q.backlog, cmd)
	q.logger.WithFields(logrus.Fields{
		"command_id": cmd.id,
		"command":    cmd.name,
		"backlog":    len(q.backlog),
	}).Debug("Command queued")

	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drainLoop()
	}
	q.mu.Unlock()

	return cmd.out
}

// drainLoop pulls commands off the backlog head until it empties, then
// exits. Started lazily by Submit on the Idle -> Draining transition.
func (q *Queue) drainLoop() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(q.backlog) == 0 || q.closed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		cmd := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		q.execute(cmd)
	}
}

// execute runs one command and delivers its outcome. A panic inside the
// command settles as an error instead of tearing down the drain goroutine.
func (q *Queue) execute(cmd *command) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"command_id": cmd.id,
				"command":    cmd.name,
				"panic":      r,
			}).Error("Command panicked")
			cmd.out <- Result{Err: fmt.Errorf("command %s panicked: %v", cmd.name, r)}
		}
	}()

	value, err := cmd.run(cmd.ctx)
	if err != nil {
		q.logger.WithFields(logrus.Fields{
			"command_id": cmd.id,
			"command":    cmd.name,
			"error":      err,
		}).Debug("Command failed")
	}
	cmd.out <- Result{Value: value, Err: err}
}

// Close rejects future submissions, settles every not-yet-started backlog
// entry with ErrClosed, and waits for in-flight commands to finish. Safe to
// call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	pending := q.backlog
	q.backlog = nil
	q.mu.Unlock()

	for _, cmd := range pending {
		cmd.out <- Result{Err: ErrClosed}
	}

	q.wg.Wait()
	q.logger.WithField("cancelled", len(pending)).Debug("Command queue closed")
}
