// Package pending counts request messages in flight to storage nodes, per
// bucket, and runs deferred tasks once a bucket has drained.
//
// The surrounding distributor calls Insert for every command it sends and
// Reply or Erase when the command completes. Coordinators only read the
// counts (through View) and register continuations with
// RunOnceNoPendingForBucket.
//
// Deferred tasks never run while the tracker's mutex is held; they are
// collected under the lock and executed after it is released, so a task may
// freely start operations that send more messages.
package pending

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/metrics"
)

// ErrTaskAlreadyRegistered is returned when a bucket already has a waiting
// deferred task.
var ErrTaskAlreadyRegistered = errors.New("a deferred task is already registered for bucket")

// View is the read-only face of the tracker handed to running operations.
type View interface {
	// Count returns the number of request messages in flight to b.
	Count(b bucket.ID) int
	// HasPendingForBucket reports whether any request to b is in flight.
	HasPendingForBucket(b bucket.ID) bool
	// Total returns the number of request messages in flight.
	Total() int
}

// Tracker counts in-flight request messages per bucket.
// Thread-safe: all methods may be called concurrently.
type Tracker struct {
	mu      sync.Mutex
	counts  map[bucket.ID]int
	buckets map[message.ID]bucket.ID
	waiting map[bucket.ID]DeferredTask
	closed  bool

	logger  zerolog.Logger
	metrics *metrics.CoreMetrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithMetrics records pending gauges and task runs in m.
func WithMetrics(m *metrics.CoreMetrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		counts:  make(map[bucket.ID]int),
		buckets: make(map[message.ID]bucket.ID),
		waiting: make(map[bucket.ID]DeferredTask),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Insert records cmd as in flight to its bucket. Inserting the same message
// ID twice is ignored.
func (t *Tracker) Insert(cmd message.Command) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.buckets[cmd.MsgID()]; dup {
		t.logger.Warn().Uint64("msg_id", uint64(cmd.MsgID())).Msg("Message already tracked as pending")
		return
	}
	t.buckets[cmd.MsgID()] = cmd.Bucket()
	t.counts[cmd.Bucket()]++
	t.updateGaugesLocked()
}

// Reply records the completion of the command reply answers. Returns false
// if the message was not being tracked.
func (t *Tracker) Reply(reply message.Reply) bool {
	return t.Erase(reply.MsgID())
}

// Erase records the completion of the command with the given ID without a
// reply, e.g. after a timeout. Returns false if it was not being tracked.
func (t *Tracker) Erase(id message.ID) bool {
	t.mu.Lock()
	b, ok := t.buckets[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.buckets, id)

	var ready DeferredTask
	t.counts[b]--
	if t.counts[b] <= 0 {
		delete(t.counts, b)
		if task, waiting := t.waiting[b]; waiting {
			delete(t.waiting, b)
			ready = task
		}
	}
	t.updateGaugesLocked()
	t.mu.Unlock()

	if ready != nil {
		t.logger.Debug().Stringer("bucket", b).Msg("Bucket drained, running deferred task")
		t.run(ready, Ok)
	}
	return true
}

// RunOnceNoPendingForBucket runs task once no request messages are in flight
// to b.
//
// When b has nothing in flight the task runs immediately, on the calling
// goroutine, with Ok. When the tracker is closed it runs immediately with
// Aborted. Otherwise it is stored and later runs exactly once: with Ok on
// the goroutine that observes the count reach zero, or with Aborted when the
// tracker is closed first.
//
// Only one task may wait per bucket. A second registration returns
// ErrTaskAlreadyRegistered and the rejected task is run with Aborted so that
// whatever it owns is released.
func (t *Tracker) RunOnceNoPendingForBucket(b bucket.ID, task DeferredTask) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		t.run(task, Aborted)
		return nil
	case t.counts[b] == 0:
		t.mu.Unlock()
		t.run(task, Ok)
		return nil
	}
	if _, taken := t.waiting[b]; taken {
		t.mu.Unlock()
		t.run(task, Aborted)
		return fmt.Errorf("%w %s", ErrTaskAlreadyRegistered, b)
	}
	t.waiting[b] = task
	t.updateGaugesLocked()
	count := t.counts[b]
	t.mu.Unlock()

	t.logger.Debug().
		Stringer("bucket", b).
		Int("pending", count).
		Msg("Deferring task until bucket drains")
	return nil
}

// Close aborts every waiting task. Tasks registered afterwards abort
// immediately. Close is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	tasks := make([]DeferredTask, 0, len(t.waiting))
	for b, task := range t.waiting {
		tasks = append(tasks, task)
		delete(t.waiting, b)
	}
	t.updateGaugesLocked()
	t.mu.Unlock()

	if len(tasks) > 0 {
		t.logger.Info().Int("tasks", len(tasks)).Msg("Aborting deferred tasks on close")
	}
	for _, task := range tasks {
		t.run(task, Aborted)
	}
}

// Count returns the number of request messages in flight to b.
func (t *Tracker) Count(b bucket.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[b]
}

// HasPendingForBucket reports whether any request to b is in flight.
func (t *Tracker) HasPendingForBucket(b bucket.ID) bool {
	return t.Count(b) > 0
}

// Total returns the number of request messages in flight.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Waiting returns the number of deferred tasks waiting for a bucket.
func (t *Tracker) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

// Closed reports whether Close has been called.
func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tracker) run(task DeferredTask, state TaskRunState) {
	t.metrics.TaskRun(state.String())
	task.Run(state)
}

func (t *Tracker) updateGaugesLocked() {
	t.metrics.SetPending(len(t.buckets), len(t.waiting))
}
