package visitor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/metrics"
	"github.com/dreamware/distributor/internal/operation"
	"github.com/dreamware/distributor/internal/pending"
	"github.com/dreamware/distributor/internal/sequencer"
)

// ReadForWriteOperation is a read operation that will write back to the
// buckets it reads, and therefore needs exclusive access to them.
type ReadForWriteOperation interface {
	operation.Operation

	// VerifyCommandAndExpandBuckets validates the request and resolves its
	// buckets. Returns false after sending a terminal reply.
	VerifyCommandAndExpandBuckets(sender operation.Sender) bool
	// FirstBucketToVisit returns the first resolved bucket, if any.
	FirstBucketToVisit() (bucket.ID, bool)
	// HasSentReply reports whether the terminal reply has been sent.
	HasSentReply() bool
	// FailWithBucketAlreadyLocked sends a BUSY terminal reply.
	FailWithBucketAlreadyLocked(sender operation.Sender)
	// AssignBucketLockHandle hands the bucket lock to the operation for the
	// rest of its lifetime.
	AssignBucketLockHandle(h *sequencer.Handle)
	// Start runs the operation's own start path.
	Start(sender operation.Sender)
}

// StarterState is the progress of a ReadForWriteStarter.
type StarterState int

const (
	StateCreated StarterState = iota
	StateVerifying
	StateExpanding
	StateLockAttempt
	StateDeferred
	// StateCompleted means the wrapped operation replied without ever being
	// handed off: failed verification, nothing to visit, or lock conflict.
	StateCompleted
	// StateHandedOff means the stable owner now owns the wrapped operation.
	StateHandedOff
	// StateClosed means the wrapped operation was closed before hand-off.
	StateClosed
)

var starterStateNames = [...]string{
	StateCreated:     "created",
	StateVerifying:   "verifying",
	StateExpanding:   "expanding",
	StateLockAttempt: "lock_attempt",
	StateDeferred:    "deferred",
	StateCompleted:   "completed",
	StateHandedOff:   "handed_off",
	StateClosed:      "closed",
}

func (s StarterState) String() string {
	if s >= 0 && int(s) < len(starterStateNames) {
		return starterStateNames[s]
	}
	return fmt.Sprintf("StarterState(%d)", int(s))
}

// ReadForWriteStarter admits a ReadForWriteOperation without racing other
// writers of its bucket:
//
//  1. verify the request and expand its buckets
//  2. with no buckets, let the operation reply empty; nothing is locked
//  3. try to lock the first bucket; on conflict reply BUSY immediately
//  4. wait, without blocking, for in-flight traffic to the bucket to drain
//  5. give the lock to the operation and start it on the stable owner
//
// Only the first bucket is sequenced. Other buckets the operation touches
// are not locked by the starter.
type ReadForWriteStarter struct {
	op       ReadForWriteOperation
	seq      *sequencer.Sequencer
	stable   *operation.Owner
	tracker  *pending.Tracker
	priority operation.Priority
	logger   zerolog.Logger
	metrics  *metrics.CoreMetrics

	mu    sync.Mutex
	state StarterState
}

// StarterOption configures a ReadForWriteStarter.
type StarterOption func(*ReadForWriteStarter)

// WithPriority sets the priority the operation is handed off at.
func WithPriority(p operation.Priority) StarterOption {
	return func(s *ReadForWriteStarter) {
		s.priority = p
	}
}

// WithLogger sets the starter's logger.
func WithLogger(logger zerolog.Logger) StarterOption {
	return func(s *ReadForWriteStarter) {
		s.logger = logger
	}
}

// WithMetrics records start outcomes in m.
func WithMetrics(m *metrics.CoreMetrics) StarterOption {
	return func(s *ReadForWriteStarter) {
		s.metrics = m
	}
}

// NewReadForWriteStarter wraps op. The starter owns op until it is handed to
// stable.
func NewReadForWriteStarter(
	op ReadForWriteOperation,
	seq *sequencer.Sequencer,
	stable *operation.Owner,
	tracker *pending.Tracker,
	opts ...StarterOption,
) *ReadForWriteStarter {
	s := &ReadForWriteStarter{
		op:       op,
		seq:      seq,
		stable:   stable,
		tracker:  tracker,
		priority: operation.PriorityReadForWrite,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the starter's current state.
func (s *ReadForWriteStarter) State() StarterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves to state unless the starter was closed concurrently.
func (s *ReadForWriteStarter) advance(state StarterState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = state
	return true
}

// OnStart runs the admission protocol. It returns once the operation has
// replied, or once a deferred hand-off has been registered.
func (s *ReadForWriteStarter) OnStart(sender operation.Sender) {
	s.advance(StateVerifying)
	if !s.op.VerifyCommandAndExpandBuckets(sender) {
		if !s.op.HasSentReply() {
			s.logger.Error().Stringer("operation", s.op).Msg("Verification failed without a reply")
		}
		s.logger.Debug().Msg("Failed verification of visitor, responding immediately")
		s.finish(StateCompleted, "verification_failed")
		return
	}

	s.advance(StateExpanding)
	b, ok := s.op.FirstBucketToVisit()
	if !ok {
		s.logger.Debug().Msg("No buckets found to visit, tagging visitor complete")
		// Starting with nothing to visit triggers the empty reply
		s.op.Start(sender)
		if !s.op.HasSentReply() {
			s.logger.Error().Stringer("operation", s.op).Msg("Empty visitor did not reply")
		}
		s.finish(StateCompleted, "no_buckets")
		return
	}

	s.advance(StateLockAttempt)
	handle := s.seq.TryAcquire(b)
	if !handle.Valid() {
		s.logger.Debug().Stringer("bucket", b).Msg("An operation is already pending for bucket, failing visitor")
		s.op.FailWithBucketAlreadyLocked(sender)
		s.finish(StateCompleted, "bucket_locked")
		return
	}

	s.logger.Debug().Stringer("bucket", b).Msg("Possibly deferring start of visitor")
	if !s.advance(StateDeferred) {
		handle.Release()
		return
	}
	s.metrics.ReadForWriteStart("deferred")
	task := pending.MakeDeferredTask(func(state pending.TaskRunState) {
		s.runDeferred(state, handle)
	})
	if err := s.tracker.RunOnceNoPendingForBucket(b, task); err != nil {
		// The task already ran with Aborted and released the lock
		s.logger.Warn().Err(err).Stringer("bucket", b).Msg("Could not defer visitor start")
	}
}

// runDeferred completes the hand-off once the bucket drained, or closes the
// operation if the tracker shut down first. The lock handle is released on
// every path that does not give it to the operation.
func (s *ReadForWriteStarter) runDeferred(state pending.TaskRunState, handle *sequencer.Handle) {
	defer handle.Release()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.logger.Debug().Stringer("state", state).Msg("Visitor closed while deferred, dropping bucket lock")
		return
	}
	if state == pending.Aborted {
		s.state = StateClosed
		s.mu.Unlock()
		s.logger.Debug().Msg("Deferred visitor aborted before its bucket drained")
		s.metrics.ReadForWriteStart("aborted")
		s.op.OnClose(s.stable.Sender())
		return
	}
	s.state = StateHandedOff
	s.mu.Unlock()

	s.logger.Debug().Msg("Starting deferred visitor")
	s.op.AssignBucketLockHandle(handle.Transfer())
	if !s.stable.Start(s.op, s.priority) {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.metrics.ReadForWriteStart("aborted")
		s.op.OnClose(s.stable.Sender())
		return
	}
	s.metrics.ReadForWriteStart("handed_off")
}

func (s *ReadForWriteStarter) finish(state StarterState, outcome string) {
	s.advance(state)
	s.metrics.ReadForWriteStart(outcome)
}

// OnReceive forwards replies to the wrapped operation. Only replies to
// commands the operation sent before hand-off arrive here.
func (s *ReadForWriteStarter) OnReceive(sender operation.Sender, reply message.Reply) {
	s.op.OnReceive(sender, reply)
}

// OnClose closes the wrapped operation unless it already belongs to the
// stable owner or was closed. A pending deferred hand-off is abandoned.
func (s *ReadForWriteStarter) OnClose(sender operation.Sender) {
	s.mu.Lock()
	if s.state == StateHandedOff || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.op.OnClose(sender)
}

func (s *ReadForWriteStarter) String() string {
	return fmt.Sprintf("ReadForWriteStarter(%s, %s)", s.op, s.State())
}
