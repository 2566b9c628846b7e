// Package sequencer grants non-blocking, single-owner exclusive locks on
// buckets.
//
// TryAcquire never waits: it hands out a valid Handle when the bucket is
// free and an invalid one when it is already held. There is no queueing and
// no retry; callers decide whether to fail fast or try again later.
//
// A Handle releases its bucket exactly once. Release is idempotent, so the
// usual pattern is
//
//	h := seq.TryAcquire(b)
//	if !h.Valid() {
//	    // conflict
//	}
//	defer h.Release()
//
// and ownership is moved to a new holder with Transfer, after which the old
// handle no longer releases anything.
package sequencer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/metrics"
)

// Sequencer tracks which buckets are exclusively held.
// Thread-safe: all methods may be called concurrently.
type Sequencer struct {
	mu      sync.Mutex
	held    map[bucket.ID]struct{}
	metrics *metrics.CoreMetrics
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithMetrics records lock gauges and conflict counters in m.
func WithMetrics(m *metrics.CoreMetrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// New creates an empty sequencer.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		held: make(map[bucket.ID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryAcquire attempts to take the exclusive lock for b without blocking.
// The returned handle is never nil; check Valid to see whether the lock was
// granted.
func (s *Sequencer) TryAcquire(b bucket.ID) *Handle {
	s.mu.Lock()
	if _, busy := s.held[b]; busy {
		s.mu.Unlock()
		s.metrics.LockConflict()
		return &Handle{bucket: b}
	}
	s.held[b] = struct{}{}
	s.mu.Unlock()

	s.metrics.LockAcquired()
	h := &Handle{bucket: b, seq: s}
	h.valid.Store(true)
	return h
}

// IsLocked reports whether b is currently held.
func (s *Sequencer) IsLocked(b bucket.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.held[b]
	return busy
}

// Len returns the number of buckets currently held.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Sequencer) release(b bucket.ID) {
	s.mu.Lock()
	delete(s.held, b)
	s.mu.Unlock()
	s.metrics.LockReleased()
}

// Handle is proof of exclusive access to one bucket.
type Handle struct {
	bucket bucket.ID
	seq    *Sequencer
	valid  atomic.Bool
}

// Valid reports whether the handle currently owns its bucket.
func (h *Handle) Valid() bool {
	return h != nil && h.valid.Load()
}

// Bucket returns the bucket the handle refers to.
func (h *Handle) Bucket() bucket.ID {
	return h.bucket
}

// Release gives the bucket back to the sequencer. Only the first call on a
// valid handle has an effect; later calls, calls on invalid handles and
// calls on a nil handle are no-ops.
func (h *Handle) Release() {
	if h == nil || !h.valid.CompareAndSwap(true, false) {
		return
	}
	h.seq.release(h.bucket)
}

// Transfer moves ownership into a new handle and invalidates h. Transferring
// an invalid handle yields another invalid handle.
func (h *Handle) Transfer() *Handle {
	if h == nil {
		return &Handle{}
	}
	moved := &Handle{bucket: h.bucket, seq: h.seq}
	if h.valid.CompareAndSwap(true, false) {
		moved.valid.Store(true)
	}
	return moved
}

func (h *Handle) String() string {
	if h == nil {
		return "Handle(nil)"
	}
	return fmt.Sprintf("Handle(%s, valid=%t)", h.bucket, h.Valid())
}
