package pending

import "sync"

// TaskRunState tells a deferred task why it is running.
type TaskRunState int

const (
	// Ok means the bucket drained: no request messages are in flight.
	Ok TaskRunState = iota
	// Aborted means the tracker closed before the bucket drained.
	Aborted
)

func (s TaskRunState) String() string {
	switch s {
	case Ok:
		return "ok"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DeferredTask is a continuation that runs exactly once.
type DeferredTask interface {
	Run(state TaskRunState)
}

type onceTask struct {
	once sync.Once
	fn   func(TaskRunState)
}

func (t *onceTask) Run(state TaskRunState) {
	t.once.Do(func() {
		t.fn(state)
	})
}

// MakeDeferredTask wraps fn in a single-shot task. Whatever fn captures
// (typically a bucket lock handle) is owned by the task until it runs.
func MakeDeferredTask(fn func(TaskRunState)) DeferredTask {
	return &onceTask{fn: fn}
}
