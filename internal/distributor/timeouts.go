package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/distributor/internal/message"
)

// TimeoutMonitor erases commands that have waited too long for a reply.
//
// Every command the node sends is tracked with its send time. A background
// loop sweeps the tracked set every interval and erases whatever is older
// than the timeout; the owning operation then sees a synthesized ABORTED
// reply, exactly as if the storage node had failed the request.
//
// Lifecycle:
//
//	Start(ctx) ──▶ sweep every interval ──▶ ctx done / Stop()
//
// Thread safety:
//   - The sent map is guarded by mu
//   - erase is always called without holding mu
//
// A nil *TimeoutMonitor is valid and tracks nothing.
type TimeoutMonitor struct {
	erase    func(message.ID) bool
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu   sync.Mutex
	sent map[message.ID]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTimeoutMonitor creates a monitor calling erase for every command older
// than timeout. A non-positive interval defaults to a quarter of the timeout.
func NewTimeoutMonitor(erase func(message.ID) bool, timeout, interval time.Duration, logger zerolog.Logger) *TimeoutMonitor {
	if interval <= 0 {
		interval = timeout / 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimeoutMonitor{
		erase:    erase,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		sent:     make(map[message.ID]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Track records that id was just sent.
func (m *TimeoutMonitor) Track(id message.ID) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sent[id] = m.now()
	m.mu.Unlock()
}

// Done stops tracking id.
func (m *TimeoutMonitor) Done(id message.ID) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.sent, id)
	m.mu.Unlock()
}

// Tracked returns the number of commands awaiting a reply.
func (m *TimeoutMonitor) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Sweep erases every expired command, oldest first, and returns how many
// were erased.
func (m *TimeoutMonitor) Sweep() int {
	if m == nil {
		return 0
	}
	deadline := m.now().Add(-m.timeout)

	type expiredMsg struct {
		id   message.ID
		sent time.Time
	}
	var expired []expiredMsg
	m.mu.Lock()
	for id, at := range m.sent {
		if !at.After(deadline) {
			expired = append(expired, expiredMsg{id, at})
			delete(m.sent, id)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(expired, func(a, b expiredMsg) int {
		return a.sent.Compare(b.sent)
	})

	erased := 0
	for _, e := range expired {
		if m.erase(e.id) {
			erased++
			m.logger.Warn().
				Uint64("msg", uint64(e.id)).
				Dur("waited", m.now().Sub(e.sent)).
				Msg("Erasing command that timed out waiting for a reply")
		}
	}
	return erased
}

// Start sweeps until ctx is cancelled or Stop is called. It blocks, so run
// it on its own goroutine.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug().Dur("timeout", m.timeout).Dur("interval", m.interval).Msg("Timeout monitor started")
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop ends a running Start loop and waits for it to return.
func (m *TimeoutMonitor) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}
