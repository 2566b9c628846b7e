package operation

import (
	"cmp"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/metrics"
	"github.com/dreamware/distributor/internal/pending"
)

// OwnerConfig contains configuration for an Owner.
type OwnerConfig struct {
	Name    string           // Used in logs and metric labels
	Clock   func() time.Time // Defaults to time.Now
	Logger  zerolog.Logger
	Metrics *metrics.CoreMetrics
}

// Owner keeps track of running operations and the messages they sent.
// Thread-safe: all methods may be called concurrently.
type Owner struct {
	name    string
	sender  Sender
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *metrics.CoreMetrics

	mu      sync.Mutex
	sent    map[message.ID]sentEntry
	running map[uint64]*runningOp
	nextID  uint64
	closing bool
}

// runningOp is the owner's record of one started operation.
type runningOp struct {
	id       uint64
	op       Operation
	priority Priority
	started  time.Time
	inFlight int
	busy     int // callbacks currently running; the op may still send
	done     bool
}

type sentEntry struct {
	run *runningOp
	cmd message.Command
}

// NewOwner creates an owner that forwards all traffic to sender.
func NewOwner(sender Sender, cfg OwnerConfig) *Owner {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "operations"
	}
	return &Owner{
		name:    cfg.Name,
		sender:  sender,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With().Str("owner", cfg.Name).Logger(),
		metrics: cfg.Metrics,
		sent:    make(map[message.ID]sentEntry),
		running: make(map[uint64]*runningOp),
	}
}

// Start takes ownership of op and calls its OnStart. Returns false, without
// starting op, if the owner is closing.
//
// An operation that has no commands in flight once OnStart returns is
// considered complete and is not retained. While OnStart or OnReceive runs
// the operation is never complete, even if every reply so far has arrived.
func (o *Owner) Start(op Operation, priority Priority) bool {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.logger.Debug().Stringer("operation", op).Msg("Refusing to start operation, owner is closing")
		return false
	}
	o.nextID++
	run := &runningOp{
		id:       o.nextID,
		op:       op,
		priority: priority,
		started:  o.clock(),
		busy:     1,
	}
	o.running[run.id] = run
	o.updateRunningLocked()
	o.mu.Unlock()

	o.logger.Trace().
		Stringer("operation", op).
		Uint8("priority", uint8(priority)).
		Msg("Starting operation")
	op.OnStart(o.senderFor(run))

	o.mu.Lock()
	run.busy--
	o.completeIfIdleLocked(run)
	o.mu.Unlock()
	return true
}

// HandleReply routes reply to the operation that sent the matching command.
// Returns true if that operation has no more commands in flight afterwards
// and none of its callbacks is still running, and is therefore complete.
// Replies for unknown message IDs are ignored and return false.
func (o *Owner) HandleReply(reply message.Reply) bool {
	entry, ok := o.pop(reply.MsgID())
	if !ok {
		o.logger.Debug().
			Uint64("msg_id", uint64(reply.MsgID())).
			Stringer("reply", reply).
			Msg("Ignoring reply for unknown message")
		return false
	}
	return o.deliver(entry, reply)
}

// Owns reports whether a command with the given ID is awaiting a reply.
func (o *Owner) Owns(id message.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sent[id]
	return ok
}

// Erase drops the sent-message entry for id and delivers a locally
// synthesized ABORTED reply to its owner. Returns false if no entry existed.
func (o *Owner) Erase(id message.ID) bool {
	entry, ok := o.pop(id)
	if !ok {
		return false
	}
	o.metrics.Erased()
	o.logger.Debug().Stringer("command", entry.cmd).Msg("Erasing sent message")
	reply := entry.cmd.MakeReply(message.Result{
		Code:    message.Aborted,
		Message: "message erased before a reply was received",
	})
	o.deliver(entry, reply)
	return true
}

// Close terminates every owned operation. Each receives OnClose exactly
// once, regardless of how many commands it had in flight. Start fails once
// Close has been called.
func (o *Owner) Close() {
	o.mu.Lock()
	o.closing = true
	runs := make([]*runningOp, 0, len(o.running))
	for id, run := range o.running {
		run.done = true
		runs = append(runs, run)
		delete(o.running, id)
	}
	o.sent = make(map[message.ID]sentEntry)
	o.updateRunningLocked()
	o.mu.Unlock()

	slices.SortFunc(runs, func(a, b *runningOp) int { return cmp.Compare(a.id, b.id) })
	if len(runs) > 0 {
		o.logger.Info().Int("operations", len(runs)).Msg("Closing running operations")
	}
	closing := o.senderFor(nil)
	for _, run := range runs {
		run.op.OnClose(closing)
	}
}

// Sender returns the sender the owner forwards to.
func (o *Owner) Sender() Sender {
	return o.sender
}

// Size returns the number of running operations.
func (o *Owner) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// PendingMessages returns the number of commands awaiting a reply.
func (o *Owner) PendingMessages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

// String lists the messages awaiting a reply, one per line.
func (o *Owner) String() string {
	o.mu.Lock()
	ids := make([]message.ID, 0, len(o.sent))
	for id := range o.sent {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Owner(%s): %d running, %d pending\n", o.name, len(o.running), len(o.sent))
	for _, id := range ids {
		e := o.sent[id]
		fmt.Fprintf(&b, "  %d -> %s (%s)\n", id, e.run.op, e.cmd)
	}
	o.mu.Unlock()
	return b.String()
}

func (o *Owner) pop(id message.ID) (sentEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.sent[id]
	if !ok {
		return sentEntry{}, false
	}
	delete(o.sent, id)
	entry.run.inFlight--
	entry.run.busy++
	return entry, true
}

func (o *Owner) deliver(entry sentEntry, reply message.Reply) bool {
	entry.run.op.OnReceive(o.senderFor(entry.run), reply)

	o.mu.Lock()
	defer o.mu.Unlock()
	entry.run.busy--
	return o.completeIfIdleLocked(entry.run)
}

func (o *Owner) completeIfIdleLocked(run *runningOp) bool {
	if run.done || run.inFlight > 0 || run.busy > 0 {
		return false
	}
	run.done = true
	delete(o.running, run.id)
	o.updateRunningLocked()
	o.logger.Trace().
		Stringer("operation", run.op).
		Dur("elapsed", o.clock().Sub(run.started)).
		Msg("Operation complete")
	return true
}

func (o *Owner) track(run *runningOp, cmd message.Command) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return
	}
	if run.done {
		// Sent after completion was observed, e.g. from a late callback.
		run.done = false
		o.running[run.id] = run
		o.updateRunningLocked()
	}
	run.inFlight++
	o.sent[cmd.MsgID()] = sentEntry{run: run, cmd: cmd}
}

func (o *Owner) updateRunningLocked() {
	o.metrics.SetRunning(o.name, len(o.running))
}

func (o *Owner) senderFor(run *runningOp) *ownerSender {
	return &ownerSender{owner: o, run: run}
}

// ownerSender tags outgoing commands with the operation that sent them.
type ownerSender struct {
	owner *Owner
	run   *runningOp // nil while closing: commands are forwarded untracked
}

func (s *ownerSender) SendCommand(cmd message.Command) {
	if s.run != nil {
		s.owner.track(s.run, cmd)
	}
	s.owner.sender.SendCommand(cmd)
}

func (s *ownerSender) SendReply(reply message.Reply) {
	s.owner.sender.SendReply(reply)
}

func (s *ownerSender) NodeIndex() int {
	return s.owner.sender.NodeIndex()
}

func (s *ownerSender) ClusterName() string {
	return s.owner.sender.ClusterName()
}

func (s *ownerSender) PendingMessageTracker() pending.View {
	return s.owner.sender.PendingMessageTracker()
}
