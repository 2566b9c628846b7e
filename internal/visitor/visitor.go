// Package visitor implements bucket visitors and the read-for-write starter
// that sequences them.
//
// A visitor streams the documents of a set of buckets from storage nodes
// back to the client in a single reply. A read-for-write visitor is one
// whose client will write back to the visited buckets, so it must not race
// with other writers: ReadForWriteStarter claims the first bucket
// exclusively, waits for traffic already in flight to that bucket to drain,
// and only then hands the visitor to the node's stable operation owner.
package visitor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/bucketdb"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/operation"
	"github.com/dreamware/distributor/internal/sequencer"
)

// DefaultMaxPendingBuckets bounds how many buckets a visitor visits in
// parallel when neither the command nor the config says otherwise.
const DefaultMaxPendingBuckets = 4

// Config contains configuration for visitor operations.
type Config struct {
	DB                *bucketdb.Database
	MaxPendingBuckets int
	Logger            zerolog.Logger
}

// Operation visits the buckets selected by a CreateVisitorCommand and
// answers it with exactly one CreateVisitorReply.
type Operation struct {
	cmd        *message.CreateVisitorCommand
	db         *bucketdb.Database
	maxPending int
	logger     zerolog.Logger

	mu       sync.Mutex
	verified bool
	buckets  []bucket.ID // expanded, ascending
	next     int         // index into buckets of the next one to send
	inFlight int
	visited  int
	docs     []message.Document
	failure  *message.Result
	replied  bool
	lock     *sequencer.Handle
}

// New creates a visitor for cmd. An empty cmd.Instance is replaced with a
// random UUID so storage traffic can be correlated.
func New(cmd *message.CreateVisitorCommand, cfg Config) *Operation {
	if cmd.Instance == "" {
		cmd.Instance = uuid.NewString()
	}
	maxPending := cmd.MaxPendingBuckets
	if maxPending == 0 {
		maxPending = cfg.MaxPendingBuckets
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingBuckets
	}
	return &Operation{
		cmd:        cmd,
		db:         cfg.DB,
		maxPending: maxPending,
		logger:     cfg.Logger.With().Str("visitor", cmd.Instance).Logger(),
	}
}

// VerifyCommandAndExpandBuckets validates the command and resolves the
// buckets to visit. On failure the terminal reply has already been sent and
// false is returned. Calling it again after success is a no-op returning true.
func (o *Operation) VerifyCommandAndExpandBuckets(sender operation.Sender) bool {
	o.mu.Lock()
	if o.verified {
		o.mu.Unlock()
		return true
	}
	if err := o.verifyLocked(); err != nil {
		reply := o.replyLocked(message.Result{Code: message.IllegalParameters, Message: err.Error()})
		o.mu.Unlock()
		o.logger.Debug().Err(err).Msg("Visitor failed verification")
		if reply != nil {
			sender.SendReply(reply)
		}
		return false
	}

	candidates := o.cmd.Buckets
	if o.cmd.Group != "" {
		candidates = []bucket.ID{o.db.BucketForKey(o.cmd.Group)}
	}
	o.buckets = o.db.Filter(candidates)
	o.verified = true
	n := len(o.buckets)
	o.mu.Unlock()

	o.logger.Debug().Int("buckets", n).Msg("Expanded visitor buckets")
	return true
}

func (o *Operation) verifyLocked() error {
	switch {
	case o.cmd.Library == "":
		return fmt.Errorf("visitor library must be set")
	case len(o.cmd.Buckets) > 0 && o.cmd.Group != "":
		return fmt.Errorf("visitor must select either buckets or a group, not both")
	case len(o.cmd.Buckets) == 0 && o.cmd.Group == "":
		return fmt.Errorf("visitor must select buckets or a group")
	case o.cmd.MaxPendingBuckets < 0:
		return fmt.Errorf("max pending buckets must not be negative, got %d", o.cmd.MaxPendingBuckets)
	case o.db == nil:
		return fmt.Errorf("no bucket database available")
	}
	return nil
}

// FirstBucketToVisit returns the lowest expanded bucket, if any.
func (o *Operation) FirstBucketToVisit() (bucket.ID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buckets) == 0 {
		return 0, false
	}
	return o.buckets[0], true
}

// HasSentReply reports whether the terminal reply has been sent.
func (o *Operation) HasSentReply() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replied
}

// FailWithBucketAlreadyLocked answers the client with BUSY.
func (o *Operation) FailWithBucketAlreadyLocked(sender operation.Sender) {
	o.mu.Lock()
	b := bucket.ID(0)
	if len(o.buckets) > 0 {
		b = o.buckets[0]
	}
	reply := o.replyLocked(message.Result{
		Code:    message.Busy,
		Message: fmt.Sprintf("a read-for-write visitor is already pending for bucket %s", b),
	})
	o.mu.Unlock()

	if reply != nil {
		sender.SendReply(reply)
	}
}

// AssignBucketLockHandle makes the visitor the owner of h. The lock is
// released when the visitor replies or is closed.
func (o *Operation) AssignBucketLockHandle(h *sequencer.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lock.Release()
	o.lock = h
}

// OnStart verifies the command if that has not happened yet and starts
// visiting.
func (o *Operation) OnStart(sender operation.Sender) {
	if !o.VerifyCommandAndExpandBuckets(sender) {
		return
	}
	o.Start(sender)
}

// Start sends the first batch of bucket visits. With nothing to visit it
// replies immediately with an empty OK result.
func (o *Operation) Start(sender operation.Sender) {
	o.mu.Lock()
	cmds, reply := o.progressLocked()
	o.mu.Unlock()

	o.flush(sender, cmds, reply)
}

// OnReceive accounts for one bucket visit.
func (o *Operation) OnReceive(sender operation.Sender, reply message.Reply) {
	o.mu.Lock()
	vr, ok := reply.(*message.VisitBucketReply)
	if !ok {
		o.mu.Unlock()
		o.logger.Warn().Stringer("reply", reply).Msg("Visitor received unexpected reply")
		return
	}
	o.inFlight--

	res := vr.Result()
	if !res.Success() {
		o.logger.Debug().Stringer("bucket", vr.Target).Stringer("result", res).Msg("Bucket visit failed")
		if o.failure == nil {
			o.failure = &res
		}
	} else {
		o.visited++
		o.docs = append(o.docs, vr.Documents...)
	}

	cmds, out := o.progressLocked()
	o.mu.Unlock()

	o.flush(sender, cmds, out)
}

// OnClose answers the client with ABORTED unless a reply was already sent,
// and releases the bucket lock.
func (o *Operation) OnClose(sender operation.Sender) {
	o.mu.Lock()
	reply := o.replyLocked(message.Result{Code: message.Aborted, Message: "process is shutting down"})
	o.lock.Release()
	o.mu.Unlock()

	if reply != nil {
		sender.SendReply(reply)
	}
}

func (o *Operation) String() string {
	return fmt.Sprintf("VisitorOperation(%s, library=%s)", o.cmd.Instance, o.cmd.Library)
}

// progressLocked returns the visits to send next and, once nothing is left
// in flight and either every bucket was visited or one failed, the terminal
// reply.
func (o *Operation) progressLocked() ([]message.Command, message.Reply) {
	if o.replied {
		return nil, nil
	}
	var cmds []message.Command
	if o.failure == nil {
		cmds = o.nextCommandsLocked()
	}
	if o.inFlight == 0 && (o.failure != nil || o.next == len(o.buckets)) {
		return cmds, o.finishLocked()
	}
	return cmds, nil
}

// nextCommandsLocked builds visits for as many buckets as the pending limit
// allows. Buckets without a known replica fail the visitor.
func (o *Operation) nextCommandsLocked() []message.Command {
	var cmds []message.Command
	for o.inFlight < o.maxPending && o.next < len(o.buckets) {
		b := o.buckets[o.next]
		o.next++
		node, err := o.db.PreferredNode(b)
		if err != nil {
			o.failure = &message.Result{Code: message.BucketNotFound, Message: err.Error()}
			return cmds
		}
		o.inFlight++
		cmds = append(cmds, message.NewVisitBucketCommand(b, node, o.cmd.Instance))
	}
	return cmds
}

func (o *Operation) finishLocked() message.Reply {
	res := message.Result{Code: message.OK}
	if o.failure != nil {
		res = *o.failure
	}
	reply := o.replyLocked(res)
	if reply != nil {
		cvr := reply.(*message.CreateVisitorReply)
		cvr.VisitedBuckets = o.visited
		if res.Success() {
			cvr.Documents = o.docs
		}
	}
	o.docs = nil
	return reply
}

// replyLocked builds the terminal reply, or returns nil if one was already
// built.
func (o *Operation) replyLocked(res message.Result) message.Reply {
	if o.replied {
		return nil
	}
	o.replied = true
	return o.cmd.MakeReply(res)
}

// flush sends cmds and then the terminal reply, outside the visitor's mutex.
// The bucket lock is released once the reply is out.
func (o *Operation) flush(sender operation.Sender, cmds []message.Command, reply message.Reply) {
	for _, cmd := range cmds {
		sender.SendCommand(cmd)
	}
	if reply == nil {
		return
	}
	o.logger.Debug().Stringer("reply", reply).Msg("Visitor complete")
	sender.SendReply(reply)

	o.mu.Lock()
	o.lock.Release()
	o.mu.Unlock()
}
