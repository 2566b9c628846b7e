// Package distributor assembles the coordination core into a distributor
// node: it owns the pending message tracker, the bucket sequencer and the
// operation owners, and is the real Sender every operation ultimately talks
// through.
package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/distributor/internal/bucketdb"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/metrics"
	"github.com/dreamware/distributor/internal/operation"
	"github.com/dreamware/distributor/internal/pending"
	"github.com/dreamware/distributor/internal/sequencer"
	"github.com/dreamware/distributor/internal/visitor"
)

// Transport carries commands to storage nodes. Replies come back through
// Node.HandleReply, possibly on another goroutine.
type Transport interface {
	Send(cmd message.Command)
}

// ReplySink receives replies destined for clients.
type ReplySink interface {
	Deliver(reply message.Reply)
}

// ReplySinkFunc adapts a function to ReplySink.
type ReplySinkFunc func(reply message.Reply)

// Deliver calls f(reply).
func (f ReplySinkFunc) Deliver(reply message.Reply) {
	f(reply)
}

// Config contains configuration for a distributor node.
type Config struct {
	ClusterName string
	NodeIndex   int
	// ReadForWritePriority is handed to read-for-write operations as-is.
	// The zero value is operation.PriorityHighest.
	ReadForWritePriority operation.Priority
	MaxPendingBuckets    int
	// MessageTimeout erases storage commands left unanswered this long.
	// Zero disables timeouts.
	MessageTimeout time.Duration
	SweepInterval  time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.CoreMetrics
}

// Status is a point-in-time snapshot of the node's coordination state.
type Status struct {
	ClusterName       string `json:"cluster_name"`
	NodeIndex         int    `json:"node_index"`
	RunningOperations int    `json:"running_operations"`
	StartingOps       int    `json:"starting_operations"`
	PendingMessages   int    `json:"pending_messages"`
	DeferredTasks     int    `json:"deferred_tasks"`
	BucketLocksHeld   int    `json:"bucket_locks_held"`
	AwaitingTimeout   int    `json:"awaiting_timeout"`
	Closed            bool   `json:"closed"`
}

// Node is a distributor node.
// Thread-safe: all methods may be called concurrently.
type Node struct {
	cfg       Config
	transport Transport
	client    ReplySink
	db        *bucketdb.Database
	logger    zerolog.Logger

	tracker   *pending.Tracker
	sequencer *sequencer.Sequencer
	// operations owns operations for their whole run; starters holds
	// read-for-write starters until they hand their operation over.
	operations *operation.Owner
	starters   *operation.Owner
	timeouts   *TimeoutMonitor

	closeOnce sync.Once
}

// New creates a distributor node routing commands over transport and client
// replies to client.
func New(cfg Config, transport Transport, db *bucketdb.Database, client ReplySink) *Node {
	logger := cfg.Logger.With().
		Str("cluster", cfg.ClusterName).
		Int("distributor", cfg.NodeIndex).
		Logger()

	n := &Node{
		cfg:       cfg,
		transport: transport,
		client:    client,
		db:        db,
		logger:    logger,
		tracker: pending.NewTracker(
			pending.WithLogger(logger.With().Str("component", "pending").Logger()),
			pending.WithMetrics(cfg.Metrics),
		),
		sequencer: sequencer.New(sequencer.WithMetrics(cfg.Metrics)),
	}
	n.operations = operation.NewOwner(n, operation.OwnerConfig{
		Name:    "stable",
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	n.starters = operation.NewOwner(n, operation.OwnerConfig{
		Name:    "starters",
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	if cfg.MessageTimeout > 0 {
		n.timeouts = NewTimeoutMonitor(n.EraseMessage, cfg.MessageTimeout, cfg.SweepInterval,
			logger.With().Str("component", "timeouts").Logger())
	}
	return n
}

// RunTimeouts erases timed-out commands until ctx is cancelled or the node
// is closed. Returns immediately when timeouts are disabled.
func (n *Node) RunTimeouts(ctx context.Context) {
	n.timeouts.Start(ctx)
}

// HandleVisitor starts a read-for-write visitor for cmd. The client receives
// exactly one CreateVisitorReply through the ReplySink.
func (n *Node) HandleVisitor(cmd *message.CreateVisitorCommand) {
	op := visitor.New(cmd, visitor.Config{
		DB:                n.db,
		MaxPendingBuckets: n.cfg.MaxPendingBuckets,
		Logger:            n.logger,
	})
	starter := visitor.NewReadForWriteStarter(op, n.sequencer, n.operations, n.tracker,
		visitor.WithPriority(n.cfg.ReadForWritePriority),
		visitor.WithLogger(n.logger.With().Str("visitor", cmd.Instance).Logger()),
		visitor.WithMetrics(n.cfg.Metrics),
	)
	if !n.starters.Start(starter, n.cfg.ReadForWritePriority) {
		n.SendReply(cmd.MakeReply(message.Result{
			Code:    message.Aborted,
			Message: "distributor is shutting down",
		}))
	}
}

// HandleReply accounts for a storage node reply and routes it to the
// operation that sent the command. Replies nobody owns are dropped.
func (n *Node) HandleReply(reply message.Reply) {
	// Decrement first: a deferred task released here may start an
	// operation that immediately sends to the same bucket.
	n.tracker.Reply(reply)
	n.timeouts.Done(reply.MsgID())

	switch {
	case n.operations.Owns(reply.MsgID()):
		n.operations.HandleReply(reply)
	case n.starters.Owns(reply.MsgID()):
		n.starters.HandleReply(reply)
	default:
		n.cfg.Metrics.UnknownReply()
		n.logger.Debug().Stringer("reply", reply).Msg("Dropping reply for unknown message")
	}
}

// EraseMessage gives up on a command, e.g. after a timeout. Its owner gets a
// synthesized ABORTED reply. Returns false if the command was not pending.
func (n *Node) EraseMessage(id message.ID) bool {
	n.timeouts.Done(id)
	n.tracker.Erase(id)
	if n.operations.Erase(id) {
		return true
	}
	return n.starters.Erase(id)
}

// Close shuts the node down: every running operation is closed once and
// every deferred start aborted once. Idempotent.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.logger.Info().Msg("Closing distributor node")
		n.timeouts.Stop()
		n.starters.Close()
		n.operations.Close()
		n.tracker.Close()
	})
}

// Status returns a snapshot of the node's coordination state.
func (n *Node) Status() Status {
	return Status{
		ClusterName:       n.cfg.ClusterName,
		NodeIndex:         n.cfg.NodeIndex,
		RunningOperations: n.operations.Size(),
		StartingOps:       n.starters.Size(),
		PendingMessages:   n.tracker.Total(),
		DeferredTasks:     n.tracker.Waiting(),
		BucketLocksHeld:   n.sequencer.Len(),
		AwaitingTimeout:   n.timeouts.Tracked(),
		Closed:            n.tracker.Closed(),
	}
}

// Sequencer returns the node's bucket sequencer.
func (n *Node) Sequencer() *sequencer.Sequencer {
	return n.sequencer
}

// Tracker returns the node's pending message tracker.
func (n *Node) Tracker() *pending.Tracker {
	return n.tracker
}

// Operations returns the owner of running operations.
func (n *Node) Operations() *operation.Owner {
	return n.operations
}

// SendCommand records cmd as pending and hands it to the transport.
func (n *Node) SendCommand(cmd message.Command) {
	n.tracker.Insert(cmd)
	n.timeouts.Track(cmd.MsgID())
	n.transport.Send(cmd)
}

// SendReply delivers reply to the client.
func (n *Node) SendReply(reply message.Reply) {
	n.client.Deliver(reply)
}

// NodeIndex returns the distributor's index in the cluster.
func (n *Node) NodeIndex() int {
	return n.cfg.NodeIndex
}

// ClusterName returns the cluster name.
func (n *Node) ClusterName() string {
	return n.cfg.ClusterName
}

// PendingMessageTracker returns the read-only tracker view.
func (n *Node) PendingMessageTracker() pending.View {
	return n.tracker
}
