// Package operation owns the operations currently running on a distributor
// node and routes storage-node replies back to them.
//
// # Overview
//
// An Operation is a unit of work against one or more buckets. Once handed to
// an Owner with Start, the owner:
//   - wraps the node's Sender so every command the operation sends is
//     recorded as owned by that operation
//   - routes replies to the owning operation's OnReceive
//   - considers the operation complete when it has no commands in flight
//   - closes every operation exactly once on shutdown
//
// # Message Flow
//
//	Owner.Start(op) ──▶ op.OnStart(s) ──▶ s.SendCommand(cmd)
//	                                        │ record cmd.MsgID() → op
//	                                        ▼
//	                                    node transport
//	                                        │
//	Owner.HandleReply(reply) ◀──────────────┘
//	   │ pop reply.MsgID()
//	   ▼
//	op.OnReceive(s, reply)
//
// Replies for identifiers the owner does not know (already erased after a
// timeout, or from before a restart) are logged and dropped; they are never
// fatal.
//
// # Erasing Messages
//
// Erase removes a sent-message entry without a network reply. The owning
// operation still receives a reply, synthesized locally from the original
// command with an ABORTED result, so its bookkeeping of outstanding requests
// stays consistent.
//
// # Concurrency
//
// The owner's tables are guarded by a single mutex that is never held while
// calling into an operation. Operations may therefore send commands from any
// callback, and callbacks for one operation may arrive on different
// goroutines; operations synchronize their own state.
package operation

import (
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/pending"
)

// Priority orders operations. Lower values are more urgent.
type Priority uint8

const (
	// PriorityHighest is used for operations that must run before anything
	// else.
	PriorityHighest Priority = 0
	// PriorityReadForWrite is the tier read-for-write operations are handed
	// off at once their bucket has drained.
	PriorityReadForWrite Priority = 120
	// PriorityLowest is used for background work.
	PriorityLowest Priority = 255
)

// Sender is the transport face an operation sees.
type Sender interface {
	// SendCommand sends a request to a storage node.
	SendCommand(cmd message.Command)
	// SendReply sends a reply back to the client that issued a request.
	SendReply(reply message.Reply)
	// NodeIndex returns the distributor's index in the cluster.
	NodeIndex() int
	// ClusterName returns the name of the cluster the node belongs to.
	ClusterName() string
	// PendingMessageTracker exposes per-bucket in-flight counts.
	PendingMessageTracker() pending.View
}

// Operation is a unit of work driven by an Owner.
type Operation interface {
	// OnStart is called once when the operation is started.
	OnStart(sender Sender)
	// OnReceive is called for every reply to a command the operation sent,
	// including replies synthesized by Owner.Erase.
	OnReceive(sender Sender, reply message.Reply)
	// OnClose is called at most once when the operation is terminated
	// before completing, e.g. on shutdown.
	OnClose(sender Sender)
	String() string
}
