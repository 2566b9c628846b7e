package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/message"
)

// ErrBucketNotFound is returned when a node holds no replica of a bucket.
var ErrBucketNotFound = errors.New("bucket not found")

// NodeStats tracks request counts for a storage node.
type NodeStats struct {
	Visits  uint64 `json:"visits"`  // Number of bucket visits served
	Puts    uint64 `json:"puts"`    // Number of documents written
	Rejects uint64 `json:"rejects"` // Number of commands answered with a failure
}

// Node is a storage node holding bucket replicas. It answers the commands
// the distributor sends; it never initiates traffic.
//
// Concurrency model:
//   - Bucket map guarded by an RWMutex
//   - Each bucket store handles its own synchronization
//   - Statistics updated atomically
type Node struct {
	Index int

	mu      sync.RWMutex
	buckets map[bucket.ID]Store
	stats   NodeStats
}

// NewNode creates a storage node with no buckets.
func NewNode(index int) *Node {
	return &Node{
		Index:   index,
		buckets: make(map[bucket.ID]Store),
	}
}

// CreateBucket makes sure a replica of b exists on the node and returns its
// store. Buckets are created lazily, so calling this for an existing bucket
// returns the existing store.
func (n *Node) CreateBucket(b bucket.ID) Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.buckets[b]
	if !ok {
		s = NewMemoryStore()
		n.buckets[b] = s
	}
	return s
}

// Bucket returns the store for b.
func (n *Node) Bucket(b bucket.ID) (Store, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.buckets[b]
	if !ok {
		return nil, fmt.Errorf("node %d, %s: %w", n.Index, b, ErrBucketNotFound)
	}
	return s, nil
}

// Put writes a document into bucket b, creating the bucket if needed.
func (n *Node) Put(b bucket.ID, key string, value []byte) error {
	atomic.AddUint64(&n.stats.Puts, 1)
	return n.CreateBucket(b).Put(key, value)
}

// Buckets returns the buckets the node holds, in ascending order.
func (n *Node) Buckets() []bucket.ID {
	n.mu.RLock()
	out := make([]bucket.ID, 0, len(n.buckets))
	for b := range n.buckets {
		out = append(out, b)
	}
	n.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Stats returns a snapshot of the node's request counters.
func (n *Node) Stats() NodeStats {
	return NodeStats{
		Visits:  atomic.LoadUint64(&n.stats.Visits),
		Puts:    atomic.LoadUint64(&n.stats.Puts),
		Rejects: atomic.LoadUint64(&n.stats.Rejects),
	}
}

// Handle executes cmd and returns its reply. Unsupported commands are
// answered with ILLEGAL_PARAMETERS.
func (n *Node) Handle(cmd message.Command) message.Reply {
	switch c := cmd.(type) {
	case *message.VisitBucketCommand:
		return n.visit(c)
	default:
		atomic.AddUint64(&n.stats.Rejects, 1)
		return cmd.MakeReply(message.Result{
			Code:    message.IllegalParameters,
			Message: fmt.Sprintf("storage node %d does not support %T", n.Index, cmd),
		})
	}
}

func (n *Node) visit(cmd *message.VisitBucketCommand) message.Reply {
	store, err := n.Bucket(cmd.Target)
	if err != nil {
		atomic.AddUint64(&n.stats.Rejects, 1)
		return cmd.MakeReply(message.Result{Code: message.BucketNotFound, Message: err.Error()})
	}
	atomic.AddUint64(&n.stats.Visits, 1)

	reply := cmd.MakeReply(message.Result{Code: message.OK}).(*message.VisitBucketReply)
	reply.Documents = store.Snapshot()
	return reply
}
