// Package bucketdb holds the distributor's view of which storage nodes hold
// replicas of which buckets. The read-for-write visitor uses it to expand a
// request into the concrete set of buckets to visit and to pick the node to
// visit each bucket on.
package bucketdb

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/distributor/internal/bucket"
)

// ErrUnknownNode is returned when a bucket has no replica to route to.
var ErrUnknownNode = errors.New("bucket has no replicas")

// Entry describes the replicas of a single bucket.
//
// Nodes are storage node indexes in preference order: the first node is the
// one reads are routed to.
//
// Thread Safety:
// Entries are immutable once returned. The database hands out copies to
// prevent external modification.
type Entry struct {
	// Bucket is the bucket this entry describes.
	Bucket bucket.ID `json:"bucket"`

	// Nodes lists the storage node indexes holding a replica, preferred
	// node first. Never empty for an entry stored in the database.
	Nodes []int `json:"nodes"`
}

func (e Entry) clone() Entry {
	return Entry{Bucket: e.Bucket, Nodes: slices.Clone(e.Nodes)}
}

// Database maps buckets to the storage nodes holding them, serving as the
// distributor's routing table for bucket-level operations.
//
// The keyspace is split into a fixed number of buckets. Keys are hashed to
// buckets with bucket.ForKey; buckets are placed on nodes with SetReplicas
// or Rebalance.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         Database                    │
//	├─────────────────────────────────────┤
//	│  entries: map[bucket]→[]node        │
//	│  numBuckets: keyspace size          │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  Key → Hash → Bucket → Nodes        │
//	│  "user:123" → 0x1a2b → 5 → [2, 0]   │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type Database struct {
	// entries maps bucket IDs to their replica placement.
	// A bucket not in the map is treated as nonexistent.
	entries map[bucket.ID]Entry

	// mu protects concurrent access to the entries map.
	mu sync.RWMutex

	// numBuckets is the size of the keyspace, fixed at creation.
	numBuckets int
}

// New creates an empty database over a keyspace of numBuckets buckets.
//
// Parameters:
//   - numBuckets: Total number of buckets in the keyspace (must be > 0)
//
// Example:
//
//	db := bucketdb.New(64)
//	db.Rebalance(3, 2)
func New(numBuckets int) *Database {
	return &Database{
		entries:    make(map[bucket.ID]Entry),
		numBuckets: numBuckets,
	}
}

// SetReplicas places bucket b on the given nodes, overwriting any previous
// placement.
//
// Returns:
//   - nil on success
//   - Error if b is outside the keyspace or nodes is empty
func (d *Database) SetReplicas(b bucket.ID, nodes ...int) error {
	if uint64(b) >= uint64(d.numBuckets) {
		return fmt.Errorf("invalid bucket %s, must be in range [0, %d)", b, d.numBuckets)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("bucket %s: %w", b, ErrUnknownNode)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[b] = Entry{Bucket: b, Nodes: slices.Clone(nodes)}
	return nil
}

// Remove drops bucket b. Removing an unknown bucket is not an error.
func (d *Database) Remove(b bucket.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, b)
}

// Get returns a copy of the entry for b.
func (d *Database) Get(b bucket.ID) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[b]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Contains reports whether b exists.
func (d *Database) Contains(b bucket.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[b]
	return ok
}

// PreferredNode returns the node reads for b should be routed to.
func (d *Database) PreferredNode(b bucket.ID) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[b]
	if !ok || len(e.Nodes) == 0 {
		return 0, fmt.Errorf("bucket %s: %w", b, ErrUnknownNode)
	}
	return e.Nodes[0], nil
}

// Buckets returns every known bucket in ascending order.
func (d *Database) Buckets() []bucket.ID {
	d.mu.RLock()
	out := make([]bucket.ID, 0, len(d.entries))
	for b := range d.entries {
		out = append(out, b)
	}
	d.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Entries returns copies of every entry, ordered by bucket.
func (d *Database) Entries() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.clone())
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Bucket < b.Bucket:
			return -1
		case a.Bucket > b.Bucket:
			return 1
		}
		return 0
	})
	return out
}

// Filter returns the buckets among candidates that exist, sorted ascending
// with duplicates removed.
func (d *Database) Filter(candidates []bucket.ID) []bucket.ID {
	d.mu.RLock()
	out := make([]bucket.ID, 0, len(candidates))
	for _, b := range candidates {
		if _, ok := d.entries[b]; ok {
			out = append(out, b)
		}
	}
	d.mu.RUnlock()

	slices.Sort(out)
	return slices.Compact(out)
}

// NodeBuckets returns the buckets with a replica on node, in ascending order.
func (d *Database) NodeBuckets(node int) []bucket.ID {
	d.mu.RLock()
	var out []bucket.ID
	for b, e := range d.entries {
		if slices.Contains(e.Nodes, node) {
			out = append(out, b)
		}
	}
	d.mu.RUnlock()

	slices.Sort(out)
	return out
}

// BucketForKey returns the bucket owning key.
func (d *Database) BucketForKey(key string) bucket.ID {
	return bucket.ForKey(key, d.numBuckets)
}

// NumBuckets returns the keyspace size.
func (d *Database) NumBuckets() int {
	return d.numBuckets
}

// Rebalance places every bucket of the keyspace on numNodes nodes with the
// given redundancy, round-robin: bucket i's preferred node is i % numNodes
// and the remaining replicas follow on the next nodes.
//
// Current limitations:
//   - Simple round-robin (doesn't consider actual load)
//   - No data migration coordination
//
// Returns:
//   - Error if numNodes < 1 or redundancy is not in [1, numNodes]
func (d *Database) Rebalance(numNodes, redundancy int) error {
	if numNodes < 1 {
		return errors.New("cannot rebalance with no nodes")
	}
	if redundancy < 1 || redundancy > numNodes {
		return fmt.Errorf("invalid redundancy %d for %d nodes", redundancy, numNodes)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < d.numBuckets; i++ {
		nodes := make([]int, redundancy)
		for r := 0; r < redundancy; r++ {
			nodes[r] = (i + r) % numNodes
		}
		d.entries[bucket.ID(i)] = Entry{Bucket: bucket.ID(i), Nodes: nodes}
	}
	return nil
}
