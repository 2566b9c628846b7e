// Package storage implements the in-process storage nodes the distributor
// routes bucket commands to.
//
// # Overview
//
// A storage node holds replicas of buckets. Each bucket replica is a
// document store keyed by document ID. The distributor never touches the
// stores directly: it sends commands (see package message) and the node
// answers each with exactly one reply.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Distributor              │
//	│   (operations, pending tracker)     │
//	└─────────────────────────────────────┘
//	                 │ message.Command
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           storage.Node              │
//	│   Handle(cmd) → message.Reply       │
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│Bucket 0│  │Bucket 3│  │Bucket 7│
//	│ Store  │  │ Store  │  │ Store  │
//	└────────┘  └────────┘  └────────┘
//
// # Store Interface
//
// Store is the per-bucket document store:
//
//	type Store interface {
//	    Get(key string) ([]byte, error)
//	    Put(key string, value []byte) error
//	    Remove(key string) error
//	    Keys() []string
//	    Snapshot() []message.Document
//	    Stats() StoreStats
//	}
//
// MemoryStore is the only implementation. It keeps keys sorted on insert, so
// a visit is a single consistent Snapshot under one read lock. Values are
// copied on the way in and on the way out.
//
// # Supported Commands
//
//   - VisitBucketCommand: returns every document in the bucket, ordered by
//     key. A bucket the node does not hold is answered with
//     BUCKET_NOT_FOUND.
//
// Any other command is answered with ILLEGAL_PARAMETERS.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Node keeps its
// bucket map under an RWMutex and its counters in atomics; MemoryStore uses
// an RWMutex so visits can run in parallel with each other.
//
// # Persistence
//
// None. Nodes start empty and are seeded by the process that owns them;
// state is lost on restart.
package storage
