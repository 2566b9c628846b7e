// Package bucket defines the identifiers used to partition the document
// keyspace. A bucket is the unit of locking and traffic accounting in the
// distributor: operations are sequenced per bucket, and in-flight messages
// are counted per bucket.
package bucket

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// ID identifies a single bucket. The zero value is a valid identifier.
type ID uint64

// String renders the bucket in the hex form used in logs and replies.
func (id ID) String() string {
	return fmt.Sprintf("Bucket(0x%016x)", uint64(id))
}

// MarshalText allows IDs to be used as JSON map keys and YAML scalars.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(id), 10)), nil
}

// UnmarshalText accepts decimal or 0x-prefixed hex identifiers.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid bucket id %q: %w", text, err)
	}
	*id = ID(v)
	return nil
}

// ForKey maps a document group key onto one of numBuckets buckets.
//
// Uses FNV-1a so the mapping is deterministic across processes and matches
// the routing used by storage nodes. numBuckets must be > 0.
//
// Example:
//
//	b := bucket.ForKey("user:123", 64)
func ForKey(key string, numBuckets int) ID {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ID(h.Sum32() % uint32(numBuckets))
}
