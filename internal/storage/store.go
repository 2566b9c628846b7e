package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/distributor/internal/message"
)

// ErrKeyNotFound is returned when a bucket holds no document with the key.
var ErrKeyNotFound = errors.New("key not found")

// Store holds the documents of one bucket replica.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns a copy of the document value, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Put writes a document, replacing any previous value.
	Put(key string, value []byte) error

	// Remove deletes a document. Removing a missing key is not an error.
	Remove(key string) error

	// Keys returns the document keys in ascending order.
	Keys() []string

	// Snapshot returns a consistent copy of every document in key order.
	Snapshot() []message.Document

	// Stats describes the replica.
	Stats() StoreStats
}

// StoreStats describes a bucket replica.
type StoreStats struct {
	Documents int    `json:"documents"`
	Bytes     int    `json:"bytes"`    // sum of value sizes
	Revision  uint64 `json:"revision"` // bumped by every mutation
}

// MemoryStore is an in-memory Store. Keys are kept sorted on insert so
// snapshots come out in visit order without a sort per visit.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     []string
	docs     map[string][]byte
	bytes    int
	revision uint64
}

// NewMemoryStore creates an empty replica.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.docs[key]; ok {
		m.bytes -= len(old)
	} else {
		i, _ := slices.BinarySearch(m.keys, key)
		m.keys = slices.Insert(m.keys, i, key)
	}
	v := append([]byte{}, value...) // never nil

	m.docs[key] = v
	m.bytes += len(v)
	m.revision++
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.docs[key]
	if !ok {
		return nil
	}
	delete(m.docs, key)
	if i, found := slices.BinarySearch(m.keys, key); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
	m.bytes -= len(old)
	m.revision++
	return nil
}

func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.keys)
}

func (m *MemoryStore) Snapshot() []message.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]message.Document, len(m.keys))
	for i, k := range m.keys {
		docs[i] = message.Document{Key: k, Value: slices.Clone(m.docs[k])}
	}
	return docs
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{
		Documents: len(m.keys),
		Bytes:     m.bytes,
		Revision:  m.revision,
	}
}
