// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// ErrAllocatorUninitialized is returned when the allocator's backing
	// namespace is missing from the database.
	ErrAllocatorUninitialized = errors.New("index allocator uninitialized")

	// ErrCorruptCounter is returned when a stored index counter does not
	// deserialize.
	ErrCorruptCounter = errors.New("corrupt index counter")

	// indexNamespaceKey is the top-level bucket key for allocator state.
	indexNamespaceKey = []byte("keychain-indices")
)

// IndexAllocator hands out rotating derivation indices. Implementations must
// guarantee that for each (scheme, identity) pair the returned indices are
// strictly increasing and never repeat, even across process restarts. Index
// reuse would resolve two different payments to the same key path, so this
// is the one piece of keychain state that must be durable.
type IndexAllocator interface {
	// NextIndex allocates and returns the next unused index for the
	// given scheme and identity.
	NextIndex(scheme string, id Identity) (uint32, error)
}

// BoltAllocator is a walletdb-backed IndexAllocator. Counters live in a
// bucket per scheme keyed by identity, and each allocation is a single
// atomic read-write transaction, so concurrent allocators sharing one
// database never hand out the same index twice.
type BoltAllocator struct {
	db walletdb.DB
}

// Compile-time check that BoltAllocator implements IndexAllocator.
var _ IndexAllocator = (*BoltAllocator)(nil)

// NewBoltAllocator creates an allocator over the given database, creating
// its namespace if this is the first run.
func NewBoltAllocator(db walletdb.DB) (*BoltAllocator, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(indexNamespaceKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create index namespace: %w",
			err)
	}

	return &BoltAllocator{db: db}, nil
}

// NextIndex allocates and returns the next unused index for the given scheme
// and identity. The counter is advanced in the same transaction that reads
// it.
//
// This is part of the IndexAllocator interface.
func (a *BoltAllocator) NextIndex(scheme string, id Identity) (uint32,
	error) {

	var next uint32
	err := walletdb.Update(a.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(indexNamespaceKey)
		if ns == nil {
			return ErrAllocatorUninitialized
		}

		schemeBucket, err := ns.CreateBucketIfNotExists(
			[]byte(scheme),
		)
		if err != nil {
			return err
		}

		// The stored value is the next index to hand out; absence
		// means the counter starts at zero.
		key := []byte(id)
		if raw := schemeBucket.Get(key); raw != nil {
			if len(raw) != 4 {
				return fmt.Errorf("%w: %d bytes for %s/%s",
					ErrCorruptCounter, len(raw), scheme,
					id)
			}
			next = binary.BigEndian.Uint32(raw)
		}

		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], next+1)

		return schemeBucket.Put(key, buf[:])
	})
	if err != nil {
		return 0, err
	}

	log.Debugf("Allocated index %d for %s/%s", next, scheme, id)

	return next, nil
}

// MemoryAllocator is an in-memory IndexAllocator for tests and throwaway
// wallets. It upholds strict increase within a process but loses state on
// restart.
type MemoryAllocator struct {
	mtx      sync.Mutex
	counters map[string]uint32
}

// Compile-time check that MemoryAllocator implements IndexAllocator.
var _ IndexAllocator = (*MemoryAllocator)(nil)

// NewMemoryAllocator creates an empty in-memory allocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{
		counters: make(map[string]uint32),
	}
}

// NextIndex allocates and returns the next unused index for the given scheme
// and identity.
//
// This is part of the IndexAllocator interface.
func (a *MemoryAllocator) NextIndex(scheme string, id Identity) (uint32,
	error) {

	a.mtx.Lock()
	defer a.mtx.Unlock()

	key := scheme + "/" + string(id)
	next := a.counters[key]
	a.counters[key] = next + 1

	return next, nil
}
