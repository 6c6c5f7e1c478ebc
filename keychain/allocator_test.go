// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

const defaultDBTimeout = 10 * time.Second

// newTestDB creates a temporary bdb walletdb for allocator tests.
func newTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "keychain.db")

	dbConn, err := walletdb.Create(
		"bdb", dbPath, true, defaultDBTimeout, false,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, dbConn.Close())
	})

	return dbConn
}

// TestBoltAllocatorStrictIncrease tests that allocated indices are strictly
// increasing per (scheme, identity) and independent across pairs.
func TestBoltAllocatorStrictIncrease(t *testing.T) {
	t.Parallel()

	alloc, err := NewBoltAllocator(newTestDB(t))
	require.NoError(t, err)

	// Indices within one pair count up from zero without gaps or
	// repeats.
	for want := uint32(0); want < 5; want++ {
		got, err := alloc.NextIndex("vault", "alice")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// Other identities and schemes carry their own counters.
	got, err := alloc.NextIndex("vault", "bob")
	require.NoError(t, err)
	require.EqualValues(t, 0, got)

	got, err = alloc.NextIndex("current", "alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, got)
}

// TestBoltAllocatorDurability tests that counters survive reopening the
// allocator over the same database, so indices are never reused across
// restarts.
func TestBoltAllocatorDurability(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	alloc, err := NewBoltAllocator(db)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := alloc.NextIndex("vault", "alice")
		require.NoError(t, err)
	}

	// A fresh allocator over the same database continues the counter.
	reopened, err := NewBoltAllocator(db)
	require.NoError(t, err)

	got, err := reopened.NextIndex("vault", "alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, got)
}

// TestMemoryAllocator tests the in-memory allocator's per-pair counters.
func TestMemoryAllocator(t *testing.T) {
	t.Parallel()

	alloc := NewMemoryAllocator()

	first, err := alloc.NextIndex("vault", "alice")
	require.NoError(t, err)
	second, err := alloc.NextIndex("vault", "alice")
	require.NoError(t, err)

	require.EqualValues(t, 0, first)
	require.EqualValues(t, 1, second)
}
