// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// dummySig is placeholder signature material; the engine checks evidence
// presence, not cryptographic validity.
var dummySig = []byte{0x30, 0x44, 0x02, 0x20}

// signedBy builds a witness carrying signatures for the given keys.
func signedBy(keys ...*btcec.PublicKey) *Witness {
	w := NewWitness()
	for _, key := range keys {
		w.AddSignature(key, dummySig)
	}

	return w
}

// TestThresholdSatisfaction tests k-of-n evaluation including the missing
// set of the cheapest completion.
func TestThresholdSatisfaction(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 3)
	thresh, err := NewThreshold(
		2, NewKey(keys[0]), NewKey(keys[1]), NewKey(keys[2]),
	)
	require.NoError(t, err)

	// Arrange/Act/Assert: no evidence leaves the threshold short by two
	// signatures.
	res := Satisfies(thresh, NewWitness(), nil)
	require.False(t, res.Satisfied)
	require.Len(t, res.Missing, 2)

	// One signature leaves it short by exactly one.
	res = Satisfies(thresh, signedBy(keys[0]), nil)
	require.False(t, res.Satisfied)
	require.Len(t, res.Missing, 1)
	require.Equal(t, AtomSignature, res.Missing[0].Kind)

	// Any two signatures satisfy it.
	res = Satisfies(thresh, signedBy(keys[0], keys[2]), nil)
	require.True(t, res.Satisfied)
	require.Empty(t, res.Missing)
}

// TestMonotonicity tests that satisfaction is preserved under witness
// supersets: adding more valid evidence never revokes satisfaction.
func TestMonotonicity(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 3)
	preimage := []byte("monotone")
	image := sha256.Sum256(preimage)

	thresh, err := NewThreshold(
		2, NewKey(keys[0]), NewKey(keys[1]), NewKey(keys[2]),
	)
	require.NoError(t, err)
	older, err := NewOlder(10)
	require.NoError(t, err)
	hashBranch, err := NewAnd(NewPreimage(image), older)
	require.NoError(t, err)
	combined, err := NewOr(thresh, hashBranch)
	require.NoError(t, err)

	ctx := &EvalContext{InputAge: fn.Some(uint32(100))}

	// The base witness satisfies via the threshold branch.
	base := signedBy(keys[0], keys[1])
	require.True(t, Satisfies(combined, base, ctx).Satisfied)

	// Supersets keep satisfying, whatever extra evidence arrives.
	superset := signedBy(keys[0], keys[1], keys[2])
	superset.AddPreimage(preimage)
	require.True(t, Satisfies(combined, superset, ctx).Satisfied)

	// Merging is commutative with respect to the outcome.
	merged := NewWitness()
	merged.Merge(superset)
	merged.Merge(base)
	require.True(t, Satisfies(combined, merged, ctx).Satisfied)
}

// TestOrPrefersFewestMissing tests the planning heuristic: the missing set
// reported for an unsatisfied or-node comes from the branch needing the
// fewest further atoms, leftmost on ties.
func TestOrPrefersFewestMissing(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 3)

	// Left branch needs two signatures, right needs one.
	both, err := NewAnd(NewKey(keys[0]), NewKey(keys[1]))
	require.NoError(t, err)
	either, err := NewOr(both, NewKey(keys[2]))
	require.NoError(t, err)

	res := Satisfies(either, NewWitness(), nil)
	require.False(t, res.Satisfied)
	require.Len(t, res.Missing, 1)
	require.Equal(t, keys[2].SerializeCompressed(), res.Missing[0].Key)

	// With one left signature in hand both branches miss one atom; the
	// left branch wins the tie.
	res = Satisfies(either, signedBy(keys[0]), nil)
	require.False(t, res.Satisfied)
	require.Len(t, res.Missing, 1)
	require.Equal(t, keys[1].SerializeCompressed(), res.Missing[0].Key)
}

// TestTimelockContext tests that timelock atoms require an explicit
// evaluation context and never pass silently without one.
func TestTimelockContext(t *testing.T) {
	t.Parallel()

	after, err := NewAfter(800_000)
	require.NoError(t, err)
	older, err := NewOlder(144)
	require.NoError(t, err)

	testCases := []struct {
		name      string
		p         Policy
		ctx       *EvalContext
		satisfied bool
		kind      AtomKind
	}{
		{
			name: "absolute lock without context",
			p:    after,
			ctx:  nil,
			kind: AtomAbsoluteLock,
		},
		{
			name: "absolute lock below bound",
			p:    after,
			ctx: &EvalContext{
				Height: fn.Some(uint32(799_999)),
			},
			kind: AtomAbsoluteLock,
		},
		{
			name: "absolute lock at bound",
			p:    after,
			ctx: &EvalContext{
				Height: fn.Some(uint32(800_000)),
			},
			satisfied: true,
		},
		{
			name: "relative lock without input age",
			p:    older,
			ctx: &EvalContext{
				Height: fn.Some(uint32(900_000)),
			},
			kind: AtomRelativeLock,
		},
		{
			name: "relative lock satisfied",
			p:    older,
			ctx: &EvalContext{
				InputAge: fn.Some(uint32(144)),
			},
			satisfied: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			res := Satisfies(tc.p, NewWitness(), tc.ctx)
			require.Equal(t, tc.satisfied, res.Satisfied)

			if !tc.satisfied {
				require.Len(t, res.Missing, 1)
				require.Equal(t, tc.kind, res.Missing[0].Kind)
			}
		})
	}
}

// TestTimeBasedAbsoluteLock tests that lock values at or above the
// consensus threshold compare against unix time, not height.
func TestTimeBasedAbsoluteLock(t *testing.T) {
	t.Parallel()

	// 2026-01-01T00:00:00Z, well above the lock-time threshold.
	after, err := NewAfter(1_767_225_600)
	require.NoError(t, err)

	// A height alone must not satisfy a time-based lock.
	res := Satisfies(after, nil, &EvalContext{
		Height: fn.Some(uint32(900_000)),
	})
	require.False(t, res.Satisfied)

	res = Satisfies(after, nil, &EvalContext{
		UnixTime: fn.Some(int64(1_767_225_600)),
	})
	require.True(t, res.Satisfied)
}

// TestPreimageSatisfaction tests that a preimage leaf is satisfied only by
// the preimage of its exact image.
func TestPreimageSatisfaction(t *testing.T) {
	t.Parallel()

	preimage := []byte("reveal me")
	image := sha256.Sum256(preimage)
	leaf := NewPreimage(image)

	w := NewWitness()
	w.AddPreimage([]byte("wrong preimage"))
	require.False(t, Satisfies(leaf, w, nil).Satisfied)

	w.AddPreimage(preimage)
	require.True(t, Satisfies(leaf, w, nil).Satisfied)
}
