// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSchemeDerivation tests that derivation is pure, collision-free across
// identities and indices, and rejects unknown identities.
func TestSchemeDerivation(t *testing.T) {
	t.Parallel()

	scheme, err := NewScheme(
		"vault", 9735, 0, []Identity{"alice", "bob", "custodian"},
	)
	require.NoError(t, err)

	// Derivation is reproducible from its inputs alone.
	pathA, err := scheme.Derive("alice", 7)
	require.NoError(t, err)
	pathB, err := scheme.Derive("alice", 7)
	require.NoError(t, err)
	require.True(t, pathA.Equal(pathB))
	require.Equal(t, "m/9735'/0'/0'/0/7", pathA.String())

	// Distinct (identity, index) pairs never collide.
	seen := make(map[string]struct{})
	for _, id := range scheme.Identities() {
		for index := uint32(0); index < 5; index++ {
			path, err := scheme.Derive(id, index)
			require.NoError(t, err)

			_, dup := seen[path.String()]
			require.False(t, dup, "collision at %s", path)
			seen[path.String()] = struct{}{}
		}
	}

	// An unknown identity is a rejection, not a default path.
	_, err = scheme.Derive("mallory", 0)
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

// TestSchemeDeriveAll tests the batch form: every identity derived at one
// shared index, matching the individual derivations.
func TestSchemeDeriveAll(t *testing.T) {
	t.Parallel()

	scheme, err := NewScheme(
		"current", 9735, 0, []Identity{"user", "cosigner"},
	)
	require.NoError(t, err)

	paths, err := scheme.DeriveAll(42)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	for _, id := range scheme.Identities() {
		single, err := scheme.Derive(id, 42)
		require.NoError(t, err)
		require.True(t, paths[id].Equal(single))
	}
}

// TestSchemeConstruction tests the construction-time rejections.
func TestSchemeConstruction(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		identities  []Identity
		expectedErr error
	}{
		{
			name:       "valid",
			identities: []Identity{"a", "b"},
		},
		{
			name:        "empty",
			expectedErr: ErrNoIdentities,
		},
		{
			name:        "duplicate identity",
			identities:  []Identity{"a", "b", "a"},
			expectedErr: ErrDuplicateIdentity,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewScheme("s", 9735, 0, tc.identities)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
		})
	}
}
