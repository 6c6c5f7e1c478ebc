// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainfee

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/stretchr/testify/require"
)

// TestFeeForVSize tests that fee computation scales linearly with the
// virtual size and respects the relay rounding rules.
func TestFeeForVSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		rate     SatPerKVByte
		vsize    int
		expected btcutil.Amount
	}{
		{
			name:     "one kvb at 1000 sat/kvb",
			rate:     NewSatPerKVByte(1000),
			vsize:    1000,
			expected: 1000,
		},
		{
			name:     "fractional kvb truncates",
			rate:     NewSatPerKVByte(1000),
			vsize:    250,
			expected: 250,
		},
		{
			name:     "zero rate yields zero fee",
			rate:     ZeroSatPerKVByte,
			vsize:    400,
			expected: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.rate.FeeForVSize(tc.vsize))
		})
	}
}

// TestEstimateVSizeScriptAllowance tests that script-path inputs are
// estimated strictly larger than single-key inputs and that the estimate
// grows with the number of required signatures.
func TestEstimateVSizeScriptAllowance(t *testing.T) {
	t.Parallel()

	outputs := []*wire.TxOut{{Value: 10_000, PkScript: make([]byte, 22)}}

	keyPath := EstimateVSize(
		[]InputClass{InputWitnessPubKey}, 0, outputs,
		txsizes.P2WPKHPkScriptSize,
	)
	oneSig := EstimateVSize(
		[]InputClass{InputWitnessScript}, 1, outputs,
		txsizes.P2WPKHPkScriptSize,
	)
	twoSig := EstimateVSize(
		[]InputClass{InputWitnessScript}, 2, outputs,
		txsizes.P2WPKHPkScriptSize,
	)

	require.Greater(t, oneSig, keyPath)
	require.Greater(t, twoSig, oneSig)
}
