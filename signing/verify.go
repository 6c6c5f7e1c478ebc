// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// verifySignature checks a signature against the expected key and signing
// digest with the algorithm of the input's script class. A signature that
// does not parse is simply invalid.
func verifySignature(algo SigAlgo, pub *btcec.PublicKey, digest,
	sig []byte) bool {

	switch algo {
	case AlgoECDSA:
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		return parsed.Verify(digest, pub)

	case AlgoSchnorr:
		parsed, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false
		}
		return parsed.Verify(digest, pub)

	default:
		return false
	}
}
