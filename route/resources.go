// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package route

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/mycitadel/citadel-runtime/policy"
)

// UTXO is one spendable output of a wallet descriptor, as reported by a
// UTXOSource snapshot.
type UTXO struct {
	// OutPoint is the output's location on chain.
	OutPoint wire.OutPoint

	// Value is the output's value.
	Value btcutil.Amount

	// Confirmations is the output's depth at snapshot time.
	Confirmations int32

	// PkScript is the output script, used to classify the input for
	// size estimation and later to derive its signing digest.
	PkScript []byte
}

// UTXOSource reports the spendable outputs of a descriptor. Implementations
// return a point-in-time snapshot; selection holds no reservations, so two
// concurrent selections over one source may pick the same coins and the
// caller arbitrates at signing time.
type UTXOSource interface {
	// ListUnspent returns the spendable outputs of the descriptor with
	// the given fingerprint.
	ListUnspent(fp policy.Fingerprint) ([]UTXO, error)
}

// ChannelRegistry reports the spendable capacity towards channel
// counterparties.
type ChannelRegistry interface {
	// Capacity returns the value spendable towards the target node
	// right now, zero if no channel exists.
	Capacity(target [33]byte) (btcutil.Amount, error)
}

// SealAllocation is a parcel of asset units bound to one of the wallet's
// own seals. The seal itself is an opaque commitment at this layer.
type SealAllocation struct {
	// Seal is the wallet's seal the units are currently bound to.
	Seal [32]byte

	// Value is the number of asset units in the parcel.
	Value uint64
}

// AssetStash reports the wallet's holdings of client-validated assets.
type AssetStash interface {
	// Allocations returns the wallet's parcels of the given asset.
	Allocations(assetID [32]byte) ([]SealAllocation, error)
}

// Resources bundles the read-only snapshots route selection draws on.
type Resources struct {
	// UTXOs reports on-chain coins per descriptor.
	UTXOs UTXOSource

	// Channels reports channel capacity per target.
	Channels ChannelRegistry

	// Assets reports asset parcels per asset.
	Assets AssetStash
}
