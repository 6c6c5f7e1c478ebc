// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package route

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Reason enumerates why a payment could not be planned from the offered
// resources.
type Reason uint8

const (
	// InsufficientOnChainValue means the descriptor's coins do not
	// cover the on-chain obligations plus fee.
	InsufficientOnChainValue Reason = iota

	// InsufficientChannelCapacity means no channel to the target can
	// carry the requested amount.
	InsufficientChannelCapacity

	// NoMatchingAssetSeal means the stash holds too few units of the
	// requested asset.
	NoMatchingAssetSeal

	// FeeExceedsValue means the fee required to move the on-chain value
	// would consume it.
	FeeExceedsValue
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case InsufficientOnChainValue:
		return "insufficient on-chain value"
	case InsufficientChannelCapacity:
		return "insufficient channel capacity"
	case NoMatchingAssetSeal:
		return "no matching asset seal"
	case FeeExceedsValue:
		return "fee exceeds value"
	default:
		return fmt.Sprintf("unknown reason %d", uint8(r))
	}
}

// Infeasible is returned by Select when the invoice cannot be met from the
// offered resources. It names the first beneficiary that could not be
// funded; selection holds no state, so the same call with richer resources
// may well succeed.
type Infeasible struct {
	// Reason classifies the shortfall.
	Reason Reason

	// BeneficiaryIndex is the position of the offending beneficiary in
	// the invoice.
	BeneficiaryIndex int
}

// Error returns the error string.
func (e *Infeasible) Error() string {
	return fmt.Sprintf("infeasible: %v (beneficiary %d)", e.Reason,
		e.BeneficiaryIndex)
}

// OnChainComponent is the single on-chain transaction blueprint of a plan.
// All of the invoice's on-chain beneficiaries are batched into it, so the
// fee is paid once.
type OnChainComponent struct {
	// Inputs are the coins the transaction spends, in selection order.
	Inputs []UTXO

	// Outputs are the beneficiary outputs, in invoice order. A
	// remainder beneficiary's output is included with its resolved
	// value.
	Outputs []*wire.TxOut

	// Change is the output returning surplus value to the wallet, nil
	// when the surplus is dust or a remainder beneficiary absorbs it.
	Change *wire.TxOut

	// Fee is the transaction fee the component pays.
	Fee btcutil.Amount
}

// InputValue returns the total value of the component's inputs.
func (c *OnChainComponent) InputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, input := range c.Inputs {
		total += input.Value
	}

	return total
}

// ChannelCommitment is one channel payment of a plan.
type ChannelCommitment struct {
	// Target is the receiving node.
	Target [33]byte

	// Amount is the value to push.
	Amount btcutil.Amount
}

// SealAssignment is one asset transfer of a plan: parcels consumed from the
// wallet's seals, units assigned to the receiver's seal, and units
// returning to the wallet under the stash's change contract.
type SealAssignment struct {
	// AssetID identifies the asset contract.
	AssetID [32]byte

	// Inputs are the consumed parcels.
	Inputs []SealAllocation

	// Seal is the receiver's seal commitment.
	Seal [32]byte

	// Value is the number of units assigned to the receiver.
	Value uint64

	// Change is the number of units returning to the wallet.
	Change uint64
}

// PaymentPlan is the resolved blueprint for paying one invoice. It is
// immutable once built and consumed by exactly one signing session; re-use
// would double-spend its inputs.
type PaymentPlan struct {
	// OnChain is the batched on-chain component, nil when the invoice
	// has no on-chain beneficiaries.
	OnChain *OnChainComponent

	// Channel are the channel payments, in invoice order.
	Channel []ChannelCommitment

	// Asset are the asset transfers, in invoice order.
	Asset []SealAssignment
}
