// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package route resolves validated invoices against snapshots of the
// wallet's resources, producing immutable payment plans for the signing
// coordinator. Selection is a pure function of its inputs: it reserves
// nothing and remembers nothing between calls.
package route

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/mycitadel/citadel-runtime/chainfee"
	"github.com/mycitadel/citadel-runtime/invoice"
	"github.com/mycitadel/citadel-runtime/policy"
)

// Params carries the caller's choices for one selection run.
type Params struct {
	// Wallet is the descriptor whose coins fund the on-chain component.
	Wallet policy.Fingerprint

	// FeeRate is the fee rate of the on-chain component. Zero means the
	// default relay rate.
	FeeRate chainfee.SatPerKVByte

	// ChangeScript receives on-chain surplus. It must be set when the
	// invoice has on-chain beneficiaries without a remainder.
	ChangeScript []byte

	// MinConfs excludes coins younger than this many confirmations.
	MinConfs int32

	// SigsPerScriptInput is the signature count of the funding
	// descriptor's policy, used for size estimation of script inputs.
	// Zero means one.
	SigsPerScriptInput int

	// OnChainBudget is the total on-chain value devoted to the invoice.
	// It is consulted only when an on-chain beneficiary claims the
	// remainder: selection then targets the budget, and the remainder
	// receives whatever the budget leaves after exact amounts and fee.
	OnChainBudget btcutil.Amount

	// ChannelBudget is the counterpart for a channel remainder.
	ChannelBudget btcutil.Amount
}

// indexed pairs a beneficiary with its position in the invoice, so
// infeasibility can name the obligation it failed on.
type indexed[B invoice.Beneficiary] struct {
	idx int
	ben B
}

// Select resolves the invoice into a payment plan drawn from the given
// resource snapshots. All on-chain beneficiaries are batched into a single
// component with one fee; exact obligations are funded in invoice order and
// remainders resolved last. The returned plan is infeasible-checked but
// unreserved: the caller owns serializing plans against shared coins.
func Select(inv *invoice.Invoice, res Resources,
	params Params) (*PaymentPlan, error) {

	if params.FeeRate == chainfee.ZeroSatPerKVByte {
		params.FeeRate = chainfee.DefaultRelayFeeRate
	}
	if params.SigsPerScriptInput == 0 {
		params.SigsPerScriptInput = 1
	}

	var (
		onChain []indexed[*invoice.OnChain]
		channel []indexed[*invoice.Channel]
		asset   []indexed[*invoice.Asset]
	)
	for i, b := range inv.Beneficiaries {
		switch b := b.(type) {
		case *invoice.OnChain:
			onChain = append(onChain,
				indexed[*invoice.OnChain]{idx: i, ben: b})
		case *invoice.Channel:
			channel = append(channel,
				indexed[*invoice.Channel]{idx: i, ben: b})
		case *invoice.Asset:
			asset = append(asset,
				indexed[*invoice.Asset]{idx: i, ben: b})
		}
	}

	plan := &PaymentPlan{}

	var err error
	plan.Channel, err = selectChannel(channel, res.Channels, params)
	if err != nil {
		return nil, err
	}

	plan.Asset, err = selectAsset(asset, res.Assets)
	if err != nil {
		return nil, err
	}

	plan.OnChain, err = selectOnChain(onChain, res.UTXOs, params)
	if err != nil {
		return nil, err
	}

	log.Debugf("Selected plan: onchain=%v, %d channel, %d asset",
		plan.OnChain != nil, len(plan.Channel), len(plan.Asset))

	return plan, nil
}

// selectChannel checks every channel obligation against the remaining
// capacity towards its target. Capacity is a shared pool per target, so two
// payments to one node draw it down together.
func selectChannel(beneficiaries []indexed[*invoice.Channel],
	registry ChannelRegistry, params Params) ([]ChannelCommitment,
	error) {

	if len(beneficiaries) == 0 {
		return nil, nil
	}

	var (
		commitments []ChannelCommitment
		capacities  = make(map[[33]byte]btcutil.Amount)
		exactSum    btcutil.Amount
		remainder   *indexed[*invoice.Channel]
	)

	available := func(target [33]byte) (btcutil.Amount, error) {
		if capacity, ok := capacities[target]; ok {
			return capacity, nil
		}
		capacity, err := registry.Capacity(target)
		if err != nil {
			return 0, err
		}
		capacities[target] = capacity

		return capacity, nil
	}

	commit := func(b indexed[*invoice.Channel],
		amt btcutil.Amount) error {

		capacity, err := available(b.ben.Target)
		if err != nil {
			return err
		}
		if capacity < amt {
			return &Infeasible{
				Reason:           InsufficientChannelCapacity,
				BeneficiaryIndex: b.idx,
			}
		}
		capacities[b.ben.Target] = capacity - amt

		commitments = append(commitments, ChannelCommitment{
			Target: b.ben.Target,
			Amount: amt,
		})

		return nil
	}

	for _, b := range beneficiaries {
		if b.ben.Amt.IsRemainder() {
			b := b
			remainder = &b
			continue
		}

		amt := btcutil.Amount(b.ben.Amt.Value())
		exactSum += amt
		if err := commit(b, amt); err != nil {
			return nil, err
		}
	}

	// The remainder gets whatever the channel budget leaves after the
	// exact obligations.
	if remainder != nil {
		left := params.ChannelBudget - exactSum
		if left <= 0 {
			return nil, &Infeasible{
				Reason:           InsufficientChannelCapacity,
				BeneficiaryIndex: remainder.idx,
			}
		}
		if err := commit(*remainder, left); err != nil {
			return nil, err
		}
	}

	return commitments, nil
}

// selectAsset funds every asset obligation from the stash. An exact-value
// parcel is preferred; failing that, the fewest parcels that cover the
// amount are consumed (largest first) and the surplus units are recorded as
// change for the stash's assignment contract.
func selectAsset(beneficiaries []indexed[*invoice.Asset],
	stash AssetStash) ([]SealAssignment, error) {

	if len(beneficiaries) == 0 {
		return nil, nil
	}

	// remaining tracks the unconsumed parcels per asset, sorted by
	// descending value.
	remaining := make(map[[32]byte][]SealAllocation)
	load := func(assetID [32]byte) ([]SealAllocation, error) {
		if parcels, ok := remaining[assetID]; ok {
			return parcels, nil
		}
		parcels, err := stash.Allocations(assetID)
		if err != nil {
			return nil, err
		}
		parcels = append([]SealAllocation(nil), parcels...)
		sort.Slice(parcels, func(i, j int) bool {
			return parcels[i].Value > parcels[j].Value
		})
		remaining[assetID] = parcels

		return parcels, nil
	}

	var (
		assignments []SealAssignment
		remainders  []indexed[*invoice.Asset]
	)

	for _, b := range beneficiaries {
		if b.ben.Amt.IsRemainder() {
			remainders = append(remainders, b)
			continue
		}

		parcels, err := load(b.ben.AssetID)
		if err != nil {
			return nil, err
		}

		amt := b.ben.Amt.Value()

		// An exact-value parcel transfers without change.
		exactAt := -1
		for i, parcel := range parcels {
			if parcel.Value == amt {
				exactAt = i
				break
			}
		}

		var consumed []SealAllocation
		if exactAt >= 0 {
			consumed = []SealAllocation{parcels[exactAt]}
			parcels = append(
				parcels[:exactAt], parcels[exactAt+1:]...,
			)
		} else {
			var total uint64
			for len(parcels) > 0 && total < amt {
				consumed = append(consumed, parcels[0])
				total += parcels[0].Value
				parcels = parcels[1:]
			}
			if total < amt {
				return nil, &Infeasible{
					Reason:           NoMatchingAssetSeal,
					BeneficiaryIndex: b.idx,
				}
			}
		}
		remaining[b.ben.AssetID] = parcels

		var consumedValue uint64
		for _, parcel := range consumed {
			consumedValue += parcel.Value
		}

		assignments = append(assignments, SealAssignment{
			AssetID: b.ben.AssetID,
			Inputs:  consumed,
			Seal:    b.ben.Seal,
			Value:   amt,
			Change:  consumedValue - amt,
		})
	}

	// Each remainder sweeps whatever is left of its asset.
	for _, b := range remainders {
		parcels, err := load(b.ben.AssetID)
		if err != nil {
			return nil, err
		}

		var total uint64
		for _, parcel := range parcels {
			total += parcel.Value
		}
		if total == 0 {
			return nil, &Infeasible{
				Reason:           NoMatchingAssetSeal,
				BeneficiaryIndex: b.idx,
			}
		}
		remaining[b.ben.AssetID] = nil

		assignments = append(assignments, SealAssignment{
			AssetID: b.ben.AssetID,
			Inputs:  parcels,
			Seal:    b.ben.Seal,
			Value:   total,
		})
	}

	return assignments, nil
}

// selectOnChain batches all on-chain obligations into one component. Coins
// are picked largest first, so the input count meeting the target is
// minimal; the fee is computed once over the whole component.
func selectOnChain(beneficiaries []indexed[*invoice.OnChain],
	source UTXOSource, params Params) (*OnChainComponent, error) {

	if len(beneficiaries) == 0 {
		return nil, nil
	}

	var (
		outputs      []*wire.TxOut
		exactSum     btcutil.Amount
		remainder    *indexed[*invoice.OnChain]
		remainderOut *wire.TxOut
	)
	for _, b := range beneficiaries {
		out := &wire.TxOut{PkScript: b.ben.PkScript}
		if b.ben.Amt.IsRemainder() {
			b := b
			remainder = &b
			remainderOut = out
		} else {
			out.Value = int64(b.ben.Amt.Value())
			exactSum += btcutil.Amount(b.ben.Amt.Value())
		}
		outputs = append(outputs, out)
	}

	coins, err := source.ListUnspent(params.Wallet)
	if err != nil {
		return nil, err
	}

	eligible := coins[:0:0]
	for _, coin := range coins {
		if coin.Confirmations >= params.MinConfs {
			eligible = append(eligible, coin)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Value > eligible[j].Value
	})

	firstIdx := beneficiaries[0].idx

	// With a remainder in play the whole budget is consumed and no
	// change is produced: selection targets the budget, the fee comes
	// out of the remainder's share.
	if remainder != nil {
		budget := params.OnChainBudget
		if budget <= exactSum {
			return nil, &Infeasible{
				Reason:           InsufficientOnChainValue,
				BeneficiaryIndex: remainder.idx,
			}
		}

		inputs, classes, selected := pickLargest(eligible, budget)
		if selected < budget {
			return nil, &Infeasible{
				Reason:           InsufficientOnChainValue,
				BeneficiaryIndex: firstIdx,
			}
		}

		vsize := chainfee.EstimateVSize(
			classes, params.SigsPerScriptInput, outputs, 0,
		)
		fee := params.FeeRate.FeeForVSize(vsize)

		left := selected - exactSum - fee
		if left <= 0 || txrules.IsDustOutput(
			&wire.TxOut{
				Value:    int64(left),
				PkScript: remainderOut.PkScript,
			},
			txrules.DefaultRelayFeePerKb,
		) {

			return nil, &Infeasible{
				Reason:           FeeExceedsValue,
				BeneficiaryIndex: remainder.idx,
			}
		}
		remainderOut.Value = int64(left)

		return &OnChainComponent{
			Inputs:  inputs,
			Outputs: outputs,
			Fee:     fee,
		}, nil
	}

	// Without a remainder, coins are added until they cover the exact
	// amounts plus the fee of the component as it stands, assuming a
	// change output.
	var (
		inputs   []UTXO
		classes  []chainfee.InputClass
		selected btcutil.Amount
		fee      btcutil.Amount
		funded   bool
	)
	for _, coin := range eligible {
		inputs = append(inputs, coin)
		classes = append(classes, classifyInput(coin.PkScript))
		selected += coin.Value

		vsize := chainfee.EstimateVSize(
			classes, params.SigsPerScriptInput, outputs,
			len(params.ChangeScript),
		)
		fee = params.FeeRate.FeeForVSize(vsize)

		if selected >= exactSum+fee {
			funded = true
			break
		}
	}
	if !funded {
		return nil, &Infeasible{
			Reason:           InsufficientOnChainValue,
			BeneficiaryIndex: firstIdx,
		}
	}
	if fee >= exactSum {
		return nil, &Infeasible{
			Reason:           FeeExceedsValue,
			BeneficiaryIndex: firstIdx,
		}
	}

	component := &OnChainComponent{
		Inputs:  inputs,
		Outputs: outputs,
		Fee:     fee,
	}

	// Dust surplus folds into the fee instead of creating a change
	// output the network would reject.
	change := selected - exactSum - fee
	if change > 0 && !txrules.IsDustOutput(
		&wire.TxOut{
			Value:    int64(change),
			PkScript: params.ChangeScript,
		},
		txrules.DefaultRelayFeePerKb,
	) {

		component.Change = &wire.TxOut{
			Value:    int64(change),
			PkScript: params.ChangeScript,
		}
	} else {
		component.Fee += change
	}

	return component, nil
}

// pickLargest selects coins in descending value order until they meet the
// target, returning the picked coins, their input classes and total value.
func pickLargest(sorted []UTXO, target btcutil.Amount) ([]UTXO,
	[]chainfee.InputClass, btcutil.Amount) {

	var (
		inputs   []UTXO
		classes  []chainfee.InputClass
		selected btcutil.Amount
	)
	for _, coin := range sorted {
		if selected >= target {
			break
		}
		inputs = append(inputs, coin)
		classes = append(classes, classifyInput(coin.PkScript))
		selected += coin.Value
	}

	return inputs, classes, selected
}

// classifyInput maps an output script to its size-estimation class.
func classifyInput(pkScript []byte) chainfee.InputClass {
	switch {
	case len(pkScript) == 22 && pkScript[0] == txscript.OP_0:
		return chainfee.InputWitnessPubKey

	case len(pkScript) == 34 && pkScript[0] == txscript.OP_1:
		return chainfee.InputTaproot

	default:
		return chainfee.InputWitnessScript
	}
}
