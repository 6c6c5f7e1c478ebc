// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainfee provides the fee-rate unit and virtual-size fee math
// shared by route selection and transaction assembly.
package chainfee

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

var (
	// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
	ZeroSatPerKVByte = SatPerKVByte(0)

	// DefaultRelayFeeRate is the minimum fee rate a plan is ever built
	// with, matching the default network relay policy.
	DefaultRelayFeeRate = SatPerKVByte(txrules.DefaultRelayFeePerKb)
)

// SatPerKVByte represents a fee rate in satoshis per kilo-virtual-byte.
// This is the only unit the payment-resolution core operates in; callers
// holding sat/vb rates multiply by 1000 before handing them over.
type SatPerKVByte btcutil.Amount

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte(rate)
}

// FeeForVSize calculates the fee for a transaction of the given virtual
// size. The computation defers to the same rounding rules the relay fee
// policy uses, so a plan's fee is never below what the network would
// accept for its size.
func (s SatPerKVByte) FeeForVSize(vsize int) btcutil.Amount {
	return txrules.FeeForSerializeSize(btcutil.Amount(s), vsize)
}

// String returns a human-readable form of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvb", int64(s))
}

// InputClass describes the script class of a planned transaction input
// for the purpose of virtual-size estimation.
type InputClass uint8

const (
	// InputWitnessPubKey is a single-key SegWit v0 input (p2wpkh).
	InputWitnessPubKey InputClass = iota

	// InputWitnessScript is a script-path SegWit v0 input (p2wsh). Its
	// witness carries the full script plus the policy's signatures, so
	// the estimate adds a per-signature allowance on top of the base
	// single-key size.
	InputWitnessScript

	// InputTaproot is a SegWit v1 input (p2tr), key or script path.
	InputTaproot
)

const (
	// witnessSigAllowance is the virtual-size allowance added per
	// required signature of a script-path input: a 72-byte DER
	// signature plus push overhead, discounted by the witness factor.
	witnessSigAllowance = 19

	// witnessScriptAllowance is the virtual-size allowance for carrying
	// a multisig witness script itself.
	witnessScriptAllowance = 27
)

// EstimateVSize estimates the virtual size of a transaction spending the
// given input classes into the given outputs, with an optional change
// output of changeScriptSize bytes (0 for none). sigsPerScriptInput is
// the number of signatures each script-path input's policy requires.
func EstimateVSize(inputs []InputClass, sigsPerScriptInput int,
	outputs []*wire.TxOut, changeScriptSize int) int {

	var numWitness, numScript, numTaproot int
	for _, class := range inputs {
		switch class {
		case InputWitnessScript:
			numScript++
		case InputTaproot:
			numTaproot++
		default:
			numWitness++
		}
	}

	// Script-path inputs are estimated from the single-key SegWit v0
	// base size; the extra witness material is added below.
	vsize := txsizes.EstimateVirtualSize(
		0, numTaproot, numWitness+numScript, 0, outputs,
		changeScriptSize,
	)

	if numScript > 0 {
		extra := witnessScriptAllowance +
			sigsPerScriptInput*witnessSigAllowance
		vsize += numScript * extra
	}

	return vsize
}
