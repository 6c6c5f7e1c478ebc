// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signing coordinates the collection of signatures for a payment
// plan. A session owns the partially signed transaction and its per-input
// witness evidence; signer collaborators are asked for one signature per
// slot and may answer out of order, refuse, or miss their deadline without
// corrupting the session.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/mycitadel/citadel-runtime/keychain"
)

var (
	// ErrSignerRefused is returned by a Signer that declines to sign.
	// Refusal is an explicit answer, not a transport failure; the
	// coordinator treats the slot as permanently unavailable.
	ErrSignerRefused = errors.New("signer refused to sign")

	// ErrPolicyUnreachable is returned when the signers still viable
	// for some input can no longer satisfy its policy. It is distinct
	// from a slot timeout, which kills only the slot.
	ErrPolicyUnreachable = errors.New("policy unreachable")

	// ErrUnknownSlot is returned for evidence naming a slot the session
	// never requested.
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrUnknownInput is returned for a preimage naming an input the
	// session's transaction does not have.
	ErrUnknownInput = errors.New("unknown input")

	// ErrSessionTerminal is returned when a mutation reaches a session
	// that already finalized or was abandoned.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrNoOnChainComponent is returned when a session is started for a
	// plan with nothing to sign.
	ErrNoOnChainComponent = errors.New("plan has no on-chain component")

	// ErrInputMismatch is returned when the per-input descriptors do
	// not line up with the plan's inputs.
	ErrInputMismatch = errors.New("input descriptor mismatch")
)

// SigAlgo names the signature algorithm a slot expects, fixed by the
// input's script class.
type SigAlgo uint8

const (
	// AlgoECDSA is DER-encoded ECDSA, used by SegWit v0 inputs.
	AlgoECDSA SigAlgo = iota

	// AlgoSchnorr is BIP-340 Schnorr, used by taproot inputs.
	AlgoSchnorr
)

// String returns the algorithm name.
func (a SigAlgo) String() string {
	switch a {
	case AlgoECDSA:
		return "ecdsa"
	case AlgoSchnorr:
		return "schnorr"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(a))
	}
}

// Slot identifies one requested signature: an input of the plan's
// transaction and the identity expected to sign it.
type Slot struct {
	// InputIndex is the transaction input the signature commits to.
	InputIndex int

	// Identity is the co-signer role asked to sign.
	Identity keychain.Identity
}

// String renders the slot for logs and errors.
func (s Slot) String() string {
	return fmt.Sprintf("%s@%d", s.Identity, s.InputIndex)
}

// SignRequest is everything a signer collaborator needs to produce one
// signature without seeing the rest of the session.
type SignRequest struct {
	// Slot names the requested signature.
	Slot Slot

	// Digest is the 32-byte signing digest of the slot's input.
	Digest [32]byte

	// PubKey is the key the signature must verify against.
	PubKey *btcec.PublicKey

	// Path is the derivation path of the signing key.
	Path keychain.KeyPath

	// Algo selects the signature algorithm.
	Algo SigAlgo

	// Deadline is the instant after which the session will no longer
	// accept the slot's signature.
	Deadline time.Time
}

// Signer produces signatures for slots. Implementations range from local
// in-memory keys to remote hardware custodians; a refusal must be the
// explicit ErrSignerRefused, never a silent empty signature.
type Signer interface {
	// SignSlot signs the request's digest with the requested key. For
	// AlgoECDSA the signature is plain DER without a sighash suffix;
	// for AlgoSchnorr it is the 64-byte BIP-340 form.
	SignSlot(ctx context.Context, req *SignRequest) ([]byte, error)
}

// Broadcaster publishes a finalized transaction to the network.
type Broadcaster interface {
	// Broadcast publishes the transaction.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}
