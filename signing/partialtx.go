// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PartialTransaction owns the session's PSBT. The packet only ever grows:
// input metadata is written once at session start, and signatures are
// appended as evidence arrives, never replaced or removed. That makes the
// packet safe to export to co-signers at any point of the session.
type PartialTransaction struct {
	packet *psbt.Packet
}

// newPartialTransaction wraps an unsigned transaction into a fresh packet.
func newPartialTransaction(tx *wire.MsgTx) (*PartialTransaction, error) {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	return &PartialTransaction{packet: packet}, nil
}

// Packet returns the underlying packet for export. Callers must treat it
// as read-only; the session remains the single writer.
func (p *PartialTransaction) Packet() *psbt.Packet {
	return p.packet
}

// UnsignedTx returns the packet's unsigned transaction.
func (p *PartialTransaction) UnsignedTx() *wire.MsgTx {
	return p.packet.UnsignedTx
}

// setInputMeta records the spent output, witness script and key
// derivations of one input. Written once before any signature is
// collected.
func (p *PartialTransaction) setInputMeta(idx int, prevOut *wire.TxOut,
	witnessScript []byte, sigHashType txscript.SigHashType,
	derivations []*psbt.Bip32Derivation) {

	in := &p.packet.Inputs[idx]
	in.WitnessUtxo = prevOut
	in.WitnessScript = witnessScript
	in.SighashType = sigHashType
	in.Bip32Derivation = derivations
}

// addSignature appends a partial signature to an input. Re-adding the same
// key's signature is a no-op, keeping the packet in step with the
// idempotent witness merge.
func (p *PartialTransaction) addSignature(idx int, pubKey *btcec.PublicKey,
	sig []byte) {

	in := &p.packet.Inputs[idx]
	serialized := pubKey.SerializeCompressed()

	for _, existing := range in.PartialSigs {
		if bytes.Equal(existing.PubKey, serialized) {
			return
		}
	}

	in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
		PubKey:    serialized,
		Signature: sig,
	})
}
