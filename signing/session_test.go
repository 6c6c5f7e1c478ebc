// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/mycitadel/citadel-runtime/keychain"
	"github.com/mycitadel/citadel-runtime/policy"
	"github.com/mycitadel/citadel-runtime/route"
)

var (
	// testTime is the reference instant signing tests run at.
	testTime = time.Unix(1_756_100_000, 0).UTC()

	// payScript is the beneficiary output script of the test plan.
	payScript = append([]byte{0x00, 0x14}, make([]byte, 20)...)
)

// testParty is one co-signer of the test vault.
type testParty struct {
	id   keychain.Identity
	priv *btcec.PrivateKey
}

// newVaultSession opens a session over a 2-of-3 witness-script vault
// spending one 100k coin into a 90k payment plus 10k fee.
func newVaultSession(t *testing.T, clk clock.Clock) (*Session, []testParty,
	[]byte) {

	t.Helper()

	identities := []keychain.Identity{"alice", "bob", "carol"}
	scheme, err := keychain.NewScheme("vault", 9735, 0, identities)
	require.NoError(t, err)

	parties := make([]testParty, len(identities))
	children := make([]policy.Policy, len(identities))
	keys := make(map[keychain.Identity]*btcec.PublicKey)
	paths := make(map[keychain.Identity]keychain.KeyPath)
	for i, id := range identities {
		var seed [32]byte
		seed[0] = byte(i + 10)
		priv, pub := btcec.PrivKeyFromBytes(seed[:])

		parties[i] = testParty{id: id, priv: priv}
		children[i] = policy.NewKey(pub)
		keys[id] = pub

		path, err := scheme.Derive(id, 0)
		require.NoError(t, err)
		paths[id] = path
	}

	thresh, err := policy.NewThreshold(2, children...)
	require.NoError(t, err)
	desc, err := policy.NewDescriptor(
		thresh, policy.TemplateWitnessScript, "vault",
	)
	require.NoError(t, err)

	outputScript, err := desc.OutputScript()
	require.NoError(t, err)

	plan := &route.PaymentPlan{OnChain: &route.OnChainComponent{
		Inputs: []route.UTXO{{
			OutPoint:      wire.OutPoint{Index: 1},
			Value:         100_000,
			Confirmations: 6,
			PkScript:      outputScript,
		}},
		Outputs: []*wire.TxOut{{Value: 90_000, PkScript: payScript}},
		Fee:     10_000,
	}}

	coordinator := NewCoordinator(CoordinatorConfig{
		Clock:       clk,
		SlotTimeout: time.Minute,
	})
	session, err := coordinator.Begin(plan, []*InputDescriptor{{
		Descriptor: desc,
		Keys:       keys,
		Paths:      paths,
	}})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingSignatures, session.State())

	return session, parties, outputScript
}

// signFor produces a party's signature over the session's input digest.
func signFor(t *testing.T, session *Session, p testParty) []byte {
	t.Helper()

	for _, req := range session.PendingRequests() {
		if req.Slot.Identity == p.id {
			sig := ecdsa.Sign(p.priv, req.Digest[:])
			return sig.Serialize()
		}
	}

	t.Fatalf("no pending request for %s", p.id)
	return nil
}

// TestSessionTwoOfThree tests the whole happy path: out-of-order evidence,
// incremental satisfaction, finalization, and a witness the script engine
// accepts.
func TestSessionTwoOfThree(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, outputScript := newVaultSession(t, clk)
	alice, carol := parties[0], parties[2]

	// Signatures arrive out of key order: carol first.
	carolSig := signFor(t, session, carol)
	aliceSig := signFor(t, session, alice)

	res, err := session.Submit(
		Slot{InputIndex: 0, Identity: carol.id}, carolSig,
	)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, res)

	// One signature short: Finalize reports exactly one missing slot.
	_, err = session.Finalize()
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Len(t, incomplete.MissingSlots, 1)

	res, err = session.Submit(
		Slot{InputIndex: 0, Identity: alice.id}, aliceSig,
	)
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res)
	require.Equal(t, StateFinalized, session.State())

	// Resubmitting merged evidence after completion stays a harmless
	// duplicate, not a terminal-state error.
	res, err = session.Submit(
		Slot{InputIndex: 0, Identity: alice.id}, aliceSig,
	)
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res)

	tx, err := session.Finalize()
	require.NoError(t, err)

	// Empty element, two signatures, witness script.
	require.Len(t, tx.TxIn[0].Witness, 4)

	// The assembled witness must satisfy the spent output's script.
	fetcher := txscript.NewCannedPrevOutputFetcher(
		outputScript, 100_000,
	)
	vm, err := txscript.NewEngine(
		outputScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), 100_000, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestSessionHashLock tests a hash-locked input: the signature alone does
// not satisfy the conjunction, a wrong preimage is rejected without
// mutation, and the revealed preimage completes a witness the script engine
// accepts.
func TestSessionHashLock(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)

	var seed [32]byte
	seed[0] = 0x42
	priv, pub := btcec.PrivKeyFromBytes(seed[:])

	preimage := []byte("swap settlement secret")
	image := sha256.Sum256(preimage)

	hashLocked, err := policy.NewAnd(
		policy.NewKey(pub), policy.NewPreimage(image),
	)
	require.NoError(t, err)
	desc, err := policy.NewDescriptor(
		hashLocked, policy.TemplateWitnessScript, "swap",
	)
	require.NoError(t, err)

	outputScript, err := desc.OutputScript()
	require.NoError(t, err)

	scheme, err := keychain.NewScheme(
		"swap", 9735, 0, []keychain.Identity{"alice"},
	)
	require.NoError(t, err)
	path, err := scheme.Derive("alice", 0)
	require.NoError(t, err)

	plan := &route.PaymentPlan{OnChain: &route.OnChainComponent{
		Inputs: []route.UTXO{{
			OutPoint:      wire.OutPoint{Index: 1},
			Value:         100_000,
			Confirmations: 6,
			PkScript:      outputScript,
		}},
		Outputs: []*wire.TxOut{{Value: 90_000, PkScript: payScript}},
		Fee:     10_000,
	}}

	coordinator := NewCoordinator(CoordinatorConfig{
		Clock:       clk,
		SlotTimeout: time.Minute,
	})
	session, err := coordinator.Begin(plan, []*InputDescriptor{{
		Descriptor: desc,
		Keys: map[keychain.Identity]*btcec.PublicKey{
			"alice": pub,
		},
		Paths: map[keychain.Identity]keychain.KeyPath{
			"alice": path,
		},
	}})
	require.NoError(t, err)

	// The signature alone leaves the conjunction unsatisfied.
	reqs := session.PendingRequests()
	require.Len(t, reqs, 1)
	sig := ecdsa.Sign(priv, reqs[0].Digest[:]).Serialize()

	res, err := session.Submit(
		Slot{InputIndex: 0, Identity: "alice"}, sig,
	)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, res)
	require.Equal(t, StateAwaitingSignatures, session.State())

	// A preimage matching no hash lock is rejected without mutation.
	res, err = session.SubmitPreimage(0, []byte("wrong secret"))
	require.NoError(t, err)
	require.Equal(t, ResultInvalidPreimage, res)
	require.Equal(t, StateAwaitingSignatures, session.State())

	// An input the transaction does not have is a rejection.
	_, err = session.SubmitPreimage(7, preimage)
	require.ErrorIs(t, err, ErrUnknownInput)

	// The revealed preimage completes the session.
	res, err = session.SubmitPreimage(0, preimage)
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res)
	require.Equal(t, StateFinalized, session.State())

	// Re-revealing after completion stays a harmless duplicate.
	res, err = session.SubmitPreimage(0, preimage)
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res)

	tx, err := session.Finalize()
	require.NoError(t, err)

	// Signature, preimage, witness script.
	require.Len(t, tx.TxIn[0].Witness, 3)
	require.Equal(t, preimage, []byte(tx.TxIn[0].Witness[1]))

	// The assembled witness must satisfy the spent output's script.
	fetcher := txscript.NewCannedPrevOutputFetcher(
		outputScript, 100_000,
	)
	vm, err := txscript.NewEngine(
		outputScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), 100_000, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestSubmitInvalidSignature tests that bad evidence is rejected without
// mutating the session.
func TestSubmitInvalidSignature(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, _ := newVaultSession(t, clk)
	alice, bob := parties[0], parties[1]

	// Bob's valid signature submitted under alice's slot must fail
	// verification against alice's key.
	bobSig := signFor(t, session, bob)
	res, err := session.Submit(
		Slot{InputIndex: 0, Identity: alice.id}, bobSig,
	)
	require.NoError(t, err)
	require.Equal(t, ResultInvalidSignature, res)

	// Nothing was consumed: all three slots are still pending.
	require.Len(t, session.PendingRequests(), 3)
	require.Equal(t, StateAwaitingSignatures, session.State())
}

// TestSubmitIdempotent tests that resubmitting fulfilled evidence is a
// harmless no-op.
func TestSubmitIdempotent(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, _ := newVaultSession(t, clk)
	alice := parties[0]
	slot := Slot{InputIndex: 0, Identity: alice.id}

	aliceSig := signFor(t, session, alice)

	res, err := session.Submit(slot, aliceSig)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, res)

	res, err = session.Submit(slot, aliceSig)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, res)

	// Still exactly one signature in the packet.
	packet := session.PartialTx().Packet()
	require.Len(t, packet.Inputs[0].PartialSigs, 1)
}

// TestSlotTimeout tests that an expired slot is retired without killing
// the session while other signers keep the policy reachable, and that the
// session dies with ErrPolicyUnreachable the moment they do not.
func TestSlotTimeout(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, _ := newVaultSession(t, clk)
	alice, bob := parties[0], parties[1]

	aliceSig := signFor(t, session, alice)

	// Let alice's deadline pass before her signature lands.
	clk.SetTime(testTime.Add(2 * time.Minute))

	res, err := session.Submit(
		Slot{InputIndex: 0, Identity: alice.id}, aliceSig,
	)
	require.NoError(t, err)
	require.Equal(t, ResultTimeout, res)

	// Bob and carol can still produce 2-of-3.
	require.Equal(t, StateAwaitingSignatures, session.State())

	// Losing bob as well leaves one viable signer for a 2-of-3: dead.
	err = session.MarkUnavailable(Slot{InputIndex: 0, Identity: bob.id})
	require.ErrorIs(t, err, ErrPolicyUnreachable)
	require.Equal(t, StateAbandoned, session.State())
	require.Contains(t, session.AbandonReason(), "unreachable")
}

// TestAbandon tests the terminal transition and its one-way nature.
func TestAbandon(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, _ := newVaultSession(t, clk)
	alice := parties[0]

	aliceSig := signFor(t, session, alice)

	require.NoError(t, session.Abandon("user cancelled"))
	require.Equal(t, StateAbandoned, session.State())
	require.Equal(t, "user cancelled", session.AbandonReason())

	// A terminal session accepts nothing.
	_, err := session.Submit(
		Slot{InputIndex: 0, Identity: alice.id}, aliceSig,
	)
	require.ErrorIs(t, err, ErrSessionTerminal)

	require.ErrorIs(t, session.Abandon("again"), ErrSessionTerminal)
}

// TestBeginValueMismatch tests that a plan leaking value never opens a
// session.
func TestBeginValueMismatch(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, _, outputScript := newVaultSession(t, clk)

	// Rebuild the same plan with a fee that does not balance.
	plan := &route.PaymentPlan{OnChain: &route.OnChainComponent{
		Inputs: []route.UTXO{{
			OutPoint: wire.OutPoint{Index: 1},
			Value:    100_000,
			PkScript: outputScript,
		}},
		Outputs: []*wire.TxOut{{Value: 90_000, PkScript: payScript}},
		Fee:     5_000,
	}}

	coordinator := NewCoordinator(CoordinatorConfig{Clock: clk})
	_, err := coordinator.Begin(plan, []*InputDescriptor{{
		Descriptor: session.inputs[0].desc.Descriptor,
		Keys:       session.inputs[0].desc.Keys,
		Paths:      session.inputs[0].desc.Paths,
	}})
	require.ErrorIs(t, err, ErrValueMismatch)
}
