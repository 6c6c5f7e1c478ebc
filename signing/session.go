// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/mycitadel/citadel-runtime/keychain"
	"github.com/mycitadel/citadel-runtime/policy"
)

// State is the lifecycle phase of a session.
type State uint8

const (
	// StateBuilding is the transient phase while the coordinator
	// assembles the transaction skeleton.
	StateBuilding State = iota

	// StateAwaitingSignatures is the collecting phase.
	StateAwaitingSignatures

	// StateFinalized means every input's policy is satisfied.
	StateFinalized

	// StateAbandoned is the terminal failure phase.
	StateAbandoned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateAwaitingSignatures:
		return "awaiting signatures"
	case StateFinalized:
		return "finalized"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(s))
	}
}

// SubmitResult reports what a Submit call did with the evidence.
type SubmitResult uint8

const (
	// ResultAccepted means the signature was merged but more evidence
	// is still needed.
	ResultAccepted SubmitResult = iota

	// ResultCompleted means the signature was merged and every input's
	// policy is now satisfied.
	ResultCompleted

	// ResultInvalidSignature means the signature failed verification
	// and nothing was mutated.
	ResultInvalidSignature

	// ResultTimeout means the slot's deadline had already passed; the
	// slot is retired, the session untouched otherwise.
	ResultTimeout

	// ResultInvalidPreimage means the submitted preimage hashes to no
	// hash lock of the input's policy and nothing was mutated.
	ResultInvalidPreimage
)

// InputDescriptor binds one plan input to the material needed to request
// and check its signatures: the gating descriptor and the concrete key per
// identity at the input's derivation index.
type InputDescriptor struct {
	// Descriptor gates the spent output.
	Descriptor *policy.Descriptor

	// Keys maps each signing identity to its derived public key. For
	// taproot inputs these are the internal keys.
	Keys map[keychain.Identity]*btcec.PublicKey

	// Paths maps each identity to the derivation path of its key,
	// exported into the packet for hardware co-signers.
	Paths map[keychain.Identity]keychain.KeyPath
}

// hypotheticalSig stands in for a not-yet-collected signature when probing
// whether a policy is still reachable with the remaining viable signers.
var hypotheticalSig = []byte{0x01}

// sessionInput is the per-input signing state.
type sessionInput struct {
	desc *InputDescriptor

	// digest is the input's signing digest, fixed at session start.
	digest [32]byte

	// algo is the signature algorithm of the input's script class.
	algo SigAlgo

	// witnessScript is the compiled inner script, nil for taproot.
	witnessScript []byte

	// verifyKeys holds the key each identity's signature actually
	// verifies against. It differs from desc.Keys only for taproot,
	// where signatures commit to the tweaked output key.
	verifyKeys map[keychain.Identity]*btcec.PublicKey

	// witness accumulates evidence, keyed by policy key.
	witness *policy.Witness

	// satisfied caches the last policy evaluation.
	satisfied bool

	// unavailable holds identities whose slot timed out or refused.
	unavailable map[keychain.Identity]struct{}
}

// IncompleteError reports the slots still needed for a session to
// finalize, derived from each unsatisfied input's cheapest completion.
type IncompleteError struct {
	// MissingSlots are the outstanding signatures.
	MissingSlots []Slot
}

// Error returns the error string.
func (e *IncompleteError) Error() string {
	return fmt.Sprintf("session incomplete: %d signatures missing",
		len(e.MissingSlots))
}

// Session is the per-plan signing state machine. It moves from Building
// through AwaitingSignatures to Finalized or Abandoned and never back. All
// evidence flows through Submit under a single-writer mutex, so concurrent
// submissions for distinct slots are safe.
type Session struct {
	mtx sync.Mutex

	clk      clock.Clock
	chainCtx *policy.EvalContext

	state         State
	abandonReason string

	tx     *PartialTransaction
	inputs []*sessionInput

	// deadlines tracks the outstanding slots; a slot leaves the map
	// when fulfilled or retired.
	deadlines map[Slot]time.Time
}

// State returns the session's current phase.
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.state
}

// AbandonReason returns why the session was abandoned, empty otherwise.
func (s *Session) AbandonReason() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.abandonReason
}

// PartialTx returns the session's evolving PSBT for export to co-signers.
func (s *Session) PartialTx() *PartialTransaction {
	return s.tx
}

// PendingRequests returns a signing request for every outstanding slot, in
// deterministic order. Requests for inputs that are already satisfied are
// omitted.
func (s *Session) PendingRequests() []*SignRequest {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var reqs []*SignRequest
	for slot, deadline := range s.deadlines {
		in := s.inputs[slot.InputIndex]
		if in.satisfied {
			continue
		}

		reqs = append(reqs, &SignRequest{
			Slot:     slot,
			Digest:   in.digest,
			PubKey:   in.verifyKeys[slot.Identity],
			Path:     in.desc.Paths[slot.Identity],
			Algo:     in.algo,
			Deadline: deadline,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Slot.InputIndex != reqs[j].Slot.InputIndex {
			return reqs[i].Slot.InputIndex <
				reqs[j].Slot.InputIndex
		}
		return reqs[i].Slot.Identity < reqs[j].Slot.Identity
	})

	return reqs
}

// Submit feeds one signature into the session. The signature is verified
// against the slot's expected key and the input's digest before anything
// is mutated; a bad signature changes nothing. Valid evidence merges
// idempotently, the input's policy is re-evaluated, and the session
// finalizes the moment every input is satisfied.
func (s *Session) Submit(slot Slot, sig []byte) (SubmitResult, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != StateAwaitingSignatures {
		// Resubmitting evidence that is already part of a completed
		// session is as harmless as any other duplicate.
		if s.state == StateFinalized && s.slotFulfilled(slot) {
			return ResultCompleted, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrSessionTerminal, s.state)
	}

	deadline, ok := s.deadlines[slot]
	if !ok {
		// A duplicate of an already fulfilled slot is a no-op, not
		// an error: merging is idempotent.
		if s.slotFulfilled(slot) {
			return ResultAccepted, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnknownSlot, slot)
	}
	in := s.inputs[slot.InputIndex]

	if s.clk.Now().After(deadline) {
		log.Debugf("Slot %v expired at %v", slot, deadline)

		if err := s.retireSlotLocked(slot); err != nil {
			return ResultTimeout, err
		}

		return ResultTimeout, nil
	}

	verifyKey := in.verifyKeys[slot.Identity]
	if !verifySignature(in.algo, verifyKey, in.digest[:], sig) {
		log.Warnf("Invalid %v signature for slot %v", in.algo, slot)
		return ResultInvalidSignature, nil
	}

	policyKey := in.desc.Keys[slot.Identity]
	in.witness.AddSignature(policyKey, sig)
	s.tx.addSignature(slot.InputIndex, policyKey, sig)
	delete(s.deadlines, slot)

	result := s.evaluateLocked(in)

	log.Debugf("Slot %v fulfilled, input satisfied=%v", slot,
		in.satisfied)

	return result, nil
}

// SubmitPreimage feeds one revealed preimage into the session. The preimage
// must hash to a hash lock of the input's policy; anything else is rejected
// without mutation. Like signatures, preimages merge idempotently and the
// input's policy is re-evaluated on arrival.
func (s *Session) SubmitPreimage(inputIndex int,
	preimage []byte) (SubmitResult, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := sha256.Sum256(preimage)

	if s.state != StateAwaitingSignatures {
		if s.state == StateFinalized && s.preimageFulfilled(
			inputIndex, hash,
		) {

			return ResultCompleted, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrSessionTerminal, s.state)
	}

	if inputIndex < 0 || inputIndex >= len(s.inputs) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownInput, inputIndex)
	}
	in := s.inputs[inputIndex]

	var wanted bool
	for _, lock := range policy.Hashes(in.desc.Descriptor.Policy) {
		if lock == hash {
			wanted = true
			break
		}
	}
	if !wanted {
		log.Warnf("Preimage for input %d matches no hash lock",
			inputIndex)
		return ResultInvalidPreimage, nil
	}

	if _, ok := in.witness.PreimageFor(hash); ok {
		return ResultAccepted, nil
	}
	in.witness.AddPreimage(preimage)

	result := s.evaluateLocked(in)

	log.Debugf("Preimage for input %d revealed, input satisfied=%v",
		inputIndex, in.satisfied)

	return result, nil
}

// evaluateLocked re-evaluates the input's policy against its witness and
// finalizes the session once every input is satisfied.
func (s *Session) evaluateLocked(in *sessionInput) SubmitResult {
	res := policy.Satisfies(
		in.desc.Descriptor.Policy, in.witness, s.chainCtx,
	)
	in.satisfied = res.Satisfied

	for _, other := range s.inputs {
		if !other.satisfied {
			return ResultAccepted
		}
	}

	s.state = StateFinalized

	return ResultCompleted
}

// preimageFulfilled reports whether the input already holds a preimage for
// the given hash.
func (s *Session) preimageFulfilled(inputIndex int, hash [32]byte) bool {
	if inputIndex < 0 || inputIndex >= len(s.inputs) {
		return false
	}
	_, ok := s.inputs[inputIndex].witness.PreimageFor(hash)

	return ok
}

// MarkUnavailable retires a slot whose signer refused or cannot be
// reached. The session survives as long as each input's policy remains
// satisfiable by the signers still standing; the moment it is not,
// ErrPolicyUnreachable is returned and the session abandons itself.
func (s *Session) MarkUnavailable(slot Slot) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != StateAwaitingSignatures {
		return fmt.Errorf("%w: %v", ErrSessionTerminal, s.state)
	}

	if _, ok := s.deadlines[slot]; !ok {
		// A fulfilled slot cannot become unavailable; anything else
		// was never requested.
		if s.slotKnown(slot) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnknownSlot, slot)
	}

	return s.retireSlotLocked(slot)
}

// slotFulfilled reports whether the slot's signature has already been
// collected.
func (s *Session) slotFulfilled(slot Slot) bool {
	if !s.slotKnown(slot) {
		return false
	}

	in := s.inputs[slot.InputIndex]
	pub := in.desc.Keys[slot.Identity]
	_, ok := in.witness.SignatureFor(pub.SerializeCompressed())

	return ok
}

// slotKnown reports whether the slot names a real input identity.
func (s *Session) slotKnown(slot Slot) bool {
	if slot.InputIndex < 0 || slot.InputIndex >= len(s.inputs) {
		return false
	}
	_, ok := s.inputs[slot.InputIndex].desc.Keys[slot.Identity]

	return ok
}

// retireSlotLocked removes a slot from play and checks that the input's
// policy is still reachable without it.
func (s *Session) retireSlotLocked(slot Slot) error {
	delete(s.deadlines, slot)

	in := s.inputs[slot.InputIndex]
	in.unavailable[slot.Identity] = struct{}{}

	if s.reachableLocked(in) {
		return nil
	}

	s.state = StateAbandoned
	s.abandonReason = fmt.Sprintf("input %d policy unreachable after "+
		"losing %v", slot.InputIndex, slot.Identity)

	log.Errorf("Session abandoned: %s", s.abandonReason)

	return ErrPolicyUnreachable
}

// reachableLocked probes whether the input's policy could still be
// satisfied if every remaining viable identity delivered a signature.
// Non-signature evidence counts only if already collected.
func (s *Session) reachableLocked(in *sessionInput) bool {
	if in.satisfied {
		return true
	}

	probe := policy.NewWitness()
	probe.Merge(in.witness)
	for id, pub := range in.desc.Keys {
		if _, dead := in.unavailable[id]; dead {
			continue
		}
		probe.AddSignature(pub, hypotheticalSig)
	}

	res := policy.Satisfies(in.desc.Descriptor.Policy, probe, s.chainCtx)

	return res.Satisfied
}

// Finalize assembles the fully signed transaction. It is a pure read: an
// incomplete session yields an IncompleteError naming the outstanding
// slots, and the session is left exactly as it was.
func (s *Session) Finalize() (*wire.MsgTx, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != StateFinalized {
		return nil, &IncompleteError{
			MissingSlots: s.missingSlotsLocked(),
		}
	}

	tx := s.tx.UnsignedTx().Copy()
	for i, in := range s.inputs {
		witness, err := in.assembleWitness()
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}

// Abandon terminates the session before completion. Finalized and already
// abandoned sessions cannot be abandoned again.
func (s *Session) Abandon(reason string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.state {
	case StateFinalized, StateAbandoned:
		return fmt.Errorf("%w: %v", ErrSessionTerminal, s.state)
	}

	s.state = StateAbandoned
	s.abandonReason = reason

	log.Infof("Session abandoned: %s", reason)

	return nil
}

// missingSlotsLocked derives the outstanding slots from each unsatisfied
// input's cheapest policy completion.
func (s *Session) missingSlotsLocked() []Slot {
	var slots []Slot
	for i, in := range s.inputs {
		if in.satisfied {
			continue
		}

		res := policy.Satisfies(
			in.desc.Descriptor.Policy, in.witness, s.chainCtx,
		)
		for _, atom := range res.Missing {
			if atom.Kind != policy.AtomSignature {
				continue
			}

			for id, pub := range in.desc.Keys {
				if bytes.Equal(
					pub.SerializeCompressed(), atom.Key,
				) {

					slots = append(slots, Slot{
						InputIndex: i,
						Identity:   id,
					})
				}
			}
		}
	}

	sort.Slice(slots, func(i, j int) bool {
		if slots[i].InputIndex != slots[j].InputIndex {
			return slots[i].InputIndex < slots[j].InputIndex
		}
		return slots[i].Identity < slots[j].Identity
	})

	return slots
}

// assembleWitness builds the input's final witness stack from the
// collected evidence.
func (in *sessionInput) assembleWitness() (wire.TxWitness, error) {
	if in.algo == AlgoSchnorr {
		// Key-spend taproot: the witness is the lone signature.
		// Evidence is indexed by the policy's internal key even
		// though the signature commits to the tweaked output key.
		for _, pub := range in.desc.Keys {
			sig, ok := in.witness.SignatureFor(
				pub.SerializeCompressed(),
			)
			if ok {
				return wire.TxWitness{sig}, nil
			}
		}

		return nil, fmt.Errorf("no signature for taproot input")
	}

	// Hash-locked script: the preimage rides on top of the signature,
	// matching the script's check order.
	if hashes := policy.Hashes(in.desc.Descriptor.Policy); len(hashes) > 0 {
		keys := policy.Keys(in.desc.Descriptor.Policy)

		sig, ok := in.witness.SignatureFor(
			keys[0].SerializeCompressed(),
		)
		if !ok {
			return nil, fmt.Errorf("no signature for hash-locked " +
				"input")
		}
		preimage, ok := in.witness.PreimageFor(hashes[0])
		if !ok {
			return nil, fmt.Errorf("no preimage for hash-locked " +
				"input")
		}

		return wire.TxWitness{
			append(sig, byte(txscript.SigHashAll)),
			preimage,
			in.witnessScript,
		}, nil
	}

	// Script-path SegWit v0: signatures in key order, prefixed by the
	// empty element OP_CHECKMULTISIG pops, suffixed by the script.
	keys := policy.Keys(in.desc.Descriptor.Policy)
	required := policy.RequiredSignatures(in.desc.Descriptor.Policy)

	witness := wire.TxWitness{nil}
	collected := 0
	for _, key := range keys {
		if collected == required {
			break
		}

		sig, ok := in.witness.SignatureFor(key.SerializeCompressed())
		if !ok {
			continue
		}

		witness = append(
			witness, append(sig, byte(txscript.SigHashAll)),
		)
		collected++
	}
	if collected < required {
		return nil, fmt.Errorf("input short %d signatures",
			required-collected)
	}

	return append(witness, in.witnessScript), nil
}
