// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// AtomKind enumerates the kinds of atomic spending conditions a policy can
// still be missing.
type AtomKind uint8

const (
	// AtomSignature is a missing signature for a specific public key.
	AtomSignature AtomKind = iota

	// AtomPreimage is a missing SHA-256 preimage.
	AtomPreimage

	// AtomAbsoluteLock is an absolute timelock not yet met by the
	// evaluation context.
	AtomAbsoluteLock

	// AtomRelativeLock is a relative timelock not yet met by the spent
	// input's age.
	AtomRelativeLock
)

// String returns a human-readable name for the atom kind.
func (k AtomKind) String() string {
	switch k {
	case AtomSignature:
		return "signature"
	case AtomPreimage:
		return "preimage"
	case AtomAbsoluteLock:
		return "absolute-lock"
	case AtomRelativeLock:
		return "relative-lock"
	default:
		return "unknown"
	}
}

// Atom identifies a single atomic condition still required to satisfy a
// policy. The coordinator maps signature atoms to signing slots; timelock
// atoms can only be waited out.
type Atom struct {
	// Kind is the kind of condition.
	Kind AtomKind

	// Key is the serialized compressed public key, set for signature
	// atoms.
	Key []byte

	// Hash is the SHA-256 image, set for preimage atoms.
	Hash [32]byte

	// Value is the lock bound, set for timelock atoms.
	Value uint32
}

// Satisfaction is the result of evaluating a policy against a witness set.
type Satisfaction struct {
	// Satisfied reports whether the witness fully satisfies the policy.
	Satisfied bool

	// Missing lists the atoms still outstanding on the preferred (fewest
	// missing atoms) satisfaction path. Empty when Satisfied is true.
	Missing []Atom
}

// satisfied is the canonical fully-satisfied result.
func satisfied() Satisfaction {
	return Satisfaction{Satisfied: true}
}

// missing builds an unsatisfied result from the given atoms.
func missing(atoms ...Atom) Satisfaction {
	return Satisfaction{Missing: atoms}
}

// Witness is the evidence set a policy is evaluated against: signatures
// keyed by the serialized public key they are claimed for, and revealed
// preimages keyed by their SHA-256 image.
//
// The policy engine checks the presence and shape of evidence, not its
// cryptographic validity; the signing coordinator verifies every signature
// before it ever enters a witness. Preimages are the exception: hashing is
// cheap, so a preimage is only admitted if it actually hashes to its image.
type Witness struct {
	sigs      map[string][]byte
	preimages map[[32]byte][]byte
}

// NewWitness creates an empty witness set.
func NewWitness() *Witness {
	return &Witness{
		sigs:      make(map[string][]byte),
		preimages: make(map[[32]byte][]byte),
	}
}

// AddSignature records a signature for the given public key. Re-adding the
// same signature is a no-op, keeping witness growth monotone.
func (w *Witness) AddSignature(pub *btcec.PublicKey, sig []byte) {
	w.sigs[string(pub.SerializeCompressed())] = sig
}

// AddPreimage records a revealed preimage under its SHA-256 image.
func (w *Witness) AddPreimage(preimage []byte) {
	w.preimages[sha256.Sum256(preimage)] = preimage
}

// SignatureFor returns the recorded signature for the given serialized
// public key, if any.
func (w *Witness) SignatureFor(serializedKey []byte) ([]byte, bool) {
	sig, ok := w.sigs[string(serializedKey)]
	return sig, ok
}

// PreimageFor returns the recorded preimage for the given image, if any.
func (w *Witness) PreimageFor(hash [32]byte) ([]byte, bool) {
	pre, ok := w.preimages[hash]
	return pre, ok
}

// Merge unions the other witness into this one. The operation is idempotent
// and commutative, which is what makes incremental multi-round signing safe.
func (w *Witness) Merge(other *Witness) {
	if other == nil {
		return
	}
	for key, sig := range other.sigs {
		w.sigs[key] = sig
	}
	for hash, pre := range other.preimages {
		w.preimages[hash] = pre
	}
}

// EvalContext carries the chain state timelock atoms are evaluated against.
// Every field is optional; an absent value makes the corresponding timelock
// atom unsatisfied, never silently passed.
type EvalContext struct {
	// Height is the current best block height.
	Height fn.Option[uint32]

	// UnixTime is the current median block time as a unix timestamp.
	UnixTime fn.Option[int64]

	// InputAge is the age, in blocks, of the output being spent. Only
	// relative timelocks consult it.
	InputAge fn.Option[uint32]
}

// Satisfies evaluates the policy against the witness evidence and evaluation
// context. The evaluation is pure: it depends only on its arguments.
//
// Monotonicity invariant: if a witness W satisfies the policy, every
// superset of W satisfies it too. Evaluation never revokes satisfaction on
// additional evidence, so signatures can be merged across rounds in any
// order.
func Satisfies(p Policy, w *Witness, ctx *EvalContext) Satisfaction {
	if w == nil {
		w = NewWitness()
	}
	if ctx == nil {
		ctx = &EvalContext{}
	}

	return p.satisfy(w, ctx)
}

func (k *Key) satisfy(w *Witness, _ *EvalContext) Satisfaction {
	serialized := k.PubKey.SerializeCompressed()
	if _, ok := w.SignatureFor(serialized); ok {
		return satisfied()
	}

	return missing(Atom{Kind: AtomSignature, Key: serialized})
}

func (t *Threshold) satisfy(w *Witness, ctx *EvalContext) Satisfaction {
	results := make([]Satisfaction, len(t.Children))

	var numSatisfied int
	for i, child := range t.Children {
		results[i] = child.satisfy(w, ctx)
		if results[i].Satisfied {
			numSatisfied++
		}
	}

	if numSatisfied >= t.K {
		return satisfied()
	}

	// The threshold is short by (K - numSatisfied) children. The missing
	// set is the cheapest completion: the unsatisfied children with the
	// fewest outstanding atoms, taken in specification order on ties.
	need := t.K - numSatisfied
	unsatisfied := make([]Satisfaction, 0, len(results))
	for _, res := range results {
		if !res.Satisfied {
			unsatisfied = append(unsatisfied, res)
		}
	}
	sortByMissing(unsatisfied)

	var atoms []Atom
	for _, res := range unsatisfied[:need] {
		atoms = append(atoms, res.Missing...)
	}

	return missing(atoms...)
}

func (a *And) satisfy(w *Witness, ctx *EvalContext) Satisfaction {
	resA := a.A.satisfy(w, ctx)
	resB := a.B.satisfy(w, ctx)

	if resA.Satisfied && resB.Satisfied {
		return satisfied()
	}

	return missing(append(resA.Missing, resB.Missing...)...)
}

func (o *Or) satisfy(w *Witness, ctx *EvalContext) Satisfaction {
	resA := o.A.satisfy(w, ctx)
	if resA.Satisfied {
		return satisfied()
	}

	resB := o.B.satisfy(w, ctx)
	if resB.Satisfied {
		return satisfied()
	}

	// Neither branch is complete. For planning, prefer the branch with
	// the fewest still-missing atoms; ties go to the left branch. This
	// is a signer-effort heuristic, not a protocol guarantee.
	if len(resB.Missing) < len(resA.Missing) {
		return resB
	}

	return resA
}

func (a *After) satisfy(_ *Witness, ctx *EvalContext) Satisfaction {
	atom := Atom{Kind: AtomAbsoluteLock, Value: a.Value}

	// The bound is a height below the consensus lock-time threshold and
	// a unix timestamp at or above it, mirroring nLockTime.
	if a.Value < txscript.LockTimeThreshold {
		if !ctx.Height.IsSome() {
			return missing(atom)
		}
		if ctx.Height.UnwrapOr(0) >= a.Value {
			return satisfied()
		}

		return missing(atom)
	}

	if !ctx.UnixTime.IsSome() {
		return missing(atom)
	}
	if ctx.UnixTime.UnwrapOr(0) >= int64(a.Value) {
		return satisfied()
	}

	return missing(atom)
}

func (o *Older) satisfy(_ *Witness, ctx *EvalContext) Satisfaction {
	atom := Atom{Kind: AtomRelativeLock, Value: o.Value}

	if !ctx.InputAge.IsSome() {
		return missing(atom)
	}
	if ctx.InputAge.UnwrapOr(0) >= o.Value {
		return satisfied()
	}

	return missing(atom)
}

func (p *Preimage) satisfy(w *Witness, _ *EvalContext) Satisfaction {
	// PreimageFor keys by image, so a present entry is a correct
	// preimage by construction.
	if _, ok := w.PreimageFor(p.Hash); ok {
		return satisfied()
	}

	return missing(Atom{Kind: AtomPreimage, Hash: p.Hash})
}

// sortByMissing stably orders satisfaction results by ascending missing-atom
// count, preserving specification order on ties.
func sortByMissing(results []Satisfaction) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 &&
			len(results[j].Missing) < len(results[j-1].Missing); j-- {

			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
