// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package policy implements the spending-policy engine: a miniscript-class
// expression tree over keys, thresholds, timelocks and hash preimages,
// together with a pure satisfaction evaluator.
//
// A policy is immutable once constructed. Every constructor validates its
// operands, so a malformed tree (threshold k>n, empty branch, pathological
// nesting) can never reach evaluation.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	// ErrEmptyPolicy is returned when a policy combinator is constructed
	// without operands.
	ErrEmptyPolicy = errors.New("policy has no operands")

	// ErrThresholdRange is returned when a threshold's k is outside
	// 1 <= k <= n.
	ErrThresholdRange = errors.New("threshold k out of range")

	// ErrPolicyTooDeep is returned when a policy tree nests beyond
	// MaxPolicyDepth levels.
	ErrPolicyTooDeep = errors.New("policy tree too deep")

	// ErrZeroWeight is returned when an or-branch carries a zero
	// probability weight.
	ErrZeroWeight = errors.New("or-branch weight must be non-zero")

	// ErrZeroLockValue is returned when a timelock atom carries a zero
	// bound, which would be trivially satisfied.
	ErrZeroLockValue = errors.New("timelock value must be non-zero")
)

// MaxPolicyDepth bounds the nesting of a policy tree. Policies are trees by
// construction (no references, so no cycles); the depth bound rejects
// pathological nesting long before evaluation could recurse on it.
const MaxPolicyDepth = 64

// Policy is a single node of a spending-policy expression tree. The
// interface is sealed: only the node types of this package implement it, so
// evaluation can exhaustively switch over them.
type Policy interface {
	fmt.Stringer

	// validate checks the construction invariants of this node and its
	// children. depth is the number of levels above this node.
	validate(depth int) error

	// satisfy evaluates this node against the given witness evidence and
	// evaluation context. It is pure and deterministic.
	satisfy(w *Witness, ctx *EvalContext) Satisfaction

	// appendKeys appends the public keys referenced by this subtree, in
	// specification order.
	appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey

	// isPolicy is the sealed-interface marker.
	isPolicy()
}

// Key is a policy leaf satisfied by a signature from the named public key.
type Key struct {
	// PubKey is the key whose signature satisfies this leaf.
	PubKey *btcec.PublicKey
}

// NewKey creates a key leaf for the given public key.
func NewKey(pub *btcec.PublicKey) *Key {
	return &Key{PubKey: pub}
}

// Threshold is satisfied when at least K of its children are satisfied.
type Threshold struct {
	// K is the number of children that must be satisfied.
	K int

	// Children are the sub-policies counted against K.
	Children []Policy
}

// NewThreshold creates a k-of-n threshold node. The threshold invariant
// 1 <= k <= n is enforced here, not at evaluation time.
func NewThreshold(k int, children ...Policy) (*Threshold, error) {
	if len(children) == 0 {
		return nil, ErrEmptyPolicy
	}
	if k < 1 || k > len(children) {
		return nil, fmt.Errorf("%w: k=%d, n=%d", ErrThresholdRange,
			k, len(children))
	}

	return &Threshold{K: k, Children: children}, nil
}

// And is satisfied when both of its operands are satisfied.
type And struct {
	// A and B are the two operands; both must be satisfied.
	A, B Policy
}

// NewAnd creates a conjunction of two sub-policies.
func NewAnd(a, b Policy) (*And, error) {
	if a == nil || b == nil {
		return nil, ErrEmptyPolicy
	}

	return &And{A: a, B: b}, nil
}

// Or is satisfied when either operand is fully satisfied. The probability
// weights are a planning hint only: they describe how likely each branch is
// to be taken and never influence whether a witness satisfies the node.
type Or struct {
	// A and B are the two operands; one must be fully satisfied.
	A, B Policy

	// WeightA and WeightB are the relative probability weights of the
	// branches. Both default to 1.
	WeightA, WeightB uint32
}

// NewOr creates a disjunction of two sub-policies with equal branch weights.
func NewOr(a, b Policy) (*Or, error) {
	return NewWeightedOr(1, a, 1, b)
}

// NewWeightedOr creates a disjunction with explicit probability weights.
func NewWeightedOr(weightA uint32, a Policy, weightB uint32,
	b Policy) (*Or, error) {

	if a == nil || b == nil {
		return nil, ErrEmptyPolicy
	}
	if weightA == 0 || weightB == 0 {
		return nil, ErrZeroWeight
	}

	return &Or{A: a, B: b, WeightA: weightA, WeightB: weightB}, nil
}

// After is a leaf satisfied only at or beyond an absolute lock value. Values
// below the consensus lock-time threshold are block heights, values at or
// above it are unix timestamps, matching nLockTime semantics.
type After struct {
	// Value is the absolute height or unix time bound.
	Value uint32
}

// NewAfter creates an absolute-timelock leaf.
func NewAfter(value uint32) (*After, error) {
	if value == 0 {
		return nil, ErrZeroLockValue
	}

	return &After{Value: value}, nil
}

// Older is a leaf satisfied only once the spent output has aged by the given
// number of blocks, matching relative (sequence) lock semantics.
type Older struct {
	// Value is the required input age in blocks.
	Value uint32
}

// NewOlder creates a relative-timelock leaf.
func NewOlder(value uint32) (*Older, error) {
	if value == 0 {
		return nil, ErrZeroLockValue
	}

	return &Older{Value: value}, nil
}

// Preimage is a leaf satisfied by revealing the preimage of a SHA-256 hash.
type Preimage struct {
	// Hash is the SHA-256 image whose preimage must be revealed.
	Hash [32]byte
}

// NewPreimage creates a hash-preimage leaf.
func NewPreimage(hash [32]byte) *Preimage {
	return &Preimage{Hash: hash}
}

// Sealed-interface markers.
func (*Key) isPolicy()       {}
func (*Threshold) isPolicy() {}
func (*And) isPolicy()       {}
func (*Or) isPolicy()        {}
func (*After) isPolicy()     {}
func (*Older) isPolicy()     {}
func (*Preimage) isPolicy()  {}

// Compile-time assertions that every node type implements Policy.
var _ Policy = (*Key)(nil)
var _ Policy = (*Threshold)(nil)
var _ Policy = (*And)(nil)
var _ Policy = (*Or)(nil)
var _ Policy = (*After)(nil)
var _ Policy = (*Older)(nil)
var _ Policy = (*Preimage)(nil)

// Validate checks the full tree's construction invariants. The constructors
// already enforce them node-locally; Validate exists for trees assembled
// from parsed input and for re-checking before fingerprinting.
func Validate(p Policy) error {
	if p == nil {
		return ErrEmptyPolicy
	}

	return p.validate(0)
}

func (k *Key) validate(int) error {
	if k.PubKey == nil {
		return fmt.Errorf("%w: key leaf without pubkey", ErrEmptyPolicy)
	}

	return nil
}

func (t *Threshold) validate(depth int) error {
	if depth >= MaxPolicyDepth {
		return ErrPolicyTooDeep
	}
	if len(t.Children) == 0 {
		return ErrEmptyPolicy
	}
	if t.K < 1 || t.K > len(t.Children) {
		return fmt.Errorf("%w: k=%d, n=%d", ErrThresholdRange, t.K,
			len(t.Children))
	}

	for _, child := range t.Children {
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}

	return nil
}

func (a *And) validate(depth int) error {
	if depth >= MaxPolicyDepth {
		return ErrPolicyTooDeep
	}
	if a.A == nil || a.B == nil {
		return ErrEmptyPolicy
	}
	if err := a.A.validate(depth + 1); err != nil {
		return err
	}

	return a.B.validate(depth + 1)
}

func (o *Or) validate(depth int) error {
	if depth >= MaxPolicyDepth {
		return ErrPolicyTooDeep
	}
	if o.A == nil || o.B == nil {
		return ErrEmptyPolicy
	}
	if o.WeightA == 0 || o.WeightB == 0 {
		return ErrZeroWeight
	}
	if err := o.A.validate(depth + 1); err != nil {
		return err
	}

	return o.B.validate(depth + 1)
}

func (a *After) validate(int) error {
	if a.Value == 0 {
		return ErrZeroLockValue
	}

	return nil
}

func (o *Older) validate(int) error {
	if o.Value == 0 {
		return ErrZeroLockValue
	}

	return nil
}

func (*Preimage) validate(int) error {
	return nil
}

// String returns the canonical textual form of the policy. The form is
// stable and round-trippable: Parse(p.String()) reconstructs an identical
// tree, and the descriptor fingerprint is computed over it.
func (k *Key) String() string {
	return fmt.Sprintf("pk(%x)", k.PubKey.SerializeCompressed())
}

func (t *Threshold) String() string {
	parts := make([]string, 0, len(t.Children)+1)
	parts = append(parts, fmt.Sprintf("%d", t.K))
	for _, child := range t.Children {
		parts = append(parts, child.String())
	}

	return fmt.Sprintf("thresh(%s)", strings.Join(parts, ","))
}

func (a *And) String() string {
	return fmt.Sprintf("and(%s,%s)", a.A, a.B)
}

func (o *Or) String() string {
	// Equal weights are normalized away so that or(a,b) and
	// or(1@a,1@b) share one canonical form.
	if o.WeightA == o.WeightB {
		return fmt.Sprintf("or(%s,%s)", o.A, o.B)
	}

	return fmt.Sprintf("or(%d@%s,%d@%s)", o.WeightA, o.A, o.WeightB, o.B)
}

func (a *After) String() string {
	return fmt.Sprintf("after(%d)", a.Value)
}

func (o *Older) String() string {
	return fmt.Sprintf("older(%d)", o.Value)
}

func (p *Preimage) String() string {
	return fmt.Sprintf("sha256(%x)", p.Hash[:])
}

// appendKeys implementations walk the tree in specification order.
func (k *Key) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	return append(keys, k.PubKey)
}

func (t *Threshold) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	for _, child := range t.Children {
		keys = child.appendKeys(keys)
	}

	return keys
}

func (a *And) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	return a.B.appendKeys(a.A.appendKeys(keys))
}

func (o *Or) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	return o.B.appendKeys(o.A.appendKeys(keys))
}

func (*After) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	return keys
}

func (*Older) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	return keys
}

func (*Preimage) appendKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	return keys
}

// Keys returns the public keys referenced by the policy, in specification
// order. Keys appearing in multiple branches are returned once per
// occurrence; deduplication is the caller's concern.
func Keys(p Policy) []*btcec.PublicKey {
	return p.appendKeys(nil)
}

// Hashes returns the SHA-256 images of the policy's preimage leaves, in
// specification order.
func Hashes(p Policy) [][32]byte {
	return appendHashes(p, nil)
}

func appendHashes(p Policy, hashes [][32]byte) [][32]byte {
	switch node := p.(type) {
	case *Preimage:
		return append(hashes, node.Hash)

	case *Threshold:
		for _, child := range node.Children {
			hashes = appendHashes(child, hashes)
		}
		return hashes

	case *And:
		return appendHashes(node.B, appendHashes(node.A, hashes))

	case *Or:
		return appendHashes(node.B, appendHashes(node.A, hashes))

	default:
		return hashes
	}
}

// RequiredSignatures returns the minimum number of signatures any witness
// satisfying the policy must carry, assuming the cheapest branch of every
// disjunction is taken. Route selection uses this for fee estimation.
func RequiredSignatures(p Policy) int {
	switch node := p.(type) {
	case *Key:
		return 1

	case *Threshold:
		// The k cheapest children bound the signature count from
		// below.
		costs := make([]int, len(node.Children))
		for i, child := range node.Children {
			costs[i] = RequiredSignatures(child)
		}
		sortInts(costs)

		var total int
		for _, cost := range costs[:node.K] {
			total += cost
		}

		return total

	case *And:
		return RequiredSignatures(node.A) + RequiredSignatures(node.B)

	case *Or:
		a := RequiredSignatures(node.A)
		b := RequiredSignatures(node.B)
		if b < a {
			return b
		}

		return a

	default:
		return 0
	}
}

// sortInts sorts a small slice of ints in place. Policies are small trees,
// so an insertion sort is enough.
func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
