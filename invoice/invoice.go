// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package invoice implements the payment-request format of the wallet: a
// bech32m string carrying an ordered list of beneficiaries across the
// on-chain, channel and asset payment kinds, an optional expiry, and a
// repeat policy. The format is strict on construction and strict again on
// decode; a request the wallet cannot fully understand is rejected rather
// than partially honored.
package invoice

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoBeneficiaries is returned when an invoice carries no
	// beneficiaries at all.
	ErrNoBeneficiaries = errors.New("invoice has no beneficiaries")

	// ErrZeroAmount is returned when an exact beneficiary amount is
	// zero. Zero-value requests are expressed by omitting the
	// beneficiary, never by a zero amount.
	ErrZeroAmount = errors.New("exact amount must be non-zero")

	// ErrDuplicateRemainder is returned when more than one beneficiary
	// of the same payment kind claims the remainder.
	ErrDuplicateRemainder = errors.New(
		"multiple remainder beneficiaries of one kind",
	)

	// ErrZeroRepeat is returned for a bounded repeat policy allowing
	// zero uses.
	ErrZeroRepeat = errors.New("repeat count must be non-zero")

	// ErrInvoiceExpired is returned by Decode when the invoice parses
	// but its expiry has passed. It is distinct from every parse error
	// so callers can tell a stale request from a broken one.
	ErrInvoiceExpired = errors.New("invoice expired")
)

// ErrUnknownBeneficiary is returned when a decoded invoice carries a
// beneficiary kind this implementation does not understand. The whole
// invoice is rejected: paying only the understood part would silently drop
// an obligation.
type ErrUnknownBeneficiary struct {
	// Kind is the unrecognized kind tag.
	Kind uint8
}

// Error returns the error string naming the offending kind.
func (e *ErrUnknownBeneficiary) Error() string {
	return fmt.Sprintf("unknown beneficiary kind %d", e.Kind)
}

// BeneficiaryKind tags the payment kind of a beneficiary.
type BeneficiaryKind uint8

const (
	// KindOnChain requests settlement to an on-chain output script.
	KindOnChain BeneficiaryKind = 0

	// KindChannel requests settlement over a payment channel to a
	// target node.
	KindChannel BeneficiaryKind = 1

	// KindAsset requests settlement in a client-validated asset bound
	// to a seal.
	KindAsset BeneficiaryKind = 2
)

// String returns the kind name.
func (k BeneficiaryKind) String() string {
	switch k {
	case KindOnChain:
		return "onchain"
	case KindChannel:
		return "channel"
	case KindAsset:
		return "asset"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(k))
	}
}

// Amount is a requested amount: either an exact value in the beneficiary's
// native unit, or the remainder of whatever the payer allocates to the
// invoice's payment kind after all exact amounts are met.
type Amount struct {
	value     uint64
	remainder bool
}

// Exact returns an exact amount.
func Exact(value uint64) Amount {
	return Amount{value: value}
}

// Remainder returns the remainder amount.
func Remainder() Amount {
	return Amount{remainder: true}
}

// IsRemainder reports whether the amount claims the remainder.
func (a Amount) IsRemainder() bool {
	return a.remainder
}

// Value returns the exact value. It is zero for remainder amounts.
func (a Amount) Value() uint64 {
	return a.value
}

// String renders the amount for logging.
func (a Amount) String() string {
	if a.remainder {
		return "remainder"
	}

	return fmt.Sprintf("%d", a.value)
}

// Beneficiary is one obligation of an invoice. Implementations are the
// payment kinds this wallet understands; the interface is sealed so the
// decoder's kind registry stays exhaustive.
type Beneficiary interface {
	// Kind returns the beneficiary's payment kind.
	Kind() BeneficiaryKind

	// Amount returns the requested amount.
	Amount() Amount

	// isBeneficiary seals the interface.
	isBeneficiary()
}

// OnChain requests payment to an on-chain output script.
type OnChain struct {
	// PkScript is the output script the payment must create.
	PkScript []byte

	// Amt is the requested amount in satoshis.
	Amt Amount
}

// Kind returns KindOnChain.
func (b *OnChain) Kind() BeneficiaryKind { return KindOnChain }

// Amount returns the requested amount.
func (b *OnChain) Amount() Amount { return b.Amt }

func (b *OnChain) isBeneficiary() {}

// Channel requests payment over a channel to a target node.
type Channel struct {
	// Target is the compressed public key of the receiving node.
	Target [33]byte

	// Amt is the requested amount in satoshis.
	Amt Amount
}

// Kind returns KindChannel.
func (b *Channel) Kind() BeneficiaryKind { return KindChannel }

// Amount returns the requested amount.
func (b *Channel) Amount() Amount { return b.Amt }

func (b *Channel) isBeneficiary() {}

// Asset requests payment in a client-validated asset, bound to the
// receiver's seal. Both the asset identity and the seal are opaque
// commitments at this layer.
type Asset struct {
	// AssetID identifies the asset contract.
	AssetID [32]byte

	// Seal is the receiver's seal commitment the assigned units must
	// bind to.
	Seal [32]byte

	// Amt is the requested amount in asset units.
	Amt Amount
}

// Kind returns KindAsset.
func (b *Asset) Kind() BeneficiaryKind { return KindAsset }

// Amount returns the requested amount.
func (b *Asset) Amount() Amount { return b.Amt }

func (b *Asset) isBeneficiary() {}

// Compile-time checks that all payment kinds implement Beneficiary.
var (
	_ Beneficiary = (*OnChain)(nil)
	_ Beneficiary = (*Channel)(nil)
	_ Beneficiary = (*Asset)(nil)
)

// RepeatKind tags how often an invoice may be paid.
type RepeatKind uint8

const (
	// RepeatSingle allows exactly one payment.
	RepeatSingle RepeatKind = 0

	// RepeatTimes allows a bounded number of payments.
	RepeatTimes RepeatKind = 1

	// RepeatUnlimited allows any number of payments.
	RepeatUnlimited RepeatKind = 2
)

// RepeatPolicy states how often the invoice may be paid. Enforcement is the
// caller's bookkeeping; the invoice only carries the declared intent.
type RepeatPolicy struct {
	// Kind selects the repeat mode.
	Kind RepeatKind

	// Times is the payment bound for RepeatTimes and unused otherwise.
	Times uint32
}

// Single returns the one-shot repeat policy.
func Single() RepeatPolicy {
	return RepeatPolicy{Kind: RepeatSingle}
}

// Times returns a repeat policy bounded to n payments.
func Times(n uint32) RepeatPolicy {
	return RepeatPolicy{Kind: RepeatTimes, Times: n}
}

// Unlimited returns the unbounded repeat policy.
func Unlimited() RepeatPolicy {
	return RepeatPolicy{Kind: RepeatUnlimited}
}

// Invoice is a composite payment request. Beneficiary order is significant
// and preserved across encoding: exact obligations are settled in order,
// remainders last.
type Invoice struct {
	// Beneficiaries are the invoice's obligations, in request order.
	Beneficiaries []Beneficiary

	// Expiry is the instant after which the invoice must be refused.
	Expiry fn.Option[time.Time]

	// Nonce distinguishes otherwise identical invoices.
	Nonce [8]byte

	// Repeat states how often the invoice may be paid.
	Repeat RepeatPolicy
}

// NewInvoice constructs a validated invoice with a fresh random nonce. The
// expiry is normalized to whole seconds in UTC, the precision the wire
// format carries, so every constructible invoice round-trips exactly.
func NewInvoice(beneficiaries []Beneficiary, expiry fn.Option[time.Time],
	repeat RepeatPolicy) (*Invoice, error) {

	expiry = fn.MapOption(func(t time.Time) time.Time {
		return time.Unix(t.Unix(), 0).UTC()
	})(expiry)

	inv := &Invoice{
		Beneficiaries: beneficiaries,
		Expiry:        expiry,
		Repeat:        repeat,
	}
	if _, err := rand.Read(inv.Nonce[:]); err != nil {
		return nil, err
	}

	if err := inv.validate(); err != nil {
		return nil, err
	}

	log.Debugf("Created invoice with %d beneficiaries, repeat=%d",
		len(beneficiaries), repeat.Kind)

	return inv, nil
}

// validate enforces the construction invariants. Decode runs the same
// checks, so a decoded invoice is exactly as trustworthy as a locally
// constructed one.
func (inv *Invoice) validate() error {
	if len(inv.Beneficiaries) == 0 {
		return ErrNoBeneficiaries
	}

	if inv.Repeat.Kind == RepeatTimes && inv.Repeat.Times == 0 {
		return ErrZeroRepeat
	}

	remainders := make(map[BeneficiaryKind]bool)
	for i, b := range inv.Beneficiaries {
		amt := b.Amount()
		if amt.IsRemainder() {
			if remainders[b.Kind()] {
				return fmt.Errorf("%w: beneficiary %d",
					ErrDuplicateRemainder, i)
			}
			remainders[b.Kind()] = true
			continue
		}

		if amt.Value() == 0 {
			return fmt.Errorf("%w: beneficiary %d", ErrZeroAmount,
				i)
		}
	}

	return nil
}
