// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrNoScriptTemplate is returned when a descriptor's policy shape
	// cannot be compiled into its output-script template.
	ErrNoScriptTemplate = errors.New(
		"policy shape has no script template",
	)

	// ErrUnknownTemplate is returned for an unrecognized template class.
	ErrUnknownTemplate = errors.New("unknown output-script template")
)

// fingerprintTag is the tag of the tagged hash descriptor fingerprints are
// computed with, domain-separating them from every other hash in the
// system.
var fingerprintTag = []byte("citadel/descriptor")

// fingerprintHRP is the human-readable part descriptor fingerprints are
// rendered with.
const fingerprintHRP = "ctrct"

// TemplateClass selects the output-script template of a descriptor.
type TemplateClass uint8

const (
	// TemplateWitnessScript wraps the compiled policy in a SegWit v0
	// pay-to-witness-script-hash output.
	TemplateWitnessScript TemplateClass = iota

	// TemplateTaproot pays to a SegWit v1 taproot output whose internal
	// key is the policy's single key (key-spend only).
	TemplateTaproot
)

// String returns the template class name as used in the canonical
// descriptor serialization.
func (t TemplateClass) String() string {
	switch t {
	case TemplateWitnessScript:
		return "wsh"
	case TemplateTaproot:
		return "tr"
	default:
		return "unknown"
	}
}

// Fingerprint is the stable identity of a descriptor: a tagged hash of its
// canonical serialization.
type Fingerprint [32]byte

// String renders the fingerprint in its bech32 form, the same way contract
// identities are displayed throughout the wallet.
func (f Fingerprint) String() string {
	converted, err := bech32.ConvertBits(f[:], 8, 5, true)
	if err != nil {
		// A 32-byte group conversion cannot fail.
		return fmt.Sprintf("%x", f[:])
	}

	encoded, err := bech32.Encode(fingerprintHRP, converted)
	if err != nil {
		return fmt.Sprintf("%x", f[:])
	}

	return encoded
}

// Descriptor binds a spending policy to an output-script template and a
// derivation scheme reference. It is immutable after construction and
// identified by its fingerprint.
type Descriptor struct {
	// Policy is the spending policy gating the descriptor's outputs.
	Policy Policy

	// Template is the output-script template class.
	Template TemplateClass

	// SchemeRef names the derivation scheme that resolves the policy's
	// abstract identities to concrete key paths. It is opaque to this
	// package.
	SchemeRef string
}

// NewDescriptor constructs a descriptor after validating its policy. A
// malformed policy tree is rejected here, at construction, and therefore
// never reaches satisfaction evaluation. The policy must also compile into
// the chosen template: a shape with no script encoding is rejected now,
// not when a signing session tries to spend it.
func NewDescriptor(p Policy, template TemplateClass,
	schemeRef string) (*Descriptor, error) {

	if err := Validate(p); err != nil {
		return nil, err
	}

	switch template {
	case TemplateWitnessScript, TemplateTaproot:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTemplate, template)
	}

	desc := &Descriptor{
		Policy:    p,
		Template:  template,
		SchemeRef: schemeRef,
	}

	if _, err := desc.OutputScript(); err != nil {
		return nil, err
	}

	log.Debugf("Constructed descriptor %v with policy %s",
		desc.Fingerprint(), p)

	return desc, nil
}

// String returns the canonical serialization of the descriptor. The
// fingerprint is computed over this form, so it must remain stable.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s)#%s", d.Template, d.Policy, d.SchemeRef)
}

// Fingerprint returns the descriptor's stable identity: the tagged hash of
// its canonical serialization.
func (d *Descriptor) Fingerprint() Fingerprint {
	hash := chainhash.TaggedHash(fingerprintTag, []byte(d.String()))

	var fp Fingerprint
	copy(fp[:], hash[:])

	return fp
}

// WitnessScript compiles the policy into the descriptor's inner witness
// script. Two policy shapes have a direct script encoding: a threshold
// over key leaves (including 1-of-1), and a hash lock, the conjunction of
// one key and one sha256 preimage. NewDescriptor rejects witness-script
// descriptors over any other shape.
func (d *Descriptor) WitnessScript() ([]byte, error) {
	if d.Template != TemplateWitnessScript {
		return nil, fmt.Errorf("%w: template %s has no witness script",
			ErrNoScriptTemplate, d.Template)
	}

	if key, hash, ok := d.hashLock(); ok {
		// The witness carries the preimage on top of the signature,
		// so the preimage is checked first.
		builder := txscript.NewScriptBuilder()
		builder.AddOp(txscript.OP_SHA256)
		builder.AddData(hash[:])
		builder.AddOp(txscript.OP_EQUALVERIFY)
		builder.AddData(key.SerializeCompressed())
		builder.AddOp(txscript.OP_CHECKSIG)

		return builder.Script()
	}

	thresh, err := d.thresholdOfKeys()
	if err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(thresh.K))
	for _, child := range thresh.Children {
		key := child.(*Key)
		builder.AddData(key.PubKey.SerializeCompressed())
	}
	builder.AddInt64(int64(len(thresh.Children)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// hashLock matches the hash-locked policy shape: the conjunction of exactly
// one key and one preimage leaf, in either order.
func (d *Descriptor) hashLock() (*btcec.PublicKey, [32]byte, bool) {
	and, ok := d.Policy.(*And)
	if !ok {
		return nil, [32]byte{}, false
	}

	if key, ok := and.A.(*Key); ok {
		if pre, ok := and.B.(*Preimage); ok {
			return key.PubKey, pre.Hash, true
		}
	}
	if key, ok := and.B.(*Key); ok {
		if pre, ok := and.A.(*Preimage); ok {
			return key.PubKey, pre.Hash, true
		}
	}

	return nil, [32]byte{}, false
}

// OutputScript compiles the descriptor into its output script (the
// scriptPubKey its outputs carry).
func (d *Descriptor) OutputScript() ([]byte, error) {
	switch d.Template {
	case TemplateWitnessScript:
		witnessScript, err := d.WitnessScript()
		if err != nil {
			return nil, err
		}

		scriptHash := sha256.Sum256(witnessScript)

		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(scriptHash[:]).
			Script()

	case TemplateTaproot:
		// The taproot template is key-spend only: the policy must be
		// a single key, which becomes the BIP-86 internal key.
		key, ok := d.Policy.(*Key)
		if !ok {
			return nil, fmt.Errorf("%w: taproot template needs a "+
				"single-key policy", ErrNoScriptTemplate)
		}

		taprootKey := txscript.ComputeTaprootKeyNoScript(key.PubKey)

		return txscript.PayToTaprootScript(taprootKey)

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTemplate,
			d.Template)
	}
}

// thresholdOfKeys returns the policy as a threshold over key leaves,
// treating a bare key leaf as 1-of-1.
func (d *Descriptor) thresholdOfKeys() (*Threshold, error) {
	switch node := d.Policy.(type) {
	case *Key:
		return &Threshold{K: 1, Children: []Policy{node}}, nil

	case *Threshold:
		for _, child := range node.Children {
			if _, ok := child.(*Key); !ok {
				return nil, fmt.Errorf("%w: threshold child "+
					"%s is not a key", ErrNoScriptTemplate,
					child)
			}
		}

		return node, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrNoScriptTemplate,
			d.Policy)
	}
}
