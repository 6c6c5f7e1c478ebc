// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keychain implements the derivation resolver: a deterministic,
// collision-free mapping from abstract co-signer identities and rotating
// indices to concrete BIP32-style key paths, plus the index-allocator
// contract that keeps those indices from ever being reused.
package keychain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrUnknownIdentity is returned when a derivation names an identity
	// the scheme does not carry.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrDuplicateIdentity is returned when a scheme is constructed
	// with the same identity twice.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrNoIdentities is returned when a scheme is constructed without
	// any identities.
	ErrNoIdentities = errors.New("scheme has no identities")
)

// Identity is an abstract co-signer role in a multi-party policy. It is
// resolved to concrete keys only through a scheme, never by global lookup.
type Identity string

// KeyPath is a BIP32-style derivation path. Hardened components carry the
// hdkeychain hardened offset.
type KeyPath []uint32

// String renders the path in the usual m/a'/b'/c'/d/e notation.
func (p KeyPath) String() string {
	var sb strings.Builder
	sb.WriteString("m")

	for _, component := range p {
		if component >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&sb, "/%d'",
				component-hdkeychain.HardenedKeyStart)
			continue
		}
		fmt.Fprintf(&sb, "/%d", component)
	}

	return sb.String()
}

// Equal reports whether two paths are component-wise identical.
func (p KeyPath) Equal(other KeyPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i, component := range p {
		if component != other[i] {
			return false
		}
	}

	return true
}

// Scheme deterministically maps (identity, index) pairs to key paths. Each
// identity owns a distinct hardened account component, and the rotating
// index is the path's final component, so two distinct (identity, index)
// pairs can never resolve to the same path.
//
// The scheme itself is pure: given an index it always produces the same
// paths, with no external state. Index uniqueness is the allocator's
// responsibility (see IndexAllocator).
type Scheme struct {
	// Name identifies the scheme; descriptors reference it by this name.
	Name string

	// Purpose and Coin are the leading hardened path components shared
	// by every identity of the scheme.
	Purpose uint32
	Coin    uint32

	// identities holds the scheme's co-signer roles in specification
	// order; an identity's position is its hardened account component.
	identities []Identity

	// accounts maps each identity to its account component.
	accounts map[Identity]uint32
}

// NewScheme creates a derivation scheme over the given ordered identities.
// The identity order is significant: it fixes each identity's account
// component, and with it every path the scheme will ever produce.
func NewScheme(name string, purpose, coin uint32,
	identities []Identity) (*Scheme, error) {

	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}

	accounts := make(map[Identity]uint32, len(identities))
	for i, id := range identities {
		if _, ok := accounts[id]; ok {
			return nil, fmt.Errorf("%w: %s",
				ErrDuplicateIdentity, id)
		}
		accounts[id] = uint32(i)
	}

	return &Scheme{
		Name:       name,
		Purpose:    purpose,
		Coin:       coin,
		identities: append([]Identity(nil), identities...),
		accounts:   accounts,
	}, nil
}

// Identities returns the scheme's identities in specification order.
func (s *Scheme) Identities() []Identity {
	return append([]Identity(nil), s.identities...)
}

// NumIdentities returns the number of co-signer roles in the scheme.
func (s *Scheme) NumIdentities() int {
	return len(s.identities)
}

// Derive resolves one (identity, index) pair to its key path:
//
//	m / purpose' / coin' / account(identity)' / 0 / index
//
// The derivation is pure and reproducible from (scheme, identity, index)
// alone. An unknown identity is a rejection, never a silent default.
func (s *Scheme) Derive(id Identity, index uint32) (KeyPath, error) {
	account, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in scheme %s",
			ErrUnknownIdentity, id, s.Name)
	}

	return KeyPath{
		s.Purpose + hdkeychain.HardenedKeyStart,
		s.Coin + hdkeychain.HardenedKeyStart,
		account + hdkeychain.HardenedKeyStart,
		0,
		index,
	}, nil
}

// DeriveAll resolves every identity of the scheme at one shared index, so
// all co-signers of one descriptor instance are derived in step. Multisig
// and script-tree descriptors use this batch form.
func (s *Scheme) DeriveAll(index uint32) (map[Identity]KeyPath, error) {
	paths := make(map[Identity]KeyPath, len(s.identities))
	for _, id := range s.identities {
		path, err := s.Derive(id, index)
		if err != nil {
			return nil, err
		}
		paths[id] = path
	}

	log.Tracef("Derived %d paths for scheme %s at index %d",
		len(paths), s.Name, index)

	return paths, nil
}
