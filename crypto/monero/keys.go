// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package monero implements the private-chain key and subaddress
// arithmetic needed by the engine (spec §4.1): keypair generation, public
// keypair summation (building the 2-of-2 shared wallet both directions
// lock XMR into), and one-time subaddress derivation. It generalises the
// teacher's crypto/monero package (PrivateKeyPair/PublicKeyPair/
// SumSpendAndViewKeys), which this codebase does not carry a copy of, onto
// the same edwards25519 primitives already used by crypto/adaptor.
package monero

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

// PublicKey wraps a curve point representing a Monero spend or view key.
type PublicKey struct {
	point *edwards25519.Point
}

// Bytes returns the compressed 32-byte encoding.
func (k *PublicKey) Bytes() []byte {
	return k.point.Bytes()
}

// ParsePublicKey decodes a 32-byte compressed point.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("monero: invalid public key: %w", err)
	}
	return &PublicKey{point: p}, nil
}

// Add returns the curve sum of two public keys, used both for combining
// spend/view keys into a shared 2-of-2 wallet and internally by subaddress
// derivation.
func (k *PublicKey) Add(other *PublicKey) *PublicKey {
	sum := new(edwards25519.Point).Add(k.point, other.point)
	return &PublicKey{point: sum}
}

// PrivateKey wraps a scalar representing a Monero spend or view key.
type PrivateKey struct {
	scalar *edwards25519.Scalar
}

// Public returns the corresponding public key.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{point: new(edwards25519.Point).ScalarBaseMult(k.scalar)}
}

// Bytes returns the 32-byte canonical scalar encoding.
func (k *PrivateKey) Bytes() []byte {
	return k.scalar.Bytes()
}

// PublicKeyPair is a (spend, view) public keypair, the unit addresses are
// built from.
type PublicKeyPair struct {
	Spend *PublicKey
	View  *PublicKey
}

// PrivateKeyPair is a (spend, view) private keypair.
type PrivateKeyPair struct {
	Spend *PrivateKey
	View  *PrivateKey
}

// PublicKeyPair returns the public counterpart of a private keypair.
func (kp *PrivateKeyPair) PublicKeyPair() *PublicKeyPair {
	return &PublicKeyPair{Spend: kp.Spend.Public(), View: kp.View.Public()}
}

func randomPrivateKey() (*PrivateKey, error) {
	var wide [64]byte
	if _, err := rand.Read(wide[:]); err != nil {
		return nil, err
	}
	sc, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("monero: failed to reduce scalar: %w", err)
	}
	return &PrivateKey{scalar: sc}, nil
}

// GenerateKeys draws a fresh (spend, view) private keypair, used whenever
// the maker needs a session keypair for a swap's shared wallet (spec §4.1,
// mirroring the teacher's generateAndSetKeys flow).
func GenerateKeys() (*PrivateKeyPair, error) {
	spend, err := randomPrivateKey()
	if err != nil {
		return nil, err
	}
	view, err := randomPrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKeyPair{Spend: spend, View: view}, nil
}

// KeysFromScalars rebuilds a PrivateKeyPair from previously generated
// canonical scalars, used to restore a maker's session Monero keypair from
// the vault across restarts.
func KeysFromScalars(spend, view [32]byte) (*PrivateKeyPair, error) {
	spendSc, err := edwards25519.NewScalar().SetCanonicalBytes(spend[:])
	if err != nil {
		return nil, fmt.Errorf("monero: invalid spend scalar: %w", err)
	}
	viewSc, err := edwards25519.NewScalar().SetCanonicalBytes(view[:])
	if err != nil {
		return nil, fmt.Errorf("monero: invalid view scalar: %w", err)
	}
	return &PrivateKeyPair{
		Spend: &PrivateKey{scalar: spendSc},
		View:  &PrivateKey{scalar: viewSc},
	}, nil
}

// SumSpendAndViewKeys adds two public keypairs component-wise, producing
// the public keypair of the 2-of-2 shared wallet both directions lock XMR
// into (A_shared = A_maker + A_taker, V_shared = V_maker + V_taker). This
// mirrors the teacher's mcrypto.SumSpendAndViewKeys.
func SumSpendAndViewKeys(a, b *PublicKeyPair) *PublicKeyPair {
	return &PublicKeyPair{
		Spend: a.Spend.Add(b.Spend),
		View:  a.View.Add(b.View),
	}
}

// subaddressTweak computes H(A‖swap_id) reduced to a scalar, shared by the
// public and private derivation paths so they always agree.
func subaddressTweak(baseBytes []byte, swapID common.Hash) (*edwards25519.Scalar, error) {
	h := sha256.New()
	h.Write(baseBytes)
	h.Write(swapID[:])
	digest := h.Sum(nil) // 32 bytes

	// SetUniformBytes requires 64 bytes; pad with a second domain-separated
	// hash so the full digest space is used in the reduction rather than
	// truncating it, avoiding bias toward the low half of the scalar field.
	wide := make([]byte, 0, 64)
	wide = append(wide, digest...)
	h2 := sha256.New()
	h2.Write([]byte("subaddress-tweak-extend"))
	h2.Write(digest)
	wide = append(wide, h2.Sum(nil)...)

	tweak, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, fmt.Errorf("monero: failed to derive subaddress tweak: %w", err)
	}
	return tweak, nil
}

// DeriveSubaddress computes A_sub = A + H(A‖swap_id)·G per spec §4.1. The
// tweak scalar is never applied to the view key: the resulting subaddress
// is spendable with the original seed without any wallet import, exactly
// as spec §4.1 requires.
func DeriveSubaddress(base *PublicKey, swapID common.Hash) (*PublicKey, error) {
	tweak, err := subaddressTweak(base.Bytes(), swapID)
	if err != nil {
		return nil, err
	}
	tweakPoint := new(edwards25519.Point).ScalarBaseMult(tweak)
	sub := new(edwards25519.Point).Add(base.point, tweakPoint)
	return &PublicKey{point: sub}, nil
}

// DeriveSubaddressPrivate computes the private scalar a_sub = a + H(A‖swap_id)
// controlling the subaddress DeriveSubaddress(A, swap_id) returns, letting
// the seed holder spend the subaddress directly (spec §8 property 7: the
// derived subaddress is spendable with the seed that controls the base key,
// reproducible bit-for-bit).
func DeriveSubaddressPrivate(base *PrivateKey, swapID common.Hash) (*PrivateKey, error) {
	tweak, err := subaddressTweak(base.Public().Bytes(), swapID)
	if err != nil {
		return nil, err
	}
	sub := new(edwards25519.Scalar).Add(base.scalar, tweak)
	return &PrivateKey{scalar: sub}, nil
}

// addressChecksumLen matches the 4-byte Keccak checksum length used by
// Monero's base58 address encoding.
const addressChecksumLen = 4

// Address renders a public keypair as a network-prefixed base58 string.
// Monero's actual wire format uses a block-wise base58 variant; this
// implementation instead appends a 4-byte SHA3-256 checksum and encodes the
// whole payload with plain base58 from mr-tron/base58 (the library already
// pulled in by the Solana examples in this pack), which is sufficient for the engine's own round-trip needs —
// the real wallet-facing encoding is the Monero wallet RPC's job (spec
// §4.4, an external collaborator).
func Address(env common.Environment, kp *PublicKeyPair) string {
	prefix := networkPrefix(env)
	payload := append([]byte{prefix}, kp.Spend.Bytes()...)
	payload = append(payload, kp.View.Bytes()...)

	checksum := sha3.Sum256(payload)
	payload = append(payload, checksum[:addressChecksumLen]...)

	return base58.Encode(payload)
}

// CombineSpendKey adds an adaptor secret s to ownSpend's scalar, producing
// the complete Monero spend private key once s is known. This is the XMR
// side of the adaptor-signature exchange (spec §4.4's "key_material is the
// secret used to construct the spend key"): s is not an arbitrary group
// element here but literally the counterparty's half of a 2-of-2 spend
// scalar, so summing it with the caller's own half yields the sole
// signing key for the shared subaddress.
func CombineSpendKey(ownSpend *PrivateKey, s [32]byte) (*PrivateKey, error) {
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(s[:])
	if err != nil {
		return nil, fmt.Errorf("monero: invalid secret scalar: %w", err)
	}
	combined := new(edwards25519.Scalar).Add(ownSpend.scalar, sc)
	return &PrivateKey{scalar: combined}, nil
}

// CombineSubaddressSpendKey produces the private key that controls the
// one-time subaddress DeriveSubaddress(sharedSpendPub, swapID) returns,
// where sharedSpendPub is the sum of ownSpend's and counterpartySpendPub's
// public keys. Funds are locked to that subaddress rather than the raw
// 2-of-2 shared address (spec §4.4's shared destination), so sweeping them
// needs the combined scalar plus the same subaddress tweak, not just the
// combined scalar CombineSpendKey alone returns.
func CombineSubaddressSpendKey(
	ownSpend *PrivateKey,
	counterpartySpendPub *PublicKey,
	s [32]byte,
	swapID common.Hash,
) (*PrivateKey, error) {
	combined, err := CombineSpendKey(ownSpend, s)
	if err != nil {
		return nil, err
	}
	sharedPub := ownSpend.Public().Add(counterpartySpendPub)
	tweak, err := subaddressTweak(sharedPub.Bytes(), swapID)
	if err != nil {
		return nil, err
	}
	final := new(edwards25519.Scalar).Add(combined.scalar, tweak)
	return &PrivateKey{scalar: final}, nil
}

func networkPrefix(env common.Environment) byte {
	switch env {
	case common.Mainnet:
		return 0x12
	case common.Stagenet:
		return 0x18
	default:
		return 0x35
	}
}
