// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package adaptor implements the Ed25519-curve adaptor signature scheme
// used by the swap engine (spec §4.1). It plays the role the teacher's
// dleq/crypto/secp256k1 packages play for the ETH/XMR pair, but works
// entirely over edwards25519 since both Solana and Monero share that
// curve. All scalar/point arithmetic goes through
// filippo.io/edwards25519, which guarantees constant-time operations on
// secret material, satisfying the constant-time requirement of spec §4.1.
package adaptor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

var (
	// ErrInvalidSecret is returned when a 32-byte blob is not a canonical
	// reduced scalar.
	ErrInvalidSecret = errors.New("adaptor: secret is not a canonical scalar")
	// ErrVerificationFailed reports a completed signature that fails
	// verification. AdaptorComplete does not verify its output and never
	// returns it.
	ErrVerificationFailed = errors.New("adaptor: completed signature failed verification")
)

// PrivateKey is a raw scalar private key on edwards25519.
type PrivateKey struct {
	scalar *edwards25519.Scalar
}

// Bytes returns the canonical 32-byte encoding of the private scalar.
func (k *PrivateKey) Bytes() []byte {
	return k.scalar.Bytes()
}

// PublicKey is a raw curve point public key, scalar*G.
type PublicKey struct {
	point *edwards25519.Point
}

// Bytes returns the compressed 32-byte encoding of the public key.
func (p *PublicKey) Bytes() []byte {
	return p.point.Bytes()
}

// ParsePublicKey decodes a 32-byte compressed point.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("adaptor: invalid public key: %w", err)
	}
	return &PublicKey{point: p}, nil
}

// GenerateKeyPair draws a fresh uniformly-random scalar and derives its
// public point, used for the per-session Ed25519 keys each side of a swap
// holds (analogous to the teacher's generateAndSetKeys).
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	sc, err := randomScalar()
	if err != nil {
		return nil, nil, err
	}
	pub := new(edwards25519.Point).ScalarBaseMult(sc)
	return &PrivateKey{scalar: sc}, &PublicKey{point: pub}, nil
}

// KeyPairFromScalar rebuilds a PrivateKey/PublicKey pair from a previously
// generated canonical scalar, used to restore a maker's session key from
// the vault across restarts.
func KeyPairFromScalar(s [32]byte) (*PrivateKey, *PublicKey, error) {
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(s[:])
	if err != nil {
		return nil, nil, fmt.Errorf("adaptor: invalid session scalar: %w", err)
	}
	pub := new(edwards25519.Point).ScalarBaseMult(sc)
	return &PrivateKey{scalar: sc}, &PublicKey{point: pub}, nil
}

func randomScalar() (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := rand.Read(wide[:]); err != nil {
		return nil, fmt.Errorf("adaptor: failed to read randomness: %w", err)
	}
	sc, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("adaptor: failed to reduce scalar: %w", err)
	}
	return sc, nil
}

// GenerateSecret draws the 32-byte uniformly-random adaptor secret s used
// to gate a swap's hash-lock (spec §4.1: "s is a 32-byte uniformly-random
// scalar... drawn from a cryptographically secure source").
func GenerateSecret() ([32]byte, error) {
	sc, err := randomScalar()
	if err != nil {
		return [32]byte{}, common.ErrSecretGenerationFailed
	}
	var out [32]byte
	copy(out[:], sc.Bytes())
	return out, nil
}

// HashLock computes H = SHA-256(s), the hash-lock committed at Quoted time
// (spec §3, §4.1).
func HashLock(s [32]byte) common.Hash {
	return sha256.Sum256(s[:])
}

func secretToScalar(s [32]byte) (*edwards25519.Scalar, error) {
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(s[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSecret, err)
	}
	return sc, nil
}

// AdaptorPoint returns T = s*G, the public commitment to the secret used to
// encrypt a presignature. Revealing a signature completed against T
// deterministically yields s to anyone who also holds the presignature,
// satisfying spec §4.1's adaptor property.
func AdaptorPoint(s [32]byte) ([]byte, error) {
	sc, err := secretToScalar(s)
	if err != nil {
		return nil, err
	}
	t := new(edwards25519.Point).ScalarBaseMult(sc)
	return t.Bytes(), nil
}

// Presignature is an adaptor pre-signature: a Schnorr nonce commitment plus
// a response scalar that excludes the adaptor secret.
type Presignature struct {
	RPrime []byte // compressed point, k*G
	STilde []byte // scalar, k + e*x
}

// Signature is a completed, chain-verifiable Schnorr signature.
type Signature struct {
	R []byte // compressed point, k*G + T
	S []byte // scalar, k + e*x + s
}

// challenge computes the Fiat-Shamir challenge e = H(apparentR || pubkey ||
// message) reduced mod the group order, following standard EdDSA-style
// Schnorr construction.
func challenge(apparentR, pubKey, message []byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	h.Write(apparentR)
	h.Write(pubKey)
	h.Write(message)
	digest := h.Sum(nil)
	return edwards25519.NewScalar().SetUniformBytes(digest)
}

// AdaptorPresign produces a presignature on message under signingKey,
// encrypted against the adaptor point T. It implements spec §4.1's
// adaptor_presign(message, signing_key, H) — T here is the public
// commitment derived from the hash-lock's underlying secret via
// AdaptorPoint, not the SHA-256 digest itself (the digest alone is not a
// group element; the swap engine carries both alongside each other).
func AdaptorPresign(message []byte, signingKey *PrivateKey, adaptorPointBytes []byte) (*Presignature, error) {
	t, err := new(edwards25519.Point).SetBytes(adaptorPointBytes)
	if err != nil {
		return nil, fmt.Errorf("adaptor: invalid adaptor point: %w", err)
	}

	k, err := randomScalar()
	if err != nil {
		return nil, err
	}
	rPrime := new(edwards25519.Point).ScalarBaseMult(k)

	apparentR := new(edwards25519.Point).Add(rPrime, t)
	pub := new(edwards25519.Point).ScalarBaseMult(signingKey.scalar)

	e, err := challenge(apparentR.Bytes(), pub.Bytes(), message)
	if err != nil {
		return nil, err
	}

	sTilde := new(edwards25519.Scalar).MultiplyAdd(e, signingKey.scalar, k)

	return &Presignature{
		RPrime: rPrime.Bytes(),
		STilde: sTilde.Bytes(),
	}, nil
}

// AdaptorComplete completes a presignature using the now-known secret s,
// producing a signature publishable on-chain. Implements spec §4.1's
// adaptor_complete(presig, s).
func AdaptorComplete(presig *Presignature, s [32]byte) (*Signature, error) {
	rPrime, err := new(edwards25519.Point).SetBytes(presig.RPrime)
	if err != nil {
		return nil, fmt.Errorf("adaptor: invalid presignature R': %w", err)
	}
	sTilde, err := edwards25519.NewScalar().SetCanonicalBytes(presig.STilde)
	if err != nil {
		return nil, fmt.Errorf("adaptor: invalid presignature s~: %w", err)
	}
	sc, err := secretToScalar(s)
	if err != nil {
		return nil, err
	}

	t := new(edwards25519.Point).ScalarBaseMult(sc)
	r := new(edwards25519.Point).Add(rPrime, t)
	sFinal := new(edwards25519.Scalar).Add(sTilde, sc)

	return &Signature{R: r.Bytes(), S: sFinal.Bytes()}, nil
}

// ExtractSecret recovers s from a presignature and its completion, the
// core "anyone who sees the completed signature learns s" property (spec
// §4.1's extract_secret). It implements s = S - STilde.
func ExtractSecret(presig *Presignature, sig *Signature) ([32]byte, error) {
	sTilde, err := edwards25519.NewScalar().SetCanonicalBytes(presig.STilde)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: invalid presignature s~: %s", common.ErrSecretExtractionFailed, err)
	}
	sFinal, err := edwards25519.NewScalar().SetCanonicalBytes(sig.S)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: invalid signature s: %s", common.ErrSecretExtractionFailed, err)
	}

	negSTilde := new(edwards25519.Scalar).Negate(sTilde)
	s := new(edwards25519.Scalar).Add(sFinal, negSTilde)

	var out [32]byte
	copy(out[:], s.Bytes())
	return out, nil
}

// Verify checks sig is a valid Schnorr signature on message under pubKey.
// Implements spec §4.1's verify(sig, message, pubkey).
func Verify(sig *Signature, message []byte, pubKey *PublicKey) bool {
	r, err := new(edwards25519.Point).SetBytes(sig.R)
	if err != nil {
		return false
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sig.S)
	if err != nil {
		return false
	}

	e, err := challenge(sig.R, pubKey.Bytes(), message)
	if err != nil {
		return false
	}

	// Check s*G == R + e*P
	lhs := new(edwards25519.Point).ScalarBaseMult(s)
	ep := new(edwards25519.Point).ScalarMult(e, pubKey.point)
	rhs := new(edwards25519.Point).Add(r, ep)

	return string(lhs.Bytes()) == string(rhs.Bytes())
}
