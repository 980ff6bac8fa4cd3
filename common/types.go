// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package common holds types and helpers shared across the daemon: the
// environment enum, swap identifiers, directions, states and the error
// kinds raised by the core (spec §7).
package common

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Environment represents the chain environment swapd is configured for.
type Environment byte

const (
	// Mainnet is real-value Solana mainnet-beta / Monero mainnet.
	Mainnet Environment = iota
	// Stagenet is Solana devnet / Monero stagenet.
	Stagenet
	// Development is a local double-regtest setup used in tests.
	Development
)

func (e Environment) String() string {
	switch e {
	case Mainnet:
		return "mainnet"
	case Stagenet:
		return "stagenet"
	case Development:
		return "dev"
	default:
		return "unknown"
	}
}

// Hash is a 32-byte identifier. SwapIDs, secret hashes, and quote
// commitments are all represented this way, mirroring the teacher's
// common/types.Hash.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes the hash from a hex string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return errors.New("hash must be 32 bytes")
	}
	copy(h[:], b)
	return nil
}

// IsZero returns true if the hash is all zero bytes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// NewRandomSwapID draws a fresh 32-byte swap identifier from a
// cryptographically secure source, per spec §3 "swap_id: 32-byte random
// identifier".
func NewRandomSwapID() (Hash, error) {
	var h Hash
	if _, err := rand.Read(h[:]); err != nil {
		return Hash{}, fmt.Errorf("failed to generate swap id: %w", err)
	}
	return h, nil
}

// Sha256Hash hashes b with SHA-256, used for secret hash-locks (spec §4.1).
func Sha256Hash(b []byte) Hash {
	return sha256.Sum256(b)
}

// Direction is the asset flow of a swap, spec §3.
type Direction byte

const (
	// TokenToPrivate is USDC (Solana) -> XMR (Monero); the user provides
	// USDC and receives XMR.
	TokenToPrivate Direction = iota
	// PrivateToToken is XMR (Monero) -> USDC (Solana).
	PrivateToToken
)

func (d Direction) String() string {
	switch d {
	case TokenToPrivate:
		return "TokenToPrivate"
	case PrivateToToken:
		return "PrivateToToken"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "TokenToPrivate":
		*d = TokenToPrivate
	case "PrivateToToken":
		*d = PrivateToToken
	default:
		return fmt.Errorf("unknown direction %q", s)
	}
	return nil
}

// State is a swap's position in the state machine DAG, spec §4.6.
type State byte

const (
	// Quoted is the initial state, set on quote acceptance.
	Quoted State = iota
	// LockedOne is set once the first chain's lock is confirmed.
	LockedOne
	// LockedBoth is set once both chains have a confirmed lock.
	LockedBoth
	// Revealed is set once the adaptor secret has been published/extracted.
	Revealed
	// Completed is a terminal success state.
	Completed
	// Refunded is a terminal state reached via the refund path.
	Refunded
	// Failed is a terminal state reached via an anomaly or fatal error.
	Failed
)

func (s State) String() string {
	switch s {
	case Quoted:
		return "Quoted"
	case LockedOne:
		return "LockedOne"
	case LockedBoth:
		return "LockedBoth"
	case Revealed:
		return "Revealed"
	case Completed:
		return "Completed"
	case Refunded:
		return "Refunded"
	case Failed:
		return "Failed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal returns true for Completed, Refunded, Failed (spec glossary).
func (s State) IsTerminal() bool {
	return s == Completed || s == Refunded || s == Failed
}

// IsOngoing is the complement of IsTerminal, matching the teacher's
// types.Status.IsOngoing used by protocol/swap.Manager.
func (s State) IsOngoing() bool {
	return !s.IsTerminal()
}

// legalNext enumerates the DAG edges of spec §4.6, keyed by source state.
var legalNext = map[State]map[State]bool{
	Quoted:     {LockedOne: true, Failed: true},
	LockedOne:  {LockedBoth: true, Refunded: true, Failed: true},
	LockedBoth: {Revealed: true, Refunded: true, Failed: true},
	Revealed:   {Completed: true, Failed: true},
}

// CanTransition reports whether from->to is a legal edge of the state DAG.
// Invariant 3 of spec §3 ("state is monotonic... no cycles, no regression")
// is enforced by callers consulting this before persisting a transition.
func CanTransition(from, to State) bool {
	next, ok := legalNext[from]
	if !ok {
		return false
	}
	return next[to]
}

// FailureKind tags why a swap entered Failed, spec §3 "failure_kind".
type FailureKind string

// Failure kinds raised by the engine.
const (
	FailureMismatchedLock   FailureKind = "MismatchedLock"
	FailureRefundStuck      FailureKind = "RefundStuck"
	FailurePayoutTimeout    FailureKind = "PayoutTimeout"
	FailureInvariantBroken  FailureKind = "InvariantViolated"
	FailureDuplicateLock    FailureKind = "DuplicateLockAnomaly"
	FailureCryptoError      FailureKind = "CryptoError"
)
