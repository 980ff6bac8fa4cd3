// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package db defines the durable swap record (spec §3) and the store
// interfaces the engine and vault persist through, generalising the
// teacher's db.EthereumSwapInfo / protocol/swap.Database pair onto the
// two-chain Swap entity this daemon tracks.
package db

import (
	"time"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

// Swap is the durable record of spec §3's Swap entity.
type Swap struct {
	SwapID                 common.Hash
	QuoteID                string
	Direction               common.Direction
	TokenAmount             uint64 // USDC minor units
	PrivateAmount           uint64 // piconero
	SecretHash              common.Hash
	PrivateDestination      string // derived one-time subaddress
	CounterpartyPublicKey   []byte // Solana pubkey, 32 bytes
	State                   common.State
	CreatedAt               time.Time
	UpdatedAt               time.Time
	ExpiresAtOne            time.Time
	ExpiresAtTwo            time.Time
	TokenChainArtifact      string // base58 signature, empty if unset
	PrivateChainArtifact    string // hex tx hash, empty if unset
	FailureKind             common.FailureKind

	// TokenClaimPresignature is RPrime||STilde (64 bytes), set once the
	// maker places its own token lock in the PrivateToToken direction.
	// Persisting it lets a restarted driver recover the exact presignature
	// a counterparty's eventual claim completion must be checked against,
	// rather than drawing a fresh nonce that could never match.
	TokenClaimPresignature []byte

	// MakerEd25519PublicKey is the maker's own session public key for this
	// swap (spec §4.1's per-session Ed25519 keys).
	MakerEd25519PublicKey []byte
	// CounterpartyEd25519PublicKey is populated once known, used by the
	// safety rule of spec §4.6 to verify the counterparty's lock.
	CounterpartyEd25519PublicKey []byte
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries, mirroring the teacher's GetOngoingSwaps() which copies each
// *Info before returning it.
func (s *Swap) Clone() *Swap {
	cp := *s
	cp.CounterpartyPublicKey = append([]byte(nil), s.CounterpartyPublicKey...)
	cp.MakerEd25519PublicKey = append([]byte(nil), s.MakerEd25519PublicKey...)
	cp.CounterpartyEd25519PublicKey = append([]byte(nil), s.CounterpartyEd25519PublicKey...)
	cp.TokenClaimPresignature = append([]byte(nil), s.TokenClaimPresignature...)
	return &cp
}

// IsOngoing reports whether the swap's state is non-terminal.
func (s *Swap) IsOngoing() bool {
	return s.State.IsOngoing()
}

// PublicProjection is the façade-facing view of a swap (spec §6's
// GET /v1/swap/{id}): everything but secret material.
type PublicProjection struct {
	SwapID               common.Hash      `json:"swapId"`
	Direction            common.Direction `json:"direction"`
	TokenAmount          uint64           `json:"tokenAmount"`
	PrivateAmount        uint64           `json:"privateAmount"`
	State                common.State     `json:"state"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
	ExpiresAtOne         time.Time        `json:"expiresAtOne"`
	ExpiresAtTwo         time.Time        `json:"expiresAtTwo"`
	TokenChainArtifact   string           `json:"tokenChainArtifact,omitempty"`
	PrivateChainArtifact string           `json:"privateChainArtifact,omitempty"`
	FailureKind          common.FailureKind `json:"failureKind,omitempty"`
}

// Project strips secret-adjacent fields for façade consumption.
func (s *Swap) Project() *PublicProjection {
	return &PublicProjection{
		SwapID:               s.SwapID,
		Direction:            s.Direction,
		TokenAmount:          s.TokenAmount,
		PrivateAmount:        s.PrivateAmount,
		State:                s.State,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		ExpiresAtOne:         s.ExpiresAtOne,
		ExpiresAtTwo:         s.ExpiresAtTwo,
		TokenChainArtifact:   s.TokenChainArtifact,
		PrivateChainArtifact: s.PrivateChainArtifact,
		FailureKind:          s.FailureKind,
	}
}
