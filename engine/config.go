// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package engine implements the swap engine (spec §4.6, §4.7, §5): the
// per-swap state machine driver and the manager that owns the set of
// drivers. It generalises the teacher's protocol/swap.Manager (ongoing/past
// swap bookkeeping over ChainSafe/chaindb) and protocol/xmrmaker.swapState
// (the per-swap goroutine with its own inbox, context, and watchers) onto
// the two-chain, direction-agnostic design spec §4.6 describes.
package engine

import "time"

// Config holds the deadline and confirmation-depth constants spec §4.6
// and §9 name, adopted verbatim as configuration rather than hardcoded, per
// the source spec's own framing ("a future change would be a configuration
// concern outside the core's correctness obligations").
type Config struct {
	// TokenChainConfirmations is the required depth on the token chain
	// before a lock is considered confirmed (spec §4.6: "1 finalized slot").
	TokenChainConfirmations uint64
	// PrivateChainConfirmations is the required depth on the private chain
	// (spec §4.6: "10 blocks").
	PrivateChainConfirmations uint64
	// DeadlineOneOffset is how long after Quoted-accept the token-chain
	// lock deadline falls (spec §8 S2: "accept+24h").
	DeadlineOneOffset time.Duration
	// DeadlineTwoOffset is how long after accept the private-chain
	// (second) deadline falls; must exceed DeadlineOneOffset by at least
	// SafetyMargin (spec §8 property 3).
	DeadlineTwoOffset time.Duration
	// SafetyMargin is the minimum required gap between the two deadlines.
	SafetyMargin time.Duration
	// ToleranceBps bounds how far a counterparty lock's amount may drift
	// from the expected converted amount before it is treated as
	// MismatchedLock (spec §3 invariant 5).
	ToleranceBps int64
	// RefundInitialBackoff and RefundMaxBackoff bound the exponential
	// backoff refund submissions retry under (spec §4.7).
	RefundInitialBackoff time.Duration
	RefundMaxBackoff     time.Duration
	RefundMaxAttempts    int
	// InboxSize bounds each driver's per-swap event inbox.
	InboxSize int
}

// DefaultConfig returns the constants named verbatim in spec §4.6/§8/§9:
// 10-block private-chain depth, 1-slot token-chain depth, a 24h first
// deadline and 48h second deadline.
func DefaultConfig() Config {
	return Config{
		TokenChainConfirmations:   1,
		PrivateChainConfirmations: 10,
		DeadlineOneOffset:         24 * time.Hour,
		DeadlineTwoOffset:         48 * time.Hour,
		SafetyMargin:              1 * time.Hour,
		ToleranceBps:              50, // 0.5%
		RefundInitialBackoff:      10 * time.Second,
		RefundMaxBackoff:          10 * time.Minute,
		RefundMaxAttempts:         8,
		InboxSize:                 16,
	}
}
