// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package watcher implements the watcher pool (spec §4.5): one logical
// watcher per active swap per chain, polling with jittered backoff and
// fanning deduplicated events into the engine's per-swap inbox. It
// generalises the teacher's ethereum/watcher.EventFilter (a single
// contract-log poller per swap) into a pool covering two independent
// chains with no log-topic equivalent on the Monero side.
package watcher

import (
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

// Kind enumerates the event kinds spec §4.5 names.
type Kind int

const (
	TokenLockSeen Kind = iota
	PrivateLockSeen
	AdaptorPublished
	ChainUnreachable
	DeadlineOneReached
	DeadlineTwoReached
)

// String names a Kind for logging.
func (k Kind) String() string {
	switch k {
	case TokenLockSeen:
		return "TokenLockSeen"
	case PrivateLockSeen:
		return "PrivateLockSeen"
	case AdaptorPublished:
		return "AdaptorPublished"
	case ChainUnreachable:
		return "ChainUnreachable"
	case DeadlineOneReached:
		return "DeadlineOneReached"
	case DeadlineTwoReached:
		return "DeadlineTwoReached"
	default:
		return "Unknown"
	}
}

// Event is a single watcher observation, tagged with the swap it concerns
// and an artifact identifier used for deduplication (spec §4.5: "engine
// deduplicates by (swap_id, event_kind, artifact_id)").
type Event struct {
	SwapID     common.Hash
	Kind       Kind
	ArtifactID string // tx signature/hash, or empty for deadline/unreachable events
	Secret     [32]byte
	Err        error
}

func (e Event) dedupeKey() dedupeKey {
	return dedupeKey{swapID: e.SwapID, kind: e.Kind, artifactID: e.ArtifactID}
}

type dedupeKey struct {
	swapID     common.Hash
	kind       Kind
	artifactID string
}
