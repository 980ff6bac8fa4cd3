// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func randomHash(t *testing.T) common.Hash {
	t.Helper()
	h, err := common.NewRandomSwapID()
	require.NoError(t, err)
	return h
}

func TestPutGetSwapRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	sw := &Swap{
		SwapID:                 randomHash(t),
		QuoteID:                "q-1",
		Direction:              common.PrivateToToken,
		TokenAmount:            100_000_000,
		PrivateAmount:          1_000_000_000_000,
		SecretHash:             randomHash(t),
		PrivateDestination:     "shared-subaddress",
		CounterpartyPublicKey:  []byte{1, 2, 3},
		State:                  common.LockedOne,
		CreatedAt:              now,
		UpdatedAt:              now,
		ExpiresAtOne:           now.Add(24 * time.Hour),
		ExpiresAtTwo:           now.Add(48 * time.Hour),
		TokenChainArtifact:     "sig",
		MakerEd25519PublicKey:  []byte{4, 5, 6},
	}

	require.NoError(t, s.PutSwap(sw))

	got, err := s.GetSwap(sw.SwapID)
	require.NoError(t, err)
	require.Equal(t, sw.SwapID, got.SwapID)
	require.Equal(t, sw.QuoteID, got.QuoteID)
	require.Equal(t, sw.Direction, got.Direction)
	require.Equal(t, sw.TokenAmount, got.TokenAmount)
	require.Equal(t, sw.PrivateAmount, got.PrivateAmount)
	require.Equal(t, sw.SecretHash, got.SecretHash)
	require.Equal(t, sw.PrivateDestination, got.PrivateDestination)
	require.Equal(t, sw.CounterpartyPublicKey, got.CounterpartyPublicKey)
	require.Equal(t, sw.State, got.State)
	require.True(t, sw.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, sw.TokenChainArtifact, got.TokenChainArtifact)
	require.Equal(t, sw.MakerEd25519PublicKey, got.MakerEd25519PublicKey)
}

func TestGetSwapNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSwap(randomHash(t))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetAllSwapsReturnsEveryRowOnlyOnce(t *testing.T) {
	s := newTestStore(t)

	var ids []common.Hash
	for i := 0; i < 3; i++ {
		sw := &Swap{SwapID: randomHash(t), State: common.Quoted, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		require.NoError(t, s.PutSwap(sw))
		ids = append(ids, sw.SwapID)
	}

	all, err := s.GetAllSwaps()
	require.NoError(t, err)
	require.Len(t, all, 3)

	seen := make(map[common.Hash]bool)
	for _, sw := range all {
		seen[sw.SwapID] = true
	}
	for _, want := range ids {
		require.True(t, seen[want])
	}
}

func TestPutSwapOverwritesExistingRow(t *testing.T) {
	s := newTestStore(t)
	swapID := randomHash(t)

	require.NoError(t, s.PutSwap(&Swap{SwapID: swapID, State: common.Quoted}))
	require.NoError(t, s.PutSwap(&Swap{SwapID: swapID, State: common.Completed}))

	got, err := s.GetSwap(swapID)
	require.NoError(t, err)
	require.Equal(t, common.Completed, got.State)

	all, err := s.GetAllSwaps()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPutGetDeleteSecretRoundTrip(t *testing.T) {
	s := newTestStore(t)
	swapID := randomHash(t)

	_, err := s.GetSecret(swapID)
	require.ErrorIs(t, err, common.ErrNotFound)

	ciphertext := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, s.PutSecret(swapID, ciphertext))

	got, err := s.GetSecret(swapID)
	require.NoError(t, err)
	require.Equal(t, ciphertext, got)

	require.NoError(t, s.DeleteSecret(swapID))
	_, err = s.GetSecret(swapID)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSetGaugeSnapshot(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetGauge("open_swaps", 3))
	require.NoError(t, s.SetGauge("locked_value_usdc", 42))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, int64(3), snap["open_swaps"])
	require.Equal(t, int64(42), snap["locked_value_usdc"])

	require.NoError(t, s.SetGauge("open_swaps", 5))
	snap, err = s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, int64(5), snap["open_swaps"])
}
