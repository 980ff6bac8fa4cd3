// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/quote"
)

// TestNewManagerResumesOngoingSwaps is spec §8 property 6: crash recovery.
// A swap row left in a non-terminal state, with its session keys already
// sealed in the vault, must come back under a live driver on restart.
func TestNewManagerResumesOngoingSwaps(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.PrivateToToken)
	swap.State = common.LockedOne
	swap.MakerEd25519PublicKey = maker.TokenClaimPub.Bytes()
	swap.CounterpartyEd25519PublicKey = maker.CounterpartyTokenPub.Bytes()

	store := newFakeSwapStore()
	require.NoError(t, store.PutSwap(swap))

	v := newFakeVault()
	require.NoError(t, v.Put(sessionKeyID(swap.SwapID, labelTokenClaim), to32(maker.TokenClaimPriv.Bytes())))
	require.NoError(t, v.Put(sessionKeyID(swap.SwapID, labelMoneroSpend), to32(maker.MoneroKeys.Spend.Bytes())))
	require.NoError(t, v.Put(sessionKeyID(swap.SwapID, labelMoneroView), to32(maker.MoneroKeys.View.Bytes())))

	tokenChain := &fakeTokenChain{}
	privateChain := &fakePrivateChain{}

	m, err := NewManager(context.Background(), testConfig(), store, v, tokenChain, privateChain)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	m.mu.RLock()
	d, has := m.drivers[swap.SwapID]
	m.mu.RUnlock()
	require.True(t, has, "resumed swap must be spawned under a live driver")
	require.Equal(t, common.LockedOne, d.Swap().State)
}

// TestNewManagerSkipsTerminalSwaps asserts a swap already in a terminal
// state is not resumed under a driver.
func TestNewManagerSkipsTerminalSwaps(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.PrivateToToken)
	swap.State = common.Completed

	store := newFakeSwapStore()
	require.NoError(t, store.PutSwap(swap))

	v := newFakeVault()
	require.NoError(t, v.Put(sessionKeyID(swap.SwapID, labelTokenClaim), to32(maker.TokenClaimPriv.Bytes())))
	require.NoError(t, v.Put(sessionKeyID(swap.SwapID, labelMoneroSpend), to32(maker.MoneroKeys.Spend.Bytes())))
	require.NoError(t, v.Put(sessionKeyID(swap.SwapID, labelMoneroView), to32(maker.MoneroKeys.View.Bytes())))

	m, err := NewManager(context.Background(), testConfig(), store, v, &fakeTokenChain{}, &fakePrivateChain{})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	m.mu.RLock()
	_, has := m.drivers[swap.SwapID]
	m.mu.RUnlock()
	require.False(t, has, "terminal swaps must not be resumed under a driver")

	got, err := m.GetSwap(swap.SwapID)
	require.NoError(t, err)
	require.Equal(t, common.Completed, got.State)
}

// TestManagerGetSwapFallsBackToStore covers GetSwap's fallback path once a
// swap's driver has finished and been reaped from the live driver set.
func TestManagerGetSwapFallsBackToStore(t *testing.T) {
	store := newFakeSwapStore()
	swap := newTestSwap(t, common.PrivateToToken)
	swap.State = common.Failed
	require.NoError(t, store.PutSwap(swap))

	m := &Manager{
		ctx:     context.Background(),
		cfg:     testConfig(),
		store:   store,
		drivers: make(map[common.Hash]*driver),
	}

	got, err := m.GetSwap(swap.SwapID)
	require.NoError(t, err)
	require.Equal(t, common.Failed, got.State)
}

// TestManagerProposeSpawnsDriverAndSealsKeys exercises Propose end to end:
// a new swap row is persisted, its session keys sealed in the vault, and a
// live driver spawned for it immediately.
func TestManagerProposeSpawnsDriverAndSealsKeys(t *testing.T) {
	_, counterparty := newTestKeys(t)

	store := newFakeSwapStore()
	v := newFakeVault()
	tokenChain := &fakeTokenChain{}
	privateChain := &fakePrivateChain{}

	m, err := NewManager(context.Background(), testConfig(), store, v, tokenChain, privateChain)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	swapID, err := common.NewRandomSwapID()
	require.NoError(t, err)
	// quote.Service seals the adaptor secret under the provisional swap id
	// before Accept; the spawned driver reads it to presign its token claim.
	require.NoError(t, v.Put(swapID, [32]byte{1, 2, 3}))
	q := &quote.Quote{
		QuoteID:           "q-1",
		Direction:         common.PrivateToToken,
		TokenAmount:       100_000_000,
		PrivateAmount:     1_000_000_000_000,
		ProvisionalSwapID: swapID,
	}

	sw, err := m.Propose(q, counterparty.TokenClaimPub.Bytes(), counterparty.MoneroKeys.PublicKeyPair(), "")
	require.NoError(t, err)
	require.Equal(t, common.Quoted, sw.State)
	require.NotEmpty(t, sw.PrivateDestination)

	m.mu.RLock()
	_, has := m.drivers[sw.SwapID]
	m.mu.RUnlock()
	require.True(t, has)

	require.Contains(t, v.secrets, sessionKeyID(sw.SwapID, labelTokenClaim))
	require.Contains(t, v.secrets, sessionKeyID(sw.SwapID, labelMoneroSpend))
	require.Contains(t, v.secrets, sessionKeyID(sw.SwapID, labelMoneroView))

	time.Sleep(time.Millisecond)
}
