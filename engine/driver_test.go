// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/adaptor"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/monero"
	"github.com/madschristensen99/svm-xmr-atomic-swap/db"
	"github.com/madschristensen99/svm-xmr-atomic-swap/vault"
	"github.com/madschristensen99/svm-xmr-atomic-swap/watcher"
)

// fakeSwapStore is a hand-written test double standing in for db.Store,
// matching the teacher's mockNet pattern rather than a generated mock.
type fakeSwapStore struct {
	mu    sync.Mutex
	swaps map[common.Hash]*db.Swap
}

func newFakeSwapStore() *fakeSwapStore {
	return &fakeSwapStore{swaps: make(map[common.Hash]*db.Swap)}
}

func (s *fakeSwapStore) PutSwap(sw *db.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps[sw.SwapID] = sw.Clone()
	return nil
}

func (s *fakeSwapStore) GetSwap(id common.Hash) (*db.Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swaps[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return sw.Clone(), nil
}

func (s *fakeSwapStore) GetAllSwaps() ([]*db.Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Swap, 0, len(s.swaps))
	for _, sw := range s.swaps {
		out = append(out, sw.Clone())
	}
	return out, nil
}

func (s *fakeSwapStore) PutSecret(swapID common.Hash, ciphertext []byte) error { return nil }
func (s *fakeSwapStore) GetSecret(swapID common.Hash) ([]byte, error)          { return nil, common.ErrNotFound }
func (s *fakeSwapStore) DeleteSecret(swapID common.Hash) error                 { return nil }
func (s *fakeSwapStore) SetGauge(name string, value int64) error              { return nil }
func (s *fakeSwapStore) Snapshot() (map[string]int64, error)                  { return nil, nil }
func (s *fakeSwapStore) Close() error                                          { return nil }

var _ db.Store = (*fakeSwapStore)(nil)

// fakeVault holds one secret per swap in the clear, standing in for the
// encrypt-at-rest vault in tests.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[common.Hash][32]byte
	erased  []common.Hash
}

func newFakeVault() *fakeVault {
	return &fakeVault{secrets: make(map[common.Hash][32]byte)}
}

func (v *fakeVault) Put(swapID common.Hash, s [32]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[swapID] = s
	return nil
}

func (v *fakeVault) Get(swapID common.Hash) (*vault.ScopedPlaintext, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.secrets[swapID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return vault.NewScopedPlaintext(s), nil
}

func (v *fakeVault) Erase(swapID common.Hash, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, swapID)
	v.erased = append(v.erased, swapID)
	return nil
}

var _ vault.Vault = (*fakeVault)(nil)

// fakeTokenChain is a configurable hand-written fake for chain.TokenChain.
type fakeTokenChain struct {
	mu          sync.Mutex
	lockResult  *chain.TokenLock
	lockErr     error
	lockCalls   int
	refundErr   error
	refundCalls int
	published   int
}

func (f *fakeTokenChain) Lock(ctx context.Context, swapID common.Hash, amount coins.USDCAmount, hashLock common.Hash, claimPub, refundPub []byte) (*chain.TokenLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.lockResult, nil
}

func (f *fakeTokenChain) ObserveLock(ctx context.Context, swapID common.Hash) (*chain.TokenLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockResult == nil {
		return nil, common.ErrLockNotFound
	}
	return f.lockResult, nil
}

func (f *fakeTokenChain) Confirmations(ctx context.Context, lock *chain.TokenLock) (uint64, error) {
	return 10, nil
}

func (f *fakeTokenChain) PublishAdaptorCompletion(ctx context.Context, swapID common.Hash, lock *chain.TokenLock, sig []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return "token-claim-artifact", nil
}

func (f *fakeTokenChain) ObserveClaim(ctx context.Context, swapID common.Hash) (string, error) {
	return "", common.ErrLockNotFound
}

func (f *fakeTokenChain) ExtractFromClaim(ctx context.Context, txSignature string) ([]byte, error) {
	return nil, nil
}

func (f *fakeTokenChain) Refund(ctx context.Context, swapID common.Hash, lock *chain.TokenLock, refundSig []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	if f.refundErr != nil {
		return "", f.refundErr
	}
	return "token-refund-artifact", nil
}

var _ chain.TokenChain = (*fakeTokenChain)(nil)

// fakePrivateChain is a configurable hand-written fake for chain.PrivateChain.
type fakePrivateChain struct {
	mu         sync.Mutex
	lockResult *chain.PrivateLock
	lockErr    error
	lockCalls  int
	sweptTo    string
}

func (f *fakePrivateChain) Lock(ctx context.Context, swapID common.Hash, amount coins.PiconeroAmount, subaddress string) (*chain.PrivateLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.lockResult, nil
}

func (f *fakePrivateChain) ObserveLock(ctx context.Context, swapID common.Hash, subaddress string) (*chain.PrivateLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockResult == nil {
		return nil, common.ErrLockNotFound
	}
	return f.lockResult, nil
}

func (f *fakePrivateChain) Confirmations(ctx context.Context, lock *chain.PrivateLock) (uint64, error) {
	return 10, nil
}

func (f *fakePrivateChain) SpendTo(ctx context.Context, swapID common.Hash, destination string, spendKey []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweptTo = destination
	return "private-sweep-artifact", nil
}

func (f *fakePrivateChain) Height(ctx context.Context) (uint64, error) {
	return 1000, nil
}

var _ chain.PrivateChain = (*fakePrivateChain)(nil)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefundInitialBackoff = time.Millisecond
	cfg.RefundMaxBackoff = 2 * time.Millisecond
	cfg.RefundMaxAttempts = 2
	cfg.InboxSize = 8
	return cfg
}

func newTestKeys(t *testing.T) (Keys, Keys) {
	t.Helper()

	makerTokenPriv, makerTokenPub, err := adaptor.GenerateKeyPair()
	require.NoError(t, err)
	cpTokenPriv, cpTokenPub, err := adaptor.GenerateKeyPair()
	require.NoError(t, err)

	makerMonero, err := monero.GenerateKeys()
	require.NoError(t, err)
	cpMonero, err := monero.GenerateKeys()
	require.NoError(t, err)

	maker := Keys{
		TokenClaimPriv:        makerTokenPriv,
		TokenClaimPub:         makerTokenPub,
		MoneroKeys:            makerMonero,
		CounterpartyTokenPub:  cpTokenPub,
		CounterpartyMoneroPub: cpMonero.PublicKeyPair(),
	}
	counterparty := Keys{
		TokenClaimPriv:        cpTokenPriv,
		TokenClaimPub:         cpTokenPub,
		MoneroKeys:            cpMonero,
		CounterpartyTokenPub:  makerTokenPub,
		CounterpartyMoneroPub: makerMonero.PublicKeyPair(),
	}
	return maker, counterparty
}

func newTestSwap(t *testing.T, dir common.Direction) *db.Swap {
	t.Helper()
	id, err := common.NewRandomSwapID()
	require.NoError(t, err)

	now := time.Now()
	return &db.Swap{
		SwapID:             id,
		Direction:          dir,
		TokenAmount:        100_000_000,
		PrivateAmount:      1_000_000_000_000,
		PrivateDestination: "shared-subaddress",
		State:              common.Quoted,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAtOne:       now.Add(24 * time.Hour),
		ExpiresAtTwo:       now.Add(48 * time.Hour),
	}
}

func waitForState(t *testing.T, d *driver, want common.State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, last seen %s", want, d.Swap().State)
		default:
		}
		if d.Swap().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// TestDriverPrivateToTokenHappyPath exercises the maker-locks-token-first
// direction end to end, including the post-reveal XMR sweep.
func TestDriverPrivateToTokenHappyPath(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.PrivateToToken)
	store := newFakeSwapStore()
	v := newFakeVault()
	require.NoError(t, v.Put(swap.SwapID, [32]byte{1, 2, 3}))

	tokenChain := &fakeTokenChain{lockResult: &chain.TokenLock{Signature: "maker-token-lock", Amount: coins.USDCAmount(swap.TokenAmount)}}
	privateChain := &fakePrivateChain{lockResult: &chain.PrivateLock{TxHash: "cp-private-lock", Amount: coins.PiconeroAmount(swap.PrivateAmount)}}
	pool := watcher.NewPool(watcher.DefaultConfig(), tokenChain, privateChain, 8)

	d := newDriver(context.Background(), testConfig(), store, v, tokenChain, privateChain, pool, swap, maker)
	t.Cleanup(d.cancel)

	go d.Run()

	// The watcher pool observing the maker's own lock is exercised
	// separately (watcher package); here the driver is fed the resulting
	// event directly, as the Manager's event router would.
	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.TokenLockSeen}
	waitForState(t, d, common.LockedOne, time.Second)
	require.Equal(t, 1, tokenChain.lockCalls)

	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.PrivateLockSeen}
	waitForState(t, d, common.LockedBoth, time.Second)

	var secret [32]byte
	secret[0] = 42
	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.AdaptorPublished, Secret: secret}
	waitForState(t, d, common.Completed, time.Second)

	require.Equal(t, "shared-subaddress", privateChain.sweptTo)
	require.NotEmpty(t, store.swaps[swap.SwapID].PrivateChainArtifact)
}

// TestDriverTokenToPrivateHappyPath exercises the direction where the
// maker publishes the adaptor completion itself.
func TestDriverTokenToPrivateHappyPath(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.TokenToPrivate)
	store := newFakeSwapStore()
	v := newFakeVault()
	require.NoError(t, v.Put(swap.SwapID, [32]byte{9, 9, 9}))

	tokenChain := &fakeTokenChain{lockResult: &chain.TokenLock{Signature: "cp-token-lock", Amount: coins.USDCAmount(swap.TokenAmount)}}
	privateChain := &fakePrivateChain{lockResult: &chain.PrivateLock{TxHash: "maker-private-lock", Amount: coins.PiconeroAmount(swap.PrivateAmount)}}
	pool := watcher.NewPool(watcher.DefaultConfig(), tokenChain, privateChain, 8)

	d := newDriver(context.Background(), testConfig(), store, v, tokenChain, privateChain, pool, swap, maker)
	t.Cleanup(d.cancel)
	go d.Run()

	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.TokenLockSeen}
	waitForState(t, d, common.LockedOne, time.Second)
	require.Equal(t, 1, privateChain.lockCalls)

	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.PrivateLockSeen}
	waitForState(t, d, common.Completed, time.Second)

	require.Equal(t, 1, tokenChain.published)
	require.NotContains(t, v.secrets, swap.SwapID)
}

// TestDriverFailMismatchedLock verifies the safety rule of the engine's
// transition table: a counterparty lock whose amount drifts too far never
// advances the state machine or reveals the secret, and — since the maker
// has nothing of its own at risk yet in this TokenToPrivate/Quoted case —
// the swap terminates immediately rather than waiting on a deadline branch
// that can never fire from Quoted.
func TestDriverFailMismatchedLock(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.TokenToPrivate)
	store := newFakeSwapStore()
	v := newFakeVault()

	tokenChain := &fakeTokenChain{lockResult: &chain.TokenLock{Signature: "cp-token-lock", Amount: coins.USDCAmount(1)}} // wildly off
	privateChain := &fakePrivateChain{}
	pool := watcher.NewPool(watcher.DefaultConfig(), tokenChain, privateChain, 8)

	d := newDriver(context.Background(), testConfig(), store, v, tokenChain, privateChain, pool, swap, maker)
	t.Cleanup(d.cancel)
	go d.Run()

	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.TokenLockSeen}

	waitForState(t, d, common.Failed, time.Second)
	require.Equal(t, common.FailureMismatchedLock, d.Swap().FailureKind)
}

// TestDriverFailMismatchedHashLock verifies the safety rule also binds on
// the hash-lock, not just the amount: a counterparty lock with the right
// amount but the wrong hash-lock must still fail the swap rather than
// advance it.
func TestDriverFailMismatchedHashLock(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.TokenToPrivate)
	swap.SecretHash = common.Hash{0xaa}
	store := newFakeSwapStore()
	v := newFakeVault()

	tokenChain := &fakeTokenChain{lockResult: &chain.TokenLock{
		Signature: "cp-token-lock",
		Amount:    coins.USDCAmount(swap.TokenAmount),
		HashLock:  common.Hash{0xbb}, // does not match swap.SecretHash
	}}
	privateChain := &fakePrivateChain{}
	pool := watcher.NewPool(watcher.DefaultConfig(), tokenChain, privateChain, 8)

	d := newDriver(context.Background(), testConfig(), store, v, tokenChain, privateChain, pool, swap, maker)
	t.Cleanup(d.cancel)
	go d.Run()

	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.TokenLockSeen}

	waitForState(t, d, common.Failed, time.Second)
	require.Equal(t, common.FailureMismatchedLock, d.Swap().FailureKind)
}

// TestDriverRefundExhaustion exercises spec §4.7's terminal Failed(RefundStuck)
// after the backoff cap is exhausted, and confirms the legalNext fix that
// allows LockedOne -> Failed.
func TestDriverRefundExhaustion(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.PrivateToToken) // maker holds the token lock
	swap.State = common.LockedOne
	store := newFakeSwapStore()
	require.NoError(t, store.PutSwap(swap))
	v := newFakeVault()

	tokenChain := &fakeTokenChain{refundErr: common.ErrChainUnreachable}
	privateChain := &fakePrivateChain{}
	pool := watcher.NewPool(watcher.DefaultConfig(), tokenChain, privateChain, 8)

	d := newDriver(context.Background(), testConfig(), store, v, tokenChain, privateChain, pool, swap, maker)
	t.Cleanup(d.cancel)
	d.tokenLock = &chain.TokenLock{Signature: "maker-token-lock"}

	go d.Run()
	d.Inbox() <- watcher.Event{SwapID: swap.SwapID, Kind: watcher.DeadlineOneReached}

	waitForState(t, d, common.Failed, time.Second)
	require.Equal(t, common.FailureRefundStuck, d.Swap().FailureKind)
	require.GreaterOrEqual(t, tokenChain.refundCalls, testConfig().RefundMaxAttempts)
}

// TestDriverIgnoresEventsThatDontApplyToCurrentState is spec §8 property 5:
// replaying an already-applied observation must not re-trigger its side
// effect or move the state machine again.
func TestDriverIgnoresEventsThatDontApplyToCurrentState(t *testing.T) {
	maker, _ := newTestKeys(t)
	swap := newTestSwap(t, common.TokenToPrivate)
	store := newFakeSwapStore()
	v := newFakeVault()

	tokenChain := &fakeTokenChain{lockResult: &chain.TokenLock{Signature: "cp-token-lock", Amount: coins.USDCAmount(swap.TokenAmount)}}
	privateChain := &fakePrivateChain{}
	pool := watcher.NewPool(watcher.DefaultConfig(), tokenChain, privateChain, 8)

	d := newDriver(context.Background(), testConfig(), store, v, tokenChain, privateChain, pool, swap, maker)
	t.Cleanup(d.cancel)
	go d.Run()

	ev := watcher.Event{SwapID: swap.SwapID, Kind: watcher.TokenLockSeen}
	d.Inbox() <- ev
	waitForState(t, d, common.LockedOne, time.Second)
	require.Equal(t, 1, privateChain.lockCalls)

	// Replaying the same TokenLockSeen event once the driver has already
	// moved past Quoted must be a no-op: it is not one of the cases
	// handled for state LockedOne.
	d.Inbox() <- ev
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, common.LockedOne, d.Swap().State)
	require.Equal(t, 1, privateChain.lockCalls)
}
