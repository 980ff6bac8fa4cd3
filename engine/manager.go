// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/adaptor"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/monero"
	"github.com/madschristensen99/svm-xmr-atomic-swap/db"
	"github.com/madschristensen99/svm-xmr-atomic-swap/quote"
	"github.com/madschristensen99/svm-xmr-atomic-swap/vault"
	"github.com/madschristensen99/svm-xmr-atomic-swap/watcher"
)

// Manager owns the set of active swap drivers, generalising the teacher's
// protocol/swap.Manager (ongoing/past bookkeeping over chaindb) onto the
// two-chain Swap row and its per-swap driver task.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg   Config
	store db.Store
	vault vault.Vault

	tokenChain   chain.TokenChain
	privateChain chain.PrivateChain
	pool         *watcher.Pool

	mu      sync.RWMutex
	drivers map[common.Hash]*driver
}

// NewManager constructs a Manager and resumes every ongoing swap found in
// the store (spec §8 property 6: crash recovery), each under its own
// driver task.
func NewManager(
	ctx context.Context,
	cfg Config,
	store db.Store,
	v vault.Vault,
	tokenChain chain.TokenChain,
	privateChain chain.PrivateChain,
) (*Manager, error) {
	mctx, cancel := context.WithCancel(ctx)

	wcfg := watcher.DefaultConfig()
	wcfg.TokenChainConfirmations = cfg.TokenChainConfirmations
	wcfg.PrivateChainConfirmations = cfg.PrivateChainConfirmations
	pool := watcher.NewPool(wcfg, tokenChain, privateChain, 64)

	m := &Manager{
		ctx:          mctx,
		cancel:       cancel,
		cfg:          cfg,
		store:        store,
		vault:        v,
		tokenChain:   tokenChain,
		privateChain: privateChain,
		pool:         pool,
		drivers:      make(map[common.Hash]*driver),
	}

	go m.routeEvents()

	stored, err := store.GetAllSwaps()
	if err != nil {
		return nil, err
	}
	for _, sw := range stored {
		if !sw.IsOngoing() {
			continue
		}
		keys, err := m.loadKeys(sw)
		if err != nil {
			log.Errorf("swap=%s failed to rebuild keys on resume, skipping: %s", sw.SwapID, err)
			continue
		}
		m.spawn(sw, keys)
	}

	return m, nil
}

// session key sub-ids: the vault only ever seals a single 32-byte secret
// per key, so each of the maker's three session scalars (the token claim
// key, and the Monero spend/view keys) is sealed under a swap_id tweaked
// by a domain separator, keeping the vault's Put/Get/Erase contract
// unchanged (spec §4.2) while still making every restart fully
// recoverable (spec §8 property 6) — not just watch state, but the actual
// ability to publish and claim.
func sessionKeyID(swapID common.Hash, label string) common.Hash {
	return common.Sha256Hash(append(append([]byte(nil), swapID[:]...), []byte(label)...))
}

var (
	labelTokenClaim  = "session/token-claim"
	labelMoneroSpend = "session/monero-spend"
	labelMoneroView  = "session/monero-view"
)

// storeKeys seals the maker's session private keys for swapID, called once
// when the swap is proposed.
func (m *Manager) storeKeys(swapID common.Hash, keys Keys) error {
	if err := m.vault.Put(sessionKeyID(swapID, labelTokenClaim), to32(keys.TokenClaimPriv.Bytes())); err != nil {
		return err
	}
	if err := m.vault.Put(sessionKeyID(swapID, labelMoneroSpend), to32(keys.MoneroKeys.Spend.Bytes())); err != nil {
		return err
	}
	if err := m.vault.Put(sessionKeyID(swapID, labelMoneroView), to32(keys.MoneroKeys.View.Bytes())); err != nil {
		return err
	}
	return nil
}

func to32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// loadKeys rebuilds the Keys a resumed driver needs, both the counterparty's
// public key (persisted in the clear on the swap row, spec §3) and the
// maker's own session private keys (sealed in the vault).
func (m *Manager) loadKeys(sw *db.Swap) (Keys, error) {
	var keys Keys

	if len(sw.CounterpartyEd25519PublicKey) > 0 {
		pub, err := adaptor.ParsePublicKey(sw.CounterpartyEd25519PublicKey)
		if err != nil {
			return keys, err
		}
		keys.CounterpartyTokenPub = pub
	}

	tokenClaimSP, err := m.vault.Get(sessionKeyID(sw.SwapID, labelTokenClaim))
	if err != nil {
		return keys, err
	}
	defer tokenClaimSP.Release()
	tokenClaimPriv, tokenClaimPub, err := adaptor.KeyPairFromScalar(tokenClaimSP.Secret())
	if err != nil {
		return keys, err
	}
	keys.TokenClaimPriv = tokenClaimPriv
	keys.TokenClaimPub = tokenClaimPub

	spendSP, err := m.vault.Get(sessionKeyID(sw.SwapID, labelMoneroSpend))
	if err != nil {
		return keys, err
	}
	defer spendSP.Release()
	viewSP, err := m.vault.Get(sessionKeyID(sw.SwapID, labelMoneroView))
	if err != nil {
		return keys, err
	}
	defer viewSP.Release()

	moneroKeys, err := monero.KeysFromScalars(spendSP.Secret(), viewSP.Secret())
	if err != nil {
		return keys, err
	}
	keys.MoneroKeys = moneroKeys

	return keys, nil
}

// Propose creates a new swap row from an accepted quote and spawns its
// driver, implementing the handoff between quote.Service.Accept and the
// engine (spec §4.3 → §4.6).
func (m *Manager) Propose(
	q *quote.Quote,
	counterpartyTokenPub []byte,
	counterpartyMoneroPub *monero.PublicKeyPair,
	destination string,
) (*db.Swap, error) {
	now := time.Now()

	tokenPriv, tokenPub, err := adaptor.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	moneroKeys, err := monero.GenerateKeys()
	if err != nil {
		return nil, err
	}

	sharedPub := monero.SumSpendAndViewKeys(moneroKeys.PublicKeyPair(), counterpartyMoneroPub)
	subSpend, err := monero.DeriveSubaddress(sharedPub.Spend, q.ProvisionalSwapID)
	if err != nil {
		return nil, err
	}
	subaddrPub := &monero.PublicKeyPair{Spend: subSpend, View: sharedPub.View}
	subaddress := monero.Address(common.Mainnet, subaddrPub)

	sw := &db.Swap{
		SwapID:                       q.ProvisionalSwapID,
		QuoteID:                      q.QuoteID,
		Direction:                    q.Direction,
		TokenAmount:                  uint64(q.TokenAmount),
		PrivateAmount:                uint64(q.PrivateAmount),
		SecretHash:                   q.SecretHash,
		PrivateDestination:           subaddress,
		CounterpartyPublicKey:        counterpartyTokenPub,
		State:                        common.Quoted,
		CreatedAt:                    now,
		UpdatedAt:                    now,
		ExpiresAtOne:                 now.Add(m.cfg.DeadlineOneOffset),
		ExpiresAtTwo:                 now.Add(m.cfg.DeadlineTwoOffset),
		MakerEd25519PublicKey:        tokenPub.Bytes(),
		CounterpartyEd25519PublicKey: counterpartyTokenPub,
	}

	if sw.ExpiresAtTwo.Sub(sw.ExpiresAtOne) < m.cfg.SafetyMargin {
		return nil, common.ErrInvariantViolated
	}

	if err := m.store.PutSwap(sw); err != nil {
		return nil, err
	}

	keys := Keys{
		TokenClaimPriv:        tokenPriv,
		TokenClaimPub:         tokenPub,
		MoneroKeys:            moneroKeys,
		CounterpartyTokenPub:  mustParseAdaptorPub(counterpartyTokenPub),
		CounterpartyMoneroPub: counterpartyMoneroPub,
	}

	if err := m.storeKeys(sw.SwapID, keys); err != nil {
		return nil, err
	}

	m.spawn(sw, keys)
	return sw, nil
}

func mustParseAdaptorPub(b []byte) *adaptor.PublicKey {
	pub, err := adaptor.ParsePublicKey(b)
	if err != nil {
		return nil
	}
	return pub
}

func (m *Manager) spawn(sw *db.Swap, keys Keys) {
	d := newDriver(m.ctx, m.cfg, m.store, m.vault, m.tokenChain, m.privateChain, m.pool, sw, keys)

	m.mu.Lock()
	m.drivers[sw.SwapID] = d
	m.mu.Unlock()

	go d.Run()
	go func() {
		<-d.Done()
		m.mu.Lock()
		delete(m.drivers, sw.SwapID)
		m.mu.Unlock()

		for _, label := range []string{labelTokenClaim, labelMoneroSpend, labelMoneroView} {
			if err := m.vault.Erase(sessionKeyID(sw.SwapID, label), "swap reached terminal state"); err != nil {
				log.Warnf("swap=%s failed to erase session key %q: %s", sw.SwapID, label, err)
			}
		}
	}()
}

// routeEvents demultiplexes the watcher pool's single fan-in channel to
// each swap's driver inbox, the concrete realisation of spec §4.5's "fan
// into the engine's per-swap inbox".
func (m *Manager) routeEvents() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.pool.Events():
			if !ok {
				return
			}
			m.mu.RLock()
			d, has := m.drivers[ev.SwapID]
			m.mu.RUnlock()
			if !has {
				continue
			}
			select {
			case d.Inbox() <- ev:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// GetSwap returns the full swap row (callers take the public view with
// Project), checking the live drivers first (freshest state) and falling
// back to the store.
func (m *Manager) GetSwap(id common.Hash) (*db.Swap, error) {
	m.mu.RLock()
	d, has := m.drivers[id]
	m.mu.RUnlock()
	if has {
		return d.Swap(), nil
	}
	return m.store.GetSwap(id)
}

// Shutdown cancels every driver cooperatively (spec §5: "cancellation is
// cooperative: the driver finishes its current transition").
func (m *Manager) Shutdown() {
	m.cancel()
}
