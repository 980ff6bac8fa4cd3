// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package watcher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/adaptor"
)

var log = logging.Logger("watcher")

// Config tunes the pool's polling cadence and the confirmation depth
// (spec §4.6) each lock must accrue before it is reported as seen.
type Config struct {
	PollInterval time.Duration
	MaxJitter    time.Duration
	// TokenChainConfirmations is the required depth on the token chain
	// before a lock is reported (spec §4.6: "1 finalized slot").
	TokenChainConfirmations uint64
	// PrivateChainConfirmations is the required depth on the private chain
	// (spec §4.6: "10 blocks").
	PrivateChainConfirmations uint64
}

// DefaultConfig mirrors the teacher's EventFilter poll loop's cadence of a
// few seconds, with modest jitter so many swaps don't all poll in lockstep.
func DefaultConfig() Config {
	return Config{
		PollInterval:              5 * time.Second,
		MaxJitter:                 2 * time.Second,
		TokenChainConfirmations:   1,
		PrivateChainConfirmations: 10,
	}
}

// swap bundles the identifiers a watcher needs to know what to look for.
type Swap struct {
	SwapID             common.Hash
	TokenLockArtifact  string // empty until observed
	PrivateSubaddress  string
	DeadlineOne        time.Time
	DeadlineTwo        time.Time
	// ClaimPresig is non-nil only for swaps where the maker placed its own
	// token lock (PrivateToToken): it lets the post-lock claim watcher
	// extract the adaptor secret from whatever completed signature
	// eventually lands in a claim transaction.
	ClaimPresig *adaptor.Presignature
}

// Pool runs, for each watched swap, one goroutine per chain plus a
// deadline ticker, fanning Events into a single output channel the engine
// consumes.
type Pool struct {
	cfg          Config
	tokenChain   chain.TokenChain
	privateChain chain.PrivateChain

	eventCh chan Event

	mu      sync.Mutex
	seen    map[dedupeKey]struct{}
	cancels map[common.Hash]context.CancelFunc
}

// NewPool constructs a Pool. eventChSize bounds how many undelivered
// events may queue; once the channel is full, emit drops further events
// rather than blocking the watcher, matching the teacher's bounded-channel
// pattern for its log watchers ("we just don't want the watcher to block
// on writing" indefinitely).
func NewPool(cfg Config, tokenChain chain.TokenChain, privateChain chain.PrivateChain, eventChSize int) *Pool {
	return &Pool{
		cfg:          cfg,
		tokenChain:   tokenChain,
		privateChain: privateChain,
		eventCh:      make(chan Event, eventChSize),
		seen:         make(map[dedupeKey]struct{}),
		cancels:      make(map[common.Hash]context.CancelFunc),
	}
}

// Events returns the pool's fan-in channel.
func (p *Pool) Events() <-chan Event {
	return p.eventCh
}

// Watch starts watching sw until Unwatch is called or ctx is cancelled.
func (p *Pool) Watch(ctx context.Context, sw Swap) {
	watchCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if old, ok := p.cancels[sw.SwapID]; ok {
		old()
	}
	p.cancels[sw.SwapID] = cancel
	p.mu.Unlock()

	go p.runTokenWatcher(watchCtx, sw)
	go p.runPrivateWatcher(watchCtx, sw)
	go p.runDeadlineTicker(watchCtx, sw)
}

// Unwatch stops all watchers for a swap, called once it reaches a terminal
// state.
func (p *Pool) Unwatch(swapID common.Hash) {
	p.mu.Lock()
	cancel, ok := p.cancels[swapID]
	delete(p.cancels, swapID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) emit(e Event) {
	key := e.dedupeKey()

	p.mu.Lock()
	if _, dup := p.seen[key]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.eventCh <- e:
	default:
		log.Warnf("watcher event channel full, dropping delivery attempt for swap=%s kind=%s (dedup prevents resend)", e.SwapID, e.Kind)
	}
}

func (p *Pool) sleep(ctx context.Context) bool {
	jitter := time.Duration(0)
	if p.cfg.MaxJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(p.cfg.MaxJitter)))
	}
	select {
	case <-time.After(p.cfg.PollInterval + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) runTokenWatcher(ctx context.Context, sw Swap) {
	for {
		lock, err := p.tokenChain.ObserveLock(ctx, sw.SwapID)
		switch {
		case err == nil:
			if !p.waitForTokenConfirmations(ctx, sw.SwapID, lock) {
				return
			}
			p.emit(Event{SwapID: sw.SwapID, Kind: TokenLockSeen, ArtifactID: lock.Signature})
			if sw.ClaimPresig != nil {
				p.runTokenClaimWatcher(ctx, sw)
			}
			return
		case errors.Is(err, common.ErrLockNotFound):
			// not yet observed, keep polling
		case errors.Is(err, common.ErrChainUnreachable):
			p.emit(Event{SwapID: sw.SwapID, Kind: ChainUnreachable, Err: err})
		default:
			log.Warnf("token watcher error swap=%s: %s", sw.SwapID, err)
		}
		if !p.sleep(ctx) {
			return
		}
	}
}

// waitForTokenConfirmations blocks until lock has accrued the configured
// token-chain depth (spec §4.6), or ctx is cancelled.
func (p *Pool) waitForTokenConfirmations(ctx context.Context, swapID common.Hash, lock *chain.TokenLock) bool {
	for {
		n, err := p.tokenChain.Confirmations(ctx, lock)
		if err != nil {
			log.Warnf("token confirmations check failed swap=%s: %s", swapID, err)
		} else if n >= p.cfg.TokenChainConfirmations {
			return true
		}
		if !p.sleep(ctx) {
			return false
		}
	}
}

// runTokenClaimWatcher is the post-lock continuation spec §4.5 requires for
// the direction where the maker placed its own token lock (PrivateToToken):
// it keeps polling for the counterparty's claim transaction and, once one
// lands, extracts the adaptor secret from it, without which scenario S4
// (maker locks token, counterparty claims, maker sweeps XMR) can never
// complete.
func (p *Pool) runTokenClaimWatcher(ctx context.Context, sw Swap) {
	for {
		txSig, err := p.tokenChain.ObserveClaim(ctx, sw.SwapID)
		switch {
		case err == nil:
			raw, extractErr := p.tokenChain.ExtractFromClaim(ctx, txSig)
			if extractErr != nil {
				log.Warnf("swap=%s failed to extract claim signature: %s", sw.SwapID, extractErr)
				break
			}
			if len(raw) != 64 {
				log.Warnf("swap=%s claim signature has unexpected length %d", sw.SwapID, len(raw))
				return
			}
			sig := &adaptor.Signature{R: raw[:32], S: raw[32:]}
			secret, secretErr := adaptor.ExtractSecret(sw.ClaimPresig, sig)
			if secretErr != nil {
				log.Warnf("swap=%s failed to extract secret from claim: %s", sw.SwapID, secretErr)
				return
			}
			p.emit(Event{SwapID: sw.SwapID, Kind: AdaptorPublished, ArtifactID: txSig, Secret: secret})
			return
		case errors.Is(err, common.ErrLockNotFound):
			// claim not yet observed, keep polling
		case errors.Is(err, common.ErrChainUnreachable):
			p.emit(Event{SwapID: sw.SwapID, Kind: ChainUnreachable, Err: err})
		default:
			log.Warnf("claim watcher error swap=%s: %s", sw.SwapID, err)
		}
		if !p.sleep(ctx) {
			return
		}
	}
}

func (p *Pool) runPrivateWatcher(ctx context.Context, sw Swap) {
	if sw.PrivateSubaddress == "" {
		return
	}
	for {
		lock, err := p.privateChain.ObserveLock(ctx, sw.SwapID, sw.PrivateSubaddress)
		switch {
		case err == nil:
			if !p.waitForPrivateConfirmations(ctx, sw.SwapID, lock) {
				return
			}
			p.emit(Event{SwapID: sw.SwapID, Kind: PrivateLockSeen, ArtifactID: lock.TxHash})
			return
		case errors.Is(err, common.ErrLockNotFound):
		case errors.Is(err, common.ErrChainUnreachable):
			p.emit(Event{SwapID: sw.SwapID, Kind: ChainUnreachable, Err: err})
		default:
			log.Warnf("private watcher error swap=%s: %s", sw.SwapID, err)
		}
		if !p.sleep(ctx) {
			return
		}
	}
}

// waitForPrivateConfirmations blocks until lock has accrued the configured
// private-chain depth (spec §4.6), or ctx is cancelled.
func (p *Pool) waitForPrivateConfirmations(ctx context.Context, swapID common.Hash, lock *chain.PrivateLock) bool {
	for {
		n, err := p.privateChain.Confirmations(ctx, lock)
		if err != nil {
			log.Warnf("private confirmations check failed swap=%s: %s", swapID, err)
		} else if n >= p.cfg.PrivateChainConfirmations {
			return true
		}
		if !p.sleep(ctx) {
			return false
		}
	}
}

// runDeadlineTicker emits DeadlineOneReached/DeadlineTwoReached exactly
// once each, the "single deadline ticker" spec §4.5 describes shared
// across a swap's two chain watchers.
func (p *Pool) runDeadlineTicker(ctx context.Context, sw Swap) {
	oneFired, twoFired := sw.DeadlineOne.IsZero(), sw.DeadlineTwo.IsZero()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !oneFired && !now.Before(sw.DeadlineOne) {
				oneFired = true
				p.emit(Event{SwapID: sw.SwapID, Kind: DeadlineOneReached})
			}
			if !twoFired && !now.Before(sw.DeadlineTwo) {
				twoFired = true
				p.emit(Event{SwapID: sw.SwapID, Kind: DeadlineTwoReached})
			}
			if oneFired && twoFired {
				return
			}
		}
	}
}
