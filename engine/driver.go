// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/adaptor"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/monero"
	"github.com/madschristensen99/svm-xmr-atomic-swap/db"
	"github.com/madschristensen99/svm-xmr-atomic-swap/vault"
	"github.com/madschristensen99/svm-xmr-atomic-swap/watcher"
)

var log = logging.Logger("engine")

// Keys bundles the per-swap session key material the driver needs, handed
// in at construction time by the Manager (which owns key generation so
// that tests can substitute deterministic keys). This plays the role the
// teacher's generateAndSetKeys/setXMRTakerKeys pair plays inside swapState.
type Keys struct {
	TokenClaimPriv  *adaptor.PrivateKey
	TokenClaimPub   *adaptor.PublicKey
	MoneroKeys      *monero.PrivateKeyPair
	CounterpartyTokenPub  *adaptor.PublicKey
	CounterpartyMoneroPub *monero.PublicKeyPair
}

// driver is the per-swap task of spec §5: it owns its swap row exclusively
// and advances it through the state machine of spec §4.6. It generalises
// the teacher's protocol/xmrmaker.swapState, which plays the identical role
// for a single ETH/XMR swap.
type driver struct {
	cfg   Config
	store db.SwapStore
	vault vault.Vault

	tokenChain   chain.TokenChain
	privateChain chain.PrivateChain
	pool         *watcher.Pool

	keys Keys

	ctx    context.Context
	cancel context.CancelFunc

	inbox chan watcher.Event
	done  chan struct{}

	mu   sync.Mutex
	swap *db.Swap

	// tokenLock/privateLock cache the observed lock artifacts so the
	// safety rule and the payout step don't need to re-query the chain.
	tokenLock   *chain.TokenLock
	privateLock *chain.PrivateLock

	subaddress string
	presig     *adaptor.Presignature
}

func newDriver(
	parentCtx context.Context,
	cfg Config,
	store db.SwapStore,
	v vault.Vault,
	tokenChain chain.TokenChain,
	privateChain chain.PrivateChain,
	pool *watcher.Pool,
	swap *db.Swap,
	keys Keys,
) *driver {
	ctx, cancel := context.WithCancel(parentCtx)
	return &driver{
		cfg:          cfg,
		store:        store,
		vault:        v,
		tokenChain:   tokenChain,
		privateChain: privateChain,
		pool:         pool,
		keys:         keys,
		ctx:          ctx,
		cancel:       cancel,
		inbox:        make(chan watcher.Event, cfg.InboxSize),
		done:         make(chan struct{}),
		swap:         swap,
	}
}

// Inbox returns the driver's event inbox, fed by the Manager's event
// router as it demultiplexes the pool's single fan-in channel.
func (d *driver) Inbox() chan<- watcher.Event {
	return d.inbox
}

// Done closes once the driver reaches a terminal state and exits.
func (d *driver) Done() <-chan struct{} {
	return d.done
}

// Swap returns a snapshot of the driver's swap row.
func (d *driver) Swap() *db.Swap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.swap.Clone()
}

// Run is the driver's task body (spec §5: "one task per active swap").
// It resumes from whatever state the row was in when constructed,
// satisfying the crash-recovery requirement of spec §8 property 6.
func (d *driver) Run() {
	defer close(d.done)

	if err := d.resume(); err != nil {
		log.Errorf("swap=%s failed to resume: %s", d.swap.SwapID, err)
		d.fail(common.FailureInvariantBroken)
		return
	}

	for {
		d.mu.Lock()
		state := d.swap.State
		d.mu.Unlock()

		if state.IsTerminal() {
			d.pool.Unwatch(d.swap.SwapID)
			return
		}

		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.inbox:
			d.handle(ev)
		}
	}
}

// resume re-arms watches and, for PrivateToToken, either reloads the
// maker's token-claim presignature from the swap row (when one was
// persisted) or, while the row is still Quoted, places the maker's own
// token lock and builds that presignature. A PrivateToToken swap past
// Quoted with no persisted presignature gets neither on resume.
func (d *driver) resume() error {
	d.mu.Lock()
	sw := d.swap.Clone()
	d.mu.Unlock()

	if d.ownLeg() == legToken {
		switch {
		case len(sw.TokenClaimPresignature) == 64:
			d.presig = &adaptor.Presignature{
				RPrime: append([]byte(nil), sw.TokenClaimPresignature[:32]...),
				STilde: append([]byte(nil), sw.TokenClaimPresignature[32:]...),
			}
		case sw.State == common.Quoted:
			if err := d.lockOwnToken(); err != nil {
				return err
			}
		}
	}

	d.pool.Watch(d.ctx, watcher.Swap{
		SwapID:            sw.SwapID,
		PrivateSubaddress: sw.PrivateDestination,
		DeadlineOne:       sw.ExpiresAtOne,
		DeadlineTwo:       sw.ExpiresAtTwo,
		ClaimPresig:       d.presig,
	})

	return nil
}

type leg int

const (
	legToken leg = iota
	legPrivate
)

// ownLeg reports which chain the maker locks first. Both directions lock
// the token chain first (see DESIGN.md): for PrivateToToken the maker is
// that first locker; for TokenToPrivate the counterparty is, so the
// maker's "own" first action is none — it only acts once LockedOne is
// reached.
func (d *driver) ownLeg() leg {
	if d.swap.Direction == common.PrivateToToken {
		return legToken
	}
	return legPrivate
}

func (d *driver) lockOwnToken() error {
	lock, err := d.tokenChain.Lock(d.ctx, d.swap.SwapID, coins.USDCAmount(d.swap.TokenAmount), d.swap.SecretHash, d.keys.TokenClaimPub.Bytes(), d.keys.CounterpartyTokenPub.Bytes())
	if err != nil {
		return fmt.Errorf("lock own token leg: %w", err)
	}
	d.tokenLock = lock

	presig, err := d.buildClaimPresignature()
	if err != nil {
		return fmt.Errorf("presign own token claim: %w", err)
	}
	d.presig = presig

	d.mu.Lock()
	d.swap.TokenClaimPresignature = append(append([]byte(nil), presig.RPrime...), presig.STilde...)
	snapshot := d.swap.Clone()
	d.mu.Unlock()

	if err := d.store.PutSwap(snapshot); err != nil {
		return fmt.Errorf("persist own token presignature: %w", err)
	}
	return nil
}

// buildClaimPresignature produces the presignature a later claim completion
// on the maker's own token lock must be checked against (PrivateToToken
// only), so the post-lock claim watcher can extract the adaptor secret from
// whatever signature eventually lands. It only needs the adaptor point T,
// not the secret itself, so the vault-held secret is released immediately
// after deriving T.
func (d *driver) buildClaimPresignature() (*adaptor.Presignature, error) {
	sp, err := d.vault.Get(d.swap.SwapID)
	if err != nil {
		return nil, err
	}
	secret := sp.Secret()
	sp.Release()

	adaptorPoint, err := adaptor.AdaptorPoint(secret)
	if err != nil {
		return nil, err
	}
	return adaptor.AdaptorPresign(d.swap.SwapID[:], d.keys.TokenClaimPriv, adaptorPoint)
}

func (d *driver) lockOwnPrivate() error {
	lock, err := d.privateChain.Lock(d.ctx, d.swap.SwapID, coins.PiconeroAmount(d.swap.PrivateAmount), d.swap.PrivateDestination)
	if err != nil {
		return fmt.Errorf("lock own private leg: %w", err)
	}
	d.privateLock = lock
	return nil
}

// handle processes one watcher event, implementing the transition table of
// spec §4.6 plus the deduplication and tie-break rules that precede it
// (deduplication itself happens one layer up, in watcher.Pool; this method
// additionally ignores events that don't apply to the driver's current
// state, satisfying spec §8 property 5 for events the pool didn't already
// catch, e.g. a stale ChainUnreachable after recovery).
func (d *driver) handle(ev watcher.Event) {
	d.mu.Lock()
	state := d.swap.State
	d.mu.Unlock()

	switch ev.Kind {
	case watcher.ChainUnreachable:
		log.Warnf("swap=%s chain unreachable: %s", d.swap.SwapID, ev.Err)
		return
	case watcher.DeadlineOneReached:
		if state == common.LockedOne {
			d.refund(tokenLockHeldByMaker(d.swap.Direction))
		}
		return
	case watcher.DeadlineTwoReached:
		if state == common.LockedBoth {
			d.refund(privateLockHeldByMaker(d.swap.Direction))
		}
		return
	}

	switch state {
	case common.Quoted:
		if ev.Kind == watcher.TokenLockSeen {
			d.onTokenLockConfirmed(ev)
		}
	case common.LockedOne:
		if ev.Kind == watcher.PrivateLockSeen {
			d.onPrivateLockConfirmed(ev)
		}
	case common.LockedBoth:
		if ev.Kind == watcher.AdaptorPublished {
			d.onAdaptorPublished(ev)
		}
	case common.Revealed:
		// the post-reveal payout action is driven synchronously from
		// onAdaptorPublished/publishOwnAdaptor, not by further events.
	}
}

// onTokenLockConfirmed handles the first leg landing, regardless of
// whether the maker or the counterparty placed it.
func (d *driver) onTokenLockConfirmed(ev watcher.Event) {
	lock, err := d.tokenChain.ObserveLock(d.ctx, d.swap.SwapID)
	if err != nil {
		log.Warnf("swap=%s token lock vanished on re-check: %s", d.swap.SwapID, err)
		return
	}
	d.tokenLock = lock

	if d.ownLeg() == legToken {
		// maker placed this lock itself (PrivateToToken); no amount check
		// against a counterparty needed.
	} else {
		// TokenToPrivate: this is the counterparty's lock, and the maker
		// has nothing of its own locked yet. Apply the safety rule (spec
		// §4.6) before proceeding: the observed on-chain amount and
		// hash-lock must match what the swap row expects.
		if !coins.WithinToleranceUint64(d.swap.TokenAmount, uint64(lock.Amount), d.cfg.ToleranceBps) || lock.HashLock != d.swap.SecretHash {
			d.failMismatched(true)
			return
		}
	}

	d.transition(common.LockedOne)

	if d.ownLeg() == legPrivate {
		if err := d.lockOwnPrivate(); err != nil {
			log.Errorf("swap=%s failed to lock own private leg: %s", d.swap.SwapID, err)
		}
	}
}

// onPrivateLockConfirmed handles the second leg landing.
func (d *driver) onPrivateLockConfirmed(ev watcher.Event) {
	lock, err := d.privateChain.ObserveLock(d.ctx, d.swap.SwapID, d.swap.PrivateDestination)
	if err != nil {
		log.Warnf("swap=%s private lock vanished on re-check: %s", d.swap.SwapID, err)
		return
	}
	d.privateLock = lock

	if d.ownLeg() == legToken {
		// PrivateToToken: this is the counterparty's XMR lock, and the
		// maker's own token lock is already at risk. Safety rule: verify
		// amount before ever publishing/extracting an adaptor completion
		// against it. The one-time subaddress Monero paid into already
		// binds this lock to the swap (no separate hash-lock field exists
		// for the private leg, see chain.PrivateLock).
		if !coins.WithinToleranceUint64(d.swap.PrivateAmount, uint64(lock.Amount), d.cfg.ToleranceBps) {
			d.failMismatched(false)
			return
		}
	}

	d.transition(common.LockedBoth)

	if d.ownLeg() == legToken {
		// PrivateToToken: both legs now locked by their respective
		// owners; nothing further to do until the counterparty reveals
		// the adaptor by claiming the maker's token lock.
		return
	}

	// TokenToPrivate: the maker's own private lock just landed; it is
	// now safe to publish the adaptor completion and claim the
	// counterparty's token lock.
	d.publishOwnAdaptor()
}

// publishOwnAdaptor is only reached for TokenToPrivate, where the maker is
// the one who completes and publishes the adaptor signature.
func (d *driver) publishOwnAdaptor() {
	sp, err := d.vault.Get(d.swap.SwapID)
	if err != nil {
		log.Errorf("swap=%s failed to read secret for publish: %s", d.swap.SwapID, err)
		return
	}
	secret := sp.Secret()
	sp.Release()

	adaptorPoint, err := adaptor.AdaptorPoint(secret)
	if err != nil {
		d.failCrypto(err)
		return
	}
	presig, err := adaptor.AdaptorPresign(d.swap.SwapID[:], d.keys.TokenClaimPriv, adaptorPoint)
	if err != nil {
		d.failCrypto(err)
		return
	}
	sig, err := adaptor.AdaptorComplete(presig, secret)
	if err != nil {
		d.failCrypto(err)
		return
	}

	artifact, err := d.tokenChain.PublishAdaptorCompletion(d.ctx, d.swap.SwapID, d.tokenLock, append(sig.R, sig.S...))
	if err != nil {
		log.Errorf("swap=%s failed to publish adaptor completion: %s", d.swap.SwapID, err)
		return
	}

	d.mu.Lock()
	d.swap.TokenChainArtifact = artifact
	d.mu.Unlock()

	d.reveal(secret, "published adaptor completion to claim token lock")
}

// onAdaptorPublished handles both the tie-break rule ("an AdaptorPublished
// observed before the maker intended to publish is accepted") and the
// PrivateToToken direction's normal path, where the counterparty is always
// the one who publishes.
func (d *driver) onAdaptorPublished(ev watcher.Event) {
	if d.ownLeg() == legPrivate {
		// TokenToPrivate: the maker is supposed to be the publisher; if
		// this fires it's the tie-break case of an externally observed
		// completion landing first. Either way, extracting is safe and
		// idempotent since the dedup key already guards replays.
	}

	secret := ev.Secret
	d.reveal(secret, "extracted secret from observed adaptor completion")
}

// reveal transitions LockedBoth → Revealed, performs the driver's own
// post-reveal payout action, and transitions to Completed as soon as that
// action has been submitted; it does not wait for the payout to confirm on
// chain. If the XMR sweep fails, the swap stays in Revealed.
func (d *driver) reveal(secret [32]byte, reason string) {
	d.transition(common.Revealed)

	if err := d.vault.Erase(d.swap.SwapID, reason); err != nil {
		log.Warnf("swap=%s failed to erase secret: %s", d.swap.SwapID, err)
	}

	if d.ownLeg() == legToken {
		// PrivateToToken: now sweep the XMR the counterparty locked,
		// using secret as the missing half of the combined spend scalar.
		spendKey, err := monero.CombineSubaddressSpendKey(
			d.keys.MoneroKeys.Spend, d.keys.CounterpartyMoneroPub.Spend, secret, d.swap.SwapID,
		)
		if err != nil {
			d.failCrypto(err)
			return
		}
		artifact, err := d.privateChain.SpendTo(d.ctx, d.swap.SwapID, d.swap.PrivateDestination, spendKey.Bytes())
		if err != nil {
			log.Errorf("swap=%s failed to sweep private payout: %s", d.swap.SwapID, err)
			return
		}
		d.mu.Lock()
		d.swap.PrivateChainArtifact = artifact
		d.mu.Unlock()
	}

	d.transition(common.Completed)
}

// failMismatched implements the safety rule's failure branch (spec §4.6):
// no secret is ever revealed once a counterparty lock mismatches. terminal
// distinguishes the two call sites: when nothing of the maker's is at risk
// yet (the Quoted-state TokenToPrivate case), the swap has nothing to
// refund and must terminate immediately rather than wait on a deadline
// branch that only fires from LockedOne/LockedBoth and would otherwise
// never fire. When the maker's own funds are already locked, the existing
// deadline-driven refund still applies.
func (d *driver) failMismatched(terminal bool) {
	d.mu.Lock()
	d.swap.FailureKind = common.FailureMismatchedLock
	d.mu.Unlock()
	log.Errorf("swap=%s counterparty lock mismatched expected amount/hash-lock", d.swap.SwapID)

	if terminal {
		d.fail(common.FailureMismatchedLock)
	}
}

func (d *driver) failCrypto(err error) {
	d.mu.Lock()
	d.swap.FailureKind = common.FailureCryptoError
	d.mu.Unlock()
	log.Errorf("swap=%s fatal crypto error: %s", d.swap.SwapID, err)
	d.fail(common.FailureCryptoError)
}

func (d *driver) fail(kind common.FailureKind) {
	d.mu.Lock()
	d.swap.FailureKind = kind
	d.mu.Unlock()
	d.transition(common.Failed)
}

// refund implements spec §4.7: exponential backoff up to a cap, terminal
// Failed(RefundStuck) after the cap is exhausted.
func (d *driver) refund(makerHoldsToken bool) {
	b := newBackoff(d.cfg.RefundInitialBackoff, d.cfg.RefundMaxBackoff)

	for {
		var artifact string
		var err error
		if makerHoldsToken && d.tokenLock != nil {
			artifact, err = d.tokenChain.Refund(d.ctx, d.swap.SwapID, d.tokenLock, d.keys.TokenClaimPriv.Bytes())
		} else if !makerHoldsToken && d.privateLock != nil {
			// Own-leg XMR refund without the counterparty's secret half is
			// only reachable pre-handoff in a full two-key refund-branch
			// design; this path assumes privateChain exposes a refund
			// authority distinct from the shared subaddress spend key.
			artifact, err = d.privateChain.SpendTo(d.ctx, d.swap.SwapID, d.swap.PrivateDestination, d.keys.MoneroKeys.Spend.Bytes())
		} else {
			// maker never locked anything on its own leg; nothing to
			// refund.
			d.transition(common.Refunded)
			return
		}

		if err == nil {
			d.mu.Lock()
			if makerHoldsToken {
				d.swap.TokenChainArtifact = artifact
			} else {
				d.swap.PrivateChainArtifact = artifact
			}
			d.mu.Unlock()
			d.transition(common.Refunded)
			return
		}

		if b.Attempts() >= d.cfg.RefundMaxAttempts {
			log.Errorf("swap=%s refund permanently failed after %d attempts: %s", d.swap.SwapID, b.Attempts(), err)
			d.fail(common.FailureRefundStuck)
			return
		}

		delay := b.Next()
		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
			return
		}
	}
}

// transition commits a state change, persisting the row before returning —
// satisfying spec §5's ordering guarantee that persistence precedes any
// external side effect depending on the new state.
func (d *driver) transition(to common.State) {
	d.mu.Lock()
	from := d.swap.State
	if !common.CanTransition(from, to) {
		d.mu.Unlock()
		log.Errorf("swap=%s illegal transition %s -> %s, ignoring", d.swap.SwapID, from, to)
		return
	}
	d.swap.State = to
	d.swap.UpdatedAt = time.Now()
	snapshot := d.swap.Clone()
	d.mu.Unlock()

	if err := d.store.PutSwap(snapshot); err != nil {
		log.Errorf("swap=%s failed to persist transition to %s: %s", d.swap.SwapID, to, err)
	}
	log.Infof("swap=%s %s -> %s", d.swap.SwapID, from, to)
}

func tokenLockHeldByMaker(dir common.Direction) bool {
	return dir == common.PrivateToToken
}

func privateLockHeldByMaker(dir common.Direction) bool {
	return dir == common.TokenToPrivate
}
