// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package chain declares the two narrow collaborator interfaces the engine
// drives (spec §4.4): TokenChain for the USDC/Solana leg and PrivateChain
// for the XMR/Monero leg. Concrete implementations live in chain/solana and
// chain/monerochain; the engine itself only ever depends on these
// interfaces, mirroring the way the teacher's protocol/backend.Backend
// keeps the state machine decoupled from ethclient/monero-wallet-rpc.
package chain

import (
	"context"

	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

// TokenLock is the on-chain artifact produced by locking USDC.
type TokenLock struct {
	// Signature is the base58 transaction signature that created the lock.
	Signature string
	// Slot is the slot the lock landed in, used for confirmation counting.
	Slot uint64
	// Amount is the USDC amount actually escrowed, read back off chain so
	// the engine's safety rule (spec §4.6) can check it against the
	// amount the swap row expects without trusting its own cache.
	Amount coins.USDCAmount
	// HashLock is the secret hash the escrow instruction committed to,
	// read back off chain so the safety rule (spec §4.6) can bind the
	// observed lock to this swap's own SecretHash rather than amount
	// alone.
	HashLock common.Hash
}

// PrivateLock is the on-chain artifact produced by locking XMR into the
// shared 2-of-2 subaddress. Monero carries no on-chain hash-lock or script
// primitive, so the private leg's binding to a specific swap is the
// one-time subaddress itself (already unique per swap, spec §4.2) rather
// than a literal hash-lock field; ObserveLock's subaddress parameter plays
// that role.
type PrivateLock struct {
	// TxHash is the Monero transaction hash that funded the subaddress.
	TxHash string
	// Height is the block height the lock landed in.
	Height uint64
	// Amount is the piconero amount actually received.
	Amount coins.PiconeroAmount
}

// TokenChain is the USDC/Solana collaborator (spec §4.4).
type TokenChain interface {
	// Lock escrows amount USDC for swapID under hashLock, releasable only
	// by a signature valid under claimPub, or refundable by refundPub
	// after deadline.
	Lock(ctx context.Context, swapID common.Hash, amount coins.USDCAmount, hashLock common.Hash, claimPub, refundPub []byte) (*TokenLock, error)
	// ObserveLock polls for the counterparty's lock matching swapID,
	// returning common.ErrLockNotFound until one appears.
	ObserveLock(ctx context.Context, swapID common.Hash) (*TokenLock, error)
	// Confirmations returns how many confirmations a lock has accrued.
	Confirmations(ctx context.Context, lock *TokenLock) (uint64, error)
	// PublishAdaptorCompletion submits a completed adaptor signature to
	// claim a lock. The completed signature travels in the claim
	// instruction's data (the transaction's own signature is the payer's),
	// so observers can read it back from the confirmed tx via
	// ExtractFromClaim and extract the secret.
	PublishAdaptorCompletion(ctx context.Context, swapID common.Hash, lock *TokenLock, sig []byte) (string, error)
	// ObserveClaim polls for a claim instruction matching swapID, returning
	// its transaction signature once one lands, for handoff to
	// ExtractFromClaim. Returns common.ErrLockNotFound until one appears.
	ObserveClaim(ctx context.Context, swapID common.Hash) (string, error)
	// ExtractFromClaim recovers the counterparty's completed signature
	// from a claim transaction already observed on chain.
	ExtractFromClaim(ctx context.Context, txSignature string) ([]byte, error)
	// Refund reclaims amount back to refundPub once the deadline has
	// passed without a claim.
	Refund(ctx context.Context, swapID common.Hash, lock *TokenLock, refundSig []byte) (string, error)
}

// PrivateChain is the XMR/Monero collaborator (spec §4.4).
type PrivateChain interface {
	// Lock sends amount piconero to the shared subaddress for swapID.
	Lock(ctx context.Context, swapID common.Hash, amount coins.PiconeroAmount, subaddress string) (*PrivateLock, error)
	// ObserveLock polls the shared subaddress for an incoming transfer
	// funding swapID, returning common.ErrLockNotFound until one appears.
	ObserveLock(ctx context.Context, swapID common.Hash, subaddress string) (*PrivateLock, error)
	// Confirmations returns how many confirmations a lock has accrued.
	Confirmations(ctx context.Context, lock *PrivateLock) (uint64, error)
	// SpendTo sweeps the shared subaddress's balance to destination using
	// the now-complete spend key, the private-chain analogue of claim.
	SpendTo(ctx context.Context, swapID common.Hash, destination string, spendKey []byte) (string, error)
	// Height returns the current chain tip, used for deadline evaluation.
	Height(ctx context.Context) (uint64, error)
}
