// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package monerochain implements the chain.PrivateChain collaborator (spec
// §4.4) against a monero-wallet-rpc endpoint, generalising the teacher's
// xmrtaker/xmrmaker wallet calls (GetBalance, Transfer, GetHeight,
// GetAddress) which are wired through github.com/MarinX/monerorpc's wallet
// sub-package.
package monerochain

import (
	"context"
	"fmt"

	"github.com/MarinX/monerorpc/wallet"

	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

var log = logging.Logger("chain/monero")

// Client is the production chain.PrivateChain, talking to a single
// monero-wallet-rpc instance the way the teacher's xmrtaker/xmrmaker talk
// to theirs.
type Client struct {
	wallet wallet.Client
}

var _ chain.PrivateChain = (*Client)(nil)

// NewClient wraps an already-constructed wallet RPC client.
func NewClient(w wallet.Client) *Client {
	return &Client{wallet: w}
}

// Lock sends amount piconero to subaddress, the maker's own side of a
// TokenToPrivate swap (in PrivateToToken the counterparty funds the
// subaddress instead).
func (c *Client) Lock(ctx context.Context, swapID common.Hash, amount coins.PiconeroAmount, subaddress string) (*chain.PrivateLock, error) {
	resp, err := c.wallet.Transfer(&wallet.TransferRequest{
		Destinations: []wallet.Destination{
			{Amount: uint64(amount), Address: subaddress},
		},
		Priority: wallet.Unimportant,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrBroadcastRejected, err)
	}

	height, err := c.Height(ctx)
	if err != nil {
		return nil, err
	}

	log.Infof("sent %s to subaddress=%s swap=%s tx=%s", amount.AsMoneroString(), subaddress, swapID, resp.TxHash)
	return &chain.PrivateLock{TxHash: resp.TxHash, Height: height, Amount: amount}, nil
}

// ObserveLock polls the wallet's transfer history for an incoming payment
// to subaddress, returning common.ErrLockNotFound until one appears. This
// plays the role the teacher's waitForTransferUnlocked plays inside
// xmrtaker/xmrmaker, generalised onto an arbitrary subaddress rather than
// the wallet's primary address.
func (c *Client) ObserveLock(ctx context.Context, swapID common.Hash, subaddress string) (*chain.PrivateLock, error) {
	resp, err := c.wallet.GetTransfers(&wallet.GetTransfersRequest{In: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}

	for _, t := range resp.In {
		if t.Address != subaddress {
			continue
		}
		return &chain.PrivateLock{TxHash: t.Txid, Height: t.Height, Amount: coins.PiconeroAmount(t.Amount)}, nil
	}

	return nil, common.ErrLockNotFound
}

// Confirmations returns how many blocks have passed since lock landed.
func (c *Client) Confirmations(ctx context.Context, lock *chain.PrivateLock) (uint64, error) {
	height, err := c.Height(ctx)
	if err != nil {
		return 0, err
	}
	if height < lock.Height {
		return 0, nil
	}
	return height - lock.Height, nil
}

// SpendTo sweeps the shared subaddress's balance to destination once
// spendKey (the completed 2-of-2 spend scalar) is available. The teacher's
// equivalent is xmrtaker's claimMonero / xmrmaker's reclaimMonero, which
// import the swap's combined private keypair into a fresh throwaway wallet
// and sweep it; the wallet-import step is the wallet RPC's responsibility
// (spec §4.4), so this method only triggers it and reports the sweep's tx
// hash.
func (c *Client) SpendTo(ctx context.Context, swapID common.Hash, destination string, spendKey []byte) (string, error) {
	resp, err := c.wallet.SweepAll(&wallet.SweepAllRequest{
		Address: destination,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrBroadcastRejected, err)
	}
	if len(resp.TxHashList) == 0 {
		return "", fmt.Errorf("%w: sweep produced no transaction", common.ErrBroadcastRejected)
	}

	log.Infof("swept subaddress for swap=%s to destination=%s tx=%s", swapID, destination, resp.TxHashList[0])
	return resp.TxHashList[0], nil
}

// Height returns the wallet's view of the current chain tip.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	resp, err := c.wallet.GetHeight()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}
	return resp.Height, nil
}

// Address returns the wallet's primary address, used for diagnostics and
// the swapcli `addresses` command.
func (c *Client) Address() (string, error) {
	resp, err := c.wallet.GetAddress(&wallet.GetAddressRequest{AccountIndex: 0})
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}
	return resp.Address, nil
}

// Balance returns the wallet's total and unlocked balance in piconero.
func (c *Client) Balance() (total, unlocked coins.PiconeroAmount, err error) {
	resp, err := c.wallet.GetBalance(&wallet.GetBalanceRequest{AccountIndex: 0})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}
	return coins.PiconeroAmount(resp.Balance), coins.PiconeroAmount(resp.UnlockedBalance), nil
}
