// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package solana implements the chain.TokenChain collaborator (spec §4.4)
// against USDC on Solana, generalising the teacher's ethereum/ package
// (which talks to the SwapCreator contract over ethclient) onto
// github.com/gagliardetto/solana-go. The on-chain escrow program itself is
// out of scope (spec §1 Non-goals); this client only ever builds,
// sends, and observes instructions against a program ID supplied at
// construction time.
package solana

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

var log = logging.Logger("chain/solana")

// instruction discriminants for the escrow program, analogous to the
// function selectors the teacher packs via the SwapCreator ABI.
const (
	ixLock    byte = 0
	ixClaim   byte = 1
	ixRefund  byte = 2
	pollDelay      = 3 * time.Second
)

// Client is the production chain.TokenChain, talking to a single RPC
// endpoint the same way the teacher's ethclient.Client talks to one geth
// node.
type Client struct {
	rpc       *rpc.Client
	programID solana.PublicKey
	usdcMint  solana.PublicKey
	payer     signer
}

var _ chain.TokenChain = (*Client)(nil)

// signer abstracts who actually signs outgoing transactions: either a
// locally-held PrivateKey or the channel-based ExternalSigner (spec §4.4's
// "Alice signs one transaction" flow).
type signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// NewClient dials rpcEndpoint and returns a Client for the given escrow
// program and USDC mint.
func NewClient(rpcEndpoint string, programID, usdcMint solana.PublicKey, payer signer) *Client {
	return &Client{
		rpc:       rpc.New(rpcEndpoint),
		programID: programID,
		usdcMint:  usdcMint,
		payer:     payer,
	}
}

func (c *Client) buildAndSend(ctx context.Context, data []byte, accounts solana.AccountMetaSlice) (string, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}

	ix := solana.NewInstruction(c.programID, accounts, data)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(c.payer.PublicKey()),
	)
	if err != nil {
		return "", err
	}

	if err := c.payer.Sign(ctx, tx); err != nil {
		return "", err
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrBroadcastRejected, err)
	}

	return sig.String(), nil
}

// Lock escrows amount USDC for swapID under hashLock and a claim/refund
// pubkey pair.
func (c *Client) Lock(
	ctx context.Context,
	swapID common.Hash,
	amount coins.USDCAmount,
	hashLock common.Hash,
	claimPub, refundPub []byte,
) (*chain.TokenLock, error) {
	data := make([]byte, 0, 1+32+32+8+32+32)
	data = append(data, ixLock)
	data = append(data, swapID[:]...)
	data = append(data, hashLock[:]...)
	var amtBuf [8]byte
	binary.LittleEndian.PutUint64(amtBuf[:], uint64(amount))
	data = append(data, amtBuf[:]...)
	data = append(data, claimPub...)
	data = append(data, refundPub...)

	sigStr, err := c.buildAndSend(ctx, data, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.payer.PublicKey(), true, true),
		solana.NewAccountMeta(c.usdcMint, false, false),
	})
	if err != nil {
		return nil, err
	}

	status, err := c.waitForConfirmation(ctx, sigStr)
	if err != nil {
		return nil, err
	}

	return &chain.TokenLock{Signature: sigStr, Slot: status, Amount: amount, HashLock: hashLock}, nil
}

func (c *Client) waitForConfirmation(ctx context.Context, sigStr string) (uint64, error) {
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", common.ErrBroadcastRejected, err)
	}

	ticker := time.NewTicker(pollDelay)
	defer ticker.Stop()
	for {
		results, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(results.Value) == 1 && results.Value[0] != nil {
			st := results.Value[0]
			if st.Err != nil {
				return 0, fmt.Errorf("%w: transaction failed on-chain", common.ErrBroadcastRejected)
			}
			if st.Slot > 0 {
				return st.Slot, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ObserveLock polls for a lock instruction matching swapID. The teacher's
// ethereum/watcher.EventFilter scans decoded log topics; here there is no
// indexed-log equivalent, so the client scans the program's 100 most recent
// signatures for one whose lock instruction data encodes swapID.
func (c *Client) ObserveLock(ctx context.Context, swapID common.Hash) (*chain.TokenLock, error) {
	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, c.programID, &rpc.GetSignaturesForAddressOpts{
		Limit: intPtr(100),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}

	for _, s := range sigs {
		if s.Err != nil {
			continue
		}
		tx, err := c.rpc.GetTransaction(ctx, s.Signature, &rpc.GetTransactionOpts{
			Encoding: solana.EncodingBase64,
		})
		if err != nil || tx == nil {
			continue
		}
		decoded, err := tx.Transaction.GetTransaction()
		if err != nil {
			continue
		}
		for _, ix := range decoded.Message.Instructions {
			if len(ix.Data) < 1+32+32+8 || ix.Data[0] != ixLock {
				continue
			}
			if string(ix.Data[1:33]) == string(swapID[:]) {
				var hashLock common.Hash
				copy(hashLock[:], ix.Data[33:65])
				amount := coins.USDCAmount(binary.LittleEndian.Uint64(ix.Data[65:73]))
				return &chain.TokenLock{Signature: s.Signature.String(), Slot: s.Slot, Amount: amount, HashLock: hashLock}, nil
			}
		}
	}

	return nil, common.ErrLockNotFound
}

// Confirmations returns how many slots have passed since lock landed.
func (c *Client) Confirmations(ctx context.Context, lock *chain.TokenLock) (uint64, error) {
	current, err := c.rpc.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}
	if current < lock.Slot {
		return 0, nil
	}
	return current - lock.Slot, nil
}

// PublishAdaptorCompletion submits the completed adaptor signature as claim
// instruction data. The claim tx's own signature is the payer's ed25519
// signature, unrelated to the adaptor scheme; the adaptor signature travels
// as instruction payload precisely so counterparties can extract it later
// via ExtractFromClaim without needing any program-specific log decoding.
func (c *Client) PublishAdaptorCompletion(
	ctx context.Context,
	swapID common.Hash,
	lock *chain.TokenLock,
	sig []byte,
) (string, error) {
	data := make([]byte, 0, 1+32+len(sig))
	data = append(data, ixClaim)
	data = append(data, swapID[:]...)
	data = append(data, sig...)

	return c.buildAndSend(ctx, data, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.payer.PublicKey(), true, true),
	})
}

// ObserveClaim polls for a claim instruction matching swapID, the
// counterparty's claim-side analogue of ObserveLock, so a watcher that has
// already seen the lock land can keep watching for its eventual completion.
func (c *Client) ObserveClaim(ctx context.Context, swapID common.Hash) (string, error) {
	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, c.programID, &rpc.GetSignaturesForAddressOpts{
		Limit: intPtr(100),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}

	for _, s := range sigs {
		if s.Err != nil {
			continue
		}
		tx, err := c.rpc.GetTransaction(ctx, s.Signature, &rpc.GetTransactionOpts{
			Encoding: solana.EncodingBase64,
		})
		if err != nil || tx == nil {
			continue
		}
		decoded, err := tx.Transaction.GetTransaction()
		if err != nil {
			continue
		}
		for _, ix := range decoded.Message.Instructions {
			if len(ix.Data) < 1+32 || ix.Data[0] != ixClaim {
				continue
			}
			if string(ix.Data[1:33]) == string(swapID[:]) {
				return s.Signature.String(), nil
			}
		}
	}

	return "", common.ErrLockNotFound
}

// ExtractFromClaim recovers the completed adaptor signature bytes from a
// previously-observed claim transaction.
func (c *Client) ExtractFromClaim(ctx context.Context, txSignature string) ([]byte, error) {
	sig, err := solana.SignatureFromBase58(txSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrSecretExtractionFailed, err)
	}

	tx, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{Encoding: solana.EncodingBase64})
	if err != nil || tx == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}
	decoded, err := tx.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrSecretExtractionFailed, err)
	}

	for _, ix := range decoded.Message.Instructions {
		if len(ix.Data) < 1+32 || ix.Data[0] != ixClaim {
			continue
		}
		return append([]byte(nil), ix.Data[33:]...), nil
	}

	return nil, errors.New("solana: claim instruction not found in transaction")
}

// Refund reclaims a lock back to the refund key once the deadline has
// passed.
func (c *Client) Refund(ctx context.Context, swapID common.Hash, lock *chain.TokenLock, refundSig []byte) (string, error) {
	data := make([]byte, 0, 1+32+len(refundSig))
	data = append(data, ixRefund)
	data = append(data, swapID[:]...)
	data = append(data, refundSig...)

	return c.buildAndSend(ctx, data, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.payer.PublicKey(), true, true),
	})
}

// Balance returns the payer's spendable USDC balance, used by the daemon's
// LiquidityChecker for the PrivateToToken direction (the maker must hold
// enough USDC to fulfil a PrivateToToken lock before quoting one).
func (c *Client) Balance(ctx context.Context) (coins.USDCAmount, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(c.payer.PublicKey(), c.usdcMint)
	if err != nil {
		return 0, fmt.Errorf("solana: failed to derive associated token account: %w", err)
	}

	result, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", common.ErrChainUnreachable, err)
	}

	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("solana: invalid token balance %q: %w", result.Value.Amount, err)
	}
	return coins.USDCAmount(amount), nil
}

func intPtr(i int) *int { return &i }

// Base58Pubkey decodes a base58-encoded Solana public key, the encoding
// used throughout spec §3's CounterpartyPublicKey field.
func Base58Pubkey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("solana: invalid base58 pubkey: %w", err)
	}
	return b, nil
}
