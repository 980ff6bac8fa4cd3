// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package solana

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

var errSignTimeout = errors.New("solana: timed out waiting for external signature")

// transactionTimeout bounds how long the daemon waits for a human to sign
// and return the single transaction the counterparty must sign themselves
// (spec §4.4: "Alice signs one transaction"), mirroring the teacher's
// txsender.ExternalSender.
var transactionTimeout = 2 * time.Minute

// LocalSigner signs with an in-process keypair, used for the maker's own
// side of every lock/claim/refund instruction.
type LocalSigner struct {
	key solana.PrivateKey
}

// NewLocalSigner wraps an already-loaded Solana keypair.
func NewLocalSigner(key solana.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

// PublicKey returns the signer's public key.
func (s *LocalSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Sign signs tx in place.
func (s *LocalSigner) Sign(_ context.Context, tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	return err
}

// ExternalSigner hands outgoing transactions to a front-end for signing and
// waits for the signed transaction to come back, generalising the
// teacher's protocol/txsender.ExternalSender for the one Solana transaction
// the counterparty (Alice, in the teacher's naming) must sign herself: the
// lock instruction funding her own side of the swap. The maker never holds
// the counterparty's key.
type ExternalSigner struct {
	pubKey solana.PublicKey

	mu  sync.Mutex
	out chan *solana.Transaction
	in  chan *solana.Transaction
}

// NewExternalSigner returns an ExternalSigner for a counterparty whose
// public key is already known (exchanged during the Quoted handshake).
func NewExternalSigner(pubKey solana.PublicKey) *ExternalSigner {
	return &ExternalSigner{
		pubKey: pubKey,
		out:    make(chan *solana.Transaction),
		in:     make(chan *solana.Transaction),
	}
}

// PublicKey returns the external party's public key.
func (s *ExternalSigner) PublicKey() solana.PublicKey {
	return s.pubKey
}

// OutgoingCh returns the channel of unsigned transactions awaiting a
// front-end signature.
func (s *ExternalSigner) OutgoingCh() <-chan *solana.Transaction {
	return s.out
}

// IncomingCh returns the channel the front-end pushes signed transactions
// back on.
func (s *ExternalSigner) IncomingCh() chan<- *solana.Transaction {
	return s.in
}

// Sign publishes tx for out-of-process signing and blocks until the signed
// transaction is returned or transactionTimeout elapses.
func (s *ExternalSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.out <- tx:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case signed := <-s.in:
		*tx = *signed
		return nil
	case <-time.After(transactionTimeout):
		return errSignTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
