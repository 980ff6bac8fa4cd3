// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package vault implements encrypt-at-rest storage for adaptor secrets
// (spec §4.2). It plays the role the teacher's backend.RecoveryDB plays for
// key material (PutSwapPrivateKey/GetSwapPrivateKey), but generalised into
// its own component with the scoped-release semantics spec §4.2 demands.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/sys/unix"

	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/db"
)

var log = logging.Logger("vault")

const nonceSize = 24

// Vault is the secret vault contract of spec §4.2.
type Vault interface {
	// Put seals s under swapID.
	Put(swapID common.Hash, s [32]byte) error
	// Get returns a scoped plaintext handle for the secret stored under
	// swapID. The caller must call Release on the returned handle.
	Get(swapID common.Hash) (*ScopedPlaintext, error)
	// Erase deletes the secret stored under swapID, if any.
	Erase(swapID common.Hash, reason string) error
}

// ScopedPlaintext is a decrypted secret handle that zeroises its backing
// buffer when released, per spec §4.2 ("get returns a scoped plaintext
// handle that zeroises on release").
type ScopedPlaintext struct {
	mu       sync.Mutex
	buf      [32]byte
	released bool
}

// NewScopedPlaintext wraps secret in a ScopedPlaintext handle, letting
// alternate Vault implementations (such as hand-written test fakes) satisfy
// the same scoped-release contract Get returns.
func NewScopedPlaintext(secret [32]byte) *ScopedPlaintext {
	return &ScopedPlaintext{buf: secret}
}

// Secret returns the 32-byte plaintext. Calling this after Release panics,
// since the buffer has already been zeroised — that would always be a
// caller bug, not a recoverable error.
func (s *ScopedPlaintext) Secret() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic("vault: Secret() called on a released ScopedPlaintext")
	}
	return s.buf
}

// Release zeroises the plaintext buffer. Safe to call multiple times.
func (s *ScopedPlaintext) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.released = true
}

// vault is the production Vault backed by an AEAD-encrypted KV store.
type vault struct {
	store db.SecretStore
	kek   *[32]byte // key-encryption key, locked in memory
}

var _ Vault = (*vault)(nil)

// New constructs a Vault whose key-encryption key is kek — loaded once at
// startup by the caller from an operator-provided source (cmd/swapd reads
// it from an environment variable), per spec §4.2. The vault's own copy of
// kek is mlock'd for the lifetime of the process;
// nacl/secretbox has no concept of "locked memory" itself (no third-party
// locked-memory library appears anywhere in this pack), so this single
// syscall is the one ambient concern implemented directly against
// golang.org/x/sys rather than a pack dependency — see DESIGN.md.
func New(store db.SecretStore, kek [32]byte) (Vault, error) {
	k := kek
	if err := unix.Mlock(k[:]); err != nil {
		log.Warnf("failed to mlock vault key-encryption key: %s", err)
	}
	return &vault{store: store, kek: &k}, nil
}

// Put seals s under swapID and persists the ciphertext.
func (v *vault) Put(swapID common.Hash, s [32]byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("%w: %s", common.ErrVaultUnavailable, err)
	}

	sealed := secretbox.Seal(nonce[:], s[:], &nonce, v.kek)
	if err := v.store.PutSecret(swapID, sealed); err != nil {
		return fmt.Errorf("%w: %s", common.ErrVaultUnavailable, err)
	}
	return nil
}

// Get decrypts and returns the secret stored under swapID.
func (v *vault) Get(swapID common.Hash) (*ScopedPlaintext, error) {
	sealed, err := v.store.GetSecret(swapID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrVaultUnavailable, err)
	}

	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrCorrupted)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, v.kek)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", common.ErrCorrupted)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("%w: unexpected plaintext length", common.ErrCorrupted)
	}

	sp := &ScopedPlaintext{}
	copy(sp.buf[:], out)
	for i := range out {
		out[i] = 0
	}
	return sp, nil
}

// Erase deletes the secret stored under swapID. The daemon never silently
// discards a secret (spec §7): every call site logs the causal reason.
func (v *vault) Erase(swapID common.Hash, reason string) error {
	if err := v.store.DeleteSecret(swapID); err != nil {
		return fmt.Errorf("%w: %s", common.ErrVaultUnavailable, err)
	}
	log.Infof("erased adaptor secret for swap=%s reason=%q", swapID, reason)
	return nil
}
