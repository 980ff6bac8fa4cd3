// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package db

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ChainSafe/chaindb"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

// key prefixes, mirroring the teacher's recovery-DB key namespacing.
const (
	swapPrefix   = "swap/"
	secretPrefix = "secret/"
	metricPrefix = "metric/"
)

// SecretStore is the durable half of the vault's contract (spec §4.2):
// it stores opaque ciphertext, never plaintext.
type SecretStore interface {
	PutSecret(swapID common.Hash, ciphertext []byte) error
	GetSecret(swapID common.Hash) ([]byte, error)
	DeleteSecret(swapID common.Hash) error
}

// SwapStore is the durable record of every swap's state (spec §3).
type SwapStore interface {
	PutSwap(s *Swap) error
	GetSwap(id common.Hash) (*Swap, error)
	GetAllSwaps() ([]*Swap, error)
}

// MetricsStore backs the "metrics" table of spec §6: gauges the core
// maintains but does not itself expose (that's the façade's job).
type MetricsStore interface {
	SetGauge(name string, value int64) error
	Snapshot() (map[string]int64, error)
}

// Store is the full persistence surface the engine and vault depend on.
type Store interface {
	SwapStore
	SecretStore
	MetricsStore
	Close() error
}

// chainDBStore implements Store on top of github.com/ChainSafe/chaindb,
// the same KV abstraction the teacher's db package wraps for recovery
// data. A mutex serialises metric snapshot reads against concurrent
// SetGauge calls; per spec §5 the store itself permits many readers/one
// writer per swap_id, which chaindb's underlying engine (badger) already
// guarantees at the key level.
type chainDBStore struct {
	db chaindb.Database

	metricsMu sync.RWMutex
	metrics   map[string]int64
}

var _ Store = (*chainDBStore)(nil)

// Open opens (or creates) a chaindb-backed store rooted at dataDir,
// mirroring the teacher's db.NewDatabase(datadir).
func Open(dataDir string) (Store, error) {
	cdb, err := chaindb.NewBadgerDB(dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	return &chainDBStore{db: cdb, metrics: make(map[string]int64)}, nil
}

func swapKey(id common.Hash) []byte {
	return append([]byte(swapPrefix), id[:]...)
}

func secretKey(id common.Hash) []byte {
	return append([]byte(secretPrefix), id[:]...)
}

func metricKey(name string) []byte {
	return append([]byte(metricPrefix), []byte(name)...)
}

// PutSwap persists the full swap row, called by the driver before every
// external side effect per spec §5's ordering guarantee.
func (s *chainDBStore) PutSwap(sw *Swap) error {
	b, err := json.Marshal(sw)
	if err != nil {
		return err
	}
	if err := s.db.Put(swapKey(sw.SwapID), b); err != nil {
		return fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	return nil
}

// GetSwap returns the swap row for id, or common.ErrNotFound.
func (s *chainDBStore) GetSwap(id common.Hash) (*Swap, error) {
	b, err := s.db.Get(swapKey(id))
	if errors.Is(err, chaindb.ErrKeyNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	var sw Swap
	if err := json.Unmarshal(b, &sw); err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrCorrupted, err)
	}
	return &sw, nil
}

// GetAllSwaps returns every persisted swap row, used on startup the same
// way the teacher's NewManager loads ongoing swaps into memory.
func (s *chainDBStore) GetAllSwaps() ([]*Swap, error) {
	iter, err := s.db.NewIterator()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	defer iter.Release()

	var out []*Swap
	prefix := []byte(swapPrefix)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix) || string(key[:len(prefix)]) != swapPrefix {
			continue
		}
		var sw Swap
		if err := json.Unmarshal(iter.Value(), &sw); err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrCorrupted, err)
		}
		out = append(out, &sw)
	}
	return out, nil
}

// PutSecret stores opaque ciphertext under swapID.
func (s *chainDBStore) PutSecret(swapID common.Hash, ciphertext []byte) error {
	if err := s.db.Put(secretKey(swapID), ciphertext); err != nil {
		return fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	return nil
}

// GetSecret returns the ciphertext stored under swapID, or common.ErrNotFound.
func (s *chainDBStore) GetSecret(swapID common.Hash) ([]byte, error) {
	b, err := s.db.Get(secretKey(swapID))
	if errors.Is(err, chaindb.ErrKeyNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	return b, nil
}

// DeleteSecret removes the ciphertext stored under swapID. Invariant 2 of
// spec §3 requires this on every terminal transition.
func (s *chainDBStore) DeleteSecret(swapID common.Hash) error {
	if err := s.db.Del(secretKey(swapID)); err != nil {
		return fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	return nil
}

// SetGauge records a metrics-table gauge (spec §6's "metrics" table).
func (s *chainDBStore) SetGauge(name string, value int64) error {
	s.metricsMu.Lock()
	s.metrics[name] = value
	s.metricsMu.Unlock()

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(value))
	if err := s.db.Put(metricKey(name), b[:]); err != nil {
		return fmt.Errorf("%w: %s", common.ErrStoreUnavailable, err)
	}
	return nil
}

// Snapshot returns a point-in-time copy of all gauges, consumed by the
// (external) Prometheus exposition layer through a narrow accessor.
func (s *chainDBStore) Snapshot() (map[string]int64, error) {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	out := make(map[string]int64, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out, nil
}

// Close releases the underlying chaindb handle.
func (s *chainDBStore) Close() error {
	return s.db.Close()
}
